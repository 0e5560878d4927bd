package pool

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// testMsg is the Req/Resp type used to drive Connection against a real
// in-process gRPC server, the same shape cmd/poolctl uses against a real
// one: structpb.Struct needs no generated stub.
type testMsg = *structpb.Struct

type testCodec struct{}

func (testCodec) BuildPing(id int64) testMsg {
	s, _ := structpb.NewStruct(map[string]any{"kind": "ping", "id": float64(id)})
	return s
}

func (testCodec) ClassifyPong(resp testMsg) (int64, bool) {
	f := resp.GetFields()
	if f["kind"].GetStringValue() != "pong" {
		return 0, false
	}
	return int64(f["id"].GetNumberValue()), true
}

func (testCodec) ExtractSignature(resp testMsg) ([]byte, bool) {
	v, ok := resp.GetFields()["sig"]
	if !ok {
		return nil, false
	}
	return []byte(v.GetStringValue()), true
}

func (testCodec) IsProtocolReset(err error) bool {
	return IsGRPCReset(err)
}

var testStreamDesc = &grpc.StreamDesc{StreamName: "Stream", ClientStreams: true, ServerStreams: true}

func testStreamOpener() StreamOpener[testMsg, testMsg] {
	return func(ctx context.Context, cc *grpc.ClientConn) (Stream[testMsg, testMsg], error) {
		cs, err := cc.NewStream(ctx, testStreamDesc, "/pooltest.Fake/Stream")
		if err != nil {
			return nil, err
		}
		return testClientStream{cs}, nil
	}
}

type testClientStream struct{ cs grpc.ClientStream }

func (s testClientStream) Send(req testMsg) error { return s.cs.SendMsg(req) }
func (s testClientStream) Recv() (testMsg, error) {
	resp := &structpb.Struct{}
	if err := s.cs.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}
func (s testClientStream) CloseSend() error { return s.cs.CloseSend() }

// fakeServer runs a gRPC server with a single bidi-streaming method whose
// behavior is supplied by the test.
type fakeServer struct {
	lis net.Listener
	srv *grpc.Server
	mu  sync.Mutex
	n   int // connection attempts accepted so far
}

func startFakeServer(t *testing.T, handler func(n int, stream grpc.ServerStream) error) *fakeServer {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeServer{lis: lis}
	desc := &grpc.ServiceDesc{
		ServiceName: "pooltest.Fake",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Stream",
			ClientStreams: true,
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				fs.mu.Lock()
				fs.n++
				n := fs.n
				fs.mu.Unlock()
				return handler(n, stream)
			},
		}},
	}
	srv := grpc.NewServer()
	srv.RegisterService(desc, nil)
	fs.srv = srv
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return fs
}

func (fs *fakeServer) addr() string { return fs.lis.Addr().String() }

func echoingPongHandler(n int, stream grpc.ServerStream) error {
	for {
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if req.GetFields()["kind"].GetStringValue() == "ping" {
			resp, _ := structpb.NewStruct(map[string]any{
				"kind": "pong",
				"id":   req.GetFields()["id"].GetNumberValue(),
			})
			if err := stream.SendMsg(resp); err != nil {
				return err
			}
		}
	}
}

func silentHandler(n int, stream grpc.ServerStream) error {
	for {
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return nil
		}
		_ = req // never responds, simulating a stalled peer
	}
}

func newTestConn(t *testing.T, clock Clock, addr string, cfg *Config, hooks ConnHooks[testMsg, testMsg]) *Connection[testMsg, testMsg] {
	t.Helper()
	transport := NewGRPCTransport[testMsg, testMsg](testStreamOpener(), DefaultChannelOptions(), true)
	ep := Endpoint{Name: "ep1", Address: addr}
	return NewConnection[testMsg, testMsg](ep, cfg, transport, testCodec{}, hooks)
}

// baseTestConfig returns a Config tuned for fast, deterministic connection
// tests: ping disabled by default (tests that need it override StreamPing
// before constructing the connection) and a health-check
// interval long enough to stay out of the way of a FakeClock that is only
// advanced by small amounts.
func baseTestConfig(clock Clock) *Config {
	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.ConnectionTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.HealthCheckInterval = time.Hour
	cfg.StreamPing.Enabled = false
	cfg.Circuit.MinRequestThreshold = 1000 // keep the breaker out of the way
	return &cfg
}

func waitForState[Req, Resp any](t *testing.T, c *Connection[Req, Resp], want ConnState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %v, stuck at %v", want, c.State())
}

func TestConnection_ConnectsAndDeliversFrames(t *testing.T) {
	fs := startFakeServer(t, func(n int, stream grpc.ServerStream) error {
		resp, _ := structpb.NewStruct(map[string]any{"sig": "sig-1"})
		if err := stream.SendMsg(resp); err != nil {
			return err
		}
		return echoingPongHandler(n, stream)
	})

	clock := NewFakeClock(time.Unix(0, 0))
	cfg := baseTestConfig(clock)

	var mu sync.Mutex
	var connectedCalled bool
	var frames []testMsg
	hooks := ConnHooks[testMsg, testMsg]{
		OnConnected: func(ep string, send func(testMsg) error) error {
			mu.Lock()
			connectedCalled = true
			mu.Unlock()
			return nil
		},
		OnFrame: func(ep string, resp testMsg) {
			mu.Lock()
			frames = append(frames, resp)
			mu.Unlock()
		},
	}

	c := newTestConn(t, clock, fs.addr(), cfg, hooks)
	c.Start()
	defer c.Stop()

	waitForState(t, c, StateConnected, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := len(frames)
		mu.Unlock()
		if got > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no frame delivered within deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !connectedCalled {
		t.Fatal("OnConnected was never invoked")
	}
	sig, ok := testCodec{}.ExtractSignature(frames[0])
	if !ok || string(sig) != "sig-1" {
		t.Fatalf("frame signature = %q, ok=%v, want sig-1", sig, ok)
	}
}

func TestConnection_PingTimeoutMarksFailed(t *testing.T) {
	fs := startFakeServer(t, silentHandler)

	clock := NewFakeClock(time.Unix(0, 0))
	cfg := baseTestConfig(clock)
	cfg.StreamPing.Enabled = true
	cfg.StreamPing.Interval = time.Second
	cfg.StreamPing.Timeout = 500 * time.Millisecond
	cfg.StreamPing.MaxMissedPongs = 2

	var mu sync.Mutex
	var transitions [][2]ConnState
	hooks := ConnHooks[testMsg, testMsg]{
		OnStateChange: func(ep string, from, to ConnState, err error) {
			mu.Lock()
			transitions = append(transitions, [2]ConnState{from, to})
			mu.Unlock()
		},
	}

	c := newTestConn(t, clock, fs.addr(), cfg, hooks)
	c.Start()
	defer c.Stop()

	waitForState(t, c, StateConnected, 2*time.Second)

	// Two missed pongs: ping at t=1s, timeout at t=1.5s; ping at t=2s...
	// The short real sleep between the two Advance calls gives the ping
	// loop's goroutine time to actually send the ping and register its
	// timeout timer before the clock moves past it.
	for i := 0; i < 2; i++ {
		clock.Advance(cfg.StreamPing.Interval)
		time.Sleep(50 * time.Millisecond)
		clock.Advance(cfg.StreamPing.Timeout)
		time.Sleep(50 * time.Millisecond)
	}

	waitForState(t, c, StateFailed, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, tr := range transitions {
		if tr[0] == StateConnected && tr[1] == StateFailed {
			found = true
		}
	}
	if !found {
		t.Fatalf("no Connected->Failed transition observed, got %v", transitions)
	}
}

func TestConnection_StreamErrorTriggersReconnect(t *testing.T) {
	fs := startFakeServer(t, func(n int, stream grpc.ServerStream) error {
		req := &structpb.Struct{}
		_ = stream.RecvMsg(req)
		if n == 1 {
			// First connection: hang up immediately after the client's
			// first write, forcing a reconnect cycle.
			return io.ErrUnexpectedEOF
		}
		return echoingPongHandler(n, stream)
	})

	clock := NewFakeClock(time.Unix(0, 0))
	cfg := baseTestConfig(clock)
	cfg.ReconnectBaseDelay = time.Second

	var mu sync.Mutex
	var states []ConnState
	hooks := ConnHooks[testMsg, testMsg]{
		OnConnected: func(ep string, send func(testMsg) error) error {
			return send(testCodec{}.BuildPing(0))
		},
		OnStateChange: func(ep string, from, to ConnState, err error) {
			mu.Lock()
			states = append(states, to)
			mu.Unlock()
		},
	}

	c := newTestConn(t, clock, fs.addr(), cfg, hooks)
	c.Start()
	defer c.Stop()

	waitForState(t, c, StateFailed, 2*time.Second)

	// A stream failure after a successful connect does not go through the
	// backoff branch (the reconnect counter only advances on a failed
	// connect attempt), so runLoop retries immediately without waiting on
	// the FakeClock.
	waitForState(t, c, StateConnected, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	var sawFailed bool
	for _, s := range states {
		if s == StateFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("expected a Failed transition before reconnecting, got %v", states)
	}
}

func TestConnection_StopIsNotADeadlock(t *testing.T) {
	fs := startFakeServer(t, echoingPongHandler)
	clock := NewFakeClock(time.Unix(0, 0))
	cfg := baseTestConfig(clock)

	c := newTestConn(t, clock, fs.addr(), cfg, ConnHooks[testMsg, testMsg]{})
	c.Start()
	waitForState(t, c, StateConnected, 2*time.Second)

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() deadlocked")
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state after Stop() = %v, want Disconnected", got)
	}
}

func TestConnection_ForceReconnectSkipsStateHook(t *testing.T) {
	fs := startFakeServer(t, echoingPongHandler)
	clock := NewFakeClock(time.Unix(0, 0))
	cfg := baseTestConfig(clock)

	var mu sync.Mutex
	var hookCalls int
	hooks := ConnHooks[testMsg, testMsg]{
		OnStateChange: func(ep string, from, to ConnState, err error) {
			mu.Lock()
			hookCalls++
			mu.Unlock()
		},
	}

	c := newTestConn(t, clock, fs.addr(), cfg, hooks)
	c.Start()
	defer c.Stop()
	waitForState(t, c, StateConnected, 2*time.Second)

	mu.Lock()
	before := hookCalls
	mu.Unlock()

	c.ForceReconnect(errBoom)

	if got := c.State(); got != StateFailed {
		t.Fatalf("state after ForceReconnect = %v, want Failed", got)
	}
	mu.Lock()
	after := hookCalls
	mu.Unlock()
	if after != before {
		t.Fatalf("ForceReconnect should not invoke OnStateChange: calls went from %d to %d", before, after)
	}
}
