package pool

import (
	"context"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Stream is the minimal bidirectional-stream contract the pool needs from a
// generated gRPC client stub, parameterized over the caller's own request
// and response message types. The upstream protocol is out of scope (spec
// section 1): the pool only ever calls Send/Recv/CloseSend, exactly the
// surface the teacher used directly against pb.Geyser_SubscribeClient.
type Stream[Req, Resp any] interface {
	Send(Req) error
	Recv() (Resp, error)
	CloseSend() error
}

// StreamOpener opens a new bidirectional stream on an established
// *grpc.ClientConn. Callers supply this as a thin closure around their
// generated client's streaming RPC method, e.g.
// `func(ctx context.Context, cc *grpc.ClientConn) (pool.Stream[*pb.Req, *pb.Resp], error) {
//      return pb.NewGeyserClient(cc).Subscribe(ctx)
//  }`
// mirroring the teacher's `geyserClient.Subscribe(streamCtx)` call.
type StreamOpener[Req, Resp any] func(ctx context.Context, cc *grpc.ClientConn) (Stream[Req, Resp], error)

// Codec supplies the frame-shape knowledge the spec explicitly keeps out of
// the pool's scope (section 6): how to build a ping, how to recognize a
// pong and extract its id, and how to extract a data frame's dedup
// signature.
type Codec[Req, Resp any] interface {
	BuildPing(id int64) Req
	ClassifyPong(resp Resp) (id int64, isPong bool)
	ExtractSignature(resp Resp) (sig []byte, ok bool)

	// IsProtocolReset classifies an error observed while opening or
	// writing to a stream as a server-initiated reset rather than an
	// ordinary transient failure: replaySubscription triples the
	// stream-start backoff delay, with a ProtocolResetFloor minimum, for
	// exactly this case. Transport-layer
	// knowledge of what a reset looks like on the wire belongs with the
	// rest of Codec's frame-shape knowledge, not the pool. Implementations
	// built on GRPCTransport typically delegate straight to IsGRPCReset.
	IsProtocolReset(err error) bool
}

// IsGRPCReset reports whether err carries a gRPC status treated here as a
// stream reset: any Unavailable or Aborted status, or an Internal status
// whose message mentions RST_STREAM. Unavailable is also the status of an
// unreachable or dropped connection, so such errors classify as resets too.
func IsGRPCReset(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.Aborted:
		return true
	case codes.Internal:
		return strings.Contains(st.Message(), "RST_STREAM")
	default:
		return false
	}
}

// GRPCTransport dials endpoints with google.golang.org/grpc, reproducing
// the teacher's connect() (TLS, keepalive, backoff, message-size limits,
// optional gzip) generalized across endpoints instead of hardcoded for one.
type GRPCTransport[Req, Resp any] struct {
	opener       StreamOpener[Req, Resp]
	channelOpts  ChannelOptions
	insecureDial bool

	// Prober, when set, replaces the default connectivity-state liveness
	// check used both at connect time and by the periodic health-check
	// loop. Callers with a lightweight unary health RPC can plug it in
	// here instead.
	Prober func(ctx context.Context, cc *grpc.ClientConn) error
}

// ChannelOptions configures gRPC channel behavior, carried over from the
// teacher's LaserstreamConfig.ChannelOptions with the same defaults.
type ChannelOptions struct {
	ConnectTimeout    time.Duration
	MinConnectTimeout time.Duration

	MaxRecvMsgSize int
	MaxSendMsgSize int

	KeepaliveTime       time.Duration
	KeepaliveTimeout    time.Duration
	PermitWithoutStream bool

	InitialWindowSize     int32
	InitialConnWindowSize int32

	WriteBufferSize int
	ReadBufferSize  int

	UseCompression bool
}

// DefaultChannelOptions mirrors the literal defaults in the teacher's
// connect().
func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{
		ConnectTimeout:        10 * time.Second,
		MinConnectTimeout:     10 * time.Second,
		MaxRecvMsgSize:        1024 * 1024 * 1024,
		MaxSendMsgSize:        32 * 1024 * 1024,
		KeepaliveTime:         30 * time.Second,
		KeepaliveTimeout:      5 * time.Second,
		PermitWithoutStream:   true,
		InitialWindowSize:     4 * 1024 * 1024,
		InitialConnWindowSize: 8 * 1024 * 1024,
		WriteBufferSize:       64 * 1024,
	}
}

// NewGRPCTransport builds a transport that opens streams via opener. When
// insecureDial is true, plaintext credentials are used (for tests against
// an in-process fake server); production callers leave it false to get TLS
// exactly as the teacher's connect() always did.
func NewGRPCTransport[Req, Resp any](opener StreamOpener[Req, Resp], channelOpts ChannelOptions, insecureDial bool) *GRPCTransport[Req, Resp] {
	return &GRPCTransport[Req, Resp]{opener: opener, channelOpts: channelOpts, insecureDial: insecureDial}
}

// Dial establishes a *grpc.ClientConn for ep, applying the same channel
// option translation as the teacher's connect().
func (t *GRPCTransport[Req, Resp]) Dial(ctx context.Context, ep Endpoint) (*grpc.ClientConn, error) {
	target := dialTarget(ep.Address)

	var creds credentials.TransportCredentials
	if t.insecureDial {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewClientTLSFromCert(nil, "")
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}

	co := t.channelOpts

	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                co.KeepaliveTime,
		Timeout:             co.KeepaliveTimeout,
		PermitWithoutStream: co.PermitWithoutStream,
	}))

	callOpts := []grpc.CallOption{
		grpc.MaxCallRecvMsgSize(co.MaxRecvMsgSize),
		grpc.MaxCallSendMsgSize(co.MaxSendMsgSize),
	}
	if co.UseCompression {
		callOpts = append(callOpts, grpc.UseCompressor(gzip.Name))
	}
	opts = append(opts, grpc.WithDefaultCallOptions(callOpts...))

	opts = append(opts, grpc.WithConnectParams(grpc.ConnectParams{
		Backoff:           backoff.DefaultConfig,
		MinConnectTimeout: co.MinConnectTimeout,
	}))

	if co.InitialWindowSize > 0 {
		opts = append(opts, grpc.WithInitialWindowSize(co.InitialWindowSize))
	}
	if co.InitialConnWindowSize > 0 {
		opts = append(opts, grpc.WithInitialConnWindowSize(co.InitialConnWindowSize))
	}
	if co.WriteBufferSize > 0 {
		opts = append(opts, grpc.WithWriteBufferSize(co.WriteBufferSize))
	}
	if co.ReadBufferSize > 0 {
		opts = append(opts, grpc.WithReadBufferSize(co.ReadBufferSize))
	}

	return grpc.DialContext(ctx, target, opts...)
}

// OpenStream opens a new stream on cc and attaches endpoint metadata the
// same way the teacher's connectAndStream did (SDK name/version, API key).
func (t *GRPCTransport[Req, Resp]) OpenStream(ctx context.Context, cc *grpc.ClientConn, ep Endpoint) (Stream[Req, Resp], error) {
	md := metadata.New(map[string]string{
		"x-sdk-name":    sdkName,
		"x-sdk-version": sdkVersion,
	})
	if ep.Credential != "" {
		md.Set("x-token", ep.Credential)
	}
	ctx = metadata.NewOutgoingContext(ctx, md)
	return t.opener(ctx, cc)
}

const (
	sdkName    = "grpcpool-go"
	sdkVersion = "1.0.0"
)

// dialTarget reproduces the teacher's endpoint-string normalization in
// connect(): URL forms keep their host[:port] (defaulting to :443), bare
// host:port forms pass through, and bare hosts get :443 appended.
func dialTarget(endpoint string) string {
	if strings.HasPrefix(endpoint, "https://") || strings.HasPrefix(endpoint, "http://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return endpoint
		}
		if u.Port() != "" {
			return u.Host
		}
		return u.Hostname() + ":443"
	}
	if strings.Contains(endpoint, ":") {
		return endpoint
	}
	return endpoint + ":443"
}
