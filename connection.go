package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
)

// ConnHooks lets the owning Pool Manager observe and drive one Connection
// without either side reaching into the other's mutable state directly
// (spec section 5: "The pool does not reach into another connection's
// state directly; it calls the connection's methods."). This is also how
// the cyclic-callback problem in SPEC_FULL/spec section 9 is broken: the
// pool hands the connection a sink, instead of the connection importing
// the pool.
type ConnHooks[Req, Resp any] struct {
	// OnStateChange fires on every state transition. err is populated only
	// for transitions into StateFailed. The Pool derives
	// ConnectionEstablished/ConnectionRecovered/ConnectionLost from the
	// (from, to) pair (its message-timeout sweeper emits its own
	// ConnectionLost separately), so Connection itself never has to know
	// event naming.
	OnStateChange func(ep string, from, to ConnState, err error)
	// OnConnected fires synchronously once a new stream is open and the
	// initial liveness probe has succeeded, before any frames are read.
	// The Pool uses send to replay the active subscription request (spec
	// section 4.4). A returned error fails the connect attempt.
	OnConnected func(ep string, send func(Req) error) error
	// OnFrame delivers every non-pong frame read from the stream, in
	// per-endpoint order.
	OnFrame func(ep string, resp Resp)
}

// Connection owns one transport client and at most one active
// bidirectional stream to one endpoint (spec section 3/4.3).
type Connection[Req, Resp any] struct {
	ep        Endpoint
	cfg       *Config
	transport *GRPCTransport[Req, Resp]
	codec     Codec[Req, Resp]
	breaker   *CircuitBreaker
	clock     Clock
	logger    Logger
	hooks     ConnHooks[Req, Resp]

	mu                      sync.Mutex
	state                   ConnState
	cc                      *grpc.ClientConn
	stream                  Stream[Req, Resp]
	streamCancel            context.CancelFunc
	streamGen               int64
	nextPingID              int64
	pendingPongs            map[int64]struct{}
	consecutiveMissedPongs  int
	consecutivePingFailures int
	reconnectAttempts       int
	hasConnectedOnce        bool
	lastDataMessageAt       time.Time
	lastAnyFrameAt          time.Time

	running   bool
	stopping  bool
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// NewConnection constructs a Connection for one endpoint. cfg is shared
// (read-mostly) configuration owned by the Pool.
func NewConnection[Req, Resp any](
	ep Endpoint,
	cfg *Config,
	transport *GRPCTransport[Req, Resp],
	codec Codec[Req, Resp],
	hooks ConnHooks[Req, Resp],
) *Connection[Req, Resp] {
	return &Connection[Req, Resp]{
		ep:           ep,
		cfg:          cfg,
		transport:    transport,
		codec:        codec,
		hooks:        hooks,
		breaker:      NewCircuitBreaker(ep.Name, cfg.Circuit, cfg.Clock),
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		state:        StateDisconnected,
		pendingPongs: make(map[int64]struct{}),
	}
}

// Start is idempotent; it initiates connect and begins the health-check
// loop (spec section 4.3).
func (c *Connection[Req, Resp]) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	c.runDone = make(chan struct{})
	c.running = true
	c.reconnectAttempts = 0
	c.hasConnectedOnce = false
	c.mu.Unlock()

	go c.runLoop(ctx)
	go c.healthCheckLoop(ctx)
}

// Stop cancels timers, cancels the current stream, releases the transport
// client, and moves to StateDisconnected. The stream must be cancelled
// before waiting on runDone: runLoop's read loop only notices shutdown by
// way of its stream erroring out, not by polling the outer context.
func (c *Connection[Req, Resp]) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.stopping = true
	cancel := c.runCancel
	done := c.runDone
	c.closeStreamLocked()
	c.closeConnLocked()
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	c.transitionLocked(StateDisconnected, nil)
	c.stopping = false
	c.mu.Unlock()
}

// ForceReconnect releases the transport client, marks Failed, and leaves
// the reconnect counter untouched so runLoop's existing backoff schedule
// continues (spec section 4.3). It deliberately does not invoke
// OnStateChange for a Connected->Failed transition's usual side effects
// beyond the bookkeeping change itself, since the caller (the pool's
// message-timeout sweeper) has already emitted its own ConnectionLost.
func (c *Connection[Req, Resp]) ForceReconnect(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeStreamLocked()
	c.closeConnLocked()
	c.state = StateFailed
	_ = reason
}

// IsHealthy reports whether the connection currently believes it has a
// usable stream.
func (c *Connection[Req, Resp]) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// LastMessageAt returns the connection's own "is the pipe delivering
// anything" timestamp, updated by both data and pong frames (spec section
// 4.3). Use LastDataMessageAt for the pool's staleness sweep.
func (c *Connection[Req, Resp]) LastMessageAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAnyFrameAt
}

// LastDataMessageAt returns the last time a non-pong frame arrived.
func (c *Connection[Req, Resp]) LastDataMessageAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDataMessageAt
}

// IsStale reports whether no frame of any kind has arrived within timeout.
func (c *Connection[Req, Resp]) IsStale(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastAnyFrameAt.IsZero() {
		return false
	}
	return c.clock.Now().Sub(c.lastAnyFrameAt) > timeout
}

// Health snapshots the fields needed for HealthStatus()/Metrics().
func (c *Connection[Req, Resp]) Health() EndpointHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return EndpointHealth{
		Endpoint:                c.ep.Name,
		State:                   c.state,
		BreakerMode:             c.breaker.Mode(),
		ConsecutivePingFailures: c.consecutivePingFailures,
		ConsecutiveMissedPongs:  c.consecutiveMissedPongs,
		ReconnectAttempts:       c.reconnectAttempts,
		LastDataMessageAt:       c.lastDataMessageAt,
		LastAnyFrameAt:          c.lastAnyFrameAt,
	}
}

func (c *Connection[Req, Resp]) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transitionLocked updates state and fires OnStateChange. Caller holds mu;
// OnStateChange is invoked after releasing the lock to avoid calling back
// into this connection while it is held.
func (c *Connection[Req, Resp]) transitionLocked(to ConnState, err error) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if to == StateConnected {
		c.reconnectAttempts = 0
		c.consecutiveMissedPongs = 0
		c.consecutivePingFailures = 0
	}
	ep := c.ep.Name
	hook := c.hooks.OnStateChange
	c.mu.Unlock()
	if hook != nil {
		hook(ep, from, to, err)
	}
	c.mu.Lock()
}

// runLoop drives the Disconnected/Connecting/Reconnecting/Connected/Failed
// cycle forever, per the state table in spec section 4.3.
func (c *Connection[Req, Resp]) runLoop(ctx context.Context) {
	defer close(c.runDone)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		// hasConnectedOnce, not reconnectAttempts, decides the label:
		// ForceReconnect (the message-timeout sweeper's forced Failed
		// transition) leaves reconnectAttempts untouched, so a connection
		// that was Connected at least once and then force-failed must still
		// read as Reconnecting here even on what would otherwise look like
		// attempt zero.
		if c.hasConnectedOnce {
			c.transitionLocked(StateReconnecting, nil)
		} else {
			c.transitionLocked(StateConnecting, nil)
		}
		c.mu.Unlock()

		err := c.attemptConnect(ctx)
		if err != nil {
			c.mu.Lock()
			c.transitionLocked(StateFailed, err)
			c.reconnectAttempts++
			attempts := c.reconnectAttempts
			c.mu.Unlock()

			if c.cfg.ReconnectMaxAttempts > 0 && attempts > c.cfg.ReconnectMaxAttempts {
				c.logger.errorEndpoint(c.ep.Name, err, "exhausted reconnect attempts, giving up")
				return
			}

			delay := c.backoffDelay(attempts)
			c.logger.warnEndpoint(c.ep.Name, err, "connect attempt failed, backing off")
			select {
			case <-c.clock.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		// Connected: run the frame consumer and (if enabled) the ping
		// loop until the stream ends.
		c.runConnectedSession(ctx)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Connection[Req, Resp]) backoffDelay(attempts int) time.Duration {
	base := c.cfg.ReconnectBaseDelay
	if c.ep.ReconnectBaseDelay > 0 {
		base = c.ep.ReconnectBaseDelay
	}
	d := base
	for i := 0; i < attempts-1 && i < 30; i++ {
		d *= 2
	}
	const maxDelay = 30 * time.Second
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// attemptConnect runs one dial+stream-open+probe+replay attempt under the
// circuit breaker (spec section 4.3's OpenSubscriptionStream, folded into
// the connect cycle since this codebase has no separate caller-visible
// "open then later replay" step).
func (c *Connection[Req, Resp]) attemptConnect(ctx context.Context) error {
	if c.cfg.reconnectLimiter != nil {
		if err := c.cfg.reconnectLimiter.Wait(ctx); err != nil {
			return err
		}
	}
	return c.breaker.Execute(ctx, func(opCtx context.Context) error {
		connectTimeout := c.cfg.ConnectionTimeout
		if c.ep.ConnectionTimeout > 0 {
			connectTimeout = c.ep.ConnectionTimeout
		}
		dialCtx, cancel := context.WithTimeout(opCtx, connectTimeout)
		defer cancel()

		cc, err := c.transport.Dial(dialCtx, c.ep)
		if err != nil {
			return err
		}

		reqTimeout := c.cfg.RequestTimeout
		if c.ep.RequestTimeout > 0 {
			reqTimeout = c.ep.RequestTimeout
		}
		probeCtx, probeCancel := context.WithTimeout(opCtx, reqTimeout)
		err = c.probe(probeCtx, cc)
		probeCancel()
		if err != nil {
			cc.Close()
			return err
		}

		// The stream itself must outlive opCtx: opCtx is torn down by
		// breaker.Execute's defer the instant this closure returns, even on
		// success, so a live stream can never be rooted in it directly.
		// But a breaker timeout that fires mid-attempt still needs to tear
		// the stream down rather than leave it dangling under a caller that
		// has already moved on to backoff; streamCancel is wired to fire
		// either from closeStreamLocked later, or from this watcher the
		// moment opCtx expires before the attempt finishes committing.
		streamCtx, streamCancel := context.WithCancel(context.Background())
		attemptDone := make(chan struct{})
		defer close(attemptDone)
		go func() {
			select {
			case <-opCtx.Done():
				streamCancel()
			case <-attemptDone:
			}
		}()

		stream, err := c.transport.OpenStream(streamCtx, cc, c.ep)
		if err != nil {
			streamCancel()
			cc.Close()
			return err
		}
		if opCtx.Err() != nil {
			// The breaker's deadline expired while OpenStream was in
			// flight; the watcher above already cancelled streamCtx. Don't
			// commit a stream the caller has already abandoned.
			streamCancel()
			cc.Close()
			return opCtx.Err()
		}

		c.mu.Lock()
		c.closeStreamLocked()
		c.closeConnLocked()
		c.cc = cc
		c.stream = stream
		c.streamCancel = streamCancel
		c.streamGen++
		gen := c.streamGen
		now := c.clock.Now()
		c.lastDataMessageAt = now
		c.lastAnyFrameAt = now
		c.mu.Unlock()

		send := func(req Req) error {
			c.mu.Lock()
			st := c.stream
			curGen := c.streamGen
			c.mu.Unlock()
			if st == nil || curGen != gen {
				return ErrCancelled
			}
			return st.Send(req)
		}

		if c.hooks.OnConnected != nil {
			if err := c.hooks.OnConnected(c.ep.Name, send); err != nil {
				c.mu.Lock()
				if c.streamGen == gen {
					c.closeStreamLocked()
					c.closeConnLocked()
				}
				c.mu.Unlock()
				return err
			}
		}

		c.mu.Lock()
		if opCtx.Err() != nil {
			// Same race as above: the deadline could have expired during
			// OnConnected's replay send. Tear down instead of committing to
			// StateConnected out from under a caller that already gave up.
			if c.streamGen == gen {
				c.closeStreamLocked()
				c.closeConnLocked()
			}
			c.mu.Unlock()
			return opCtx.Err()
		}
		c.hasConnectedOnce = true
		c.transitionLocked(StateConnected, nil)
		c.mu.Unlock()
		c.logger.infoEndpoint(c.ep.Name, "stream established")
		return nil
	})
}

// probe issues the out-of-band liveness check used both for the initial
// Connecting->Connected transition and the periodic health-check loop.
func (c *Connection[Req, Resp]) probe(ctx context.Context, cc *grpc.ClientConn) error {
	if c.transport.Prober != nil {
		return c.transport.Prober(ctx, cc)
	}
	cc.Connect()
	for {
		state := cc.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if !cc.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// runConnectedSession starts the ping loop and reads frames until the
// stream ends, fails, or the connection is stopped.
func (c *Connection[Req, Resp]) runConnectedSession(ctx context.Context) {
	c.mu.Lock()
	stream := c.stream
	gen := c.streamGen
	c.mu.Unlock()
	if stream == nil {
		return
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()

	skipPing := c.ep.SkipPing || !c.cfg.StreamPing.Enabled
	if !skipPing {
		go c.pingLoop(pingCtx, gen)
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			c.handleStreamError(gen, err)
			return
		}

		c.mu.Lock()
		if c.streamGen != gen {
			c.mu.Unlock()
			return
		}
		now := c.clock.Now()
		c.lastAnyFrameAt = now

		if id, isPong := c.codec.ClassifyPong(resp); isPong {
			delete(c.pendingPongs, id)
			c.consecutiveMissedPongs = 0
			c.mu.Unlock()
			continue
		}

		c.lastDataMessageAt = now
		c.mu.Unlock()

		if c.hooks.OnFrame != nil {
			c.hooks.OnFrame(c.ep.Name, resp)
		}
	}
}

func (c *Connection[Req, Resp]) handleStreamError(gen int64, err error) {
	c.mu.Lock()
	if c.streamGen != gen || c.stopping {
		// Either superseded by a newer stream, or Stop() already owns the
		// transition to StateDisconnected.
		c.mu.Unlock()
		return
	}
	if c.state == StateFailed {
		// Already transitioned by ForceReconnect or a concurrent
		// ping/health-check failure; nothing further to do.
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	c.closeStreamLocked()
	c.closeConnLocked()
	if wasConnected {
		c.transitionLocked(StateFailed, err)
	} else {
		c.state = StateFailed
	}
	c.mu.Unlock()
}

// pingLoop sends periodic ping frames and fails the stream after
// maxMissedPongs consecutive timeouts (spec section 4.3).
func (c *Connection[Req, Resp]) pingLoop(ctx context.Context, gen int64) {
	interval := c.cfg.StreamPing.Interval
	timeout := c.cfg.StreamPing.Timeout
	maxMissed := c.cfg.StreamPing.MaxMissedPongs

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		c.mu.Lock()
		if c.streamGen != gen || c.stream == nil {
			c.mu.Unlock()
			return
		}
		id := atomic.AddInt64(&c.nextPingID, 1)
		c.pendingPongs[id] = struct{}{}
		stream := c.stream
		c.mu.Unlock()

		if err := stream.Send(c.codec.BuildPing(id)); err != nil {
			return
		}
		c.logger.debugf("endpoint=%s sent ping id=%d", c.ep.Name, id)

		timer := c.clock.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
			c.mu.Lock()
			if c.streamGen != gen {
				c.mu.Unlock()
				return
			}
			if _, stillPending := c.pendingPongs[id]; stillPending {
				delete(c.pendingPongs, id)
				c.consecutiveMissedPongs++
				missed := c.consecutiveMissedPongs
				if missed >= maxMissed {
					c.closeStreamLocked()
					c.closeConnLocked()
					c.transitionLocked(StateFailed, errPingTimeout)
					c.mu.Unlock()
					return
				}
			}
			c.mu.Unlock()
		}
	}
}

// healthCheckLoop issues the endpoint-level liveness probe independent of
// stream pings (spec section 4.3); three consecutive failures mark the
// connection Failed.
func (c *Connection[Req, Resp]) healthCheckLoop(ctx context.Context) {
	if c.ep.SkipPing {
		return
	}
	interval := c.cfg.HealthCheckInterval
	if c.ep.HealthCheckInterval > 0 {
		interval = c.ep.HealthCheckInterval
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		c.mu.Lock()
		cc := c.cc
		connected := c.state == StateConnected
		c.mu.Unlock()
		if !connected || cc == nil {
			continue
		}

		reqTimeout := c.cfg.RequestTimeout
		if c.ep.RequestTimeout > 0 {
			reqTimeout = c.ep.RequestTimeout
		}
		probeCtx, cancel := context.WithTimeout(ctx, reqTimeout)
		err := c.probe(probeCtx, cc)
		cancel()

		c.mu.Lock()
		if err != nil {
			c.consecutivePingFailures++
			if c.consecutivePingFailures >= 3 && c.state == StateConnected {
				c.closeStreamLocked()
				c.closeConnLocked()
				c.transitionLocked(StateFailed, err)
			}
		} else {
			c.consecutivePingFailures = 0
		}
		c.mu.Unlock()
	}
}

// closeStreamLocked runs the three-step closure discipline on the current
// stream: cancel, end-writer, destroy-local-reference (spec sections 4.3,
// GLOSSARY). Caller holds mu.
func (c *Connection[Req, Resp]) closeStreamLocked() {
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
	if c.stream != nil {
		st := c.stream
		c.stream = nil
		go closeAsync(c.clock, c.logger, c.ep.Name, "stream", st.CloseSend)
	}
	c.pendingPongs = make(map[int64]struct{})
}

// closeConnLocked releases the transport client with the same discipline.
// Caller holds mu.
func (c *Connection[Req, Resp]) closeConnLocked() {
	if c.cc != nil {
		cc := c.cc
		c.cc = nil
		go closeAsync(c.clock, c.logger, c.ep.Name, "transport client", cc.Close)
	}
}

// closeAsyncTimeout bounds how long closeAsync waits for fn before logging
// and abandoning it; not configurable since it is a best-effort cleanup
// courtesy log, not a correctness-bearing deadline.
const closeAsyncTimeout = 3 * time.Second

// closeAsync runs fn (a stream/transport close) in its own goroutine and
// waits via clock rather than real time, matching every other timing path
// in this package's use of the injected Clock for deterministic tests.
func closeAsync(clock Clock, logger Logger, ep, what string, fn func() error) {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		if err != nil && !isCancelledErr(err) {
			logger.warnEndpoint(ep, err, what+" close reported an error")
		}
	case <-clock.After(closeAsyncTimeout):
		logger.warnEndpoint(ep, nil, what+" close did not complete within its timeout")
	}
}

var errPingTimeout = &pingTimeoutError{}

type pingTimeoutError struct{}

func (*pingTimeoutError) Error() string { return "ping timeout: max missed pongs exceeded" }

func isCancelledErr(err error) bool {
	if err == nil {
		return false
	}
	if err == context.Canceled {
		return true
	}
	if st, ok := status.FromError(err); ok {
		return st.Code() == codes.Canceled
	}
	return false
}
