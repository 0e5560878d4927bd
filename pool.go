package pool

import (
	"context"
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"

	"github.com/multipool/grpcpool/internal/signalcoord"
)

// Pool is the root object: it owns every per-endpoint Connection, the
// shared Dedup Cache, the active subscription, and the merged event
// stream (spec section 3: "Pool Manager (root)"). It never reaches into a
// Connection's internal state directly, only through the methods
// Connection exposes and the hooks it was constructed with.
type Pool[Req, Resp any] struct {
	cfg       Config
	transport *GRPCTransport[Req, Resp]
	codec     Codec[Req, Resp]

	order []string
	conns map[string]*Connection[Req, Resp]

	dedup *DedupCache
	sub   *SubscriptionState[Req]

	mu            sync.RWMutex
	running       bool
	everConnected map[string]bool
	stopCh        chan struct{}

	bgWg sync.WaitGroup

	events chan Event

	metricsMu sync.Mutex
	metrics   Metrics
}

// New validates cfg, applies defaults, and builds one Connection per
// configured endpoint sharing transport and codec. The pool is not started
// until Start is called.
func New[Req, Resp any](cfg Config, transport *GRPCTransport[Req, Resp], codec Codec[Req, Resp]) (*Pool[Req, Resp], error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Pool[Req, Resp]{
		cfg:           cfg,
		transport:     transport,
		codec:         codec,
		conns:         make(map[string]*Connection[Req, Resp], len(cfg.Endpoints)),
		dedup:         NewDedupCache(cfg.DedupWindow, cfg.MaxCacheSize, cfg.Clock),
		sub:           &SubscriptionState[Req]{},
		everConnected: make(map[string]bool, len(cfg.Endpoints)),
		events:        make(chan Event, 1024),
		metrics: Metrics{
			PerEndpoint: make(map[string]*EndpointMetrics, len(cfg.Endpoints)),
		},
	}

	for _, ep := range cfg.Endpoints {
		p.order = append(p.order, ep.Name)
		p.metrics.PerEndpoint[ep.Name] = &EndpointMetrics{}
		hooks := ConnHooks[Req, Resp]{
			OnStateChange: p.onStateChange,
			OnConnected:   p.onConnected,
			OnFrame:       p.onFrame,
		}
		p.conns[ep.Name] = NewConnection(ep, &p.cfg, transport, codec, hooks)
	}

	return p, nil
}

// Events returns the pool's merged event stream. It is closed once Stop
// has fully drained every background emitter.
func (p *Pool[Req, Resp]) Events() <-chan Event {
	return p.events
}

// IsRunning reports whether Start has been called without a matching Stop.
func (p *Pool[Req, Resp]) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects every configured endpoint concurrently and, if
// MessageTimeout is nonzero, begins the staleness sweeper (spec section
// 4.5). Start is idempotent in the sense that it reports ErrAlreadyRunning
// rather than reconnecting an already-running pool.
func (p *Pool[Req, Resp]) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	var g errgroup.Group
	for _, name := range p.order {
		conn := p.conns[name]
		g.Go(func() error {
			conn.Start()
			return nil
		})
	}
	_ = g.Wait()

	if p.cfg.MessageTimeout > 0 {
		p.bgWg.Add(1)
		go p.sweepLoop()
	}

	p.registerShutdown()

	return nil
}

// registerShutdown joins this pool to the process-wide shutdown
// coordinator (spec section 4.5: Start "registers process-signal handlers
// once (for the first started pool in the process)"; section 4.6: every
// registered pool's Stop is invoked concurrently on the first signal).
// signalcoord.Default installs the real OS handler at most once per
// process; this goroutine is what makes THIS pool one of the "registered"
// ones, reacting the moment the shared Done() channel closes. It also
// races p.stopCh so a manually-stopped pool doesn't leak a goroutine
// waiting on a signal that may never come.
func (p *Pool[Req, Resp]) registerShutdown() {
	if p.cfg.DisableSignalHandling {
		return
	}
	coord := p.cfg.SignalCoordinator
	if coord == nil {
		coord = signalcoord.Default(os.Interrupt)
	}

	p.mu.RLock()
	stopCh := p.stopCh
	p.mu.RUnlock()

	p.bgWg.Add(1)
	go func() {
		select {
		case <-coord.Done():
			p.bgWg.Done()
			_ = p.Stop()
			return
		case <-stopCh:
		}
		p.bgWg.Done()
	}()
}

// Stop cancels every connection concurrently, bounded by
// Config.ShutdownDeadline, then stops the dedup cache's sweeper and closes
// the event stream. Safe to call more than once.
func (p *Pool[Req, Resp]) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopCh := p.stopCh
	p.mu.Unlock()

	close(stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownDeadline)
	defer cancel()

	done := make(chan struct{})
	go func() {
		var g errgroup.Group
		for _, name := range p.order {
			conn := p.conns[name]
			g.Go(func() error {
				conn.Stop()
				return nil
			})
		}
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.cfg.Logger.warnEndpoint("*", ctx.Err(), "shutdown deadline exceeded; some connections may not have closed cleanly")
	}

	p.bgWg.Wait()
	p.dedup.Stop()
	close(p.events)
	return nil
}

// Subscribe records req as the pool's single active subscription and
// replays it on every currently Connected endpoint. If no endpoint is
// currently healthy, it returns ErrNoHealthyEndpoints; whether the request
// is still recorded for later endpoints that become healthy is controlled
// by Config.SubscribeRecordsOnNoHealthyEndpoints (spec section 9).
func (p *Pool[Req, Resp]) Subscribe(req Req) error {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	anyHealthy := false
	for _, name := range p.order {
		if p.conns[name].IsHealthy() {
			anyHealthy = true
			break
		}
	}

	if !anyHealthy && !p.cfg.SubscribeRecordsOnNoHealthyEndpoints {
		return ErrNoHealthyEndpoints
	}

	p.sub.Set(req)

	if !anyHealthy {
		return ErrNoHealthyEndpoints
	}
	return nil
}

// HealthStatus snapshots every endpoint's connection state plus a
// best-effort host resource sample (spec section 12).
func (p *Pool[Req, Resp]) HealthStatus() PoolHealth {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()

	endpoints := make([]EndpointHealth, 0, len(p.order))
	for _, name := range p.order {
		endpoints = append(endpoints, p.conns[name].Health())
	}

	return PoolHealth{
		Running:   running,
		Endpoints: endpoints,
		Host:      sampleHostHealth(),
	}
}

// sampleHostHealth reads process-wide CPU/memory via gopsutil. A sampling
// failure yields a zeroed, Sampled=false snapshot rather than an error,
// since health reporting should never fail the caller.
func sampleHostHealth() HostHealth {
	var h HostHealth
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return h
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return h
	}
	h.CPUPercent = percents[0]
	h.MemPercent = vm.UsedPercent
	h.Sampled = true
	return h
}

// Metrics returns a snapshot of the cumulative counters (spec section 7's
// "messageProcessingErrors counter", supplemented per section 12).
func (p *Pool[Req, Resp]) Metrics() Metrics {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()

	out := Metrics{
		TotalDelivered:          p.metrics.TotalDelivered,
		TotalDuplicates:         p.metrics.TotalDuplicates,
		TotalReconnects:         p.metrics.TotalReconnects,
		TotalPingTimeouts:       p.metrics.TotalPingTimeouts,
		MessageProcessingErrors: p.metrics.MessageProcessingErrors,
		PerEndpoint:             make(map[string]*EndpointMetrics, len(p.metrics.PerEndpoint)),
	}
	for k, v := range p.metrics.PerEndpoint {
		cp := *v
		out.PerEndpoint[k] = &cp
	}
	return out
}

func (p *Pool[Req, Resp]) onStateChange(ep string, from, to ConnState, err error) {
	switch {
	case to == StateConnected:
		p.mu.Lock()
		first := !p.everConnected[ep]
		p.everConnected[ep] = true
		p.mu.Unlock()
		if first {
			p.emit(Event{Kind: EventConnectionEstablished, Endpoint: ep})
		} else {
			p.emit(Event{Kind: EventConnectionRecovered, Endpoint: ep})
		}
	case to == StateFailed && from == StateConnected:
		p.bumpReconnect(ep)
		if err == errPingTimeout {
			p.bumpPingTimeout(ep)
		}
		p.emit(Event{Kind: EventConnectionLost, Endpoint: ep, Err: err})
		p.maybeEmitFailover(ep)
	}
}

// maybeEmitFailover signals the first other endpoint (in configured
// iteration order) currently Connected, if any, as a deterministic
// candidate for callers routing around the loss themselves. The pool does
// not re-route anything on its own: every connection already runs
// independently and feeds the same merged, deduplicated stream.
func (p *Pool[Req, Resp]) maybeEmitFailover(lostEp string) {
	for _, name := range p.order {
		if name == lostEp {
			continue
		}
		if p.conns[name].IsHealthy() {
			p.emit(Event{Kind: EventFailover, Endpoint: lostEp, FailoverFrom: lostEp, FailoverTo: name})
			return
		}
	}
}

// onConnected replays the active subscription (if any) on the new stream.
// A failed first attempt is retried in the background with the gentler
// stream-start backoff rather than failing the connect attempt itself
// (spec section 4.4).
func (p *Pool[Req, Resp]) onConnected(ep string, send func(Req) error) error {
	req, ok := p.sub.Get()
	if !ok {
		return nil
	}
	if err := send(req); err == nil {
		return nil
	}

	p.mu.RLock()
	stopCh := p.stopCh
	p.mu.RUnlock()

	p.bgWg.Add(1)
	go func() {
		defer p.bgWg.Done()
		replaySubscription(p.cfg.Clock, p.cfg.Logger, ep, p.sub.ID(), p.cfg.StreamStartRetry, p.codec.IsProtocolReset, send, req, stopCh)
	}()
	return nil
}

// onFrame is every Connection's single data-frame sink. It extracts the
// dedup signature via the shared Codec, consults the shared DedupCache,
// and emits exactly one of TransactionDelivered or DuplicateFiltered (spec
// section 4.1).
func (p *Pool[Req, Resp]) onFrame(ep string, resp Resp) {
	sig, ok := p.codec.ExtractSignature(resp)
	if !ok {
		// No signature: not dedup-eligible, but still a delivered message.
		p.bumpDelivered(ep)
		p.emit(Event{Kind: EventTransactionDelivered, Endpoint: ep, Message: resp})
		return
	}

	result, firstSource := p.dedup.CheckAndInsert(sig, p.cfg.Clock.Now(), ep)
	if result == DedupDuplicate {
		p.bumpDuplicate(ep)
		p.emit(Event{Kind: EventDuplicateFiltered, Endpoint: ep, Signature: sig, Source: firstSource})
		return
	}

	p.bumpDelivered(ep)
	p.emit(Event{Kind: EventTransactionDelivered, Endpoint: ep, Signature: sig, Message: resp})
}

// sweepLoop force-reconnects any endpoint that has received no data frame
// within Config.MessageTimeout, even if its stream and pings look healthy
// (spec section 4.5: a wedged server can keep answering pings while never
// delivering data again).
func (p *Pool[Req, Resp]) sweepLoop() {
	defer p.bgWg.Done()

	ticker := p.cfg.Clock.NewTicker(p.cfg.MessageTimeoutSweepInterval)
	defer ticker.Stop()

	p.mu.RLock()
	stopCh := p.stopCh
	p.mu.RUnlock()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C():
		}

		for _, name := range p.order {
			conn := p.conns[name]
			if !conn.IsHealthy() {
				continue
			}
			last := conn.LastDataMessageAt()
			if last.IsZero() {
				continue
			}
			if p.cfg.Clock.Now().Sub(last) <= p.cfg.MessageTimeout {
				continue
			}
			p.emit(Event{Kind: EventConnectionLost, Endpoint: name, Err: errMessageTimeout})
			p.bumpReconnect(name)
			conn.ForceReconnect(errMessageTimeout)
		}
	}
}

func (p *Pool[Req, Resp]) emit(e Event) {
	e.Timestamp = p.cfg.Clock.Now()
	p.mu.RLock()
	stopCh := p.stopCh
	p.mu.RUnlock()
	select {
	case p.events <- e:
	case <-stopCh:
	}
}

func (p *Pool[Req, Resp]) bumpDelivered(ep string) {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	p.metrics.TotalDelivered++
	if m, ok := p.metrics.PerEndpoint[ep]; ok {
		m.Delivered++
	}
}

func (p *Pool[Req, Resp]) bumpDuplicate(ep string) {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	p.metrics.TotalDuplicates++
	if m, ok := p.metrics.PerEndpoint[ep]; ok {
		m.Duplicates++
	}
}

func (p *Pool[Req, Resp]) bumpPingTimeout(ep string) {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	p.metrics.TotalPingTimeouts++
	if m, ok := p.metrics.PerEndpoint[ep]; ok {
		m.PingTimeouts++
	}
}

func (p *Pool[Req, Resp]) bumpReconnect(ep string) {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	p.metrics.TotalReconnects++
	if m, ok := p.metrics.PerEndpoint[ep]; ok {
		m.Reconnects++
	}
}

var errMessageTimeout = &messageTimeoutError{}

type messageTimeoutError struct{}

func (*messageTimeoutError) Error() string { return "no data frame within message timeout" }
