package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SubscriptionState holds the single active subscribe request the pool
// replays on every connection (re)established across every endpoint (spec
// section 4.4). There is at most one active request; a later Set replaces
// the prior one for all future (re)connects, but does not retroactively
// resend to streams already carrying the old request.
//
// Each Set stamps a fresh correlation ID (grounded on the teacher's own
// internalSlotSubID, a uuid.New() value it attaches to its one subscription
// for log correlation). Callers matching replay log lines back to the
// Subscribe call that produced them can read it off ID().
type SubscriptionState[Req any] struct {
	mu     sync.RWMutex
	req    Req
	id     uuid.UUID
	active bool
}

// Set stores req as the active subscription and returns its correlation ID.
func (s *SubscriptionState[Req]) Set(req Req) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.req = req
	s.id = uuid.New()
	s.active = true
	return s.id
}

// Get returns the active request, if any.
func (s *SubscriptionState[Req]) Get() (Req, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.req, s.active
}

// ID returns the correlation ID of the currently active subscription, or the
// zero UUID if none has ever been set.
func (s *SubscriptionState[Req]) ID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Clear drops the active subscription so future (re)connects replay
// nothing.
func (s *SubscriptionState[Req]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero Req
	s.req = zero
	s.active = false
}

// streamStartDelay computes the gentler backoff used to retry replaying a
// subscribe request on an already-healthy stream (spec section 4.4): 2s for
// the first 5 attempts, 5s for the next 15, 30s after that, capped at
// MaxDelay. protocolReset triples that delay, with ProtocolResetFloor as its
// minimum, since a server-initiated reset needs more settling time than a
// dropped write.
func streamStartDelay(cfg StreamStartRetryConfig, attempt int, protocolReset bool) time.Duration {
	var d time.Duration
	switch {
	case attempt <= cfg.InitialAttempts:
		d = cfg.InitialDelay
	case attempt <= cfg.InitialAttempts+cfg.MidAttempts:
		d = cfg.MidDelay
	default:
		d = cfg.LateDelay
	}
	if protocolReset {
		d *= 3
		if d < cfg.ProtocolResetFloor {
			d = cfg.ProtocolResetFloor
		}
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

// replaySubscription retries send(req) using the gentler stream-start
// backoff until it succeeds, stop fires, or the stream is superseded (send
// returns ErrCancelled, meaning a fresh OnConnected call already owns
// replay on the new stream). isReset classifies a send error as a
// server-initiated protocol reset (typically a Codec's IsProtocolReset);
// when the latest send error is one, the next delay is tripled with a
// ProtocolResetFloor minimum (spec section 4.4). A nil isReset disables
// this entirely. It never blocks the caller: run it in its own goroutine.
func replaySubscription[Req any](
	clock Clock,
	logger Logger,
	ep string,
	subID uuid.UUID,
	cfg StreamStartRetryConfig,
	isReset func(err error) bool,
	send func(Req) error,
	req Req,
	stop <-chan struct{},
) {
	attempt := 0
	for {
		err := send(req)
		if err == nil || errors.Is(err, ErrCancelled) {
			return
		}
		attempt++
		protocolReset := isReset != nil && isReset(err)
		delay := streamStartDelay(cfg, attempt, protocolReset)
		logger.warnEndpoint(ep, err, "retrying subscription replay "+subID.String())
		select {
		case <-clock.After(delay):
		case <-stop:
			return
		}
	}
}
