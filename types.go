package pool

import (
	"time"
)

// Endpoint describes one upstream server contributing to the pool. It is
// immutable after construction, mirroring spec section 3.
type Endpoint struct {
	// Name identifies the endpoint in events and logs; must be unique
	// within a pool.
	Name string
	// Address is the dial target, in any form the Transport accepts
	// (host:port or a URL, following the teacher's connect()).
	Address string
	// Credential is an opaque token forwarded to the transport (e.g. an
	// API key set as outgoing metadata). May be empty for anonymous
	// endpoints.
	Credential string
	// SkipPing disables both the endpoint's health-check probe loop and
	// its stream ping loop.
	SkipPing bool

	// ReconnectBaseDelay overrides the connection's exponential backoff
	// base delay. Zero uses Config.ReconnectBaseDelay.
	ReconnectBaseDelay time.Duration
	// HealthCheckInterval overrides Config.HealthCheckInterval for this
	// endpoint. Zero uses the pool default.
	HealthCheckInterval time.Duration
	// ConnectionTimeout overrides Config.ConnectionTimeout for this
	// endpoint. Zero uses the pool default.
	ConnectionTimeout time.Duration
	// RequestTimeout overrides Config.RequestTimeout (the liveness probe
	// deadline) for this endpoint. Zero uses the pool default.
	RequestTimeout time.Duration
}

// ConnState enumerates the per-endpoint connection lifecycle states from
// spec section 3.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind enumerates the events emitted on the pool's merged event
// stream, per spec section 4.5.
type EventKind int

const (
	EventConnectionEstablished EventKind = iota
	EventConnectionLost
	EventConnectionRecovered
	EventFailover
	EventTransactionDelivered
	EventDuplicateFiltered
	EventHealthCheck
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionEstablished:
		return "ConnectionEstablished"
	case EventConnectionLost:
		return "ConnectionLost"
	case EventConnectionRecovered:
		return "ConnectionRecovered"
	case EventFailover:
		return "Failover"
	case EventTransactionDelivered:
		return "TransactionDelivered"
	case EventDuplicateFiltered:
		return "DuplicateFiltered"
	case EventHealthCheck:
		return "HealthCheck"
	case EventError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is the payload carried on the pool's merged event channel. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind      EventKind
	Endpoint  string
	Timestamp time.Time

	Err     error
	Context string // e.g. "stream-start", for EventError

	Signature []byte // dedup key, for TransactionDelivered/DuplicateFiltered
	Source    string // originating endpoint, for DuplicateFiltered

	Message any // the decoded data frame, for TransactionDelivered

	FailoverFrom string // for EventFailover
	FailoverTo   string

	Health []EndpointHealth // for EventHealthCheck
}

// EndpointHealth is a point-in-time snapshot of one endpoint's connection
// state, used both in HealthStatus() and in EventHealthCheck payloads.
type EndpointHealth struct {
	Endpoint                 string
	State                    ConnState
	BreakerMode              BreakerMode
	ConsecutivePingFailures  int
	ConsecutiveMissedPongs   int
	ReconnectAttempts        int
	LastDataMessageAt        time.Time
	LastAnyFrameAt           time.Time
}

// Metrics is the cumulative counter snapshot returned by Pool.Metrics(),
// supplementing the "messageProcessingErrors counter" named in spec
// section 7.
type Metrics struct {
	TotalDelivered          uint64
	TotalDuplicates         uint64
	TotalReconnects         uint64
	TotalPingTimeouts       uint64
	MessageProcessingErrors uint64
	PerEndpoint             map[string]*EndpointMetrics
}

// EndpointMetrics are the same counters, scoped to one endpoint.
type EndpointMetrics struct {
	Delivered          uint64
	Duplicates         uint64
	Reconnects         uint64
	PingTimeouts       uint64
	ProcessingErrors   uint64
}

// HostHealth is a process-wide resource snapshot, surfaced alongside
// per-endpoint health in HealthStatus() (see SPEC_FULL section 12).
type HostHealth struct {
	CPUPercent float64
	MemPercent float64
	Sampled    bool // false if the sampler failed; fields above are zero
}

// PoolHealth is the aggregate result of Pool.HealthStatus().
type PoolHealth struct {
	Running   bool
	Endpoints []EndpointHealth
	Host      HostHealth
}
