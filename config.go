package pool

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/multipool/grpcpool/internal/signalcoord"
)

// StreamPingConfig controls the stream-level ping/pong keep-alive loop
// (spec section 6, streamPing.*).
type StreamPingConfig struct {
	Enabled        bool
	Interval       time.Duration
	Timeout        time.Duration
	MaxMissedPongs int
}

// CircuitConfig controls the per-endpoint circuit breaker (spec section
// 6, circuit.*).
type CircuitConfig struct {
	ErrorThresholdPct   int
	MinRequestThreshold int
	ResetTimeout        time.Duration
	Timeout             time.Duration
}

// Config is the pool's full configuration surface, validated once at
// construction time (spec section 6: "Validation is performed at pool
// construction; invalid configuration fails construction with a
// listed-errors message.").
type Config struct {
	Endpoints []Endpoint

	DedupWindow   time.Duration
	MaxCacheSize  int
	MessageTimeout time.Duration // 0 disables the sweeper

	StreamPing StreamPingConfig
	Circuit    CircuitConfig

	// ReconnectBaseDelay is the per-endpoint exponential backoff base
	// (spec section 4.3: min(baseDelay * 2^attempt, 30s)).
	ReconnectBaseDelay time.Duration
	// ReconnectMaxAttempts caps the reconnect counter; 0 means unbounded
	// (spec section 4.3: "no attempt cap in production profile").
	ReconnectMaxAttempts int

	// ReconnectRatePerSecond pool-wide shapes how fast reconnect attempts
	// across ALL endpoints may dial out, on top of each endpoint's own
	// exponential backoff: a correlated outage (e.g. a network blip that
	// drops every endpoint at once) would otherwise have every Connection
	// independently retry in lockstep. 0 disables shaping (each endpoint's
	// own backoff is the only throttle, spec section 4.3's literal
	// behavior). Non-zero values are shared across every Connection built
	// from this Config.
	ReconnectRatePerSecond float64
	// ReconnectBurst is the token-bucket burst size used alongside
	// ReconnectRatePerSecond; ignored when the rate is 0.
	ReconnectBurst int

	// reconnectLimiter is built once by applyDefaults from
	// ReconnectRatePerSecond/ReconnectBurst and shared by every Connection
	// holding this *Config.
	reconnectLimiter *rate.Limiter

	HealthCheckInterval time.Duration
	ConnectionTimeout   time.Duration
	RequestTimeout      time.Duration

	// MessageTimeoutSweepInterval is how often the pool-wide staleness
	// sweeper runs (spec section 4.5: "every 30s when configured").
	MessageTimeoutSweepInterval time.Duration

	// ShutdownDeadline bounds Stop() (spec section 4.5: "8s for shutdown
	// path").
	ShutdownDeadline time.Duration

	// StreamStartRetry configures the gentler backoff used to retry
	// OpenSubscriptionStream on a healthy connection (spec section 4.4).
	StreamStartRetry StreamStartRetryConfig

	// SubscribeRecordsOnNoHealthyEndpoints resolves the Open Question in
	// spec section 9: when true, Subscribe still records the request for
	// endpoints that become healthy later even though it returns
	// ErrNoHealthyEndpoints synchronously. Default false: throw and do
	// not record.
	SubscribeRecordsOnNoHealthyEndpoints bool

	Logger Logger
	Clock  Clock

	// DisableSignalHandling, when true, opts this pool out of the
	// process-wide shutdown coordinator entirely (spec section 4.6's
	// escape hatch): Start will not register with signalcoord, and only
	// an explicit Stop() call ever stops the pool.
	DisableSignalHandling bool

	// SignalCoordinator overrides the process-wide signalcoord.Coordinator
	// this pool joins on Start; nil uses the shared
	// signalcoord.Default(os.Interrupt). Exposed so callers embedding more
	// than one pool, or tests, can inject a Coordinator triggered manually
	// (signalcoord.New with no signals) instead of relying on real OS
	// signal delivery.
	SignalCoordinator *signalcoord.Coordinator
}

// StreamStartRetryConfig is the "second, gentler backoff policy" named in
// spec section 4.4.
type StreamStartRetryConfig struct {
	InitialDelay      time.Duration // 2s for the first 5 attempts
	InitialAttempts   int           // 5
	MidDelay          time.Duration // 5s for the next 15
	MidAttempts       int           // 15
	LateDelay         time.Duration // 30s thereafter
	MaxDelay          time.Duration // cap, 5min
	ProtocolResetFloor time.Duration // 10s floor when last error was a reset
}

// DefaultStreamStartRetryConfig returns the literal values from spec
// section 4.4.
func DefaultStreamStartRetryConfig() StreamStartRetryConfig {
	return StreamStartRetryConfig{
		InitialDelay:       2 * time.Second,
		InitialAttempts:    5,
		MidDelay:           5 * time.Second,
		MidAttempts:        15,
		LateDelay:          30 * time.Second,
		MaxDelay:           5 * time.Minute,
		ProtocolResetFloor: 10 * time.Second,
	}
}

// DefaultConfig returns a Config populated with every literal default named
// in spec section 6, for an empty endpoint list. Callers set Endpoints and
// override as needed before calling New.
func DefaultConfig() Config {
	return Config{
		DedupWindow:    30 * time.Second,
		MaxCacheSize:   100_000,
		MessageTimeout: 60 * time.Second,
		StreamPing: StreamPingConfig{
			Enabled:        true,
			Interval:       10 * time.Second,
			Timeout:        3 * time.Second,
			MaxMissedPongs: 2,
		},
		Circuit: CircuitConfig{
			ErrorThresholdPct:   50,
			MinRequestThreshold: 3,
			ResetTimeout:        30 * time.Second,
			Timeout:             10 * time.Second,
		},
		ReconnectBaseDelay:          1 * time.Second,
		ReconnectMaxAttempts:        0,
		HealthCheckInterval:         15 * time.Second,
		ConnectionTimeout:           10 * time.Second,
		RequestTimeout:              5 * time.Second,
		MessageTimeoutSweepInterval: 30 * time.Second,
		ShutdownDeadline:            8 * time.Second,
		StreamStartRetry:            DefaultStreamStartRetryConfig(),
		Logger:                      NopLogger(),
		Clock:                       RealClock(),
	}
}

// validate enforces the ranges listed in spec section 6's configuration
// table, collecting every violation rather than stopping at the first.
func (c *Config) validate() error {
	var errs []string

	if len(c.Endpoints) == 0 {
		errs = append(errs, "at least one endpoint is required")
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.Name == "" {
			errs = append(errs, "endpoint name must not be empty")
			continue
		}
		if seen[ep.Name] {
			errs = append(errs, fmt.Sprintf("duplicate endpoint name %q", ep.Name))
		}
		seen[ep.Name] = true
		if ep.Address == "" {
			errs = append(errs, fmt.Sprintf("endpoint %q: address must not be empty", ep.Name))
		}
	}

	if c.DedupWindow < 1*time.Second {
		errs = append(errs, "dedupWindowMs must be >= 1000")
	}
	if c.MaxCacheSize < 100 {
		errs = append(errs, "maxCacheSize must be >= 100")
	}
	if c.MessageTimeout != 0 && c.MessageTimeout < 1*time.Second {
		errs = append(errs, "messageTimeoutMs must be 0 or >= 1000")
	}

	if c.StreamPing.Enabled {
		if c.StreamPing.Interval < 1*time.Second {
			errs = append(errs, "streamPing.intervalMs must be >= 1000")
		}
		if c.StreamPing.Timeout < 1*time.Second || c.StreamPing.Timeout >= c.StreamPing.Interval {
			errs = append(errs, "streamPing.timeoutMs must be >= 1000 and < intervalMs")
		}
		if c.StreamPing.MaxMissedPongs < 1 {
			errs = append(errs, "streamPing.maxMissedPongs must be >= 1")
		}
	}

	if c.Circuit.ErrorThresholdPct < 0 || c.Circuit.ErrorThresholdPct > 100 {
		errs = append(errs, "circuit.errorThresholdPct must be within 0-100")
	}
	if c.Circuit.MinRequestThreshold < 1 {
		errs = append(errs, "circuit.minRequestThreshold must be >= 1")
	}
	if c.Circuit.ResetTimeout < 1*time.Second {
		errs = append(errs, "circuit.resetTimeoutMs must be >= 1000")
	}
	if c.Circuit.Timeout < 1*time.Millisecond {
		errs = append(errs, "circuit.timeoutMs must be >= 1")
	}

	if c.ReconnectRatePerSecond < 0 {
		errs = append(errs, "reconnectRatePerSecond must be >= 0")
	}
	if c.ReconnectRatePerSecond > 0 && c.ReconnectBurst < 1 {
		errs = append(errs, "reconnectBurst must be >= 1 when reconnectRatePerSecond is set")
	}

	for _, ep := range c.Endpoints {
		if ep.ReconnectBaseDelay != 0 && ep.ReconnectBaseDelay < 1*time.Second {
			errs = append(errs, fmt.Sprintf("endpoint %q: reconnectDelayMs must be >= 1000", ep.Name))
		}
		if ep.HealthCheckInterval != 0 && ep.HealthCheckInterval < 1*time.Second {
			errs = append(errs, fmt.Sprintf("endpoint %q: healthCheckIntervalMs must be >= 1000", ep.Name))
		}
		if ep.ConnectionTimeout != 0 && ep.ConnectionTimeout < 1*time.Second {
			errs = append(errs, fmt.Sprintf("endpoint %q: connectionTimeoutMs must be >= 1000", ep.Name))
		}
		if ep.RequestTimeout != 0 && ep.RequestTimeout < 1*time.Second {
			errs = append(errs, fmt.Sprintf("endpoint %q: requestTimeoutMs must be >= 1000", ep.Name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DedupWindow == 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.MaxCacheSize == 0 {
		c.MaxCacheSize = d.MaxCacheSize
	}
	if c.StreamPing.Interval == 0 {
		c.StreamPing.Interval = d.StreamPing.Interval
	}
	if c.StreamPing.Timeout == 0 {
		c.StreamPing.Timeout = d.StreamPing.Timeout
	}
	if c.StreamPing.MaxMissedPongs == 0 {
		c.StreamPing.MaxMissedPongs = d.StreamPing.MaxMissedPongs
	}
	if c.Circuit.ErrorThresholdPct == 0 {
		c.Circuit.ErrorThresholdPct = d.Circuit.ErrorThresholdPct
	}
	if c.Circuit.MinRequestThreshold == 0 {
		c.Circuit.MinRequestThreshold = d.Circuit.MinRequestThreshold
	}
	if c.Circuit.ResetTimeout == 0 {
		c.Circuit.ResetTimeout = d.Circuit.ResetTimeout
	}
	if c.Circuit.Timeout == 0 {
		c.Circuit.Timeout = d.Circuit.Timeout
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MessageTimeoutSweepInterval == 0 {
		c.MessageTimeoutSweepInterval = d.MessageTimeoutSweepInterval
	}
	if c.ShutdownDeadline == 0 {
		c.ShutdownDeadline = d.ShutdownDeadline
	}
	if (c.StreamStartRetry == StreamStartRetryConfig{}) {
		c.StreamStartRetry = d.StreamStartRetry
	}
	if c.ReconnectRatePerSecond > 0 {
		c.reconnectLimiter = rate.NewLimiter(rate.Limit(c.ReconnectRatePerSecond), c.ReconnectBurst)
	}
	if reflect.ValueOf(c.Logger).IsZero() {
		c.Logger = d.Logger
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
}
