package pool

import "errors"

// Sentinel errors per the taxonomy in spec section 7. Transient and
// auth-like failures never reach the caller; these are the ones that can.
var (
	// ErrCircuitOpen is returned by a circuit breaker refusing to attempt
	// an operation. It is never surfaced as a ConnectionLost event.
	ErrCircuitOpen = errors.New("pool: circuit open")

	// ErrNoHealthyEndpoints is returned synchronously by Subscribe when no
	// endpoint is currently Connected.
	ErrNoHealthyEndpoints = errors.New("pool: no healthy endpoints")

	// ErrNotRunning is returned by Subscribe when called before Start.
	ErrNotRunning = errors.New("pool: not running")

	// ErrAlreadyRunning is returned by Start when called twice without an
	// intervening Stop.
	ErrAlreadyRunning = errors.New("pool: already running")

	// ErrConfigInvalid is returned by New when construction-time validation
	// fails. The pool is not usable after this error.
	ErrConfigInvalid = errors.New("pool: invalid configuration")

	// ErrCancelled marks a stream error that resulted from a locally
	// initiated cancellation. Connections swallow it rather than treat it
	// as a transient failure.
	ErrCancelled = errors.New("pool: cancelled locally")
)
