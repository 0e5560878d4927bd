package pool

import (
	"io"

	"github.com/rs/zerolog"
)

// Logger is the narrow logging surface the pool depends on, so callers can
// inject their own zerolog.Logger (or swallow output entirely via
// NopLogger) without this package importing a logging framework's full
// configuration surface. Grounded on Sergey-Bar-Alfred's gateway, which
// wires zerolog through its own thin `logger` package rather than calling
// zerolog directly from business logic.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger wraps an existing zerolog.Logger.
func NewLogger(zl zerolog.Logger) Logger {
	return Logger{zl: zl}
}

// NopLogger returns a Logger that discards everything, the library's
// zero-config default.
func NopLogger() Logger {
	return Logger{zl: zerolog.New(io.Discard)}
}

func (l Logger) infoEndpoint(ep, msg string) {
	l.zl.Info().Str("endpoint", ep).Msg(msg)
}

func (l Logger) warnEndpoint(ep string, err error, msg string) {
	l.zl.Warn().Str("endpoint", ep).Err(err).Msg(msg)
}

func (l Logger) errorEndpoint(ep string, err error, msg string) {
	l.zl.Error().Str("endpoint", ep).Err(err).Msg(msg)
}

func (l Logger) debugf(msg string, args ...any) {
	l.zl.Debug().Msgf(msg, args...)
}
