// Package ctxlog carries a *slog.Logger through a context.Context so that
// every layer of the engine logs through the run's configured handler.
package ctxlog

import (
	"context"
	"log/slog"
)

// key is unexported to keep this package's context entries private.
type key struct{}

var loggerKey = key{}

// WithLogger returns a child context carrying the given logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx. Worker goroutines run with
// derived contexts; if no logger was attached the process default is
// returned rather than failing mid-run.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
