// Package buildlog carries the zerolog logger of a pipeline run through context.Context.
package buildlog

import (
	"context"

	"github.com/rs/zerolog"
)

type logKey struct{}

var nopLogger = zerolog.Nop()

// Log returns the logger attached to ctx. Contexts without a logger get a disabled one.
func Log(ctx context.Context) *zerolog.Logger {
	logger, ok := ctx.Value(logKey{}).(*zerolog.Logger)
	if !ok || logger == nil {
		return &nopLogger
	}

	return logger
}

// WithLogger attaches the given logger to the context
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, logKey{}, logger)
}

// WithFields derives a child logger with the given string fields and attaches it to ctx.
func WithFields(ctx context.Context, fields map[string]string) context.Context {
	lctx := Log(ctx).With()
	for k, v := range fields {
		lctx = lctx.Str(k, v)
	}

	logger := lctx.Logger()
	return WithLogger(ctx, &logger)
}
