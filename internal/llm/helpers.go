package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sv-dev/hmlr/internal/hmlrerrors"
	"github.com/sv-dev/hmlr/internal/hmlrlog"
)

var tracer = otel.Tracer("github.com/sv-dev/hmlr/internal/llm")

// StartSpan opens a span named for the calling provider's Complete method,
// per §10's instruction that "the engine's turn pipeline steps are wrapped
// in spans".
func StartSpan(ctx context.Context, providerName, model string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, providerName+".Complete",
		trace.WithAttributes(attribute.String("llm.model", model)))
	return ctx, span
}

// LogResult emits a single structured debug/error log line for a completed
// call, wrapping any transport failure as the shared ApiConnectionError.
func LogResult(ctx context.Context, op, model string, start time.Time, err error) error {
	log := hmlrlog.FromContext(ctx)
	dur := time.Since(start)
	if err != nil {
		wrapped := hmlrerrors.NewApiConnectionError(op, err)
		log.Error().Err(wrapped).Str("model", model).Dur("duration", dur).Msg("llm_call_error")
		return wrapped
	}
	log.Debug().Str("model", model).Dur("duration", dur).Msg("llm_call_ok")
	return nil
}
