// Package middleware provides cross-cutting concerns for the decision
// engine.
package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

var _ ports.StageObserver = (*OTelStageObserver)(nil)

// OTelStageObserver traces the lifecycle of decision requests with
// OpenTelemetry. Each phase becomes a span named after the phase, with
// the request ID and timing attached, so a request's path through the
// engine reads as a single trace. The span rides the context returned
// by PhaseStarted, making one observer instance safe across concurrent
// requests.
type OTelStageObserver struct{}

// NewOTelStageObserver creates a stage observer that emits one span per
// request phase.
func NewOTelStageObserver() *OTelStageObserver { return &OTelStageObserver{} }

// PhaseStarted implements the StageObserver interface. It opens a span
// for the phase and returns the context carrying it.
func (o *OTelStageObserver) PhaseStarted(ctx context.Context, requestID string, phase domain.Phase) context.Context {
	tracer := otel.Tracer("decision-orchestrator")
	ctx, span := tracer.Start(ctx, "Decision."+string(phase))
	span.SetAttributes(
		attribute.String("decision.request_id", requestID),
		attribute.String("decision.phase", string(phase)),
	)
	return ctx
}

// PhaseCompleted implements the StageObserver interface. It closes the
// span opened by the matching PhaseStarted call, recording elapsed time
// and the outcome.
func (o *OTelStageObserver) PhaseCompleted(ctx context.Context, requestID string, phase domain.Phase, elapsed time.Duration, err error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	span.SetAttributes(attribute.Int64("decision.phase_duration_ms", elapsed.Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
