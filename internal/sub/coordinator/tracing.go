package coordinator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sub/internal/sub"
	"sub/internal/sub/tracing"
)

// TracedCoordinator decorates a coordinator with a span around the subscribe
// handshake.
type TracedCoordinator struct {
	coordinator sub.Coordinator
	tracer      *tracing.Tracer
}

func NewTracedCoordinator(coordinator sub.Coordinator, tracer *tracing.Tracer) *TracedCoordinator {
	return &TracedCoordinator{
		coordinator: coordinator,
		tracer:      tracer,
	}
}

func (c *TracedCoordinator) Subscribe(ctx context.Context, cfg sub.PipelineConfig, stage sub.Stage) (sub.Pipeline, sub.Outcome, error) {
	ctx, span := c.tracer.StartSpan(ctx, "coordinator.subscribe",
		trace.WithAttributes(c.tracer.SubscriptionAttributes(cfg.GroupID, cfg.Topics)...),
	)
	defer span.End()

	p, outcome, err := c.coordinator.Subscribe(ctx, cfg, stage)
	span.SetAttributes(attribute.String("subscription.outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe failed")
	}

	return p, outcome, err
}
