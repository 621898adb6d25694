package broker

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sub/internal/sub"
	"sub/internal/sub/tracing"
)

// TracedBroker decorates a broker with spans around subscription
// establishment and offset commits.
type TracedBroker struct {
	broker sub.Broker
	tracer *tracing.Tracer
}

func NewTracedBroker(broker sub.Broker, tracer *tracing.Tracer) *TracedBroker {
	return &TracedBroker{
		broker: broker,
		tracer: tracer,
	}
}

func (b *TracedBroker) Subscribe(ctx context.Context, cfg sub.SubscriptionConfig) (sub.Subscription, error) {
	ctx, span := b.tracer.StartSpan(ctx, "broker.subscribe",
		trace.WithAttributes(b.tracer.SubscriptionAttributes(cfg.GroupID, cfg.Topics)...),
	)
	defer span.End()

	s, err := b.broker.Subscribe(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe failed")
		return nil, err
	}

	return &tracedSubscription{Subscription: s, tracer: b.tracer}, nil
}

type tracedSubscription struct {
	sub.Subscription

	tracer *tracing.Tracer
}

func (s *tracedSubscription) CommitBatch(ctx context.Context, batch *sub.OffsetBatch) error {
	ctx, span := s.tracer.StartSpan(ctx, "broker.commit",
		trace.WithAttributes(s.tracer.CommitAttributes(batch.Len(), len(batch.Partitions()))...),
	)
	defer span.End()

	err := s.Subscription.CommitBatch(ctx, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
	}

	return err
}
