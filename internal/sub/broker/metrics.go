package broker

import (
	"context"
	"sync"
	"time"

	"sub/internal/sub"
	"sub/internal/sub/metrics"
)

// MetricsBroker decorates a broker with fetch and commit metrics.
type MetricsBroker struct {
	broker   sub.Broker
	registry *metrics.Registry
}

func NewMetricsBroker(broker sub.Broker, registry *metrics.Registry) *MetricsBroker {
	return &MetricsBroker{
		broker:   broker,
		registry: registry,
	}
}

func (b *MetricsBroker) Subscribe(ctx context.Context, cfg sub.SubscriptionConfig) (sub.Subscription, error) {
	s, err := b.broker.Subscribe(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newMetricsSubscription(s, b.registry, cfg.GroupID), nil
}

// metricsSubscription counts fetched records and times commits. The record
// pump forwards on an unbuffered channel so the underlying backpressure
// contract is preserved; Close releases a pump stuck mid-forward, since the
// consumer may stop reading before the underlying records channel closes.
type metricsSubscription struct {
	sub.Subscription

	registry *metrics.Registry
	group    string
	out      chan sub.Record
	done     chan struct{}

	closeOnce sync.Once
}

func newMetricsSubscription(s sub.Subscription, registry *metrics.Registry, group string) *metricsSubscription {
	ms := &metricsSubscription{
		Subscription: s,
		registry:     registry,
		group:        group,
		out:          make(chan sub.Record),
		done:         make(chan struct{}),
	}

	go func() {
		defer close(ms.out)
		for rec := range s.Records() {
			ms.registry.RecordFetched(rec.Offset.Topic)
			select {
			case ms.out <- rec:
			case <-ms.done:
				return
			}
		}
	}()

	return ms
}

func (s *metricsSubscription) Records() <-chan sub.Record {
	return s.out
}

func (s *metricsSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.Subscription.Close()
}

func (s *metricsSubscription) CommitBatch(ctx context.Context, batch *sub.OffsetBatch) error {
	start := time.Now()
	err := s.Subscription.CommitBatch(ctx, batch)
	s.registry.RecordCommit(s.group, batch.Len(), time.Since(start), err)
	return err
}
