package coordinator

import (
	"context"
	"time"

	"sub/internal/sub"
	"sub/internal/sub/metrics"
)

// MetricsCoordinator decorates a coordinator with subscribe and lifecycle
// metrics. The pipeline it returns tees the transition feed: every transition
// is recorded and then forwarded, so callers can still observe them.
type MetricsCoordinator struct {
	coordinator sub.Coordinator
	registry    *metrics.Registry
}

func NewMetricsCoordinator(coordinator sub.Coordinator, registry *metrics.Registry) *MetricsCoordinator {
	return &MetricsCoordinator{
		coordinator: coordinator,
		registry:    registry,
	}
}

func (c *MetricsCoordinator) Subscribe(ctx context.Context, cfg sub.PipelineConfig, stage sub.Stage) (sub.Pipeline, sub.Outcome, error) {
	start := time.Now()
	p, outcome, err := c.coordinator.Subscribe(ctx, cfg, stage)
	c.registry.RecordSubscribe(cfg.GroupID, outcome.String(), time.Since(start), err)

	if p == nil {
		return p, outcome, err
	}
	return newMetricsPipeline(p, c.registry, cfg.GroupID), outcome, err
}

// metricsPipeline forwards transitions while recording restart and state
// metrics along the way.
type metricsPipeline struct {
	sub.Pipeline

	out chan sub.Transition
}

func newMetricsPipeline(p sub.Pipeline, registry *metrics.Registry, group string) *metricsPipeline {
	mp := &metricsPipeline{
		Pipeline: p,
		out:      make(chan sub.Transition, 64),
	}

	record := func(tr sub.Transition) {
		registry.SetPipelineState(group, tr.To.String())
		if tr.To == sub.StateRestarting {
			registry.RecordRestart(group, tr.Delay)
		}

		select {
		case mp.out <- tr:
		default:
		}
	}

	go func() {
		defer close(mp.out)
		for {
			select {
			case tr := <-p.Transitions():
				record(tr)
				if tr.To == sub.StateStopped {
					return
				}
			case <-p.Done():
				// flush whatever the runner published before exiting
				for {
					select {
					case tr := <-p.Transitions():
						record(tr)
					default:
						return
					}
				}
			}
		}
	}()

	return mp
}

func (p *metricsPipeline) Transitions() <-chan sub.Transition {
	return p.out
}
