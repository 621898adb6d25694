package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sub/internal/sub"
	"sub/internal/sub/runner"
	"sub/internal/sub/stream"
	"sub/internal/validator"
)

// Coordinator is the concrete implementation of the sub.Coordinator
// interface. It owns the subscribe handshake: start a supervised pipeline,
// then report Acknowledged or TimedOut depending on which of the
// stream-started signal and the acknowledge timeout resolves first.
type Coordinator struct {
	broker sub.Broker
	codec  sub.Deserializer
	logger *zap.Logger
}

func NewCoordinator(broker sub.Broker, codec sub.Deserializer, logger *zap.Logger) (*Coordinator, error) {
	c := Coordinator{
		broker: broker,
		codec:  codec,
		logger: logger,
	}

	if err := validator.Validate("coordinator", c.broker, c.codec, c.logger); err != nil {
		return nil, fmt.Errorf("failed to validate coordinator deps: %w", err)
	}

	return &c, nil
}

// Subscribe implements sub.Coordinator.Subscribe. The outcome is only
// meaningful when err is nil. The returned pipeline runs detached from ctx:
// a caller that stops waiting has not stopped the pipeline.
func (c *Coordinator) Subscribe(ctx context.Context, cfg sub.PipelineConfig, stage sub.Stage) (sub.Pipeline, sub.Outcome, error) {
	if stage == nil {
		return nil, sub.OutcomeTimedOut, errors.New("processing stage is required")
	}

	cfg, err := cfg.Normalized()
	if err != nil {
		return nil, sub.OutcomeTimedOut, err
	}

	clientID := sub.NextClientID(cfg.ClientName)
	logger := c.logger.With(
		zap.String("group", cfg.GroupID),
		zap.Strings("topics", cfg.Topics),
		zap.String("clientId", clientID),
	)

	factory := func() (runner.Stream, error) {
		return stream.New(stream.Config{
			Subscription: sub.SubscriptionConfig{
				GroupID:    cfg.GroupID,
				Topics:     cfg.Topics,
				ClientID:   clientID,
				Properties: cfg.Properties,
			},
			BatchSize:            cfg.BatchSize,
			BatchInterval:        cfg.BatchInterval,
			MaxConcurrentCommits: cfg.MaxConcurrentCommits,
		}, c.broker, c.codec, stage, logger)
	}

	r, err := runner.New(cfg, factory, logger)
	if err != nil {
		return nil, sub.OutcomeTimedOut, fmt.Errorf("failed to create runner: %w", err)
	}

	// the pipeline outlives the subscribe call; only Stop cancels it
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &pipeline{runner: r, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		_ = r.Run(pctx)
	}()

	logger.Info("subscription started, awaiting acknowledgement",
		zap.Duration("timeout", cfg.AckTimeout),
	)

	timer := time.NewTimer(cfg.AckTimeout)
	defer timer.Stop()

	select {
	case <-r.Started():
		logger.Info("subscription acknowledged")
		return p, sub.OutcomeAcknowledged, nil

	case <-timer.C:
		// the pipeline keeps trying in the background; the timeout is a
		// caller-visible signal only
		logger.Warn("subscription not acknowledged within timeout")
		return p, sub.OutcomeTimedOut, nil

	case <-ctx.Done():
		logger.Warn("caller stopped waiting for acknowledgement", zap.Error(ctx.Err()))
		return p, sub.OutcomeTimedOut, ctx.Err()
	}
}

// pipeline is the caller's handle on one running supervised pipeline.
type pipeline struct {
	runner   *runner.Runner
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (p *pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(p.cancel)

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop pipeline: %w", ctx.Err())
	}
}

func (p *pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *pipeline) State() sub.PipelineState {
	return p.runner.State()
}

func (p *pipeline) Transitions() <-chan sub.Transition {
	return p.runner.Transitions()
}
