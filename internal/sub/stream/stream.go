package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sub/internal/sub"
	"sub/internal/sub/batcher"
	"sub/internal/validator"
)

// ErrSourceClosed means the broker record source ended without reporting a
// cause. The supervisor treats it like any other stream failure.
var ErrSourceClosed = errors.New("record source closed")

type Config struct {
	Subscription         sub.SubscriptionConfig
	BatchSize            int
	BatchInterval        time.Duration
	MaxConcurrentCommits int
}

// Stream is one end-to-end consumption dataflow: broker records are
// deserialized, driven through the processing stage, and their offsets folded
// into batched commits. A single consuming goroutine preserves the broker's
// per-partition delivery order.
//
// A Stream runs at most once; the supervisor constructs a fresh one per
// restart.
type Stream struct {
	cfg    Config
	broker sub.Broker
	codec  sub.Deserializer
	stage  sub.Stage
	logger *zap.Logger

	started   chan struct{}
	startOnce sync.Once
}

func New(cfg Config, broker sub.Broker, codec sub.Deserializer, stage sub.Stage, logger *zap.Logger) (*Stream, error) {
	s := Stream{
		cfg:     cfg,
		broker:  broker,
		codec:   codec,
		stage:   stage,
		logger:  logger,
		started: make(chan struct{}),
	}

	if err := validator.Validate("stream", s.broker, s.codec, s.stage, s.logger); err != nil {
		return nil, fmt.Errorf("failed to validate stream deps: %w", err)
	}

	return &s, nil
}

// Started is closed once the broker subscription is confirmed active.
func (s *Stream) Started() <-chan struct{} {
	return s.started
}

// Run drives the dataflow until ctx is cancelled or a pipeline-level failure
// occurs: broker disconnect, processing stage error, or commit failure.
func (s *Stream) Run(ctx context.Context) error {
	subn, err := s.broker.Subscribe(ctx, s.cfg.Subscription)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer subn.Close()

	b, err := batcher.New(batcher.Config{
		BatchSize:            s.cfg.BatchSize,
		BatchInterval:        s.cfg.BatchInterval,
		MaxConcurrentCommits: s.cfg.MaxConcurrentCommits,
	}, subn.CommitBatch, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create batcher: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx)
	})
	g.Go(func() error {
		return s.consume(gctx, subn, b)
	})

	return g.Wait()
}

func (s *Stream) consume(ctx context.Context, subn sub.Subscription, b *batcher.Batcher) error {
	started := subn.Started()
	records := subn.Records()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-started:
			s.startOnce.Do(func() { close(s.started) })
			started = nil

		case rec, ok := <-records:
			if !ok {
				if err := subn.Err(); err != nil {
					return fmt.Errorf("subscription failed: %w", err)
				}
				return ErrSourceClosed
			}
			if err := s.handle(ctx, rec, b); err != nil {
				return err
			}
		}
	}
}

// handle produces exactly one of {processed offset, bare-offset ack} per
// record. Decode failures and filtered-out types still advance the commit
// position, so an unparseable or foreign-typed message can never stall
// consumption.
func (s *Stream) handle(ctx context.Context, rec sub.Record, b *batcher.Batcher) error {
	env, err := s.codec.Decode(rec)
	if err != nil {
		s.logger.Warn("dropping undecodable record",
			zap.Stringer("offset", rec.Offset),
			zap.Error(err),
		)
		return b.Add(ctx, rec.Offset)
	}

	off, processed, err := s.stage(ctx, env)
	if err != nil {
		return fmt.Errorf("processing stage failed at %s: %w", env.Offset, err)
	}
	if !processed {
		s.logger.Debug("skipped record of foreign type",
			zap.String("type", env.Type),
			zap.Stringer("offset", env.Offset),
		)
	}

	return b.Add(ctx, off)
}
