package batcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sub/internal/sub"
	"sub/internal/validator"
)

// ErrClosed is returned by Add once the batcher has stopped accepting
// offsets, either after a commit failure or after shutdown.
var ErrClosed = errors.New("batcher closed")

// CommitFunc commits a closed batch to the broker.
type CommitFunc func(ctx context.Context, batch *sub.OffsetBatch) error

type Config struct {
	// BatchSize closes the pending batch once this many offsets have been
	// folded in.
	BatchSize int
	// BatchInterval closes the pending batch this long after it opened,
	// whichever trigger fires first.
	BatchInterval time.Duration
	// MaxConcurrentCommits bounds in-flight commit operations. Exceeding the
	// bound queues further commits instead of spawning unbounded work.
	MaxConcurrentCommits int
	// DrainTimeout bounds the final flush and in-flight commit drain on
	// shutdown.
	DrainTimeout time.Duration
}

func (c Config) validate() error {
	if c.BatchSize <= 0 {
		return errors.New("BatchSize must be > 0")
	}
	if c.BatchInterval <= 0 {
		return errors.New("BatchInterval must be > 0")
	}
	if c.MaxConcurrentCommits <= 0 {
		return errors.New("MaxConcurrentCommits must be > 0")
	}
	return nil
}

// Batcher accumulates pending offsets and commits them as bounded-size,
// bounded-time batches. Batches are issued to the broker in close order, so
// per-partition commit positions never regress; a commit failure is fatal and
// surfaces through Run.
type Batcher struct {
	cfg    Config
	commit CommitFunc
	logger *zap.Logger

	// in is unbuffered so a saturated commit pool pushes back on the stream.
	in   chan sub.Offset
	done chan struct{}
}

func New(cfg Config, commit CommitFunc, logger *zap.Logger) (*Batcher, error) {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid batcher config: %w", err)
	}

	b := Batcher{
		cfg:    cfg,
		commit: commit,
		logger: logger,
		in:     make(chan sub.Offset),
		done:   make(chan struct{}),
	}

	if err := validator.Validate("batcher", b.commit, b.logger); err != nil {
		return nil, fmt.Errorf("failed to validate batcher deps: %w", err)
	}

	return &b, nil
}

// Add routes one offset into the pending batch. It blocks while the batcher is
// saturated, applying backpressure upstream.
func (b *Batcher) Add(ctx context.Context, off sub.Offset) error {
	select {
	case b.in <- off:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the batching loop until ctx is cancelled or a commit fails. On
// shutdown the pending batch is flushed and in-flight commits drain within
// DrainTimeout.
func (b *Batcher) Run(ctx context.Context) error {
	defer close(b.done)

	// Commits outlive a deliberate stop so in-flight work can drain; the
	// drain itself is time-bounded below.
	commitCtx, cancelCommits := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCommits()

	g, gctx := errgroup.WithContext(commitCtx)
	g.SetLimit(b.cfg.MaxConcurrentCommits)

	timer := time.NewTimer(b.cfg.BatchInterval)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var pending *sub.OffsetBatch

	// flush issues the pending batch in close order; g.Go blocks at the
	// concurrency limit, which is the queueing behavior we want.
	flush := func() {
		batch := pending
		pending = nil

		g.Go(func() error {
			if err := b.commit(gctx, batch); err != nil {
				return fmt.Errorf("failed to commit offset batch: %w", err)
			}
			b.logger.Debug("committed offset batch",
				zap.Int("offsets", batch.Len()),
				zap.Int("partitions", len(batch.Partitions())),
			)
			return nil
		})
	}

	for {
		select {
		case off := <-b.in:
			if pending == nil {
				pending = sub.NewOffsetBatch()
				timer.Reset(b.cfg.BatchInterval)
			}
			pending.Add(off)

			if pending.Len() >= b.cfg.BatchSize {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				flush()
			}

		case <-timer.C:
			if pending != nil {
				flush()
			}

		case <-gctx.Done():
			// a commit failed; tear down without draining further
			if err := g.Wait(); err != nil {
				return err
			}
			return gctx.Err()

		case <-ctx.Done():
			drainTimer := time.AfterFunc(b.cfg.DrainTimeout, cancelCommits)
			defer drainTimer.Stop()

			if pending != nil {
				flush()
			}
			if err := g.Wait(); err != nil {
				return err
			}
			return ctx.Err()
		}
	}
}
