package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sub/internal/sub"
	"sub/internal/validator"
)

// Stream is one disposable consumption attempt. The runner fully discards a
// failed instance and constructs the next one from scratch.
type Stream interface {
	Run(ctx context.Context) error
	Started() <-chan struct{}
}

// Factory builds a fresh stream for each attempt. No state is carried across
// restarts; the commit position resumes from the broker's last committed
// offset for the group.
type Factory func() (Stream, error)

// Runner supervises one consumption stream inside a restart policy: any
// failure tears the stream down and restarts it after an exponentially
// growing, jittered delay. A deliberate stop (context cancellation) is
// terminal and never restarts.
//
// The whole state machine is driven by the single goroutine running Run, as
// is the restart counter; observers only see state through State and
// Transitions.
type Runner struct {
	cfg     sub.PipelineConfig
	factory Factory
	logger  *zap.Logger

	started   chan struct{}
	startOnce sync.Once

	transitions chan sub.Transition

	mu       sync.RWMutex
	state    sub.PipelineState
	restarts int
}

func New(cfg sub.PipelineConfig, factory Factory, logger *zap.Logger) (*Runner, error) {
	// merge defaults here too: a raw config with ResetAfter 0 would otherwise
	// reset the schedule after every attempt, disabling exponential growth
	cfg, err := cfg.Normalized()
	if err != nil {
		return nil, err
	}

	r := Runner{
		cfg:         cfg,
		factory:     factory,
		logger:      logger.With(zap.String("group", cfg.GroupID)),
		started:     make(chan struct{}),
		transitions: make(chan sub.Transition, 64),
		state:       sub.StateStarting,
	}

	if err := validator.Validate("runner", r.factory, r.logger); err != nil {
		return nil, fmt.Errorf("failed to validate runner deps: %w", err)
	}

	return &r, nil
}

// Started is closed the first time the supervised stream reports running.
func (r *Runner) Started() <-chan struct{} {
	return r.started
}

// State reports the current lifecycle state.
func (r *Runner) State() sub.PipelineState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Transitions yields lifecycle changes. The channel is buffered and sends
// never block; a slow observer loses transitions rather than stalling
// supervision.
func (r *Runner) Transitions() <-chan sub.Transition {
	return r.transitions
}

// Run drives the Starting -> Running -> (Restarting -> Starting)* -> Stopped
// state machine until ctx is cancelled. It always returns nil: every failure
// is contained in the restart loop, never escalated to the caller.
func (r *Runner) Run(ctx context.Context) error {
	bo := newBackoff(r.cfg.MinBackoff, r.cfg.MaxBackoff)

	for {
		r.transition(sub.StateStarting, nil, 0)

		var cause error
		var ranFor time.Duration

		st, err := r.factory()
		if err != nil {
			cause = fmt.Errorf("failed to construct stream: %w", err)
		} else {
			cause, ranFor = r.runOnce(ctx, st)
		}

		if ctx.Err() != nil {
			r.transition(sub.StateStopped, nil, 0)
			return nil
		}

		if ranFor >= r.cfg.ResetAfter {
			// a sustained healthy run resets the schedule so backoff does not
			// grow unbounded across a long-lived process
			bo.reset()
		}

		delay := bo.next()
		r.mu.Lock()
		r.restarts++
		r.mu.Unlock()
		r.transition(sub.StateRestarting, cause, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.transition(sub.StateStopped, nil, 0)
			return nil
		case <-timer.C:
		}
	}
}

// runOnce supervises a single stream instance until it fails or ctx is
// cancelled, reporting the failure cause and how long the stream spent
// running.
func (r *Runner) runOnce(ctx context.Context, st Stream) (error, time.Duration) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- st.Run(sctx) }()

	started := st.Started()
	var runningSince time.Time

	for {
		select {
		case <-started:
			runningSince = time.Now()
			r.transition(sub.StateRunning, nil, 0)
			r.startOnce.Do(func() { close(r.started) })
			started = nil

		case err := <-runErr:
			var ranFor time.Duration
			if !runningSince.IsZero() {
				ranFor = time.Since(runningSince)
			}
			if err == nil {
				err = errors.New("stream ended unexpectedly")
			}
			return err, ranFor

		case <-ctx.Done():
			cancel()
			// wait for the stream to tear down and drain in-flight commits
			<-runErr
			return ctx.Err(), 0
		}
	}
}

func (r *Runner) transition(to sub.PipelineState, cause error, delay time.Duration) {
	r.mu.Lock()
	from := r.state
	if from == to {
		// the first loop iteration matches the seeded Starting state; observers
		// only see actual changes
		r.mu.Unlock()
		return
	}
	r.state = to
	restarts := r.restarts
	r.mu.Unlock()

	tr := sub.Transition{
		From:     from,
		To:       to,
		Cause:    cause,
		Delay:    delay,
		Restarts: restarts,
		At:       time.Now(),
	}

	switch to {
	case sub.StateRestarting:
		r.logger.Warn("pipeline restarting",
			zap.Error(cause),
			zap.Duration("delay", delay),
			zap.Int("restarts", restarts),
		)
	case sub.StateStopped:
		r.logger.Info("pipeline stopped")
	default:
		r.logger.Info("pipeline state changed", zap.Stringer("state", to))
	}

	select {
	case r.transitions <- tr:
	default:
	}
}
