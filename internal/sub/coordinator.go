package sub

import "context"

// Outcome is the synchronous result of a Subscribe call.
type Outcome int

const (
	// OutcomeAcknowledged means the subscription was confirmed active before
	// the acknowledge timeout.
	OutcomeAcknowledged Outcome = iota
	// OutcomeTimedOut means the acknowledge timeout fired first. The pipeline
	// keeps running in the background; the timeout is a caller-visible signal
	// only, not a shutdown command.
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcknowledged:
		return "acknowledged"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Coordinator is the public entry point for starting supervised consumption
// pipelines.
type Coordinator interface {
	// Subscribe starts a supervised pipeline for the config and processing
	// stage, then waits for either the stream-started signal or the config's
	// acknowledge timeout, whichever resolves first. The returned pipeline is
	// running either way and must eventually be stopped by the caller.
	Subscribe(ctx context.Context, cfg PipelineConfig, stage Stage) (Pipeline, Outcome, error)
}

// Pipeline is the caller's handle on one running supervised pipeline.
type Pipeline interface {
	// Stop initiates graceful shutdown: the active stream is cancelled,
	// in-flight commits drain, and no further restart is scheduled. It blocks
	// until the pipeline has fully stopped or ctx expires.
	Stop(ctx context.Context) error

	// Done is closed once the pipeline has fully stopped.
	Done() <-chan struct{}

	// State reports the current lifecycle state.
	State() PipelineState

	// Transitions yields lifecycle changes and the failure cause of each
	// restart, for monitoring. The channel is buffered; a slow observer loses
	// transitions rather than stalling the pipeline.
	Transitions() <-chan Transition
}
