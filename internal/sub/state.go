package sub

import "time"

// PipelineState is the supervised runner's lifecycle state. Stopped is
// terminal.
type PipelineState int

const (
	StateStarting PipelineState = iota
	StateRunning
	StateRestarting
	StateStopped
)

func (s PipelineState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Transition is one observable lifecycle change. Cause is set when the change
// was driven by a failure, Delay when a restart has been scheduled.
type Transition struct {
	From     PipelineState
	To       PipelineState
	Cause    error
	Delay    time.Duration
	Restarts int
	At       time.Time
}
