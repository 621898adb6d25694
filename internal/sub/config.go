package sub

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// PipelineConfig is the immutable per-subscription configuration. Defaults are
// merged in at subscription time via normalized; each subscription owns its
// own copy and never references process-wide state afterward.
type PipelineConfig struct {
	GroupID    string   `env:"PIPELINE_GROUP_ID"`
	Topics     []string `env:"PIPELINE_TOPICS" envSeparator:","`
	ClientName string   `env:"PIPELINE_CLIENT_NAME" envDefault:"sub"`

	BatchSize            int           `env:"PIPELINE_BATCH_SIZE" envDefault:"1000"`
	BatchInterval        time.Duration `env:"PIPELINE_BATCH_INTERVAL" envDefault:"5s"`
	MaxConcurrentCommits int           `env:"PIPELINE_MAX_CONCURRENT_COMMITS" envDefault:"3"`

	MinBackoff time.Duration `env:"PIPELINE_MIN_BACKOFF" envDefault:"500ms"`
	MaxBackoff time.Duration `env:"PIPELINE_MAX_BACKOFF" envDefault:"30s"`
	// ResetAfter is the continuous Running period after which the restart
	// counter resets, so backoff does not grow unbounded across a long-lived
	// process with occasional failures.
	ResetAfter time.Duration `env:"PIPELINE_BACKOFF_RESET_AFTER" envDefault:"0"`

	AckTimeout time.Duration `env:"PIPELINE_ACK_TIMEOUT" envDefault:"10s"`

	// Properties are forwarded verbatim to the broker client.
	Properties map[string]string `env:"PIPELINE_PROPERTIES"`
}

// Validate reports whether the config names a subscription at all. Zero-value
// tunables are allowed; normalized fills them in.
func (c PipelineConfig) Validate() error {
	if c.GroupID == "" {
		return errors.New("group id is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("at least one topic is required")
	}
	return nil
}

// normalized returns a copy with defaults merged into unset fields.
func (c PipelineConfig) normalized() PipelineConfig {
	if c.ClientName == "" {
		c.ClientName = "sub"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 5 * time.Second
	}
	if c.MaxConcurrentCommits <= 0 {
		c.MaxConcurrentCommits = 3
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 30 * time.Second
		if c.MaxBackoff < c.MinBackoff {
			c.MaxBackoff = c.MinBackoff
		}
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 2 * c.MaxBackoff
		if c.ResetAfter < time.Minute {
			c.ResetAfter = time.Minute
		}
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	return c
}

// Normalized merges defaults into unset fields and validates the result.
func (c PipelineConfig) Normalized() (PipelineConfig, error) {
	if err := c.Validate(); err != nil {
		return PipelineConfig{}, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return c.normalized(), nil
}

var clientSeq atomic.Uint64

// NextClientID derives a process-unique client identity so the broker never
// sees duplicate client registrations from one process.
func NextClientID(name string) string {
	return fmt.Sprintf("%s-%d", name, clientSeq.Add(1))
}
