package sub

import (
	"context"
	"time"
)

// Record is a raw broker record paired with its offset, before
// deserialization.
type Record struct {
	Offset  Offset
	Key     []byte
	Value   []byte
	Headers map[string]string
	Time    time.Time
}

// SubscriptionConfig carries everything the broker needs to establish one
// consumer-group subscription. Properties are opaque key-value pairs forwarded
// verbatim to the underlying client.
type SubscriptionConfig struct {
	GroupID    string
	Topics     []string
	ClientID   string
	Properties map[string]string
}

// Broker is the wire-level client capability the pipeline consumes. Group
// coordination, partition assignment and network I/O live behind it.
type Broker interface {
	// Subscribe establishes a consumer-group subscription for the topic set.
	// The returned subscription owns its connection; it is not shared across
	// pipelines.
	Subscribe(ctx context.Context, cfg SubscriptionConfig) (Subscription, error)
}

// Subscription is one live consumer-group membership.
type Subscription interface {
	// Started is closed once the subscription is confirmed active.
	Started() <-chan struct{}

	// Records yields records with backpressure: the channel is unbuffered, so
	// a slow consumer stalls the fetch loop rather than growing a buffer.
	// It is closed when the subscription ends; Err reports why.
	Records() <-chan Record

	// CommitBatch durably records the batch's highest offset per partition
	// with the broker.
	CommitBatch(ctx context.Context, batch *OffsetBatch) error

	// Err reports the failure that ended the subscription, if any. Only valid
	// after Records is closed.
	Err() error

	// Close tears the subscription down and releases its connection.
	Close() error
}

// Deserializer converts a raw record into a typed envelope. A decode failure
// is never fatal to the pipeline; the caller acknowledges the record's offset
// and moves on.
type Deserializer interface {
	Decode(rec Record) (UntypedEnvelope, error)
}
