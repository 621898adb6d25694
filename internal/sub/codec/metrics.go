package codec

import (
	"sub/internal/sub"
	"sub/internal/sub/metrics"
)

// MetricsDeserializer wraps a sub.Deserializer with metrics collection
type MetricsDeserializer struct {
	deserializer sub.Deserializer
	registry     *metrics.Registry
}

// NewMetricsDeserializer creates a new instrumented deserializer
func NewMetricsDeserializer(deserializer sub.Deserializer, registry *metrics.Registry) sub.Deserializer {
	return &MetricsDeserializer{
		deserializer: deserializer,
		registry:     registry,
	}
}

// Decode implements sub.Deserializer.Decode with metrics collection
func (d *MetricsDeserializer) Decode(rec sub.Record) (sub.UntypedEnvelope, error) {
	env, err := d.deserializer.Decode(rec)

	d.registry.RecordDecode(rec.Offset.Topic, err)

	return env, err
}
