package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sub/internal/sub"
	"sub/internal/validator"
)

// TypeHeader is the record header carrying the payload's type tag. Records
// without it fall back to the JSON envelope wrapper.
const TypeHeader = "message-type"

var (
	// ErrUnknownType means no decoder is registered for the record's type tag.
	ErrUnknownType = errors.New("unknown message type")
	// ErrNoType means the record declares no type tag at all.
	ErrNoType = errors.New("record carries no type tag")
)

// DecodeFunc turns a raw payload into a typed value.
type DecodeFunc func(data []byte) (any, error)

// Registry maps type tags to decoders. The tag is resolved at deserialization
// time and carried in the envelope as an explicit discriminator; type
// filtering downstream compares it by value.
//
// Register all decoders before subscribing; the registry is not safe for
// concurrent mutation.
type Registry struct {
	decoders map[string]DecodeFunc
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) (*Registry, error) {
	r := Registry{
		decoders: make(map[string]DecodeFunc),
		logger:   logger,
	}

	if err := validator.Validate("codec", r.logger); err != nil {
		return nil, fmt.Errorf("failed to validate codec deps: %w", err)
	}

	return &r, nil
}

// Register binds a decoder to a type tag.
func (r *Registry) Register(tag string, decode DecodeFunc) error {
	if tag == "" {
		return errors.New("type tag must not be empty")
	}
	if decode == nil {
		return errors.New("decode func must not be nil")
	}
	if _, ok := r.decoders[tag]; ok {
		return fmt.Errorf("decoder already registered for type %q", tag)
	}

	r.decoders[tag] = decode
	return nil
}

// RegisterJSON binds a JSON decoder producing T to a type tag.
func RegisterJSON[T any](r *Registry, tag string) error {
	return r.Register(tag, func(data []byte) (any, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %q payload: %w", tag, err)
		}
		return v, nil
	})
}

// wrapper is the JSON envelope used when no type header is present.
type wrapper struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode implements sub.Deserializer. The record's type tag comes from the
// message-type header when present, else from the JSON wrapper. Errors are
// message-granular: the caller acknowledges the offset and continues.
func (r *Registry) Decode(rec sub.Record) (sub.UntypedEnvelope, error) {
	tag := rec.Headers[TypeHeader]
	payload := rec.Value

	if tag == "" {
		var w wrapper
		if err := json.Unmarshal(rec.Value, &w); err != nil {
			return sub.UntypedEnvelope{}, fmt.Errorf("failed to decode envelope at %s: %w", rec.Offset, err)
		}
		if w.Type == "" {
			return sub.UntypedEnvelope{}, fmt.Errorf("%w at %s", ErrNoType, rec.Offset)
		}
		tag = w.Type
		payload = w.Payload
	}

	decode, ok := r.decoders[tag]
	if !ok {
		return sub.UntypedEnvelope{}, fmt.Errorf("%w: %q at %s", ErrUnknownType, tag, rec.Offset)
	}

	v, err := decode(payload)
	if err != nil {
		return sub.UntypedEnvelope{}, err
	}

	return sub.UntypedEnvelope{Type: tag, Payload: v, Offset: rec.Offset}, nil
}
