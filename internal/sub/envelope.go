package sub

import "context"

// UntypedEnvelope is a deserialized record before type resolution: the decoded
// payload, the type tag the deserializer resolved for it, and the offset to
// acknowledge once the record is handled.
type UntypedEnvelope struct {
	Type    string
	Payload any
	Offset  Offset
}

// Envelope pairs a typed payload with its originating offset.
type Envelope[T any] struct {
	Payload T
	Offset  Offset
}

// Handler is the caller-supplied processing stage for one message type. It
// must return the offset it has taken responsibility for; an error fails the
// whole pipeline (retries, if desired, are the handler's own concern).
type Handler[T any] func(ctx context.Context, env Envelope[T]) (Offset, error)

// Stage is the type-erased filter + processing stage the stream drives.
// processed reports whether the handler ran; either way the returned offset is
// acknowledged unless err is non-nil.
type Stage func(ctx context.Context, env UntypedEnvelope) (off Offset, processed bool, err error)

// ForType adapts a typed handler into a Stage. Envelopes whose type tag does
// not match, or whose payload does not carry the expected concrete type, are
// skipped: their offset is acknowledged without invoking the handler, so a
// subscriber sharing a topic with other message types still advances its
// commit position past them.
func ForType[T any](tag string, h Handler[T]) Stage {
	return func(ctx context.Context, env UntypedEnvelope) (Offset, bool, error) {
		if env.Type != tag {
			return env.Offset, false, nil
		}
		payload, ok := env.Payload.(T)
		if !ok {
			return env.Offset, false, nil
		}

		off, err := h(ctx, Envelope[T]{Payload: payload, Offset: env.Offset})
		if err != nil {
			return Offset{}, true, err
		}

		return off, true, nil
	}
}
