package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"sub/internal/sub"
)

type fakeSubscription struct {
	started chan struct{}
	records chan sub.Record
	commits chan *sub.OffsetBatch

	mu        sync.Mutex
	commitErr error
	err       error
	closed    bool
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		started: make(chan struct{}),
		records: make(chan sub.Record),
		commits: make(chan *sub.OffsetBatch, 16),
	}
}

func (f *fakeSubscription) Started() <-chan struct{}   { return f.started }
func (f *fakeSubscription) Records() <-chan sub.Record { return f.records }

func (f *fakeSubscription) CommitBatch(ctx context.Context, batch *sub.OffsetBatch) error {
	f.mu.Lock()
	err := f.commitErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.commits <- batch
	return nil
}

func (f *fakeSubscription) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSubscription) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSubscription) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.records)
}

type fakeBroker struct {
	subn sub.Subscription
	err  error
}

func (f *fakeBroker) Subscribe(ctx context.Context, cfg sub.SubscriptionConfig) (sub.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.subn, nil
}

type codecFunc func(rec sub.Record) (sub.UntypedEnvelope, error)

func (f codecFunc) Decode(rec sub.Record) (sub.UntypedEnvelope, error) { return f(rec) }

// passthrough tags every record "order.created" with its raw value as payload.
var passthrough = codecFunc(func(rec sub.Record) (sub.UntypedEnvelope, error) {
	return sub.UntypedEnvelope{Type: "order.created", Payload: string(rec.Value), Offset: rec.Offset}, nil
})

func startStream(t *testing.T, subn *fakeSubscription, codec sub.Deserializer, stage sub.Stage) (*Stream, context.CancelFunc, chan error) {
	t.Helper()

	s, err := New(Config{
		Subscription:         sub.SubscriptionConfig{GroupID: "g", Topics: []string{"orders"}},
		BatchSize:            1,
		BatchInterval:        time.Hour,
		MaxConcurrentCommits: 1,
	}, &fakeBroker{subn: subn}, codec, stage, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	return s, cancel, runErr
}

func send(t *testing.T, subn *fakeSubscription, rec sub.Record) {
	t.Helper()
	select {
	case subn.records <- rec:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out sending a record into the stream")
	}
}

func waitCommit(t *testing.T, subn *fakeSubscription) *sub.OffsetBatch {
	t.Helper()
	select {
	case b := <-subn.commits:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a commit")
		return nil
	}
}

func rec(n int64, value string) sub.Record {
	return sub.Record{
		Offset: sub.Offset{Topic: "orders", Partition: 0, Offset: n},
		Value:  []byte(value),
	}
}

func TestStream_StartedSignalPropagates(t *testing.T) {
	subn := newFakeSubscription()
	stage := sub.ForType("order.created", func(ctx context.Context, env sub.Envelope[string]) (sub.Offset, error) {
		return env.Offset, nil
	})
	s, cancel, _ := startStream(t, subn, passthrough, stage)
	defer cancel()

	select {
	case <-s.Started():
		t.Fatal("stream reported started before the subscription confirmed")
	case <-time.After(20 * time.Millisecond):
	}

	close(subn.started)

	select {
	case <-s.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("stream never reported started")
	}
}

func TestStream_ProcessesInOrderAndCommits(t *testing.T) {
	subn := newFakeSubscription()

	var mu sync.Mutex
	var handled []string
	stage := sub.ForType("order.created", func(ctx context.Context, env sub.Envelope[string]) (sub.Offset, error) {
		mu.Lock()
		handled = append(handled, env.Payload)
		mu.Unlock()
		return env.Offset, nil
	})

	_, cancel, _ := startStream(t, subn, passthrough, stage)
	defer cancel()
	close(subn.started)

	send(t, subn, rec(1, "first"))
	first := waitCommit(t, subn)
	send(t, subn, rec(2, "second"))
	second := waitCommit(t, subn)

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 2 || handled[0] != "first" || handled[1] != "second" {
		t.Fatalf("unexpected handler order: %v", handled)
	}

	tp := sub.TopicPartition{Topic: "orders", Partition: 0}
	if first.Partitions()[tp] != 1 || second.Partitions()[tp] != 2 {
		t.Fatalf("unexpected commit positions: %v then %v", first.Partitions(), second.Partitions())
	}
}

func TestStream_DecodeFailureAcksAndContinues(t *testing.T) {
	subn := newFakeSubscription()

	codec := codecFunc(func(r sub.Record) (sub.UntypedEnvelope, error) {
		if string(r.Value) == "bad" {
			return sub.UntypedEnvelope{}, errors.New("malformed")
		}
		return passthrough(r)
	})

	invoked := 0
	stage := sub.ForType("order.created", func(ctx context.Context, env sub.Envelope[string]) (sub.Offset, error) {
		invoked++
		return env.Offset, nil
	})

	_, cancel, runErr := startStream(t, subn, codec, stage)
	defer cancel()
	close(subn.started)

	send(t, subn, rec(7, "bad"))
	batch := waitCommit(t, subn)

	tp := sub.TopicPartition{Topic: "orders", Partition: 0}
	if batch.Partitions()[tp] != 7 {
		t.Fatalf("expected undecodable record's offset 7 acknowledged, got %v", batch.Partitions())
	}
	if invoked != 0 {
		t.Fatal("processing stage must not run for an undecodable record")
	}

	select {
	case err := <-runErr:
		t.Fatalf("decode failure must not be fatal, stream ended: %v", err)
	default:
	}
}

func TestStream_ForeignTypeAcksWithoutProcessing(t *testing.T) {
	subn := newFakeSubscription()

	codec := codecFunc(func(r sub.Record) (sub.UntypedEnvelope, error) {
		return sub.UntypedEnvelope{Type: "invoice.created", Payload: string(r.Value), Offset: r.Offset}, nil
	})

	stage := sub.ForType("order.created", func(ctx context.Context, env sub.Envelope[string]) (sub.Offset, error) {
		t.Fatal("handler must not run for a foreign type")
		return sub.Offset{}, nil
	})

	_, cancel, _ := startStream(t, subn, codec, stage)
	defer cancel()
	close(subn.started)

	send(t, subn, rec(3, "x"))
	batch := waitCommit(t, subn)

	tp := sub.TopicPartition{Topic: "orders", Partition: 0}
	if batch.Partitions()[tp] != 3 {
		t.Fatalf("expected skipped record's offset 3 acknowledged, got %v", batch.Partitions())
	}
}

func TestStream_StageFailureIsFatal(t *testing.T) {
	subn := newFakeSubscription()
	want := errors.New("handler blew up")

	stage := sub.ForType("order.created", func(ctx context.Context, env sub.Envelope[string]) (sub.Offset, error) {
		return sub.Offset{}, want
	})

	_, cancel, runErr := startStream(t, subn, passthrough, stage)
	defer cancel()
	close(subn.started)

	send(t, subn, rec(1, "x"))

	select {
	case err := <-runErr:
		if !errors.Is(err, want) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not fail after a stage error")
	}

	// nothing committed for the failed message
	select {
	case batch := <-subn.commits:
		t.Fatalf("unexpected commit after stage failure: %v", batch.Partitions())
	default:
	}
}

func TestStream_SubscriptionFailureSurfaces(t *testing.T) {
	subn := newFakeSubscription()
	stage := sub.ForType("order.created", func(ctx context.Context, env sub.Envelope[string]) (sub.Offset, error) {
		return env.Offset, nil
	})

	_, cancel, runErr := startStream(t, subn, passthrough, stage)
	defer cancel()
	close(subn.started)

	want := errors.New("broker disconnect")
	subn.fail(want)

	select {
	case err := <-runErr:
		if !errors.Is(err, want) {
			t.Fatalf("expected broker error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not surface the subscription failure")
	}
}

func TestStream_SubscribeErrorSurfaces(t *testing.T) {
	want := fmt.Errorf("no brokers reachable")

	s, err := New(Config{
		Subscription:         sub.SubscriptionConfig{GroupID: "g", Topics: []string{"orders"}},
		BatchSize:            1,
		BatchInterval:        time.Hour,
		MaxConcurrentCommits: 1,
	}, &fakeBroker{err: want}, passthrough, sub.ForType("order.created", func(ctx context.Context, env sub.Envelope[string]) (sub.Offset, error) {
		return env.Offset, nil
	}), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Run(context.Background()); !errors.Is(err, want) {
		t.Fatalf("expected subscribe error, got %v", err)
	}
}
