package coordinator

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
	closed  chan struct{}

	closeOnce sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		started: make(chan struct{}),
		records: make(chan sub.Record),
		commits: make(chan *sub.OffsetBatch, 16),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSubscription) Started() <-chan struct{}   { return s.started }
func (s *fakeSubscription) Records() <-chan sub.Record { return s.records }
func (s *fakeSubscription) Err() error                 { return nil }

func (s *fakeSubscription) CommitBatch(ctx context.Context, batch *sub.OffsetBatch) error {
	select {
	case s.commits <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// send delivers a record unless the subscription has been torn down.
func (s *fakeSubscription) send(rec sub.Record) {
	select {
	case s.records <- rec:
	case <-s.closed:
	}
}

// fakeBroker hands out a fresh subscription per attempt and lets the test
// script each one.
type fakeBroker struct {
	mu          sync.Mutex
	subs        []*fakeSubscription
	onSubscribe func(attempt int, s *fakeSubscription)
}

func (b *fakeBroker) Subscribe(ctx context.Context, cfg sub.SubscriptionConfig) (sub.Subscription, error) {
	s := newFakeSubscription()

	b.mu.Lock()
	b.subs = append(b.subs, s)
	attempt := len(b.subs)
	b.mu.Unlock()

	if b.onSubscribe != nil {
		go b.onSubscribe(attempt, s)
	}
	return s, nil
}

func (b *fakeBroker) attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type codecFunc func(sub.Record) (sub.UntypedEnvelope, error)

func (f codecFunc) Decode(rec sub.Record) (sub.UntypedEnvelope, error) { return f(rec) }

func passthrough() sub.Deserializer {
	return codecFunc(func(rec sub.Record) (sub.UntypedEnvelope, error) {
		return sub.UntypedEnvelope{Type: "evt", Payload: string(rec.Value), Offset: rec.Offset}, nil
	})
}

func testConfig() sub.PipelineConfig {
	return sub.PipelineConfig{
		GroupID:    "billing",
		Topics:     []string{"orders"},
		BatchSize:  1,
		MinBackoff: time.Millisecond,
		MaxBackoff: 8 * time.Millisecond,
		ResetAfter: time.Hour,
		AckTimeout: 2 * time.Second,
	}
}

func record(offset int64) sub.Record {
	return sub.Record{
		Offset: sub.Offset{Topic: "orders", Partition: 0, Offset: offset},
		Value:  []byte(fmt.Sprintf("order-%d", offset)),
	}
}

func mustStop(t *testing.T, p sub.Pipeline) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := p.State(); got != sub.StateStopped {
		t.Fatalf("expected stopped after Stop, got %v", got)
	}
}

func TestCoordinator_SubscribeAcknowledged(t *testing.T) {
	broker := &fakeBroker{
		onSubscribe: func(attempt int, s *fakeSubscription) {
			close(s.started)
			s.send(record(7))
		},
	}

	c, err := NewCoordinator(broker, passthrough(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	processed := make(chan sub.UntypedEnvelope, 1)
	stage := func(ctx context.Context, env sub.UntypedEnvelope) (sub.Offset, bool, error) {
		processed <- env
		return env.Offset, true, nil
	}

	p, outcome, err := c.Subscribe(context.Background(), testConfig(), stage)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if outcome != sub.OutcomeAcknowledged {
		t.Fatalf("expected acknowledged, got %v", outcome)
	}

	select {
	case env := <-processed:
		if env.Payload.(string) != "order-7" {
			t.Fatalf("unexpected payload %v", env.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stage never saw the record")
	}

	broker.mu.Lock()
	s := broker.subs[0]
	broker.mu.Unlock()

	select {
	case batch := <-s.commits:
		parts := batch.Partitions()
		tp := sub.TopicPartition{Topic: "orders", Partition: 0}
		if len(parts) != 1 || parts[tp] != 7 {
			t.Fatalf("unexpected committed batch %v", parts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("offset was never committed")
	}

	mustStop(t, p)

	select {
	case <-p.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
}

func TestCoordinator_SubscribeTimesOutButPipelineContinues(t *testing.T) {
	ready := make(chan struct{})
	broker := &fakeBroker{
		onSubscribe: func(attempt int, s *fakeSubscription) {
			// hold the started signal hostage until the test releases it
			<-ready
			close(s.started)
			s.send(record(1))
		},
	}

	c, err := NewCoordinator(broker, passthrough(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	processed := make(chan struct{}, 1)
	stage := func(ctx context.Context, env sub.UntypedEnvelope) (sub.Offset, bool, error) {
		processed <- struct{}{}
		return env.Offset, true, nil
	}

	cfg := testConfig()
	cfg.AckTimeout = 25 * time.Millisecond

	start := time.Now()
	p, outcome, err := c.Subscribe(context.Background(), cfg, stage)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if outcome != sub.OutcomeTimedOut {
		t.Fatalf("expected timed out, got %v", outcome)
	}
	if elapsed := time.Since(start); elapsed < cfg.AckTimeout {
		t.Fatalf("Subscribe returned before the ack timeout: %v", elapsed)
	}
	if got := p.State(); got == sub.StateStopped {
		t.Fatal("timed-out subscribe must not stop the pipeline")
	}

	// the pipeline was not cancelled: once the broker comes around, records
	// flow as if the timeout never happened
	close(ready)
	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never processed a record after the late start")
	}

	mustStop(t, p)
}

func TestCoordinator_StageFailureRestartsPipeline(t *testing.T) {
	broker := &fakeBroker{
		onSubscribe: func(attempt int, s *fakeSubscription) {
			close(s.started)
			s.send(record(int64(attempt)))
		},
	}

	c, err := NewCoordinator(broker, passthrough(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	stage := func(ctx context.Context, env sub.UntypedEnvelope) (sub.Offset, bool, error) {
		return sub.Offset{}, true, errors.New("handler exploded")
	}

	p, outcome, err := c.Subscribe(context.Background(), testConfig(), stage)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if outcome != sub.OutcomeAcknowledged {
		t.Fatalf("expected acknowledged, got %v", outcome)
	}

	restarts := 0
	deadline := time.After(5 * time.Second)
	for restarts < 2 {
		select {
		case tr := <-p.Transitions():
			if tr.To != sub.StateRestarting {
				continue
			}
			restarts++
			if tr.Cause == nil {
				t.Fatal("restart transition must carry its failure cause")
			}
		case <-deadline:
			t.Fatalf("expected 2 restarts, observed %d (attempts %d)", restarts, broker.attempts())
		}
	}

	mustStop(t, p)

	broker.mu.Lock()
	defer broker.mu.Unlock()
	for i, s := range broker.subs {
		select {
		case batch := <-s.commits:
			t.Fatalf("attempt %d committed %v despite the stage failing", i+1, batch.Partitions())
		default:
		}
	}
}

func TestCoordinator_SubscribeValidation(t *testing.T) {
	c, err := NewCoordinator(&fakeBroker{}, passthrough(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	stage := func(ctx context.Context, env sub.UntypedEnvelope) (sub.Offset, bool, error) {
		return env.Offset, true, nil
	}

	if _, _, err := c.Subscribe(context.Background(), testConfig(), nil); err == nil {
		t.Fatal("expected error for nil stage")
	}

	cfg := testConfig()
	cfg.GroupID = ""
	if _, _, err := c.Subscribe(context.Background(), cfg, stage); err == nil {
		t.Fatal("expected error for config without group id")
	}

	if _, err := NewCoordinator(nil, passthrough(), zap.NewNop()); err == nil {
		t.Fatal("expected error for missing broker")
	}
}
