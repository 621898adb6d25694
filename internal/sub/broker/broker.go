package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"sub/internal/sub"
	"sub/internal/validator"
)

// Config holds connection settings shared by every subscription the broker
// hands out.
type Config struct {
	Brokers       []string      `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	MinBytes      int           `env:"KAFKA_MIN_BYTES" envDefault:"1"`
	MaxBytes      int           `env:"KAFKA_MAX_BYTES" envDefault:"10485760"`
	MaxWait       time.Duration `env:"KAFKA_MAX_WAIT" envDefault:"500ms"`
	DialTimeout   time.Duration `env:"KAFKA_DIAL_TIMEOUT" envDefault:"10s"`
	ProbeMaxTries uint          `env:"KAFKA_PROBE_MAX_TRIES" envDefault:"5"`
}

// Kafka implements the sub.Broker interface on top of segmentio/kafka-go
// consumer groups.
type Kafka struct {
	cfg    Config
	client *kafka.Client
	logger *zap.Logger
}

func NewKafka(cfg Config, logger *zap.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker address is required")
	}

	k := Kafka{
		cfg: cfg,
		client: &kafka.Client{
			Addr:    kafka.TCP(cfg.Brokers...),
			Timeout: cfg.DialTimeout,
		},
		logger: logger,
	}

	if err := validator.Validate("kafka broker", k.client, k.logger); err != nil {
		return nil, fmt.Errorf("failed to validate kafka broker deps: %w", err)
	}

	return &k, nil
}

// Subscribe implements sub.Broker.Subscribe. It probes cluster metadata for
// the requested topics before joining the group, so a missing topic surfaces
// as a subscribe error instead of a silent idle reader. The started signal is
// closed once the probe succeeds and the fetch loop is live.
func (k *Kafka) Subscribe(ctx context.Context, cfg sub.SubscriptionConfig) (sub.Subscription, error) {
	if cfg.GroupID == "" {
		return nil, errors.New("group id is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	if err := k.probeTopics(ctx, cfg.Topics); err != nil {
		return nil, fmt.Errorf("failed to probe topics %v: %w", cfg.Topics, err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    k.cfg.MinBytes,
		MaxBytes:    maxBytes(k.cfg, cfg.Properties),
		MaxWait:     k.cfg.MaxWait,
		Dialer: &kafka.Dialer{
			ClientID:  cfg.ClientID,
			Timeout:   k.cfg.DialTimeout,
			DualStack: true,
		},
	})

	// the subscription's lifetime is bound to Close, not to the caller's ctx
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{
		reader:  reader,
		records: make(chan sub.Record),
		started: make(chan struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger: k.logger.With(
			zap.String("group", cfg.GroupID),
			zap.String("clientId", cfg.ClientID),
		),
	}

	go s.fetch(sctx)
	close(s.started)

	return s, nil
}

// probeTopics asks the cluster for metadata on the requested topics, retrying
// transient failures with exponential backoff.
func (k *Kafka) probeTopics(ctx context.Context, topics []string) error {
	op := func() (*kafka.MetadataResponse, error) {
		resp, err := k.client.Metadata(ctx, &kafka.MetadataRequest{
			Addr:   k.client.Addr,
			Topics: topics,
		})
		if err != nil {
			return nil, err
		}
		for _, t := range resp.Topics {
			if t.Error != nil {
				return nil, fmt.Errorf("topic %s: %w", t.Name, t.Error)
			}
		}
		return resp, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(k.cfg.ProbeMaxTries),
	)
	return err
}

// maxBytes honors a per-subscription fetch.max.bytes property over the broker
// default. Unknown properties are ignored.
func maxBytes(cfg Config, props map[string]string) int {
	if v, ok := props["fetch.max.bytes"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return cfg.MaxBytes
}

// subscription is one live consumer-group membership backed by a
// kafka.Reader.
type subscription struct {
	reader  *kafka.Reader
	records chan sub.Record
	started chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *zap.Logger

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	closeErr  error
}

func (s *subscription) fetch(ctx context.Context) {
	defer close(s.done)
	defer close(s.records)

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.setErr(fmt.Errorf("failed to fetch message: %w", err))
				s.logger.Error("fetch loop ended", zap.Error(err))
			}
			return
		}

		select {
		case s.records <- toRecord(msg):
		case <-ctx.Done():
			return
		}
	}
}

func toRecord(msg kafka.Message) sub.Record {
	var headers map[string]string
	if len(msg.Headers) > 0 {
		headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}
	}

	return sub.Record{
		Offset: sub.Offset{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
		},
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
		Time:    msg.Time,
	}
}

func (s *subscription) Started() <-chan struct{} {
	return s.started
}

func (s *subscription) Records() <-chan sub.Record {
	return s.records
}

// CommitBatch commits the batch's highest offset per partition. The reader
// advances the group's committed position past each message it is handed.
func (s *subscription) CommitBatch(ctx context.Context, batch *sub.OffsetBatch) error {
	msgs := commitMessages(batch)
	if len(msgs) == 0 {
		return nil
	}

	if err := s.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to commit offsets for %d partitions: %w", len(msgs), err)
	}
	return nil
}

func commitMessages(batch *sub.OffsetBatch) []kafka.Message {
	parts := batch.Partitions()
	msgs := make([]kafka.Message, 0, len(parts))
	for tp, off := range parts {
		msgs = append(msgs, kafka.Message{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Offset:    off,
		})
	}
	return msgs
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.reader.Close()
		<-s.done
	})
	return s.closeErr
}
