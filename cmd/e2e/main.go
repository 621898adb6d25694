package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"sub/internal/sub"
	"sub/internal/sub/broker"
	"sub/internal/sub/codec"
	"sub/internal/sub/coordinator"
	"sub/internal/sub/metrics"
	"sub/internal/sub/tracing"
)

type Config struct {
	Topic           string        `env:"TOPIC" envDefault:"orders"`
	EventCount      int           `env:"EVENT_COUNT" envDefault:"100"`
	PublishRounds   int           `env:"PUBLISH_ROUNDS" envDefault:"1"`
	PublishInterval time.Duration `env:"PUBLISH_INTERVAL" envDefault:"1s"`
	ConsumeTimeout  time.Duration `env:"CONSUME_TIMEOUT" envDefault:"60s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
}

// OrderEvent is the typed payload the e2e subscriber processes.
type OrderEvent struct {
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	ProductID  string    `json:"product_id"`
	Amount     float64   `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditEvent shares the topic but targets a different subscriber; the
// pipeline must skip past it without invoking the order handler.
type AuditEvent struct {
	Actor  string `json:"actor"`
	Action string `json:"action"`
}

func main() {
	cpuProfile, err := os.Create("cpu.pprof")
	if err != nil {
		log.Fatal("could not create CPU profile: ", err)
	}
	defer cpuProfile.Close()
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		log.Fatal("could not start CPU profile: ", err)
	}
	defer pprof.StopCPUProfile()

	// Memory Profile
	defer func() {
		memProfile, err := os.Create("mem.pprof")
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		defer memProfile.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(memProfile); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}
	var brokerCfg broker.Config
	if err := env.Parse(&brokerCfg); err != nil {
		log.Fatalf("failed to parse broker config: %v", err)
	}
	var serverCfg metrics.ServerConfig
	if err := env.Parse(&serverCfg); err != nil {
		log.Fatalf("failed to parse metrics server config: %v", err)
	}
	var tracingCfg tracing.Config
	if err := env.Parse(&tracingCfg); err != nil {
		log.Fatalf("failed to parse tracing config: %v", err)
	}
	var pipeCfg sub.PipelineConfig
	if err := env.Parse(&pipeCfg); err != nil {
		log.Fatalf("failed to parse pipeline config: %v", err)
	}
	if pipeCfg.GroupID == "" {
		pipeCfg.GroupID = "e2e"
	}
	if len(pipeCfg.Topics) == 0 {
		pipeCfg.Topics = []string{cfg.Topic}
	}

	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", cfg.LogLevel, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := config.Build(zap.AddCaller())
	defer logger.Sync()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	metricsRegistry := metrics.NewRegistry()
	metricsRegistry.SetSystemInfo("e2e-test", time.Now().Format(time.RFC3339))

	metricsServer := metrics.NewServer(serverCfg, metricsRegistry, logger)

	go func() {
		if err := metricsServer.Start(context.Background()); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("metrics server started",
		zap.String("endpoint", fmt.Sprintf("http://localhost:%d/metrics", serverCfg.Port)),
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", serverCfg.Port)),
	)

	tracer, tracingCleanup, err := tracing.NewTracer(tracingCfg)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error("failed to cleanup tracing", zap.Error(err))
		}
	}()

	logger.Info("tracing initialized",
		zap.String("service", tracingCfg.ServiceName),
		zap.String("endpoint", tracingCfg.Endpoint),
		zap.Float64("sample_rate", tracingCfg.SampleRate),
	)

	baseBroker, err := broker.NewKafka(brokerCfg, logger)
	if err != nil {
		log.Fatalf("failed to create broker: %v", err)
	}
	metricsBroker := broker.NewMetricsBroker(baseBroker, metricsRegistry)
	brk := broker.NewTracedBroker(metricsBroker, tracer)

	codecRegistry, err := codec.NewRegistry(logger)
	if err != nil {
		log.Fatalf("failed to create codec registry: %v", err)
	}
	if err := codec.RegisterJSON[OrderEvent](codecRegistry, "order.created"); err != nil {
		log.Fatalf("failed to register order decoder: %v", err)
	}
	if err := codec.RegisterJSON[AuditEvent](codecRegistry, "audit.logged"); err != nil {
		log.Fatalf("failed to register audit decoder: %v", err)
	}
	deserializer := codec.NewMetricsDeserializer(codecRegistry, metricsRegistry)

	baseCoordinator, err := coordinator.NewCoordinator(brk, deserializer, logger)
	if err != nil {
		log.Fatalf("failed to create coordinator: %v", err)
	}
	metricsCoordinator := coordinator.NewMetricsCoordinator(baseCoordinator, metricsRegistry)
	coord := coordinator.NewTracedCoordinator(metricsCoordinator, tracer)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()

	expected := int64(cfg.EventCount * cfg.PublishRounds)
	var processed atomic.Int64
	consumed := make(chan struct{})

	stage := sub.ForType[OrderEvent]("order.created", func(ctx context.Context, e sub.Envelope[OrderEvent]) (sub.Offset, error) {
		if n := processed.Add(1); n == expected {
			close(consumed)
		}
		return e.Offset, nil
	})

	now := time.Now()
	p, outcome, err := coord.Subscribe(ctx, pipeCfg, stage)
	if err != nil {
		log.Fatalf("failed to subscribe: %v", err)
	}
	logger.Info("subscribed",
		zap.Stringer("outcome", outcome),
		zap.String("group", pipeCfg.GroupID),
	)

	go func() {
		for tr := range p.Transitions() {
			logger.Info("pipeline transition",
				zap.Stringer("from", tr.From),
				zap.Stringer("to", tr.To),
				zap.Error(tr.Cause),
				zap.Duration("delay", tr.Delay),
				zap.Int("restarts", tr.Restarts),
			)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return publish(gctx, logger, cfg, brokerCfg)
	})
	g.Go(func() error {
		timeout := time.NewTimer(cfg.ConsumeTimeout)
		defer timeout.Stop()

		select {
		case <-consumed:
			logger.Info("all events consumed", zap.Int64("count", processed.Load()))
			return nil
		case <-timeout.C:
			return fmt.Errorf("consumed %d of %d events before timeout", processed.Load(), expected)
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("error in goroutine", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := p.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop pipeline", zap.Error(err))
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop metrics server", zap.Error(err))
	}

	fmt.Printf("\n\n TEST COMPLETE IN %.2f seconds", time.Since(now).Seconds())
}

// publish writes the scripted rounds of order events, salted with audit
// events the subscriber must skip past.
func publish(ctx context.Context, logger *zap.Logger, cfg Config, brokerCfg broker.Config) error {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokerCfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()

	ticker := time.NewTicker(cfg.PublishInterval)
	defer ticker.Stop()
	rounds := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			msgs, err := events(cfg.EventCount)
			if err != nil {
				return fmt.Errorf("failed to build events: %w", err)
			}
			if err := writer.WriteMessages(ctx, msgs...); err != nil {
				logger.Error("failed to publish events", zap.Error(err))
				return fmt.Errorf("failed to publish events: %w", err)
			}
			logger.Info(fmt.Sprintf("published %d events", len(msgs)))
			rounds++
			if rounds >= cfg.PublishRounds {
				logger.Info("publish rounds complete, stopping producer")
				return nil
			}
		}
	}
}

func events(count int) ([]kafka.Message, error) {
	customers := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	products := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "10"}
	msgs := make([]kafka.Message, 0, count+count/10)

	for i := 0; i < count; i++ {
		e := OrderEvent{
			OrderID:    fmt.Sprintf("ORD-%04d", i+1),
			CustomerID: customers[rand.Intn(len(customers))],
			ProductID:  products[rand.Intn(len(products))],
			Amount:     10.0 + rand.Float64()*990.0,
			Timestamp:  time.Now(),
		}
		msg, err := message("order.created", e.OrderID, e)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)

		// sprinkle in foreign-type records the order subscriber skips
		if i%10 == 0 {
			a := AuditEvent{Actor: "e2e", Action: "order.review"}
			msg, err := message("audit.logged", fmt.Sprintf("AUD-%04d", i+1), a)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, msg)
		}
	}

	return msgs, nil
}

func message(typeTag, key string, payload any) (kafka.Message, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal %s payload: %w", typeTag, err)
	}

	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: codec.TypeHeader, Value: []byte(typeTag)},
		},
	}, nil
}
