package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry encapsulates all metrics and provides a clean interface
// for recording metrics without global state
type Registry struct {
	registry *prometheus.Registry

	// Subscription metrics
	subscribeTotal    *prometheus.CounterVec
	subscribeDuration *prometheus.HistogramVec

	// Stream metrics
	recordsFetched *prometheus.CounterVec
	decodeTotal    *prometheus.CounterVec

	// Commit metrics
	commitTotal     *prometheus.CounterVec
	commitDuration  *prometheus.HistogramVec
	commitBatchSize *prometheus.HistogramVec

	// Supervision metrics
	restartsTotal *prometheus.CounterVec
	pipelineState *prometheus.GaugeVec
	restartDelay  *prometheus.HistogramVec

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		subscribeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sub_subscribe_total",
				Help: "Total number of subscribe calls",
			},
			[]string{"group", "outcome"}, // outcome: acknowledged, timed_out, error
		),

		subscribeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sub_subscribe_duration_seconds",
				Help:    "Time spent waiting for subscription acknowledgement",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"group"},
		),

		recordsFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sub_records_fetched_total",
				Help: "Total number of raw records fetched from the broker",
			},
			[]string{"topic"},
		),

		decodeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sub_decode_total",
				Help: "Total number of record deserialization attempts",
			},
			[]string{"topic", "status"}, // status: success, error
		),

		commitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sub_commit_total",
				Help: "Total number of offset batch commits",
			},
			[]string{"group", "status"}, // status: success, error
		),

		commitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sub_commit_duration_seconds",
				Help:    "Time spent committing offset batches",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"group"},
		),

		commitBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sub_commit_batch_size",
				Help:    "Number of offsets folded into committed batches",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
			},
			[]string{"group"},
		),

		restartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sub_pipeline_restarts_total",
				Help: "Total number of supervised pipeline restarts",
			},
			[]string{"group"},
		),

		pipelineState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sub_pipeline_state",
				Help: "Current pipeline state (value is always 1 for the active state)",
			},
			[]string{"group", "state"},
		),

		restartDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sub_pipeline_restart_delay_seconds",
				Help:    "Backoff delay scheduled before pipeline restarts",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"group"},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sub_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "build_time"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sub_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Register application metrics
	registry.MustRegister(
		r.subscribeTotal,
		r.subscribeDuration,
		r.recordsFetched,
		r.decodeTotal,
		r.commitTotal,
		r.commitDuration,
		r.commitBatchSize,
		r.restartsTotal,
		r.pipelineState,
		r.restartDelay,
		r.systemInfo,
		r.startTime,
	)

	// Set start time
	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// RecordSubscribe records a coordinator subscribe call
func (r *Registry) RecordSubscribe(group, outcome string, duration time.Duration, err error) {
	if err != nil {
		outcome = "error"
	}

	r.subscribeTotal.WithLabelValues(group, outcome).Inc()
	r.subscribeDuration.WithLabelValues(group).Observe(duration.Seconds())
}

// RecordFetched records raw records fetched from the broker
func (r *Registry) RecordFetched(topic string) {
	r.recordsFetched.WithLabelValues(topic).Inc()
}

// RecordDecode records a deserialization attempt
func (r *Registry) RecordDecode(topic string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.decodeTotal.WithLabelValues(topic, status).Inc()
}

// RecordCommit records an offset batch commit
func (r *Registry) RecordCommit(group string, batchSize int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.commitTotal.WithLabelValues(group, status).Inc()
	r.commitDuration.WithLabelValues(group).Observe(duration.Seconds())
	if err == nil {
		r.commitBatchSize.WithLabelValues(group).Observe(float64(batchSize))
	}
}

// RecordRestart records a scheduled pipeline restart and its backoff delay
func (r *Registry) RecordRestart(group string, delay time.Duration) {
	r.restartsTotal.WithLabelValues(group).Inc()
	r.restartDelay.WithLabelValues(group).Observe(delay.Seconds())
}

// SetPipelineState updates the pipeline state gauge
func (r *Registry) SetPipelineState(group, state string) {
	for _, s := range []string{"starting", "running", "restarting", "stopped"} {
		v := 0.0
		if s == state {
			v = 1
		}
		r.pipelineState.WithLabelValues(group, s).Set(v)
	}
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(version, buildTime string) {
	r.systemInfo.WithLabelValues(version, buildTime).Set(1)
}
