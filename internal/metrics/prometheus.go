package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds all Prometheus metrics for a batch load run.
type PrometheusMetrics struct {
	// Transaction counters
	TxTotal      *prometheus.CounterVec
	SendErrors   *prometheus.CounterVec
	BatchesTotal prometheus.Counter

	// Gauges
	Nonce        prometheus.Gauge
	SleepSeconds prometheus.Gauge
	RunPhase     *prometheus.GaugeVec

	// Histograms
	BatchDuration prometheus.Histogram
	SendLatency   prometheus.Histogram
	RPCLatency    *prometheus.HistogramVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchload_transactions_total",
				Help: "Send attempts by outcome",
			},
			[]string{"status"},
		),

		SendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchload_send_errors_total",
				Help: "Failed sends by error category",
			},
			[]string{"category"},
		),

		BatchesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "batchload_batches_total",
				Help: "Completed batches",
			},
		),

		Nonce: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "batchload_nonce",
				Help: "Next nonce the sequencer will hand out",
			},
		),

		SleepSeconds: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "batchload_sleep_seconds",
				Help: "Sleep after the most recent batch",
			},
		),

		RunPhase: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "batchload_run_phase",
				Help: "Current run phase (1 if active, 0 otherwise)",
			},
			[]string{"phase"},
		),

		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "batchload_batch_duration_seconds",
				Help:    "Wall-clock time from batch start to join",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),

		SendLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "batchload_send_latency_seconds",
				Help:    "Latency of a single transfer submission",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batchload_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "status"},
		),
	}
}

// RecordSend records the outcome of one send attempt. category is ignored on success.
func (m *PrometheusMetrics) RecordSend(success bool, category string, latencySeconds float64) {
	m.SendLatency.Observe(latencySeconds)
	if success {
		m.TxTotal.WithLabelValues("sent").Inc()
		return
	}
	m.TxTotal.WithLabelValues("failed").Inc()
	m.SendErrors.WithLabelValues(category).Inc()
}

// RecordBatch records a completed batch and the sleep that follows it.
func (m *PrometheusMetrics) RecordBatch(durationSeconds, sleepSeconds float64, nextNonce uint64) {
	m.BatchesTotal.Inc()
	m.BatchDuration.Observe(durationSeconds)
	m.SleepSeconds.Set(sleepSeconds)
	m.Nonce.Set(float64(nextNonce))
}

// SetNonce updates the nonce gauge.
func (m *PrometheusMetrics) SetNonce(nonce uint64) {
	m.Nonce.Set(float64(nonce))
}

// knownRPCMethods is a fixed set of known RPC methods to prevent cardinality explosion
var knownRPCMethods = map[string]bool{
	"eth_accounts":            true,
	"eth_chainId":             true,
	"eth_gasPrice":            true,
	"eth_getBalance":          true,
	"eth_getTransactionCount": true,
	"eth_sendTransaction":     true,
	"eth_sendRawTransaction":  true,
}

// RecordRPCLatency records RPC call latency.
func (m *PrometheusMetrics) RecordRPCLatency(method string, success bool, latencySeconds float64) {
	// Bucket unknown methods into 'other' to prevent cardinality explosion
	bucketedMethod := method
	if !knownRPCMethods[method] {
		bucketedMethod = "other"
	}

	status := "success"
	if !success {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(bucketedMethod, status).Observe(latencySeconds)
}

// SetRunPhase flags the active phase and clears the others.
func (m *PrometheusMetrics) SetRunPhase(phase string) {
	for _, p := range []string{"setup", "running", "finishing", "completed", "failed"} {
		if p == phase {
			m.RunPhase.WithLabelValues(p).Set(1)
		} else {
			m.RunPhase.WithLabelValues(p).Set(0)
		}
	}
}
