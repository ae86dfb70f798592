package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the reconciliation engine.
type Metrics struct {
	BatchesTotal    *prometheus.CounterVec
	BatchDuration   prometheus.Histogram
	RecordsTotal    *prometheus.CounterVec
	RegistryCalls   *prometheus.HistogramVec
	RetriesTotal    prometheus.Counter
	BreakerState    prometheus.Gauge
	BreakerOpenings prometheus.Counter
	CurrentRate     prometheus.Gauge
	RecoveredTotal  prometheus.Counter
	FallbackSaves   *prometheus.CounterVec
	CallerRunsTotal prometheus.Counter
	PendingRecords  prometheus.Gauge
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pfexchange_family_batches_total",
			Help: "Batches processed, by result (success, failure, no_records, rejected)",
		}, []string{"result"}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pfexchange_family_batch_duration_seconds",
			Help:    "Wall time of one batch from fetch to join",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}),
		RecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pfexchange_family_records_total",
			Help: "Records that left PROCESSING, by resulting status",
		}, []string{"status"}),
		RegistryCalls: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pfexchange_family_registry_call_seconds",
			Help:    "Family registry call latency, by outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		RetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pfexchange_family_registry_retries_total",
			Help: "Registry calls retried after a timeout-class failure",
		}),
		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "pfexchange_family_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),
		BreakerOpenings: f.NewCounter(prometheus.CounterOpts{
			Name: "pfexchange_family_breaker_openings_total",
			Help: "Times the circuit breaker opened",
		}),
		CurrentRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "pfexchange_family_rate_limit_per_second",
			Help: "Current permitted registry call rate",
		}),
		RecoveredTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pfexchange_family_recovered_records_total",
			Help: "Stuck PROCESSING records reset to READY",
		}),
		FallbackSaves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pfexchange_family_fallback_saves_total",
			Help: "Fallback saves after a failed record save, by result",
		}, []string{"result"}),
		CallerRunsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pfexchange_family_caller_runs_total",
			Help: "Record tasks run on the dispatching goroutine because the queue was full",
		}),
		PendingRecords: f.NewGauge(prometheus.GaugeOpts{
			Name: "pfexchange_family_pending_records",
			Help: "READY records observed after the last batch",
		}),
	}
}

func (m *Metrics) ObserveBatch(result string, d time.Duration) {
	m.BatchesTotal.WithLabelValues(result).Inc()
	if d > 0 {
		m.BatchDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementRecords(status string) {
	m.RecordsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveRegistryCall(outcome string, d time.Duration) {
	m.RegistryCalls.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) IncrementRetries() {
	m.RetriesTotal.Inc()
}

// SetBreakerState maps a breaker state name onto the gauge value.
func (m *Metrics) SetBreakerState(state string) {
	switch state {
	case "OPEN":
		m.BreakerState.Set(2)
	case "HALF_OPEN":
		m.BreakerState.Set(1)
	default:
		m.BreakerState.Set(0)
	}
}

func (m *Metrics) IncrementBreakerOpenings() {
	m.BreakerOpenings.Inc()
}

func (m *Metrics) SetCurrentRate(rate float64) {
	m.CurrentRate.Set(rate)
}

func (m *Metrics) AddRecovered(n int) {
	m.RecoveredTotal.Add(float64(n))
}

func (m *Metrics) IncrementFallbackSaves(result string) {
	m.FallbackSaves.WithLabelValues(result).Inc()
}

func (m *Metrics) AddCallerRuns(n int64) {
	if n > 0 {
		m.CallerRunsTotal.Add(float64(n))
	}
}

func (m *Metrics) SetPending(n int64) {
	m.PendingRecords.Set(float64(n))
}
