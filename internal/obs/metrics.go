package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is nil-safe: every Observe* method is a no-op on a nil receiver.
type Metrics struct {
	AttemptsTotal   *prometheus.CounterVec   // priority_class, result=delivered|failed
	AttemptLatency  *prometheus.HistogramVec // priority_class
	DeliveriesTotal *prometheus.CounterVec   // priority_class, outcome=delivered|abandoned
	DispatchesTotal *prometheus.CounterVec   // priority_class, result=complete|partial
	PublishesTotal  *prometheus.CounterVec   // result=stored|duplicate|rejected
	BackupFailures  prometheus.Counter
	Partners        *prometheus.GaugeVec // status
	PendingUrgent   prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec // path, code
}

// NewMetrics registers the collectors on reg. Pass prometheus.NewRegistry()
// in tests so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distreg_send_attempts_total",
				Help: "Partner send attempts by priority class and result",
			},
			[]string{"priority_class", "result"},
		),
		AttemptLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distreg_send_attempt_latency_ms",
				Help:    "Latency of a single partner send attempt (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1ms .. ~16s
			},
			[]string{"priority_class"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distreg_deliveries_total",
				Help: "Delivery records reaching a terminal outcome",
			},
			[]string{"priority_class", "outcome"},
		),
		DispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distreg_dispatches_total",
				Help: "Dispatch runs by priority class and completeness",
			},
			[]string{"priority_class", "result"},
		),
		PublishesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distreg_publishes_total",
				Help: "Package publish calls by result",
			},
			[]string{"result"},
		),
		BackupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distreg_backup_failures_total",
			Help: "Package payloads that could not be mirrored to the backup bucket",
		}),
		Partners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "distreg_partners",
			Help: "Registered partners by status",
		}, []string{"status"}),
		PendingUrgent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "distreg_pending_urgent",
			Help: "Urgent delivery records not yet delivered or abandoned",
		}),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distreg_http_requests_total",
				Help: "HTTP requests served by path and status code",
			},
			[]string{"path", "code"},
		),
	}

	reg.MustRegister(
		m.AttemptsTotal,
		m.AttemptLatency,
		m.DeliveriesTotal,
		m.DispatchesTotal,
		m.PublishesTotal,
		m.BackupFailures,
		m.Partners,
		m.PendingUrgent,
		m.HTTPRequests,
	)

	return m
}

func (m *Metrics) ObserveAttempt(class, result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(class, result).Inc()
	m.AttemptLatency.WithLabelValues(class).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) ObserveDelivery(class, outcome string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(class, outcome).Inc()
}

func (m *Metrics) ObserveDispatch(class string, partial bool) {
	if m == nil {
		return
	}
	result := "complete"
	if partial {
		result = "partial"
	}
	m.DispatchesTotal.WithLabelValues(class, result).Inc()
}

func (m *Metrics) ObservePublish(result string) {
	if m == nil {
		return
	}
	m.PublishesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveBackupFailure() {
	if m == nil {
		return
	}
	m.BackupFailures.Inc()
}

func (m *Metrics) SetPartners(status string, n int) {
	if m == nil {
		return
	}
	m.Partners.WithLabelValues(status).Set(float64(n))
}

func (m *Metrics) SetPendingUrgent(n int) {
	if m == nil {
		return
	}
	m.PendingUrgent.Set(float64(n))
}

func (m *Metrics) ObserveHTTP(path string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(path, httpCode(code)).Inc()
}
