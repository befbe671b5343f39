// Package metrics exposes Prometheus collectors for tracking, fetching and
// notification delivery. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "outagewatch"

// Poll results.
const (
	PollOK     = "ok"
	PollFailed = "failed"
)

type Metrics struct {
	reg *prometheus.Registry

	polls         *prometheus.CounterVec
	changes       prometheus.Counter
	notifyFailed  *prometheus.CounterVec
	activeTasks   prometheus.Gauge
	fetchDuration prometheus.Histogram
	fetchInFlight prometheus.Gauge
	fetchWaiting  prometheus.Gauge
}

// New registers all collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Polls of tracked addresses, labeled by result.",
		}, []string{"result"}),
		changes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_total",
			Help:      "Detected schedule changes that were notified.",
		}),
		notifyFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Failed deliveries, labeled by kind (text, image).",
		}, []string{"kind"}),
		activeTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracking_active_tasks",
			Help:      "Polling tasks currently running.",
		}),
		fetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of page fetches including browser automation.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 90},
		}),
		fetchInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetch_in_flight",
			Help:      "Fetches currently holding a pool slot.",
		}),
		fetchWaiting: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetch_waiting",
			Help:      "Fetches queued for a pool slot.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) PollObserved(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) ChangeNotified() {
	if m == nil {
		return
	}
	m.changes.Inc()
}

func (m *Metrics) NotificationFailed(kind string) {
	if m == nil {
		return
	}
	m.notifyFailed.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetActiveTasks(n int) {
	if m == nil {
		return
	}
	m.activeTasks.Set(float64(n))
}

func (m *Metrics) FetchObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(d.Seconds())
}

func (m *Metrics) FetchSlots(inFlight, waiting int) {
	if m == nil {
		return
	}
	m.fetchInFlight.Set(float64(inFlight))
	m.fetchWaiting.Set(float64(waiting))
}
