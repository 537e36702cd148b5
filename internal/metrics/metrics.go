package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exchange results recorded by ObserveExchange.
const (
	ResultOK      = "ok"
	ResultTimeout = "timeout"
	ResultError   = "error"
)

// Metrics holds the monitor's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	exchanges      *prometheus.CounterVec
	decodeFailures *prometheus.CounterVec
	cycles         prometheus.Counter
	cycleErrors    prometheus.Counter
	cycleDuration  prometheus.Histogram
	alerts         *prometheus.CounterVec
	suppressed     prometheus.Counter
	connected      prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obdmon",
			Name:      "exchanges_total",
			Help:      "Adapter command/response exchanges by result.",
		}, []string{"result"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obdmon",
			Name:      "decode_failures_total",
			Help:      "Parameter replies that produced no value.",
		}, []string{"pid"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "obdmon",
			Name:      "poll_cycles_total",
			Help:      "Completed polling cycles.",
		}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "obdmon",
			Name:      "poll_cycle_errors_total",
			Help:      "Polling cycles that failed and were retried.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "obdmon",
			Name:      "poll_cycle_duration_seconds",
			Help:      "Wall-clock time spent reading one cycle of parameters.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obdmon",
			Name:      "alerts_total",
			Help:      "Alerts raised by severity.",
		}, []string{"severity"}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "obdmon",
			Name:      "alerts_suppressed_total",
			Help:      "Alerts dropped by the duplicate window.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "obdmon",
			Name:      "adapter_connected",
			Help:      "1 while the adapter channel is connected.",
		}),
	}
	m.registry.MustRegister(
		m.exchanges, m.decodeFailures, m.cycles, m.cycleErrors,
		m.cycleDuration, m.alerts, m.suppressed, m.connected,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveExchange(result string) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(result).Inc()
}

func (m *Metrics) DecodeFailure(pid string) {
	if m == nil {
		return
	}
	m.decodeFailures.WithLabelValues(pid).Inc()
}

func (m *Metrics) ObserveCycle(d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.cycleErrors.Inc()
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) AlertRaised(severity string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(severity).Inc()
}

func (m *Metrics) AlertSuppressed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.suppressed.Add(float64(n))
}

func (m *Metrics) SetConnected(on bool) {
	if m == nil {
		return
	}
	if on {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
