package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shop"

// Metrics groups the collectors the API process exports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Requests       *prometheus.CounterVec
	LatencyMS      *prometheus.HistogramVec
	GatewayCalls   *prometheus.CounterVec
	GatewayLatency *prometheus.HistogramVec
	OrdersCreated  *prometheus.CounterVec
	Callbacks      *prometheus.CounterVec
	Reconciled     *prometheus.CounterVec
	LatePaid       *prometheus.CounterVec
}

func New(reg prometheus.Registerer, service string) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "method", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "momo",
			Name:      "calls_total",
			Help:      "Calls to the mobile-money gateway by operation and outcome.",
		}, []string{"operation", "outcome"}),
		GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "momo",
			Name:      "call_duration_ms",
			Help:      "Mobile-money gateway latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"operation"}),
		OrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "created_total",
			Help:      "Order creation attempts by payment method and outcome.",
		}, []string{"method", "outcome"}),
		Callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "callbacks_total",
			Help:      "Gateway callbacks by outcome.",
		}, []string{"outcome"}),
		Reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "reconciled_total",
			Help:      "Stale payments resolved by the sweeper.",
		}, []string{"result"}),
		LatePaid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "paid_after_terminal_total",
			Help:      "PAID reports for payments already FAILED or CANCELLED; each needs a refund.",
		}, []string{"prior_status"}),
	}
	reg.MustRegister(m.Requests, m.LatencyMS, m.GatewayCalls, m.GatewayLatency,
		m.OrdersCreated, m.Callbacks, m.Reconciled, m.LatePaid)
	return m
}

func (m *Metrics) ObserveRequest(route, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(route, method, status).Inc()
	m.LatencyMS.WithLabelValues(route).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveGateway(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayCalls.WithLabelValues(operation, outcome).Inc()
	m.GatewayLatency.WithLabelValues(operation).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) OrderCreated(method, outcome string) {
	if m == nil {
		return
	}
	m.OrdersCreated.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) Callback(outcome string) {
	if m == nil {
		return
	}
	m.Callbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reconcile(result string) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(result).Inc()
}

func (m *Metrics) PaidAfterTerminal(prior string) {
	if m == nil {
		return
	}
	m.LatePaid.WithLabelValues(prior).Inc()
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
