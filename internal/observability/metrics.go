package observability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/odyssey-pdv/internal/fiscal"
)

// Metrics collects the station's Prometheus metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	printerCalls    *prometheus.CounterVec
	printerDuration *prometheus.HistogramVec
	checkouts       *prometheus.CounterVec
	checkoutTime    prometheus.Histogram
	tillBalance     *prometheus.GaugeVec
}

// NewMetrics builds the registry and every collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdv_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pdv_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	printerCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdv_printer_calls_total",
		Help: "Fiscal printer calls by operation and result.",
	}, []string{"op", "result"})
	printerDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pdv_printer_call_duration_seconds",
		Help:    "Fiscal printer call duration per operation.",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"op"})
	checkouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdv_checkouts_total",
		Help: "Sale confirmations by outcome.",
	}, []string{"outcome"})
	checkoutTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pdv_checkout_duration_seconds",
		Help:    "Time from confirmation request to outcome, operator prompts included.",
		Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	tillBalance := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pdv_till_balance",
		Help: "Cash balance of the open till per station.",
	}, []string{"station"})
	registry.MustRegister(requests, duration, printerCalls, printerDuration, checkouts, checkoutTime, tillBalance)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		printerCalls:    printerCalls,
		printerDuration: printerDuration,
		checkouts:       checkouts,
		checkoutTime:    checkoutTime,
		tillBalance:     tillBalance,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for extra collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObservePrinterCall implements fiscal.Observer.
func (m *Metrics) ObservePrinterCall(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.printerCalls.WithLabelValues(op, printerResult(err)).Inc()
	m.printerDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveCheckout records a confirmation outcome.
func (m *Metrics) ObserveCheckout(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(outcome).Inc()
	m.checkoutTime.Observe(elapsed.Seconds())
}

// SetTillBalance publishes the balance of a station's till.
func (m *Metrics) SetTillBalance(station string, balance float64) {
	if m == nil {
		return
	}
	m.tillBalance.WithLabelValues(station).Set(balance)
}

var _ fiscal.Observer = (*Metrics)(nil)

func printerResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fiscal.ErrOutOfPaper):
		return "out_of_paper"
	case errors.Is(err, fiscal.ErrPrinterOffline):
		return "offline"
	case fiscal.IsStateViolation(err):
		return "state"
	case fiscal.IsFatal(err):
		return "fatal"
	default:
		return "fault"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
