package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the tracking service
type Metrics struct {
	OpensRecordedTotal   prometheus.Counter
	OpensDedupedTotal    prometheus.Counter
	ClicksRecordedTotal  prometheus.Counter
	ClicksDedupedTotal   prometheus.Counter
	UnknownTokensTotal   *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	RecordingErrorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		OpensRecordedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailtrack_opens_recorded_total",
			Help: "Open events recorded after dedup",
		}),
		OpensDedupedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailtrack_opens_deduped_total",
			Help: "Open signals suppressed by the dedup window",
		}),
		ClicksRecordedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailtrack_clicks_recorded_total",
			Help: "Click events recorded after dedup",
		}),
		ClicksDedupedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailtrack_clicks_deduped_total",
			Help: "Click signals suppressed by the dedup window",
		}),
		UnknownTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtrack_unknown_tokens_total",
			Help: "Tracking hits whose token resolved to nothing",
		}, []string{"kind"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailtrack_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
		RecordingErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtrack_recording_errors_total",
			Help: "Storage failures while recording events",
		}, []string{"kind"}),
		registry: reg,
	}

	reg.MustRegister(
		m.OpensRecordedTotal,
		m.OpensDedupedTotal,
		m.ClicksRecordedTotal,
		m.ClicksDedupedTotal,
		m.UnknownTokensTotal,
		m.HTTPRequestDuration,
		m.RecordingErrorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the /metrics scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request latency per route pattern.
func (m *Metrics) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			m.HTTPRequestDuration.WithLabelValues(route, strconv.Itoa(sw.status)).
				Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
