package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "presale",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presale",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "presale",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presale",
			Subsystem: "settlement",
			Name:      "outcomes_total",
			Help:      "Settlement outcomes by status and reason.",
		},
		[]string{"status", "reason"},
	)

	verificationRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presale",
			Subsystem: "verification",
			Name:      "rejections_total",
			Help:      "Payment verification rejections by reason.",
		},
		[]string{"reason"},
	)

	stalePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "presale",
			Subsystem: "settlement",
			Name:      "stale_pending",
			Help:      "Settlements stuck in pending beyond the reconcile window.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		settlements,
		verificationRejections,
		stalePending,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// Recorder feeds settlement outcomes into the registry. Its zero value is
// usable.
type Recorder struct{}

// RecordSettlement counts one settlement outcome.
func (Recorder) RecordSettlement(status, reason string) {
	if reason == "" {
		reason = "none"
	}
	settlements.WithLabelValues(status, reason).Inc()
}

// RecordVerificationRejection counts one verification rejection.
func (Recorder) RecordVerificationRejection(reason string) {
	verificationRejections.WithLabelValues(reason).Inc()
}

// SetStalePending publishes the current stale pending settlement count.
func (Recorder) SetStalePending(count int) {
	stalePending.Set(float64(count))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses wallet and code path parameters so label
// cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "api" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/api"
	}
	switch parts[1] {
	case "user", "transactions", "referral":
		if len(parts) > 2 && parts[2] != "register" {
			return "/api/" + parts[1] + "/:param"
		}
	}
	return "/" + strings.Join(parts[:min(len(parts), 3)], "/")
}
