package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	auditAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_appended_total",
			Help: "Audit events appended to the ledger by severity.",
		},
		[]string{"severity"},
	)

	auditAppendFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_append_failures_total",
		Help: "Audit events that failed to append to the ledger.",
	})

	chainVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_chain_verifications_total",
			Help: "Hash chain verification runs by result.",
		},
		[]string{"result"},
	)

	authzDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by outcome.",
		},
		[]string{"outcome"},
	)

	serviceReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			auditAppendsTotal, auditAppendFailuresTotal,
			chainVerificationsTotal, authzDecisionsTotal,
			serviceReady,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAppend counts a ledger append by severity tier.
func ObserveAppend(severity string) {
	auditAppendsTotal.WithLabelValues(severity).Inc()
}

// ObserveAppendFailure counts an audit event lost to a failed append.
func ObserveAppendFailure() {
	auditAppendFailuresTotal.Inc()
}

// ObserveVerification counts a chain verification ("ok" or "violation").
func ObserveVerification(result string) {
	chainVerificationsTotal.WithLabelValues(result).Inc()
}

// ObserveDecision counts an authorization decision by outcome tag.
func ObserveDecision(outcome string) {
	authzDecisionsTotal.WithLabelValues(outcome).Inc()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		serviceReady.Set(1)
		return
	}
	serviceReady.Set(0)
}

// CanonicalPath collapses resource identifiers so metric labels stay
// low-cardinality: /v1/roles/<ulid> becomes /v1/roles/:id.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/<collection>/<id>[/<sub>]
	if len(parts) >= 4 && parts[1] == "v1" {
		switch parts[2] {
		case "roles", "users", "permissions":
			if len(parts) == 4 {
				parts[3] = ":id"
				return strings.Join(parts, "/")
			}
			if len(parts) == 5 {
				parts[3] = ":id"
				return strings.Join(parts, "/")
			}
			if len(parts) == 6 {
				parts[3] = ":id"
				parts[5] = ":id"
				return strings.Join(parts, "/")
			}
		}
	}
	return path
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
