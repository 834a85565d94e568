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

	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Authentication attempts by principal kind and outcome.",
		},
		[]string{"kind", "status"},
	)

	accountLocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_account_locks_total",
		Help: "Accounts locked after repeated failures.",
	})

	directoryRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_directory_requests_total",
			Help: "Directory operations by result.",
		},
		[]string{"op", "result"},
	)

	directoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auth_directory_request_duration_seconds",
			Help:    "Directory operation latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	sessionsEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_sessions_deactivated_total",
			Help: "Sessions deactivated by reason.",
		},
		[]string{"reason"},
	)

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_resource_decisions_total",
			Help: "Resource authorization decisions by the first matched grant.",
		},
		[]string{"grant"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auth_ready",
		Help: "1 when the store and directory are reachable.",
	})

	initOnce sync.Once
)

// Init registers all metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginAttempts, accountLocks, directoryRequests, directoryDuration,
			sessionsEvicted, authzDecisions, ready,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts one authentication outcome.
func ObserveLogin(kind, status string) {
	if kind == "" {
		kind = "unknown"
	}
	loginAttempts.WithLabelValues(kind, status).Inc()
}

// ObserveLock counts one account lock.
func ObserveLock() { accountLocks.Inc() }

// ObserveDirectory records a directory operation outcome and its latency.
func ObserveDirectory(op, result string, d time.Duration) {
	directoryRequests.WithLabelValues(op, result).Inc()
	directoryDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveSessionsDeactivated counts sessions deactivated for reason.
func ObserveSessionsDeactivated(reason string, n int64) {
	if n <= 0 {
		return
	}
	sessionsEvicted.WithLabelValues(reason).Add(float64(n))
}

// ObserveDecision counts a resource authorization decision.
func ObserveDecision(grant string) {
	if grant == "" {
		grant = "none"
	}
	authzDecisions.WithLabelValues(grant).Inc()
}

// SetReady publishes readiness.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument wraps next with request count, latency and in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

var knownPaths = map[string]struct{}{}

func init() {
	for _, p := range []string{
		"/", "/metrics", "/healthz", "/readyz",
		"/v1/auth/login", "/v1/auth/refresh", "/v1/auth/logout", "/v1/auth/logout-all",
		"/v1/auth/register", "/v1/auth/me",
		"/v1/auth/password-reset", "/v1/auth/password-reset/confirm",
	} {
		knownPaths[p] = struct{}{}
	}
}

// CanonicalPath bounds label cardinality: unknown paths collapse to "other".
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	if _, ok := knownPaths[p]; ok {
		return p
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
