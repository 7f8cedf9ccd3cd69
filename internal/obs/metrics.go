package obs

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness check passed.",
	})
)

// Engine metrics
var (
	ledgerTxTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transactions_total",
			Help: "Ledger transactions submitted, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	ledgerTxDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_transaction_seconds",
			Help:    "Time from submission to confirmation or failure.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 40},
		},
		[]string{"kind"},
	)

	registryOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuer_registry_operations_total",
			Help: "Issuer registry writes, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	verificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_verifications_total",
			Help: "Credential validity verifications, by outcome.",
		},
		[]string{"outcome"},
	)

	duplicateChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_duplicate_checks_total",
			Help: "Duplicate issuance checks, by lookup source and outcome.",
		},
		[]string{"source", "outcome"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			ledgerTxTotal, ledgerTxDuration, registryOpsTotal, verificationsTotal, duplicateChecksTotal,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func ObserveLedgerTx(kind, outcome string, d time.Duration) {
	ledgerTxTotal.WithLabelValues(kind, outcome).Inc()
	ledgerTxDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func ObserveRegistryOp(op, outcome string) {
	registryOpsTotal.WithLabelValues(op, outcome).Inc()
}

func ObserveVerification(outcome string) {
	verificationsTotal.WithLabelValues(outcome).Inc()
}

func ObserveDuplicateCheck(source string, exists bool) {
	outcome := "unique"
	if exists {
		outcome = "duplicate"
	}
	duplicateChecksTotal.WithLabelValues(source, outcome).Inc()
}

// Instrument wraps a handler with request count, latency and in-flight metrics.
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

// canonicalRoutes lists, per collection, the placeholder for its id segment
// and the sub-resources that may follow it ("" for the bare resource).
var canonicalRoutes = map[string]struct {
	placeholder string
	sub         []string
}{
	"issuers":     {":addr", []string{"", "metadata", "revoke", "reinstate"}},
	"wallets":     {":addr", []string{"", "credentials"}},
	"credentials": {":id", []string{"deliver", "reclaim"}},
	"revocations": {":id", []string{""}},
}

// CanonicalPath collapses id path segments so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || len(parts) > 4 || parts[0] != "v1" {
		return p
	}
	route, ok := canonicalRoutes[parts[1]]
	if !ok {
		return p
	}
	sub := ""
	if len(parts) == 4 {
		sub = parts[3]
	}
	if !slices.Contains(route.sub, sub) {
		return p
	}
	parts[2] = route.placeholder
	return "/" + strings.Join(parts, "/")
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
