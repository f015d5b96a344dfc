package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapserver",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"method", "path", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mapserver",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	mutationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapserver",
		Name:      "mutations_applied_total",
		Help:      "Successfully committed mutations by operation",
	}, []string{"op"})

	mutationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapserver",
		Name:      "mutations_failed_total",
		Help:      "Rejected or failed mutations by operation",
	}, []string{"op"})

	snapshotsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mapserver",
		Name:      "snapshots_published_total",
		Help:      "Snapshots fanned out to session subscribers",
	})

	subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mapserver",
		Name:      "subscribers",
		Help:      "Currently connected stream subscribers",
	})

	subscriberOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mapserver",
		Name:      "subscriber_overflows_total",
		Help:      "Subscribers force-disconnected because their queue filled",
	})
)

func MutationApplied(op string) { mutationsApplied.WithLabelValues(op).Inc() }
func MutationFailed(op string)  { mutationsFailed.WithLabelValues(op).Inc() }
func SnapshotPublished()        { snapshotsPublished.Inc() }
func SubscriberJoined()         { subscribers.Inc() }
func SubscriberLeft()           { subscribers.Dec() }
func SubscriberOverflowed()     { subscriberOverflows.Inc() }

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("metrics: underlying ResponseWriter does not support hijacking")
}

func (r *responseRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := r.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

// Middleware records request counts and latency per route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		status := strconv.Itoa(rec.status)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
