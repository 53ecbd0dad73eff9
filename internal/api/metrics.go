package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatchedRoute = "unmatched"

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tantra_http_requests_total",
			Help: "HTTP requests by method, route pattern and status code.",
		},
		[]string{"method", "route", "status"},
	)

	// Request/response latency. Event streams are kept out of it.
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tantra_http_request_duration_seconds",
			Help:    "Latency of non-streaming HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	eventStreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tantra_http_stream_duration_seconds",
			Help:    "Lifetime of server-sent event streams in seconds.",
			Buckets: []float64{0.1, 1, 10, 60, 300, 900, 3600},
		},
		[]string{"route"},
	)

	eventStreamsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tantra_http_streams_open",
			Help: "Server-sent event streams currently open.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequests, httpLatency, eventStreamDuration, eventStreamsOpen)
}

// metricsMiddleware counts every request by its chi route pattern. Latency
// goes to the request histogram, or to the stream histogram when the handler
// answered with text/event-stream.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		elapsed := time.Since(start).Seconds()

		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if isEventStream(ww.Header()) {
			eventStreamDuration.WithLabelValues(route).Observe(elapsed)
			return
		}
		httpLatency.WithLabelValues(r.Method, route).Observe(elapsed)
	})
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
