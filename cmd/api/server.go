package main

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/attendsync/internal/api"
	"github.com/onnwee/attendsync/internal/fanout"
	"github.com/onnwee/attendsync/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// recordStore is the reconciled view as read by the HTTP surface.
type recordStore interface {
	api.RecordReader
	api.RecordCounter
}

// handlerDeps are the components the HTTP surface is built from.
type handlerDeps struct {
	logger      *slog.Logger
	records     recordStore
	marker      api.Marker
	channel     api.ChannelStatus
	broadcaster *fanout.Broadcaster
	health      *api.HealthHandlers
	registry    *prometheus.Registry
	metrics     *middleware.Metrics
	rateStore   middleware.RateLimitStore
	markLimit   middleware.RateLimitConfig
	origins     []string
	streamURL   string
}

// newHandler builds the router and wraps it in the middleware chain:
// RequestID -> Tracing -> HTTPMetrics -> Logging -> CORS.
func newHandler(d handlerDeps) http.Handler {
	attendance := api.NewAttendanceHandlers(d.records, d.marker, d.logger)
	status := api.NewSyncStatusHandler(d.channel, d.records, d.streamURL)
	ws := api.NewAttendanceWebSocketHandler(d.broadcaster, middleware.NewOriginChecker(d.origins), d.logger)
	markLimiter := middleware.RateLimiter(d.rateStore, d.markLimit, middleware.StaffKeyFunc(), d.metrics)

	mux := http.NewServeMux()
	mux.Handle("/attendance", markLimiter(http.HandlerFunc(attendance.Mark)))
	mux.HandleFunc("/attendance/", attendance.Route)
	mux.Handle("/attendance/ws", ws)
	mux.Handle("/sync/status", status)
	mux.HandleFunc("/health", d.health.Health)
	mux.HandleFunc("/ready", d.health.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Only handle exact root path, everything else returns 404
		if r.URL.Path != "/" {
			api.WriteError(w, r.Context(), http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"` + serviceName + `","version":"` + version + `"}`)); err != nil {
			d.logger.Error("failed to write response", "error", err)
		}
	})

	var handler http.Handler = mux
	handler = middleware.CORS(middleware.DefaultCORSConfig(d.origins))(handler)
	handler = middleware.Logging(d.logger)(handler)
	handler = middleware.HTTPMetrics(d.metrics)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	return middleware.RequestID(handler)
}
