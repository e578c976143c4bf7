package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are paths reported to metrics unchanged.
var staticRoutes = map[string]bool{
	"/":                  true,
	"/attendance":        true,
	"/attendance/ws":     true,
	"/attendance/export": true,
	"/sync/status":       true,
	"/health":            true,
	"/ready":             true,
	"/metrics":           true,
}

// normalizePath converts paths with dynamic segments to route patterns to prevent
// cardinality explosion in metrics. This maps paths like
// /attendance/CS101/2026-03-02 to /attendance/{course_id}/{date}.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	if strings.HasPrefix(path, "/attendance/") {
		parts := strings.Split(path, "/")
		switch {
		case len(parts) == 4 && parts[2] == "student" && parts[3] != "":
			return "/attendance/student/{student_id}"
		case len(parts) == 4 && parts[2] != "" && parts[3] != "":
			return "/attendance/{course_id}/{date}"
		case len(parts) == 5 && parts[2] != "" && parts[3] != "" && parts[4] != "":
			return "/attendance/{course_id}/{date}/{student_id}"
		}
	}

	// Unknown paths collapse to one label so scanners cannot grow the series set.
	return "other"
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// It captures duration, request/response sizes, and request counts.
// Health check endpoints (/health, /ready) are excluded from metrics.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw, _ := wrapResponseWriter(w)

			requestSize := int64(0)
			if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
				if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
					requestSize = size
				}
			}

			next.ServeHTTP(rw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(rw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				rw.size,
			)
		})
	}
}
