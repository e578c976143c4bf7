// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

// errorCodeKey is the context key for error code.
type errorCodeKey struct{}

// staffIDKey is the context key for the staff member making a request.
type staffIDKey struct{}

// StaffIDHeader identifies the staff member behind a manual mark.
const StaffIDHeader = "X-Staff-ID"

// SetErrorCode stores an error code in the context.
// This should be called by handlers when returning error responses.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode retrieves the error code from context. Returns empty string if not present.
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	return ""
}

// SetStaffID stores the staff identifier in the context.
func SetStaffID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, staffIDKey{}, id)
}

// GetStaffID retrieves the staff identifier from context. Returns empty string if not present.
func GetStaffID(ctx context.Context) string {
	if id, ok := ctx.Value(staffIDKey{}).(string); ok {
		return id
	}
	return ""
}

// responseWriter wraps http.ResponseWriter to capture status code, response
// size and the handler's final context.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
	hijacked    bool
	ctx         context.Context
}

// WriteHeader captures the status code before writing it.
// Only the first call sets the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

// Hijack lets WebSocket upgrades pass through the middleware chain.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying response writer does not support hijacking")
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		rw.hijacked = true
		if !rw.wroteHeader {
			rw.statusCode = http.StatusSwitchingProtocols
			rw.wroteHeader = true
		}
	}
	return conn, buf, err
}

// Flush implements http.Flusher when the underlying writer does.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// wrapResponseWriter returns w if it is already wrapped, so stacked
// middleware share one recorder.
func wrapResponseWriter(w http.ResponseWriter) (*responseWriter, bool) {
	if rw, ok := w.(*responseWriter); ok {
		return rw, false
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}, true
}

// UpdateResponseContext records ctx on the response writer so the logging
// middleware can read values, such as the error code, that the handler set.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	for {
		switch rw := w.(type) {
		case *responseWriter:
			rw.ctx = ctx
			return
		case interface{ Unwrap() http.ResponseWriter }:
			w = rw.Unwrap()
		default:
			return
		}
	}
}

// NewLogger creates an slog.Logger based on the environment.
// In production (env == "production"), it returns a JSON handler.
// Otherwise, it returns a text handler for development.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(handler)
}

// Logging is a middleware that logs HTTP requests with structured fields:
// method, path, status, latency, request ID, staff ID (if present), response
// size, and error_code for error responses.
//
// The staff ID is taken from the X-Staff-ID header and made available to
// handlers through GetStaffID.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			if staff := r.Header.Get(StaffIDHeader); staff != "" {
				r = r.WithContext(SetStaffID(r.Context(), staff))
			}

			rw, _ := wrapResponseWriter(w)
			rw.ctx = r.Context()

			next.ServeHTTP(rw, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int64("size", rw.size),
			}
			if requestID := GetRequestID(r.Context()); requestID != "" {
				attrs = append(attrs, slog.String("request_id", requestID))
			}
			if staff := GetStaffID(r.Context()); staff != "" {
				attrs = append(attrs, slog.String("staff_id", staff))
			}
			if rw.statusCode >= 400 {
				if errorCode := GetErrorCode(rw.ctx); errorCode != "" {
					attrs = append(attrs, slog.String("error_code", errorCode))
				}
			}

			msg := "request completed"
			if rw.hijacked {
				msg = "connection closed"
			}
			switch {
			case rw.statusCode >= 500:
				logger.LogAttrs(r.Context(), slog.LevelError, msg, attrs...)
			case rw.statusCode >= 400:
				logger.LogAttrs(r.Context(), slog.LevelWarn, msg, attrs...)
			default:
				logger.LogAttrs(r.Context(), slog.LevelInfo, msg, attrs...)
			}
		})
	}
}
