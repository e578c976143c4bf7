package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig holds the configuration for CORS middleware.
type CORSConfig struct {
	AllowedOrigins   []string // List of allowed origins (no wildcards)
	AllowedMethods   []string // List of allowed HTTP methods
	AllowedHeaders   []string // List of allowed headers
	AllowCredentials bool     // Whether to allow credentials
	MaxAge           int      // Preflight cache duration in seconds
}

// DefaultCORSConfig returns the CORS settings used by the dashboard API for
// the given origins.
func DefaultCORSConfig(origins []string) CORSConfig {
	return CORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", RequestIDHeader, StaffIDHeader},
		MaxAge:         3600,
	}
}

// OriginChecker reports whether a browser origin is in the allowlist.
type OriginChecker struct {
	allowed map[string]bool
}

// NewOriginChecker builds an OriginChecker from a list of origins.
// Blank entries are ignored.
func NewOriginChecker(origins []string) *OriginChecker {
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			allowed[origin] = true
		}
	}
	return &OriginChecker{allowed: allowed}
}

// Enabled reports whether any origins are configured.
func (c *OriginChecker) Enabled() bool {
	return len(c.allowed) > 0
}

// Allowed reports whether origin may access the API. Requests without an
// Origin header are same-origin and always allowed; with no allowlist
// configured, only same-origin requests pass.
func (c *OriginChecker) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	return c.allowed[origin]
}

// CheckOrigin adapts the checker to websocket.Upgrader.CheckOrigin.
func (c *OriginChecker) CheckOrigin(r *http.Request) bool {
	return c.Allowed(r.Header.Get("Origin"))
}

// CORS returns a middleware that handles Cross-Origin Resource Sharing (CORS).
// It enforces strict origin validation (no wildcards) and supports preflight requests.
//
// If AllowedOrigins is empty, CORS is disabled and requests pass through
// untouched. Disallowed origins are rejected with 403.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	checker := NewOriginChecker(cfg.AllowedOrigins)

	allowedMethodsStr := strings.Join(cfg.AllowedMethods, ", ")
	allowedHeadersStr := strings.Join(cfg.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !checker.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !checker.Allowed(origin) {
				http.Error(w, "Origin not allowed", http.StatusForbidden)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			if cfg.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Access-Control-Allow-Methods", allowedMethodsStr)
			w.Header().Set("Access-Control-Allow-Headers", allowedHeadersStr)

			if r.Method == http.MethodOptions {
				if cfg.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
