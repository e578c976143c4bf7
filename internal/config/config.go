// Package config provides configuration loading and validation for the
// attendance synchronizer. It uses koanf to merge environment variables with
// optional file overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the synchronizer.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Upstream services
	RecognitionURL string `koanf:"recognition_url"`
	DeliveryURL    string `koanf:"delivery_url"`
	PollURL        string `koanf:"poll_url"` // defaults to {recognition_url}/get_attendance
	APIBaseURL     string `koanf:"api_base_url"`

	// Attendance day
	DefaultCourseID string `koanf:"default_course_id"`
	Timezone        string `koanf:"timezone"` // IANA name; empty means the host zone

	// Channel timing, in milliseconds
	RequestTimeoutMS     int  `koanf:"request_timeout_ms"`
	PollIntervalMS       int  `koanf:"poll_interval_ms"`
	ProbeIntervalMS      int  `koanf:"probe_interval_ms"`
	BackoffBaseMS        int  `koanf:"backoff_base_ms"`
	BackoffCeilingMS     int  `koanf:"backoff_ceiling_ms"`
	FailureThreshold     int  `koanf:"failure_threshold"`
	EnableSimulationMode bool `koanf:"enable_simulation_mode"`

	// Reconciliation
	DuplicateToleranceMS int `koanf:"duplicate_tolerance_ms"`

	// Storage and fan-out (optional)
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// HTTP surface
	CORSAllowedOrigins     string `koanf:"cors_allowed_origins"` // comma-separated
	MarkRateLimitPerMinute int    `koanf:"mark_rate_limit_per_minute"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"` // otlp-http or otlp-grpc
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingRecognitionURL = errors.New("FACE_RECOGNITION_API_URL is required")
	ErrInvalidURL            = errors.New("URL must be absolute")
	ErrInvalidPort           = errors.New("PORT must be a valid integer")
	ErrInvalidInteger        = errors.New("value must be a valid integer")
	ErrInvalidDuration       = errors.New("durations must be positive")
	ErrInvalidBackoff        = errors.New("BACKOFF_CEILING_MS must not be below BACKOFF_BASE_MS")
	ErrInvalidThreshold      = errors.New("FAILURE_THRESHOLD must be at least 1")
	ErrInvalidTimezone       = errors.New("TIMEZONE must be a valid IANA zone")
	ErrInvalidSampleRate     = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidExporter       = errors.New("TRACING_EXPORTER must be otlp-http or otlp-grpc")
	ErrInvalidRateLimit      = errors.New("MARK_RATE_LIMIT_PER_MINUTE must be at least 1")
)

// Default values for non-secret configuration.
const (
	DefaultPort                   = 8080
	DefaultEnv                    = "development"
	DefaultRecognitionURL         = "http://localhost:5000"
	DefaultDeliveryURL            = "ws://localhost:3001"
	DefaultCourseID               = "CS101"
	DefaultRequestTimeoutMS       = 5000
	DefaultPollIntervalMS         = 5000
	DefaultProbeIntervalMS        = 15000
	DefaultBackoffBaseMS          = 1000
	DefaultBackoffCeilingMS       = 30000
	DefaultFailureThreshold       = 5
	DefaultEnableSimulationMode   = true
	DefaultDuplicateToleranceMS   = 2000
	DefaultMarkRateLimitPerMinute = 60
	DefaultTracingExporter        = "otlp-http"
	DefaultTracingSampleRate      = 1.0
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	intVal := func(envKeys []string, koanfKey string, def int) int {
		v, err := getEnvIntOrDefaultMulti(envKeys, k.Int(koanfKey), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}

	// Try ATTENDSYNC_PORT first, then PORT
	port, portErr := getEnvIntOrDefaultMulti([]string{"ATTENDSYNC_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, fmt.Errorf("%w: %w", ErrInvalidPort, portErr))
	}

	sampleRate, rateErr := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k, "tracing_sample_rate", DefaultTracingSampleRate)
	if rateErr != nil {
		loadErrs = append(loadErrs, rateErr)
	}

	recognitionURL := getEnvOrDefault("FACE_RECOGNITION_API_URL", k.String("recognition_url"), DefaultRecognitionURL)

	cfg := &Config{
		Port:            port,
		Env:             getEnvOrDefaultMulti([]string{"ATTENDSYNC_ENV", "ENV"}, k.String("env"), DefaultEnv),
		RecognitionURL:  recognitionURL,
		DeliveryURL:     getEnvOrDefault("DELIVERY_WS_URL", k.String("delivery_url"), DefaultDeliveryURL),
		PollURL:         getEnvOrDefault("DELIVERY_POLL_URL", k.String("poll_url"), strings.TrimRight(recognitionURL, "/")+"/get_attendance"),
		APIBaseURL:      getEnvOrKoanf("API_BASE_URL", k, "api_base_url"),
		DefaultCourseID: getEnvOrDefault("DEFAULT_COURSE_ID", k.String("default_course_id"), DefaultCourseID),
		Timezone:        getEnvOrKoanf("TIMEZONE", k, "timezone"),

		RequestTimeoutMS:     intVal([]string{"API_REQUEST_TIMEOUT"}, "request_timeout_ms", DefaultRequestTimeoutMS),
		PollIntervalMS:       intVal([]string{"POLL_INTERVAL_MS"}, "poll_interval_ms", DefaultPollIntervalMS),
		ProbeIntervalMS:      intVal([]string{"PROBE_INTERVAL_MS"}, "probe_interval_ms", DefaultProbeIntervalMS),
		BackoffBaseMS:        intVal([]string{"BACKOFF_BASE_MS"}, "backoff_base_ms", DefaultBackoffBaseMS),
		BackoffCeilingMS:     intVal([]string{"BACKOFF_CEILING_MS"}, "backoff_ceiling_ms", DefaultBackoffCeilingMS),
		FailureThreshold:     intVal([]string{"FAILURE_THRESHOLD"}, "failure_threshold", DefaultFailureThreshold),
		EnableSimulationMode: getEnvBoolOrDefault("ENABLE_SIMULATION_MODE", k, "enable_simulation_mode", DefaultEnableSimulationMode),
		DuplicateToleranceMS: intVal([]string{"DUPLICATE_TOLERANCE_MS"}, "duplicate_tolerance_ms", DefaultDuplicateToleranceMS),

		DatabaseURL: getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:    getEnvOrKoanf("REDIS_URL", k, "redis_url"),

		CORSAllowedOrigins:     getEnvOrKoanf("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
		MarkRateLimitPerMinute: intVal([]string{"MARK_RATE_LIMIT_PER_MINUTE"}, "mark_rate_limit_per_minute", DefaultMarkRateLimitPerMinute),

		TracingEnabled:    getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporter:   getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		OTLPEndpoint:      getEnvOrKoanf("OTEL_EXPORTER_OTLP_ENDPOINT", k, "otlp_endpoint"),
		TracingSampleRate: sampleRate,
		TracingInsecure:   getEnvBoolOrDefault("TRACING_INSECURE", k, "tracing_insecure", false),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
// Note: a zero value from a YAML file falls back to the default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return defaultVal, fmt.Errorf("%s: %w", key, ErrInvalidInteger)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return defaultVal, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if k.Exists(koanfKey) {
		return k.Float64(koanfKey), nil
	}
	return defaultVal, nil
}

// getEnvBoolOrDefault returns the environment variable as a bool if it holds a
// recognized value, otherwise the koanf value if present, or default.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	if val := os.Getenv(envKey); val != "" {
		// Env var takes precedence over file config
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			result = true
		case "false", "0", "no", "off":
			result = false
		}
	}
	return result
}

// Validate checks that all configuration values are usable.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.RecognitionURL == "" {
		errs = append(errs, ErrMissingRecognitionURL)
	}
	for name, raw := range map[string]string{
		"recognition_url": c.RecognitionURL,
		"delivery_url":    c.DeliveryURL,
		"poll_url":        c.PollURL,
		"api_base_url":    c.APIBaseURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q: %w", name, raw, ErrInvalidURL))
		}
	}

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	if c.RequestTimeoutMS <= 0 || c.PollIntervalMS <= 0 || c.ProbeIntervalMS <= 0 ||
		c.BackoffBaseMS <= 0 || c.BackoffCeilingMS <= 0 || c.DuplicateToleranceMS <= 0 {
		errs = append(errs, ErrInvalidDuration)
	}
	if c.BackoffCeilingMS < c.BackoffBaseMS {
		errs = append(errs, ErrInvalidBackoff)
	}
	if c.FailureThreshold < 1 {
		errs = append(errs, ErrInvalidThreshold)
	}
	if c.MarkRateLimitPerMinute < 1 {
		errs = append(errs, ErrInvalidRateLimit)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, ErrInvalidTimezone)
		}
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}
	if c.TracingExporter != "otlp-http" && c.TracingExporter != "otlp-grpc" {
		errs = append(errs, ErrInvalidExporter)
	}

	return errs
}

// Location returns the attendance day's time zone.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// RequestTimeout returns the per-request deadline.
func (c *Config) RequestTimeout() time.Duration { return ms(c.RequestTimeoutMS) }

// PollInterval returns the polling period.
func (c *Config) PollInterval() time.Duration { return ms(c.PollIntervalMS) }

// ProbeInterval returns the recognition probe period used while simulating.
func (c *Config) ProbeInterval() time.Duration { return ms(c.ProbeIntervalMS) }

// BackoffBase returns the first reconnect delay.
func (c *Config) BackoffBase() time.Duration { return ms(c.BackoffBaseMS) }

// BackoffCeiling returns the maximum reconnect delay.
func (c *Config) BackoffCeiling() time.Duration { return ms(c.BackoffCeilingMS) }

// DuplicateTolerance returns the window in which replayed sightings are duplicates.
func (c *Config) DuplicateTolerance() time.Duration { return ms(c.DuplicateToleranceMS) }

// AllowedOrigins splits CORSAllowedOrigins.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// StreamURL returns the recognition service's camera feed, surfaced to clients
// in the sync status.
func (c *Config) StreamURL() string {
	return strings.TrimRight(c.RecognitionURL, "/") + "/video_feed"
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                       strconv.Itoa(c.Port),
		"env":                        c.Env,
		"recognition_url":            c.RecognitionURL,
		"delivery_url":               c.DeliveryURL,
		"poll_url":                   c.PollURL,
		"api_base_url":               c.APIBaseURL,
		"default_course_id":          c.DefaultCourseID,
		"timezone":                   c.Location().String(),
		"request_timeout_ms":         strconv.Itoa(c.RequestTimeoutMS),
		"poll_interval_ms":           strconv.Itoa(c.PollIntervalMS),
		"probe_interval_ms":          strconv.Itoa(c.ProbeIntervalMS),
		"backoff_base_ms":            strconv.Itoa(c.BackoffBaseMS),
		"backoff_ceiling_ms":         strconv.Itoa(c.BackoffCeilingMS),
		"failure_threshold":          strconv.Itoa(c.FailureThreshold),
		"enable_simulation_mode":     strconv.FormatBool(c.EnableSimulationMode),
		"duplicate_tolerance_ms":     strconv.Itoa(c.DuplicateToleranceMS),
		"database_url":               maskDatabaseURL(c.DatabaseURL),
		"redis_url":                  maskDatabaseURL(c.RedisURL),
		"cors_allowed_origins":       c.CORSAllowedOrigins,
		"mark_rate_limit_per_minute": strconv.Itoa(c.MarkRateLimitPerMinute),
		"tracing_enabled":            strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":           c.TracingExporter,
		"otlp_endpoint":              c.OTLPEndpoint,
		"tracing_sample_rate":        strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
// Works for postgres://, postgresql:// and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	// Reconstruct URL with masked password
	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
