package channel

import (
	"errors"
	"time"

	"github.com/onnwee/attendsync/internal/attendance"
)

// Default values for the delivery channel.
const (
	DefaultRequestTimeout   = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadTimeout      = 60 * time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultProbeInterval    = 15 * time.Second
	DefaultBackoffBase      = time.Second
	DefaultBackoffCeiling   = 30 * time.Second
	DefaultJitterFactor     = 0.2
	DefaultFailureThreshold = 5
)

// Configuration errors.
var (
	ErrEmptyPollURL         = errors.New("poll URL cannot be empty")
	ErrEmptyProbeURL        = errors.New("probe URL cannot be empty")
	ErrEmptyPushURL         = errors.New("push URL cannot be empty")
	ErrInvalidInterval      = errors.New("timeouts and intervals must be positive")
	ErrInvalidBackoff       = errors.New("backoff base must be positive")
	ErrInvalidCeiling       = errors.New("backoff ceiling must be >= backoff base")
	ErrInvalidJitter        = errors.New("jitter factor must be between 0 and 1")
	ErrInvalidThreshold     = errors.New("failure threshold must be at least 1")
	ErrInvalidPayloadSource = errors.New("payload source must be a known non-simulated source")
)

// Config holds delivery channel settings.
type Config struct {
	// PushURL is the WebSocket endpoint. Only used by the default dialer.
	PushURL string

	// PollURL is fetched every PollInterval while polling.
	PollURL string

	// ProbeURL is the health probe fetched every ProbeInterval while simulating.
	ProbeURL string

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	PollInterval     time.Duration
	ProbeInterval    time.Duration

	// ReadTimeout bounds how long a live push connection may stay silent,
	// pongs included. Zero disables the deadline.
	ReadTimeout time.Duration

	// BackoffBase and BackoffCeiling bound the push reconnect schedule.
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	JitterFactor   float64

	// FailureThreshold is the number of consecutive failures, with no
	// successful contact, after which the manager starts simulating.
	FailureThreshold int

	// SimulationEnabled allows the Simulating state. When false the manager
	// keeps polling and reconnecting indefinitely.
	SimulationEnabled bool

	// Source tags payloads received over push or poll.
	Source attendance.Source
}

// DefaultConfig returns a Config with default timings. URLs must be provided
// by the caller.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:    DefaultRequestTimeout,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		ReadTimeout:       DefaultReadTimeout,
		PollInterval:      DefaultPollInterval,
		ProbeInterval:     DefaultProbeInterval,
		BackoffBase:       DefaultBackoffBase,
		BackoffCeiling:    DefaultBackoffCeiling,
		JitterFactor:      DefaultJitterFactor,
		FailureThreshold:  DefaultFailureThreshold,
		SimulationEnabled: true,
		Source:            attendance.SourceFaceRecognition,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.PollURL == "" {
		return ErrEmptyPollURL
	}
	if c.ProbeURL == "" {
		return ErrEmptyProbeURL
	}
	if c.RequestTimeout <= 0 || c.PollInterval <= 0 || c.ProbeInterval <= 0 || c.ReadTimeout < 0 {
		return ErrInvalidInterval
	}
	if c.BackoffBase <= 0 {
		return ErrInvalidBackoff
	}
	if c.BackoffCeiling < c.BackoffBase {
		return ErrInvalidCeiling
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return ErrInvalidJitter
	}
	if c.FailureThreshold < 1 {
		return ErrInvalidThreshold
	}
	if !c.Source.Valid() || c.Source == attendance.SourceSimulated {
		return ErrInvalidPayloadSource
	}
	return nil
}
