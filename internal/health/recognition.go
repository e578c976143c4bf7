package health

import (
	"context"
	"fmt"
	"time"

	"github.com/onnwee/attendsync/internal/transport"
)

// DefaultRecognitionTimeout bounds one probe of the recognition backend.
const DefaultRecognitionTimeout = 3 * time.Second

// Requester performs bounded-time requests. *transport.Gateway satisfies it.
type Requester interface {
	Request(ctx context.Context, endpoint string, opts transport.Options, timeout time.Duration) (transport.Payload, error)
}

// RecognitionChecker probes the face-recognition backend through the
// transport gateway. Any 2xx answer counts as healthy; the body is not parsed.
type RecognitionChecker struct {
	client   Requester
	endpoint string
	timeout  time.Duration
}

// NewRecognitionChecker creates a checker that fetches endpoint, relative to
// the gateway base URL. A non-positive timeout uses DefaultRecognitionTimeout.
func NewRecognitionChecker(client Requester, endpoint string, timeout time.Duration) *RecognitionChecker {
	if timeout <= 0 {
		timeout = DefaultRecognitionTimeout
	}
	return &RecognitionChecker{
		client:   client,
		endpoint: endpoint,
		timeout:  timeout,
	}
}

// HealthCheck performs one probe request.
func (c *RecognitionChecker) HealthCheck(ctx context.Context) error {
	if c.client == nil {
		return ErrNotConfigured
	}
	_, err := c.client.Request(ctx, c.endpoint, transport.Options{SkipJSONValidation: true}, c.timeout)
	if err != nil {
		return fmt.Errorf("recognition backend unreachable: %w", err)
	}
	return nil
}
