package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/onnwee/attendsync/internal/transport"
)

// DefaultRESTTimeout bounds one dashboard API request.
const DefaultRESTTimeout = 10 * time.Second

// Requester performs a bounded-time request. *transport.Gateway implements it.
type Requester interface {
	Request(ctx context.Context, endpoint string, opts transport.Options, timeout time.Duration) (transport.Payload, error)
}

// RESTSource reads records from the dashboard API at
// GET {base}/attendance/date/{date}. The gateway's base URL is the API root.
type RESTSource struct {
	client  Requester
	timeout time.Duration
}

// NewRESTSource creates a RESTSource. A non-positive timeout uses DefaultRESTTimeout.
func NewRESTSource(client Requester, timeout time.Duration) *RESTSource {
	if timeout <= 0 {
		timeout = DefaultRESTTimeout
	}
	return &RESTSource{client: client, timeout: timeout}
}

// Name implements Source.
func (s *RESTSource) Name() string { return "rest" }

// Fetch implements Source.
func (s *RESTSource) Fetch(ctx context.Context, date attendance.Date) ([]attendance.Fields, error) {
	endpoint := "attendance/date/" + url.PathEscape(date.String())
	p, err := s.client.Request(ctx, endpoint, transport.Options{}, s.timeout)
	if err != nil {
		return nil, err
	}

	var fields []attendance.Fields
	if err := json.Unmarshal(p.Body, &fields); err != nil {
		return nil, fmt.Errorf("decode attendance for %s: %w", date, err)
	}
	return fields, nil
}
