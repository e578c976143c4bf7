// Package transport performs bounded-time HTTP calls against remote services
// and classifies their failures. It never retries.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Defaults.
const (
	DefaultTimeout      = 5 * time.Second
	DefaultMaxBodyBytes = 4 << 20
)

// Options describes one request.
type Options struct {
	Method string // defaults to GET
	Body   []byte
	Header http.Header

	// SkipJSONValidation accepts any response body. By default a body that is
	// not valid JSON is a MalformedResponse.
	SkipJSONValidation bool
}

// Payload is a successful response.
type Payload struct {
	Body        []byte
	StatusCode  int
	ContentType string
}

// Config configures a Gateway.
type Config struct {
	// BaseURL is joined with relative endpoints.
	BaseURL string

	// DefaultTimeout applies when Request is called with a non-positive timeout.
	DefaultTimeout time.Duration

	MaxBodyBytes int64

	// Client overrides the HTTP client. Its Timeout is ignored in favor of
	// the per-call deadline.
	Client *http.Client

	Logger  *slog.Logger
	Metrics *Metrics
}

// Gateway issues bounded-time requests.
type Gateway struct {
	base           *url.URL
	client         *http.Client
	defaultTimeout time.Duration
	maxBody        int64
	logger         *slog.Logger
	metrics        *Metrics
}

// New creates a Gateway. It returns an error if BaseURL is set but unparsable.
func New(cfg Config) (*Gateway, error) {
	g := &Gateway{
		client:         cfg.Client,
		defaultTimeout: cfg.DefaultTimeout,
		maxBody:        cfg.MaxBodyBytes,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
		}
		g.base = u
	}
	if g.client == nil {
		g.client = &http.Client{
			Transport: otelhttp.NewTransport(&http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			}),
		}
	}
	if g.defaultTimeout <= 0 {
		g.defaultTimeout = DefaultTimeout
	}
	if g.maxBody <= 0 {
		g.maxBody = DefaultMaxBodyBytes
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g, nil
}

// BaseURL returns the configured base URL, or "" if none.
func (g *Gateway) BaseURL() string {
	if g.base == nil {
		return ""
	}
	return g.base.String()
}

// Resolve returns the absolute URL for endpoint.
func (g *Gateway) Resolve(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if g.base == nil {
		return "", fmt.Errorf("relative endpoint %q with no base url", endpoint)
	}
	return g.base.String() + "/" + strings.TrimLeft(endpoint, "/"), nil
}

// Get is shorthand for a GET request with the default options.
func (g *Gateway) Get(ctx context.Context, endpoint string, timeout time.Duration) (Payload, error) {
	return g.Request(ctx, endpoint, Options{}, timeout)
}

// Request performs one call with a hard deadline of timeout. Every failure is
// returned as *Error. The response body is always drained and closed, and
// the deadline timer is released before Request returns.
func (g *Gateway) Request(ctx context.Context, endpoint string, opts Options, timeout time.Duration) (Payload, error) {
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	start := time.Now()

	p, err := g.do(ctx, endpoint, opts, timeout)

	kind := KindOf(err)
	g.metrics.observe(kind, time.Since(start))
	if err != nil {
		g.logger.Debug("gateway request failed",
			slog.String("endpoint", endpoint),
			slog.String("kind", kind.String()),
			slog.Duration("timeout", timeout),
			slog.String("error", err.Error()),
		)
	}
	return p, err
}

func (g *Gateway) do(ctx context.Context, endpoint string, opts Options, timeout time.Duration) (Payload, error) {
	target, err := g.Resolve(endpoint)
	if err != nil {
		return Payload{}, &Error{Kind: KindNetworkUnavailable, Endpoint: endpoint, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return Payload{}, &Error{Kind: KindNetworkUnavailable, Endpoint: endpoint, Err: err}
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if opts.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" && !opts.SkipJSONValidation {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Payload{}, classify(ctx, reqCtx, endpoint, err)
	}
	defer func() {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, g.maxBody))
		resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBody+1))
	if err != nil {
		return Payload{}, classify(ctx, reqCtx, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Payload{}, &Error{
			Kind:       KindServerError,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	if int64(len(data)) > g.maxBody {
		return Payload{}, &Error{
			Kind:     KindMalformedResponse,
			Endpoint: endpoint,
			Err:      fmt.Errorf("response body exceeds %d bytes", g.maxBody),
		}
	}
	if !opts.SkipJSONValidation && !json.Valid(data) {
		return Payload{}, &Error{
			Kind:     KindMalformedResponse,
			Endpoint: endpoint,
			Err:      errors.New("response body is not valid JSON"),
		}
	}

	return Payload{
		Body:        data,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// classify maps a client or body-read error onto a failure kind.
func classify(parent, reqCtx context.Context, endpoint string, err error) *Error {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return &Error{Kind: KindCanceled, Endpoint: endpoint, Err: err}
	case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Endpoint: endpoint, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Endpoint: endpoint, Err: err}
	}
	return &Error{Kind: KindNetworkUnavailable, Endpoint: endpoint, Err: err}
}
