package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestGateway(t *testing.T, base string) *Gateway {
	t.Helper()
	g, err := New(Config{
		BaseURL: base,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func TestGateway_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get_attendance" {
			t.Errorf("path = %s, want /get_attendance", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"name":"John Doe","time":"2026-03-02T09:00:00"}]`))
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL+"/")
	p, err := g.Get(context.Background(), "get_attendance", time.Second)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", p.StatusCode)
	}
	if !strings.Contains(string(p.Body), "John Doe") {
		t.Errorf("Body = %s", p.Body)
	}
	if p.ContentType != "application/json" {
		t.Errorf("ContentType = %q", p.ContentType)
	}
}

func TestGateway_AbsoluteEndpointIgnoresBase(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	g := newTestGateway(t, "http://unused.invalid")
	if _, err := g.Get(context.Background(), server.URL+"/anything", time.Second); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
}

func TestGateway_PostSetsContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)
	p, err := g.Request(context.Background(), "/attendance", Options{Method: http.MethodPost, Body: []byte(`{"ok":true}`)}, time.Second)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if string(p.Body) != `{"ok":true}` {
		t.Errorf("Body = %s", p.Body)
	}
}

func TestGateway_Classification(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		opts       Options
		wantErr    error
		wantStatus int
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusServiceUnavailable)
			},
			wantErr:    ErrServerError,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "not found is a server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
			wantErr:    ErrServerError,
			wantStatus: http.StatusNotFound,
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
			wantErr: ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			g := newTestGateway(t, server.URL)
			_, err := g.Request(context.Background(), "/", tt.opts, time.Second)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Request() error = %v, want %v", err, tt.wantErr)
			}
			var te *Error
			if !errors.As(err, &te) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if te.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", te.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestGateway_SkipJSONValidation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`Face recognition service running`))
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)
	if _, err := g.Request(context.Background(), "/", Options{SkipJSONValidation: true}, time.Second); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
}

func TestGateway_BodyTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`"` + strings.Repeat("x", 64) + `"`))
	}))
	defer server.Close()

	g, err := New(Config{BaseURL: server.URL, MaxBodyBytes: 16, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := g.Get(context.Background(), "/", time.Second); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("Get() error = %v, want ErrMalformedResponse", err)
	}
}

func TestGateway_NetworkUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	g := newTestGateway(t, url)
	_, err := g.Get(context.Background(), "/", time.Second)
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("Get() error = %v, want ErrNetworkUnavailable", err)
	}
}

func TestGateway_TimeoutReleasesRequest(t *testing.T) {
	released := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(released)
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)

	start := time.Now()
	p, err := g.Get(context.Background(), "/slow", 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Get() error = %v, want ErrTimeout", err)
	}
	if KindOf(err) != KindTimeout {
		t.Errorf("KindOf() = %s", KindOf(err))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Get() returned after %v, deadline not enforced", elapsed)
	}
	if p.Body != nil {
		t.Error("timed out request returned a body")
	}

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the request being abandoned")
	}
}

func TestGateway_ParentCancel(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := g.Get(ctx, "/", 5*time.Second)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("Get() error = %v, want ErrCanceled", err)
	}
}

func TestGateway_RelativeEndpointWithoutBase(t *testing.T) {
	g := newTestGateway(t, "")
	if _, err := g.Get(context.Background(), "/x", time.Second); err == nil {
		t.Fatal("expected error for relative endpoint without base url")
	}
}

func TestNew_RejectsRelativeBase(t *testing.T) {
	if _, err := New(Config{BaseURL: "localhost:5000"}); err == nil {
		t.Error("expected error for base url without scheme")
	}
}

func TestGateway_Metrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	g, err := New(Config{BaseURL: server.URL, Metrics: m, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, _ = g.Get(context.Background(), "/ok", time.Second)
	_, _ = g.Get(context.Background(), "/fail", time.Second)
	_, _ = g.Get(context.Background(), "/fail", time.Second)

	value := func(outcome string) float64 {
		var metric dto.Metric
		if err := m.requests.WithLabelValues(outcome).Write(&metric); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		return metric.GetCounter().GetValue()
	}
	if got := value("ok"); got != 1 {
		t.Errorf("ok = %v, want 1", got)
	}
	if got := value("server_error"); got != 2 {
		t.Errorf("server_error = %v, want 2", got)
	}
}
