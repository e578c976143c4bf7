// Package tracing sets up OpenTelemetry tracing for the attendance service
// and provides span helpers for its pipeline and database access.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter types.
const (
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

// Configuration errors.
var (
	ErrMissingServiceName  = errors.New("service name is required")
	ErrInvalidSamplingRate = errors.New("sampling rate must be between 0 and 1")
	ErrUnsupportedExporter = errors.New("unsupported exporter type")
)

// Config holds the configuration for distributed tracing.
type Config struct {
	// ServiceName identifies this service in traces.
	ServiceName string

	// Version is reported as service.version.
	Version string

	Enabled bool

	// Environment (development, staging, production)
	Environment string

	// ExporterType is otlp-grpc or otlp-http (the default).
	ExporterType string

	// OTLPEndpoint is host:port of the collector. Empty uses the exporter default.
	OTLPEndpoint string

	// SamplingRate is the fraction of traces to sample (0.0 to 1.0).
	SamplingRate float64

	// InsecureMode disables TLS for the OTLP connection.
	InsecureMode bool

	Logger *slog.Logger
}

// Validate checks an enabled configuration.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return ErrMissingServiceName
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("%w, got %f", ErrInvalidSamplingRate, c.SamplingRate)
	}
	switch c.ExporterType {
	case ExporterOTLPGRPC, ExporterOTLPHTTP, "":
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedExporter, c.ExporterType)
	}
	return nil
}

// Provider manages the OpenTelemetry tracer provider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	config Config
	logger *slog.Logger
}

// NewProvider creates a tracer provider and installs it, with W3C trace
// context propagation, as the global provider. A disabled config returns a
// no-op Provider.
func NewProvider(cfg Config) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return &Provider{config: cfg, logger: logger}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if cfg.ExporterType == ExporterOTLPGRPC {
		exporter, err = createOTLPGRPCExporter(cfg)
	} else {
		exporter, err = createOTLPHTTPExporter(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplingRate)),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized",
		slog.String("service", cfg.ServiceName),
		slog.String("exporter", cfg.ExporterType),
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sampling_rate", cfg.SamplingRate),
		slog.String("environment", cfg.Environment),
	)

	return &Provider{
		tp:     tp,
		config: cfg,
		logger: logger,
	}, nil
}

// sampler maps a rate to a parent-based sampler so remote sampling
// decisions are honored.
func sampler(rate float64) sdktrace.Sampler {
	switch rate {
	case 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func createOTLPHTTPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{}
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
	}
	if cfg.InsecureMode {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return otlptracehttp.New(ctx, opts...)
}

func createOTLPGRPCExporter(cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{}
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
	}
	if cfg.InsecureMode {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return otlptracegrpc.New(ctx, opts...)
}

// Shutdown flushes pending spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}

	p.logger.Info("shutting down tracer provider")
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// Tracer returns a tracer for the given name.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// IsEnabled returns whether tracing is enabled.
func (p *Provider) IsEnabled() bool {
	return p.config.Enabled
}
