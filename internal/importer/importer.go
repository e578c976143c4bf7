// Package importer loads attendance records that were stored elsewhere, such
// as the dashboard API or the attendance table, and feeds them into the
// synchronizer as imported events.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/onnwee/attendsync/internal/jobs"
	"github.com/onnwee/attendsync/internal/tracing"
	"github.com/onnwee/attendsync/internal/transport"
	"go.opentelemetry.io/otel/attribute"
)

// ErrNoSources is returned by Run when the importer has nothing to read from.
var ErrNoSources = errors.New("importer has no sources configured")

// Source returns the stored records for one day.
type Source interface {
	Name() string
	Fetch(ctx context.Context, date attendance.Date) ([]attendance.Fields, error)
}

// Sink accepts decoded records. *syncer.Synchronizer implements it.
type Sink interface {
	IngestFields(ctx context.Context, fields []attendance.Fields, source attendance.Source) (int, []error)
}

// Result summarizes one import run.
type Result struct {
	Date     attendance.Date
	Fetched  int
	Accepted int
	Invalid  int
	// Failed lists the sources whose fetch failed.
	Failed []string
}

// Importer pulls records from every configured source.
type Importer struct {
	sources []Source
	sink    Sink
	logger  *slog.Logger
	metrics jobs.Reporter
}

// Option configures an Importer.
type Option func(*Importer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Importer) { i.logger = l }
}

// WithJobMetrics reports each run as an attendance_import job.
func WithJobMetrics(r jobs.Reporter) Option {
	return func(i *Importer) { i.metrics = r }
}

// New creates an Importer. Nil sources are skipped.
func New(sink Sink, sources []Source, opts ...Option) *Importer {
	imp := &Importer{sink: sink, logger: slog.Default()}
	for _, s := range sources {
		if s != nil {
			imp.sources = append(imp.sources, s)
		}
	}
	for _, opt := range opts {
		opt(imp)
	}
	return imp
}

// Run imports the records for date from every source. A failing source does
// not stop the others; Run returns an error only if every source failed.
func (i *Importer) Run(ctx context.Context, date attendance.Date) (res Result, err error) {
	res.Date = date
	if len(i.sources) == 0 {
		return res, ErrNoSources
	}

	ctx, endSpan := tracing.StartSpan(ctx, "importer.run")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("attendance.date", date.String()))

	err = jobs.Track(i.metrics, jobs.JobTypeAttendanceImport, classify, func() error {
		var errs []error
		for _, src := range i.sources {
			fields, ferr := src.Fetch(ctx, date)
			if ferr != nil {
				res.Failed = append(res.Failed, src.Name())
				errs = append(errs, fmt.Errorf("%s: %w", src.Name(), ferr))
				i.logger.Warn("attendance import source failed",
					slog.String("source", src.Name()),
					slog.String("date", date.String()),
					slog.String("error", ferr.Error()),
				)
				continue
			}

			// stored records are imported whatever source they were saved with
			for n := range fields {
				fields[n].Source = ""
			}
			accepted, invalid := i.sink.IngestFields(ctx, fields, attendance.SourceImported)
			res.Fetched += len(fields)
			res.Accepted += accepted
			res.Invalid += len(invalid)
		}
		if len(errs) == len(i.sources) {
			return errors.Join(errs...)
		}
		return nil
	})

	i.logger.Info("attendance import finished",
		slog.String("date", date.String()),
		slog.Int("fetched", res.Fetched),
		slog.Int("accepted", res.Accepted),
		slog.Int("invalid", res.Invalid),
		slog.Int("failed_sources", len(res.Failed)),
	)
	return res, err
}

// classify labels import failures for the job error metric.
func classify(err error) string {
	if kind := transport.KindOf(err); kind != 0 {
		return kind.String()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "source_error"
}
