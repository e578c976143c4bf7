// Package syncer runs the attendance pipeline: raw payloads from the delivery
// channel, manual marks and imports are normalized and accepted, in arrival
// order, into the reconciliation engine.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/onnwee/attendsync/internal/clock"
)

// Engine is the reconciliation engine as seen by the pipeline.
type Engine interface {
	Accept(ctx context.Context, ev attendance.Event) (attendance.Record, error)
	Reset()
}

// Config configures a Synchronizer.
type Config struct {
	Normalizer *attendance.Normalizer
	Engine     Engine
	// Cursor filters records a channel has already delivered. Defaults to a
	// MemoryCursor of DefaultCursorCapacity.
	Cursor  Cursor
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

// Configuration errors.
var (
	ErrNilNormalizer = errors.New("normalizer cannot be nil")
	ErrNilEngine     = errors.New("engine cannot be nil")
)

// Synchronizer feeds every ingestion path into the engine.
type Synchronizer struct {
	norm    *attendance.Normalizer
	engine  Engine
	cursor  Cursor
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics
}

// New creates a Synchronizer.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Normalizer == nil {
		return nil, ErrNilNormalizer
	}
	if cfg.Engine == nil {
		return nil, ErrNilEngine
	}
	if cfg.Cursor == nil {
		cfg.Cursor = NewMemoryCursor(DefaultCursorCapacity)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Synchronizer{
		norm:    cfg.Normalizer,
		engine:  cfg.Engine,
		cursor:  cfg.Cursor,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// HandlePayload processes one payload from the delivery channel. Its
// signature matches channel.PayloadHandler.
func (s *Synchronizer) HandlePayload(p attendance.RawPayload) {
	s.Process(context.Background(), p)
}

// Process normalizes every record in p the channel has not delivered before
// and accepts the valid ones in order. Records that fail normalization are
// logged and dropped. It returns the number of events accepted.
func (s *Synchronizer) Process(ctx context.Context, p attendance.RawPayload) int {
	s.metrics.incPayloads(string(p.Source))

	batch, err := attendance.DecodeBatch(p)
	if err != nil {
		s.reportNormalizationError(p.Source, err)
		return 0
	}
	fresh := s.cursor.Unseen(p.Source, batch)
	s.metrics.addSkipped(len(batch) - len(fresh))

	events, _ := s.normalize(fresh, p.Source, p.ReceivedAt)
	return s.Ingest(ctx, events)
}

// IngestFields normalizes already-decoded records attributed to source and
// accepts the valid ones. It returns the number accepted and the
// normalization errors.
func (s *Synchronizer) IngestFields(ctx context.Context, fields []attendance.Fields, source attendance.Source) (int, []error) {
	events, errs := s.normalize(fields, source, s.clock.Now())
	return s.Ingest(ctx, events), errs
}

func (s *Synchronizer) normalize(fields []attendance.Fields, source attendance.Source, receivedAt time.Time) ([]attendance.Event, []error) {
	events := make([]attendance.Event, 0, len(fields))
	var errs []error
	for _, f := range fields {
		ev, err := s.norm.NormalizeFields(f, source, receivedAt)
		if err != nil {
			s.reportNormalizationError(source, err)
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

// Ingest accepts normalized events in order and returns how many the engine took.
func (s *Synchronizer) Ingest(ctx context.Context, events []attendance.Event) int {
	accepted := 0
	for _, ev := range events {
		if _, err := s.engine.Accept(ctx, ev); err != nil {
			s.metrics.incRejected()
			s.logger.Warn("event rejected by engine",
				slog.String("event_id", ev.ID),
				slog.String("key", ev.Key().String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		accepted++
	}
	s.metrics.addAccepted(accepted)
	return accepted
}

// Reset forgets the delivery cursor and clears the engine.
func (s *Synchronizer) Reset() {
	s.cursor.Reset()
	s.engine.Reset()
}

// Mark records a manual mark made by staff. Any source declared in f is
// ignored; the event is always manual.
func (s *Synchronizer) Mark(ctx context.Context, f attendance.Fields) (attendance.Record, error) {
	f.Source = ""
	ev, err := s.norm.NormalizeFields(f, attendance.SourceManual, s.clock.Now())
	if err != nil {
		s.reportNormalizationError(attendance.SourceManual, err)
		return attendance.Record{}, err
	}

	rec, err := s.engine.Accept(ctx, ev)
	if err != nil {
		s.metrics.incRejected()
		return attendance.Record{}, err
	}
	s.metrics.addAccepted(1)

	s.logger.Info("manual attendance mark",
		slog.String("key", ev.Key().String()),
		slog.String("status", string(ev.Status)),
		slog.String("marked_by", ev.MarkedBy),
		slog.String("winning_source", string(rec.WinningSource)),
	)
	return rec, nil
}

func (s *Synchronizer) reportNormalizationError(source attendance.Source, err error) {
	kind := string(attendance.KindInvalidPayload)
	var nerr *attendance.NormalizationError
	if errors.As(err, &nerr) {
		kind = string(nerr.Kind)
	}
	s.metrics.incNormalizationErrors(kind)
	s.logger.Warn("dropping attendance record",
		slog.String("source", string(source)),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
}

// today returns the calendar date of the clock in loc.
func today(c clock.Clock, loc *time.Location) attendance.Date {
	return attendance.DateOf(c.Now().In(loc))
}
