// Package reconcile merges normalized attendance events into one
// authoritative record per (student, course, date).
//
// Winner selection considers every non-duplicate contributing event and picks
// the highest source precedence (manual > faceRecognition > imported >
// simulated), then the latest ObservedAt, then the highest Sequence.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/onnwee/attendsync/internal/clock"
	"github.com/onnwee/attendsync/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultDuplicateTolerance is the window within which two events with the
// same source and status count as one sighting.
const DefaultDuplicateTolerance = 2 * time.Second

// ErrInvalidEvent is returned for events that did not come through the normalizer.
var ErrInvalidEvent = errors.New("invalid attendance event")

// Store receives every updated record. view.Cache implements it.
type Store interface {
	Put(rec attendance.Record)
	Reset()
}

// Config configures an Engine.
type Config struct {
	Store              Store
	Clock              clock.Clock
	DuplicateTolerance time.Duration
	// Location determines "today" for future-date flagging. Defaults to time.Local.
	Location *time.Location
	Logger   *slog.Logger
	Metrics  *Metrics
}

// Engine is the reconciliation engine. Accept calls are serialized.
type Engine struct {
	mu      sync.Mutex
	records map[attendance.Key]*attendance.Record

	store     Store
	clock     clock.Clock
	tolerance time.Duration
	loc       *time.Location
	logger    *slog.Logger
	metrics   *Metrics
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.DuplicateTolerance <= 0 {
		cfg.DuplicateTolerance = DefaultDuplicateTolerance
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		records:   make(map[attendance.Key]*attendance.Record),
		store:     cfg.Store,
		clock:     cfg.Clock,
		tolerance: cfg.DuplicateTolerance,
		loc:       cfg.Location,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

func validate(ev attendance.Event) error {
	switch {
	case ev.StudentID == "":
		return fmt.Errorf("%w: empty student id", ErrInvalidEvent)
	case ev.CourseID == "":
		return fmt.Errorf("%w: empty course id", ErrInvalidEvent)
	case ev.Date == "":
		return fmt.Errorf("%w: empty date", ErrInvalidEvent)
	case !ev.Status.Valid():
		return fmt.Errorf("%w: status %q", ErrInvalidEvent, ev.Status)
	case !ev.Source.Valid():
		return fmt.Errorf("%w: source %q", ErrInvalidEvent, ev.Source)
	}
	return nil
}

// Accept merges ev into the record for its key and returns the updated record.
// The store is written before the engine lock is released, so no reader sees
// a record between the append and the winner recomputation.
func (e *Engine) Accept(ctx context.Context, ev attendance.Event) (rec attendance.Record, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.accept")
	defer func() { endSpan(err) }()

	if err := validate(ev); err != nil {
		return attendance.Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := ev.Key()
	r, ok := e.records[key]
	if !ok {
		r = &attendance.Record{Key: key, ContributingEvents: []attendance.Contribution{}}
		e.records[key] = r
		e.metrics.setRecords(len(e.records))
	}
	prevStatus, prevSource := r.Status, r.WinningSource

	dup := e.isDuplicate(r, ev)
	r.ContributingEvents = append(r.ContributingEvents, attendance.Contribution{Event: ev, Duplicate: dup})
	if ev.ObservedAt.After(r.LastUpdated) {
		r.LastUpdated = ev.ObservedAt
	}
	if ev.Date.After(attendance.DateOf(e.clock.Now().In(e.loc))) {
		r.FutureDated = true
	}

	if w, found := winner(r.ContributingEvents); found {
		r.Status = w.Status
		r.WinningSource = w.Source
	}

	e.metrics.incAccepted(ev.Source)
	if dup {
		e.metrics.incDuplicates()
	}
	changed := ok && (r.Status != prevStatus || r.WinningSource != prevSource)
	if changed {
		e.metrics.incWinnerChanges()
		tracing.AddEvent(ctx, "winner_changed",
			attribute.String("attendance.previous_source", string(prevSource)),
			attribute.String("attendance.previous_status", string(prevStatus)),
		)
		if prevSource == attendance.SourceSimulated && r.WinningSource != attendance.SourceSimulated {
			e.metrics.incSimulatedDisplaced()
		}
	}

	tracing.SetAttributes(ctx,
		attribute.String("attendance.key", key.String()),
		attribute.String("attendance.source", string(ev.Source)),
		attribute.Bool("attendance.duplicate", dup),
	)

	e.logger.Debug("event accepted",
		slog.String("key", key.String()),
		slog.String("source", string(ev.Source)),
		slog.String("status", string(ev.Status)),
		slog.Uint64("sequence", ev.Sequence),
		slog.Bool("duplicate", dup),
		slog.String("winning_source", string(r.WinningSource)),
		slog.Bool("changed", changed),
	)

	if r.FutureDated && !ok {
		e.logger.Warn("future-dated attendance record",
			slog.String("key", key.String()),
			slog.String("source", string(ev.Source)),
		)
	}

	out := r.Clone()
	if e.store != nil {
		e.store.Put(out)
	}
	return out.Clone(), nil
}

// isDuplicate reports whether ev replays the latest sighting already counted
// for r from the same source. Only the latest counts, so a status that flips
// back within the tolerance is still a change.
func (e *Engine) isDuplicate(r *attendance.Record, ev attendance.Event) bool {
	for i := len(r.ContributingEvents) - 1; i >= 0; i-- {
		c := r.ContributingEvents[i]
		if c.Duplicate || c.Source != ev.Source {
			continue
		}
		if c.Status != ev.Status {
			return false
		}
		d := c.ObservedAt.Sub(ev.ObservedAt)
		if d < 0 {
			d = -d
		}
		return d <= e.tolerance
	}
	return false
}

// winner returns the winning non-duplicate event.
func winner(events []attendance.Contribution) (attendance.Event, bool) {
	var best attendance.Event
	found := false
	for _, c := range events {
		if c.Duplicate {
			continue
		}
		if !found || outranks(c.Event, best) {
			best = c.Event
			found = true
		}
	}
	return best, found
}

func outranks(a, b attendance.Event) bool {
	if ra, rb := a.Source.Rank(), b.Source.Rank(); ra != rb {
		return ra > rb
	}
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	return a.Sequence > b.Sequence
}

// Get returns the current record for key.
func (e *Engine) Get(key attendance.Key) (attendance.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[key]
	if !ok {
		return attendance.Record{}, false
	}
	return r.Clone(), true
}

// Len returns the number of records.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

// Snapshot returns every record ordered by course, date, then student.
func (e *Engine) Snapshot() []attendance.Record {
	e.mu.Lock()
	out := make([]attendance.Record, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, r.Clone())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.CourseID != b.CourseID {
			return a.CourseID < b.CourseID
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.StudentID < b.StudentID
	})
	return out
}

// Reset drops every record, in the engine and in the store.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.records)
	e.records = make(map[attendance.Key]*attendance.Record)
	if e.store != nil {
		e.store.Reset()
	}
	e.metrics.setRecords(0)
	e.logger.Info("reconciled records reset", slog.Int("dropped", n))
}
