package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/onnwee/attendsync/internal/clock"
	"github.com/onnwee/attendsync/internal/view"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	today = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	key   = attendance.Key{StudentID: "S1", CourseID: "CS101", Date: "2026-03-02"}
)

type eventFactory struct {
	seq attendance.Sequencer
}

func (f *eventFactory) event(src attendance.Source, st attendance.Status, at time.Time) attendance.Event {
	return attendance.Event{
		ID:         "ev",
		StudentID:  key.StudentID,
		CourseID:   key.CourseID,
		Date:       key.Date,
		Status:     st,
		Source:     src,
		ObservedAt: at,
		Sequence:   f.seq.Next(),
	}
}

func newTestEngine(t *testing.T) (*Engine, *view.Cache) {
	t.Helper()
	cache := view.New()
	t.Cleanup(cache.Close)
	e := NewEngine(Config{
		Store:    cache,
		Clock:    clock.NewFake(today),
		Location: time.UTC,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return e, cache
}

func mustAccept(t *testing.T, e *Engine, ev attendance.Event) attendance.Record {
	t.Helper()
	rec, err := e.Accept(context.Background(), ev)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	return rec
}

func TestAccept_SimulatedDisplacedByRecognition(t *testing.T) {
	e, cache := newTestEngine(t)
	f := &eventFactory{}

	mustAccept(t, e, f.event(attendance.SourceSimulated, attendance.StatusAbsent, today))
	rec := mustAccept(t, e, f.event(attendance.SourceFaceRecognition, attendance.StatusPresent, today.Add(time.Minute)))

	if rec.Status != attendance.StatusPresent || rec.WinningSource != attendance.SourceFaceRecognition {
		t.Errorf("got %s/%s, want present/faceRecognition", rec.Status, rec.WinningSource)
	}
	cached, err := cache.Get(key.StudentID, key.CourseID, key.Date)
	if err != nil {
		t.Fatalf("cache.Get() error = %v", err)
	}
	if cached.Status != attendance.StatusPresent {
		t.Errorf("cache status = %s, want present", cached.Status)
	}
}

func TestAccept_ManualBeatsRecognition(t *testing.T) {
	e, _ := newTestEngine(t)
	f := &eventFactory{}

	mustAccept(t, e, f.event(attendance.SourceManual, attendance.StatusLate, today))
	rec := mustAccept(t, e, f.event(attendance.SourceFaceRecognition, attendance.StatusPresent, today.Add(time.Minute)))

	if rec.Status != attendance.StatusLate || rec.WinningSource != attendance.SourceManual {
		t.Errorf("got %s/%s, want late/manual", rec.Status, rec.WinningSource)
	}
}

func TestAccept_PrecedenceIndependentOfArrivalOrder(t *testing.T) {
	orders := map[string][]attendance.Source{
		"manual first":      {attendance.SourceManual, attendance.SourceFaceRecognition},
		"recognition first": {attendance.SourceFaceRecognition, attendance.SourceManual},
	}
	statuses := map[attendance.Source]attendance.Status{
		attendance.SourceManual:          attendance.StatusAbsent,
		attendance.SourceFaceRecognition: attendance.StatusPresent,
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			f := &eventFactory{}
			var rec attendance.Record
			for i, src := range order {
				rec = mustAccept(t, e, f.event(src, statuses[src], today.Add(time.Duration(i)*time.Hour)))
			}
			if rec.WinningSource != attendance.SourceManual || rec.Status != attendance.StatusAbsent {
				t.Errorf("got %s/%s, want absent/manual", rec.Status, rec.WinningSource)
			}
		})
	}
}

func TestAccept_ReplayIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	f := &eventFactory{}

	first := mustAccept(t, e, f.event(attendance.SourceFaceRecognition, attendance.StatusPresent, today))

	var rec attendance.Record
	for i := 0; i < 5; i++ {
		rec = mustAccept(t, e, f.event(attendance.SourceFaceRecognition, attendance.StatusPresent, today.Add(500*time.Millisecond)))
	}

	if rec.Status != first.Status || rec.WinningSource != first.WinningSource {
		t.Errorf("replay changed record: got %s/%s, want %s/%s", rec.Status, rec.WinningSource, first.Status, first.WinningSource)
	}
	if len(rec.ContributingEvents) != 6 {
		t.Fatalf("history has %d events, want 6", len(rec.ContributingEvents))
	}
	dups := 0
	for _, c := range rec.ContributingEvents {
		if c.Duplicate {
			dups++
		}
	}
	if dups != 5 {
		t.Errorf("duplicates = %d, want 5", dups)
	}
}

func TestAccept_ReplayDoesNotFlipWinner(t *testing.T) {
	e, _ := newTestEngine(t)
	f := &eventFactory{}

	absent := f.event(attendance.SourceFaceRecognition, attendance.StatusAbsent, today)
	mustAccept(t, e, absent)
	mustAccept(t, e, f.event(attendance.SourceFaceRecognition, attendance.StatusPresent, today.Add(time.Second)))
	// the older absent sighting arrives again with its original timestamp
	rec := mustAccept(t, e, absent)

	if rec.Status != attendance.StatusPresent {
		t.Errorf("status = %s, want present", rec.Status)
	}
}

func TestAccept_FlipBackWithinToleranceIsCounted(t *testing.T) {
	e, _ := newTestEngine(t)
	f := &eventFactory{}

	mustAccept(t, e, f.event(attendance.SourceManual, attendance.StatusPresent, today))
	mustAccept(t, e, f.event(attendance.SourceManual, attendance.StatusAbsent, today.Add(time.Second)))
	rec := mustAccept(t, e, f.event(attendance.SourceManual, attendance.StatusPresent, today.Add(1500*time.Millisecond)))

	if rec.Status != attendance.StatusPresent {
		t.Errorf("status = %s, want present", rec.Status)
	}
	for i, c := range rec.ContributingEvents {
		if c.Duplicate {
			t.Errorf("event %d marked duplicate, want every mark counted", i)
		}
	}

	// repeating the latest mark is still a replay
	rec = mustAccept(t, e, f.event(attendance.SourceManual, attendance.StatusPresent, today.Add(2*time.Second)))
	if !rec.ContributingEvents[len(rec.ContributingEvents)-1].Duplicate {
		t.Error("repeat of latest mark not flagged as duplicate")
	}
	if rec.Status != attendance.StatusPresent {
		t.Errorf("status after repeat = %s, want present", rec.Status)
	}
}

func TestAccept_SimulatedNeverRetakesRealRecord(t *testing.T) {
	e, _ := newTestEngine(t)
	f := &eventFactory{}

	mustAccept(t, e, f.event(attendance.SourceImported, attendance.StatusAbsent, today))
	for i := 1; i <= 10; i++ {
		rec := mustAccept(t, e, f.event(attendance.SourceSimulated, attendance.StatusPresent, today.Add(time.Duration(i)*time.Hour)))
		if rec.WinningSource == attendance.SourceSimulated {
			t.Fatalf("simulated event %d became winner", i)
		}
	}
}

func TestAccept_TieBreaks(t *testing.T) {
	t.Run("latest observedAt wins within a source", func(t *testing.T) {
		e, _ := newTestEngine(t)
		f := &eventFactory{}
		mustAccept(t, e, f.event(attendance.SourceImported, attendance.StatusPresent, today.Add(time.Hour)))
		rec := mustAccept(t, e, f.event(attendance.SourceImported, attendance.StatusLate, today))
		if rec.Status != attendance.StatusPresent {
			t.Errorf("status = %s, want present", rec.Status)
		}
	})

	t.Run("highest sequence wins on equal timestamps", func(t *testing.T) {
		e, _ := newTestEngine(t)
		f := &eventFactory{}
		mustAccept(t, e, f.event(attendance.SourceManual, attendance.StatusPresent, today))
		rec := mustAccept(t, e, f.event(attendance.SourceManual, attendance.StatusAbsent, today))
		if rec.Status != attendance.StatusAbsent {
			t.Errorf("status = %s, want absent", rec.Status)
		}
	})
}

func TestAccept_OneRecordPerKey(t *testing.T) {
	e, cache := newTestEngine(t)
	var seq attendance.Sequencer

	students := []string{"S1", "S2", "S3"}
	sources := []attendance.Source{attendance.SourceSimulated, attendance.SourceImported, attendance.SourceFaceRecognition, attendance.SourceManual}
	for round := 0; round < 4; round++ {
		for _, s := range students {
			for _, src := range sources {
				mustAccept(t, e, attendance.Event{
					StudentID:  s,
					CourseID:   "CS101",
					Date:       "2026-03-02",
					Status:     attendance.StatusPresent,
					Source:     src,
					ObservedAt: today.Add(time.Duration(round) * time.Hour),
					Sequence:   seq.Next(),
				})
			}
		}
	}

	if e.Len() != len(students) {
		t.Errorf("engine holds %d records, want %d", e.Len(), len(students))
	}
	if cache.Len() != len(students) {
		t.Errorf("cache holds %d records, want %d", cache.Len(), len(students))
	}
	for _, rec := range cache.GetByCourseAndDate("CS101", "2026-03-02") {
		if len(rec.ContributingEvents) != 4*len(sources) {
			t.Errorf("%s history = %d events, want %d", rec.StudentID, len(rec.ContributingEvents), 4*len(sources))
		}
	}
}

func TestAccept_ReplayDeterminism(t *testing.T) {
	var seq attendance.Sequencer
	var input []attendance.Event
	srcs := []attendance.Source{attendance.SourceSimulated, attendance.SourceFaceRecognition, attendance.SourceImported, attendance.SourceManual}
	stats := []attendance.Status{attendance.StatusAbsent, attendance.StatusPresent, attendance.StatusLate}
	for i := 0; i < 60; i++ {
		input = append(input, attendance.Event{
			StudentID:  []string{"S1", "S2", "S3", "S4", "S5"}[i%5],
			CourseID:   []string{"CS101", "MA201"}[i%2],
			Date:       "2026-03-02",
			Status:     stats[i%3],
			Source:     srcs[(i/3)%4],
			ObservedAt: today.Add(time.Duration(i%7) * time.Second),
			Sequence:   seq.Next(),
		})
	}

	run := func() []attendance.Record {
		e, _ := newTestEngine(t)
		for _, ev := range input {
			mustAccept(t, e, ev)
		}
		return e.Snapshot()
	}

	first, second := run(), run()
	if !reflect.DeepEqual(first, second) {
		t.Error("replaying the same input produced different records")
	}
}

func TestAccept_FutureDateFlagged(t *testing.T) {
	e, _ := newTestEngine(t)
	f := &eventFactory{}

	ev := f.event(attendance.SourceImported, attendance.StatusPresent, today)
	ev.Date = "2026-03-09"
	rec := mustAccept(t, e, ev)
	if !rec.FutureDated {
		t.Error("future-dated record not flagged")
	}

	old := f.event(attendance.SourceImported, attendance.StatusPresent, today)
	old.Date = "2019-01-01"
	rec = mustAccept(t, e, old)
	if rec.FutureDated {
		t.Error("past record flagged as future-dated")
	}
}

func TestAccept_RejectsInvalidEvents(t *testing.T) {
	e, cache := newTestEngine(t)

	tests := map[string]attendance.Event{
		"zero value":     {},
		"missing course": {StudentID: "S", Date: "2026-03-02", Status: attendance.StatusPresent, Source: attendance.SourceManual},
		"bad status":     {StudentID: "S", CourseID: "C", Date: "2026-03-02", Status: "excused", Source: attendance.SourceManual},
		"bad source":     {StudentID: "S", CourseID: "C", Date: "2026-03-02", Status: attendance.StatusPresent, Source: "rfid"},
	}
	for name, ev := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := e.Accept(context.Background(), ev); !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("Accept() error = %v, want ErrInvalidEvent", err)
			}
		})
	}
	if cache.Len() != 0 || e.Len() != 0 {
		t.Error("invalid events created records")
	}
}

func TestAccept_ReturnedRecordIsACopy(t *testing.T) {
	e, _ := newTestEngine(t)
	f := &eventFactory{}

	rec := mustAccept(t, e, f.event(attendance.SourceManual, attendance.StatusPresent, today))
	rec.ContributingEvents[0].Status = attendance.StatusAbsent

	got, _ := e.Get(key)
	if got.ContributingEvents[0].Status != attendance.StatusPresent {
		t.Error("caller mutation leaked into engine state")
	}
}

func TestEngine_Reset(t *testing.T) {
	e, cache := newTestEngine(t)
	f := &eventFactory{}

	mustAccept(t, e, f.event(attendance.SourceManual, attendance.StatusPresent, today))
	e.Reset()

	if e.Len() != 0 || cache.Len() != 0 {
		t.Errorf("records survived Reset: engine=%d cache=%d", e.Len(), cache.Len())
	}
	rec := mustAccept(t, e, f.event(attendance.SourceSimulated, attendance.StatusAbsent, today))
	if len(rec.ContributingEvents) != 1 {
		t.Errorf("history after Reset = %d events, want 1", len(rec.ContributingEvents))
	}
}

func TestEngine_Metrics(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	e := NewEngine(Config{
		Clock:    clock.NewFake(today),
		Location: time.UTC,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  m,
	})
	f := &eventFactory{}
	mustAccept(t, e, f.event(attendance.SourceSimulated, attendance.StatusAbsent, today))
	mustAccept(t, e, f.event(attendance.SourceFaceRecognition, attendance.StatusPresent, today))
	mustAccept(t, e, f.event(attendance.SourceFaceRecognition, attendance.StatusPresent, today))

	counter := func(c prometheus.Counter) float64 {
		var metric dto.Metric
		if err := c.Write(&metric); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		return metric.GetCounter().GetValue()
	}

	if got := counter(m.duplicates); got != 1 {
		t.Errorf("duplicates = %v, want 1", got)
	}
	if got := counter(m.winnerChanges); got != 1 {
		t.Errorf("winner changes = %v, want 1", got)
	}
	if got := counter(m.simulatedDisplaced); got != 1 {
		t.Errorf("simulated displaced = %v, want 1", got)
	}
	if got := counter(m.accepted.WithLabelValues(string(attendance.SourceFaceRecognition))); got != 2 {
		t.Errorf("accepted faceRecognition = %v, want 2", got)
	}

	var gauge dto.Metric
	if err := m.records.Write(&gauge); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if gauge.GetGauge().GetValue() != 1 {
		t.Errorf("records gauge = %v, want 1", gauge.GetGauge().GetValue())
	}
}
