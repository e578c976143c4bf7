package attendance

import (
	"errors"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var receivedAt = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(NormalizerConfig{
		Sequencer:       &Sequencer{},
		DefaultCourseID: "CS101",
		Location:        time.UTC,
	})
}

func jsonPayload(body string, source Source) RawPayload {
	return RawPayload{Body: []byte(body), Encoding: EncodingJSON, Source: source, ReceivedAt: receivedAt}
}

func TestNormalize_DashboardShape(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize(jsonPayload(`{
		"studentId": "S-1",
		"courseId": "C-9",
		"date": "2026-03-02",
		"status": "Late",
		"timestamp": "2026-03-02T09:05:00Z",
		"markedBy": "instructor-7"
	}`, SourceManual))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if ev.StudentID != "S-1" || ev.CourseID != "C-9" || ev.Date != "2026-03-02" {
		t.Errorf("unexpected key: %+v", ev.Key())
	}
	if ev.Status != StatusLate {
		t.Errorf("Status = %q, want late", ev.Status)
	}
	if ev.Source != SourceManual {
		t.Errorf("Source = %q, want manual", ev.Source)
	}
	if !ev.ObservedAt.Equal(time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)) {
		t.Errorf("ObservedAt = %v", ev.ObservedAt)
	}
	if ev.MarkedBy != "instructor-7" {
		t.Errorf("MarkedBy = %q", ev.MarkedBy)
	}
	if ev.ID == "" {
		t.Error("expected event ID to be assigned")
	}
	if ev.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", ev.Sequence)
	}
}

func TestNormalize_RecognitionSighting(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize(jsonPayload(`{"name":"John Doe","time":"2026-03-02T08:59:12.345678"}`, SourceFaceRecognition))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if ev.StudentID != "John Doe" {
		t.Errorf("StudentID = %q", ev.StudentID)
	}
	if ev.CourseID != "CS101" {
		t.Errorf("CourseID = %q, want default course", ev.CourseID)
	}
	if ev.Status != StatusPresent {
		t.Errorf("Status = %q, want present", ev.Status)
	}
	if ev.Date != "2026-03-02" {
		t.Errorf("Date = %q", ev.Date)
	}
	if ev.Source != SourceFaceRecognition {
		t.Errorf("Source = %q", ev.Source)
	}
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantErr   error
		wantField string
	}{
		{
			name:      "missing student",
			body:      `{"courseId":"C","date":"2026-03-02","status":"present"}`,
			wantErr:   ErrMissingField,
			wantField: "studentId",
		},
		{
			name:      "missing course",
			body:      `{"studentId":"S","date":"2026-03-02","status":"present"}`,
			wantErr:   ErrMissingField,
			wantField: "courseId",
		},
		{
			name:      "missing date",
			body:      `{"studentId":"S","courseId":"C","status":"present"}`,
			wantErr:   ErrMissingField,
			wantField: "date",
		},
		{
			name:      "missing status",
			body:      `{"studentId":"S","courseId":"C","date":"2026-03-02"}`,
			wantErr:   ErrMissingField,
			wantField: "status",
		},
		{
			name:      "invalid status",
			body:      `{"studentId":"S","courseId":"C","date":"2026-03-02","status":"excused"}`,
			wantErr:   ErrInvalidStatus,
			wantField: "status",
		},
		{
			name:      "invalid date",
			body:      `{"studentId":"S","courseId":"C","date":"02/03/2026","status":"present"}`,
			wantErr:   ErrInvalidDate,
			wantField: "date",
		},
		{
			name:      "invalid timestamp",
			body:      `{"studentId":"S","courseId":"C","date":"2026-03-02","status":"present","timestamp":"yesterday"}`,
			wantErr:   ErrInvalidTimestamp,
			wantField: "timestamp",
		},
		{
			name:    "not json",
			body:    `not-json`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:      "unknown declared source",
			body:      `{"studentId":"S","courseId":"C","date":"2026-03-02","status":"present","source":"rfid"}`,
			wantErr:   ErrInvalidPayload,
			wantField: "source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNormalizer()
			_, err := n.Normalize(jsonPayload(tt.body, SourceFaceRecognition))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Normalize() error = %v, want %v", err, tt.wantErr)
			}
			var nerr *NormalizationError
			if !errors.As(err, &nerr) {
				t.Fatalf("expected *NormalizationError, got %T", err)
			}
			if nerr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", nerr.Field, tt.wantField)
			}
		})
	}
}

func TestNormalize_FailureDoesNotConsumeSequence(t *testing.T) {
	seq := &Sequencer{}
	n := NewNormalizer(NormalizerConfig{Sequencer: seq, Location: time.UTC})

	if _, err := n.Normalize(jsonPayload(`{"studentId":"S"}`, SourceManual)); err == nil {
		t.Fatal("expected error")
	}
	if seq.Last() != 0 {
		t.Errorf("sequence advanced to %d on failure", seq.Last())
	}
}

func TestNormalize_DeclaredSource(t *testing.T) {
	tests := []struct {
		name     string
		channel  Source
		declared string
		want     Source
		wantErr  bool
	}{
		{"manual channel may declare manual", SourceManual, "manual", SourceManual, false},
		{"recognition channel may declare imported", SourceFaceRecognition, "imported", SourceImported, false},
		{"recognition channel may not declare manual", SourceFaceRecognition, "manual", "", true},
		{"imported channel may not declare recognition", SourceImported, "faceRecognition", "", true},
		{"synthetic payloads stay simulated", SourceSimulated, "manual", SourceSimulated, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNormalizer()
			body := `{"studentId":"S","courseId":"C","date":"2026-03-02","status":"absent","source":"` + tt.declared + `"}`
			ev, err := n.Normalize(jsonPayload(body, tt.channel))
			if tt.wantErr {
				var nerr *NormalizationError
				if !errors.As(err, &nerr) || nerr.Field != "source" {
					t.Fatalf("Normalize() error = %v, want source NormalizationError", err)
				}
				if !errors.Is(err, ErrInvalidPayload) {
					t.Errorf("Normalize() error = %v, want ErrInvalidPayload", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if ev.Source != tt.want {
				t.Errorf("Source = %q, want %q", ev.Source, tt.want)
			}
		})
	}
}

func TestNormalizeBatch_SkipsBadRecords(t *testing.T) {
	n := newTestNormalizer()

	events, errs := n.NormalizeBatch(jsonPayload(`[
		{"name":"Sarah Johnson","time":"2026-03-02T09:00:00","course":"Introduction to Computer Science"},
		{"studentId":"S-2","courseId":"C","date":"2026-03-02","status":"bogus"},
		{"studentId":"S-3","courseId":"C","date":"2026-03-02","status":"absent"}
	]`, SourceFaceRecognition))

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrInvalidStatus) {
		t.Fatalf("errs = %v, want one invalid status", errs)
	}
	if events[0].CourseID != "Introduction to Computer Science" {
		t.Errorf("CourseID = %q", events[0].CourseID)
	}
	if events[0].Sequence >= events[1].Sequence {
		t.Errorf("sequence not increasing: %d then %d", events[0].Sequence, events[1].Sequence)
	}
}

func TestNormalizeBatch_CBOR(t *testing.T) {
	n := newTestNormalizer()

	body, err := cbor.Marshal([]Fields{
		{StudentID: "S-1", CourseID: "C", Date: "2026-03-02", Status: "present"},
		{StudentID: "S-2", CourseID: "C", Date: "2026-03-02", Status: "late"},
	})
	if err != nil {
		t.Fatalf("cbor.Marshal() error = %v", err)
	}

	events, errs := n.NormalizeBatch(RawPayload{Body: body, Encoding: EncodingCBOR, Source: SourceFaceRecognition, ReceivedAt: receivedAt})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if !events[0].ObservedAt.Equal(receivedAt) {
		t.Errorf("ObservedAt = %v, want receive time", events[0].ObservedAt)
	}

	single, err := cbor.Marshal(Fields{StudentID: "S-3", CourseID: "C", Date: "2026-03-02", Status: "absent"})
	if err != nil {
		t.Fatalf("cbor.Marshal() error = %v", err)
	}
	events, errs = n.NormalizeBatch(RawPayload{Body: single, Encoding: EncodingCBOR, Source: SourceFaceRecognition})
	if len(errs) != 0 || len(events) != 1 || events[0].StudentID != "S-3" {
		t.Fatalf("single CBOR record: events=%v errs=%v", events, errs)
	}
}

func TestSequencer_SharedAcrossNormalizers(t *testing.T) {
	seq := &Sequencer{}
	a := NewNormalizer(NormalizerConfig{Sequencer: seq, Location: time.UTC})
	b := NewNormalizer(NormalizerConfig{Sequencer: seq, Location: time.UTC})
	body := `{"studentId":"S","courseId":"C","date":"2026-03-02","status":"present"}`

	e1, _ := a.Normalize(jsonPayload(body, SourceManual))
	e2, _ := b.Normalize(jsonPayload(body, SourceFaceRecognition))
	e3, _ := a.Normalize(jsonPayload(body, SourceImported))

	if !(e1.Sequence < e2.Sequence && e2.Sequence < e3.Sequence) {
		t.Errorf("sequence not total across normalizers: %d, %d, %d", e1.Sequence, e2.Sequence, e3.Sequence)
	}
}
