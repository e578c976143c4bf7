package attendance

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Fields is the union of the wire shapes that carry attendance data.
//
// The dashboard API and the push channel send
// {studentId, courseId, date, status, timestamp, markedBy}. The recognition
// backend's get_attendance endpoint sends {name, time, course}; those records
// are sightings, so their status defaults to present.
type Fields struct {
	StudentID string `json:"studentId" cbor:"studentId"`
	CourseID  string `json:"courseId" cbor:"courseId"`
	Date      string `json:"date" cbor:"date"`
	Status    string `json:"status" cbor:"status"`
	Timestamp string `json:"timestamp" cbor:"timestamp"`
	Source    string `json:"source,omitempty" cbor:"source,omitempty"`
	MarkedBy  string `json:"markedBy,omitempty" cbor:"markedBy,omitempty"`

	Name   string `json:"name,omitempty" cbor:"name,omitempty"`
	Time   string `json:"time,omitempty" cbor:"time,omitempty"`
	Course string `json:"course,omitempty" cbor:"course,omitempty"`
}

// timestampLayouts are tried in order. The zone-less layouts match Python's
// datetime.isoformat output from the recognition backend.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// NormalizerConfig configures a Normalizer.
type NormalizerConfig struct {
	// Sequencer stamps events. Defaults to the process-wide sequencer.
	Sequencer *Sequencer

	// DefaultCourseID is used for recognition sightings that carry no course.
	DefaultCourseID string

	// Location interprets zone-less timestamps and derives dates. Defaults to time.Local.
	Location *time.Location
}

// Normalizer converts raw payloads into canonical events.
// It holds no mutable state besides the shared sequencer.
type Normalizer struct {
	seq             *Sequencer
	defaultCourseID string
	loc             *time.Location
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	if cfg.Sequencer == nil {
		cfg.Sequencer = ProcessSequencer()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Normalizer{
		seq:             cfg.Sequencer,
		defaultCourseID: cfg.DefaultCourseID,
		loc:             cfg.Location,
	}
}

// Normalize decodes a payload holding a single record.
func (n *Normalizer) Normalize(raw RawPayload) (Event, error) {
	var f Fields
	if err := decode(raw, &f); err != nil {
		return Event{}, err
	}
	return n.NormalizeFields(f, raw.Source, raw.ReceivedAt)
}

// NormalizeBatch decodes a payload holding one record or an array of records.
// Records that fail normalization are reported in the error slice and skipped;
// they never abort the rest of the batch.
func (n *Normalizer) NormalizeBatch(raw RawPayload) ([]Event, []error) {
	batch, err := DecodeBatch(raw)
	if err != nil {
		return nil, []error{err}
	}

	events := make([]Event, 0, len(batch))
	var errs []error
	for _, f := range batch {
		ev, err := n.NormalizeFields(f, raw.Source, raw.ReceivedAt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

// NormalizeFields validates already-decoded fields and builds an event.
// receivedAt stands in for the observation time when the payload carries none.
func (n *Normalizer) NormalizeFields(f Fields, source Source, receivedAt time.Time) (Event, error) {
	studentID := strings.TrimSpace(f.StudentID)
	courseID := strings.TrimSpace(f.CourseID)
	ts := strings.TrimSpace(f.Timestamp)
	status := strings.TrimSpace(f.Status)

	sighting := studentID == "" && strings.TrimSpace(f.Name) != ""
	if sighting {
		studentID = strings.TrimSpace(f.Name)
		if courseID == "" {
			courseID = strings.TrimSpace(f.Course)
		}
		if courseID == "" {
			courseID = n.defaultCourseID
		}
		if ts == "" {
			ts = strings.TrimSpace(f.Time)
		}
		if status == "" {
			status = string(StatusPresent)
		}
	}

	if studentID == "" {
		return Event{}, missingField("studentId")
	}
	if courseID == "" {
		return Event{}, missingField("courseId")
	}

	observedAt := receivedAt
	if ts != "" {
		t, err := n.parseTimestamp(ts)
		if err != nil {
			return Event{}, err
		}
		observedAt = t
	}
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	var date Date
	switch {
	case strings.TrimSpace(f.Date) != "":
		d, err := ParseDate(f.Date)
		if err != nil {
			return Event{}, &NormalizationError{Kind: KindInvalidDate, Field: "date", Value: f.Date, Err: err}
		}
		date = d
	case sighting:
		date = DateOf(observedAt.In(n.loc))
	default:
		return Event{}, missingField("date")
	}

	if status == "" {
		return Event{}, missingField("status")
	}
	st, ok := ParseStatus(status)
	if !ok {
		return Event{}, &NormalizationError{Kind: KindInvalidStatus, Field: "status", Value: status}
	}

	src, err := resolveSource(source, f.Source)
	if err != nil {
		return Event{}, err
	}

	return Event{
		ID:         uuid.New().String(),
		StudentID:  studentID,
		CourseID:   courseID,
		Date:       date,
		Status:     st,
		Source:     src,
		ObservedAt: observedAt,
		Sequence:   n.seq.Next(),
		MarkedBy:   strings.TrimSpace(f.MarkedBy),
	}, nil
}

// resolveSource lets a payload name its own source, except that synthetic
// payloads always stay simulated and no payload may claim a source that
// outranks the channel it arrived on.
func resolveSource(channel Source, declared string) (Source, error) {
	if !channel.Valid() {
		return "", &NormalizationError{Kind: KindInvalidPayload, Field: "source", Value: string(channel)}
	}
	if channel == SourceSimulated || strings.TrimSpace(declared) == "" {
		return channel, nil
	}
	src, ok := ParseSource(declared)
	if !ok || src.Rank() > channel.Rank() {
		return "", &NormalizationError{Kind: KindInvalidPayload, Field: "source", Value: declared}
	}
	return src, nil
}

func (n *Normalizer) parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, n.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &NormalizationError{Kind: KindInvalidTimestamp, Field: "timestamp", Value: s}
}

func decode(raw RawPayload, v any) error {
	var err error
	switch raw.Encoding {
	case EncodingCBOR:
		err = cbor.Unmarshal(raw.Body, v)
	default:
		err = json.Unmarshal(raw.Body, v)
	}
	if err != nil {
		return &NormalizationError{Kind: KindInvalidPayload, Err: err}
	}
	return nil
}

// DecodeBatch decodes a payload holding one record or an array of records
// without validating them.
func DecodeBatch(raw RawPayload) ([]Fields, error) {
	if raw.Encoding == EncodingJSON {
		trimmed := bytes.TrimSpace(raw.Body)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var batch []Fields
			if err := decode(raw, &batch); err != nil {
				return nil, err
			}
			return batch, nil
		}
		var f Fields
		if err := decode(raw, &f); err != nil {
			return nil, err
		}
		return []Fields{f}, nil
	}

	var batch []Fields
	if err := cbor.Unmarshal(raw.Body, &batch); err == nil {
		return batch, nil
	}
	var f Fields
	if err := decode(raw, &f); err != nil {
		return nil, err
	}
	return []Fields{f}, nil
}
