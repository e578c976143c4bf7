// Package attendance defines the canonical attendance event and record types
// and the normalizer that converts upstream payloads into events.
package attendance

import (
	"fmt"
	"strings"
	"time"
)

// Status is the observed attendance status.
type Status string

// Recognized statuses.
const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
)

// Valid reports whether s is one of the recognized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent:
		return true
	}
	return false
}

// ParseStatus parses a status case-insensitively.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	return st, st.Valid()
}

// Source identifies where an event came from.
type Source string

// Event sources, listed from highest to lowest precedence.
const (
	SourceManual          Source = "manual"
	SourceFaceRecognition Source = "faceRecognition"
	SourceImported        Source = "imported"
	SourceSimulated       Source = "simulated"
)

// Rank returns the precedence of the source. Higher wins.
// Unknown sources rank below simulated.
func (s Source) Rank() int {
	switch s {
	case SourceManual:
		return 4
	case SourceFaceRecognition:
		return 3
	case SourceImported:
		return 2
	case SourceSimulated:
		return 1
	}
	return 0
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s.Rank() > 0
}

// ParseSource parses a source name. It accepts the canonical camel-case
// names as well as snake_case and lower-case spellings.
func ParseSource(s string) (Source, bool) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "manual":
		return SourceManual, true
	case "facerecognition":
		return SourceFaceRecognition, true
	case "imported":
		return SourceImported, true
	case "simulated":
		return SourceSimulated, true
	}
	return "", false
}

// DateLayout is the wire format of an attendance date.
const DateLayout = "2006-01-02"

// Date is a calendar date in YYYY-MM-DD form. The zero value is the empty date.
// Dates compare correctly as strings.
type Date string

// ParseDate validates and normalizes a calendar date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date(t.Format(DateLayout)), nil
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	return Date(t.Format(DateLayout))
}

// String returns the date in YYYY-MM-DD form.
func (d Date) String() string { return string(d) }

// After reports whether d is strictly later than other.
func (d Date) After(other Date) bool { return d > other }

// Key identifies one attendance record.
type Key struct {
	StudentID string `json:"studentId"`
	CourseID  string `json:"courseId"`
	Date      Date   `json:"date"`
}

// String renders the key for logs.
func (k Key) String() string {
	return k.StudentID + "/" + k.CourseID + "/" + string(k.Date)
}

// Event is one reported attendance sighting. Events are immutable once created.
type Event struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"studentId"`
	CourseID   string    `json:"courseId"`
	Date       Date      `json:"date"`
	Status     Status    `json:"status"`
	Source     Source    `json:"source"`
	ObservedAt time.Time `json:"observedAt"`
	Sequence   uint64    `json:"sequence"`
	MarkedBy   string    `json:"markedBy,omitempty"`
}

// Key returns the record key the event contributes to.
func (e Event) Key() Key {
	return Key{StudentID: e.StudentID, CourseID: e.CourseID, Date: e.Date}
}

// Contribution is an accepted event as stored in a record's history.
// Duplicate is set when the event replayed an earlier sighting and was
// excluded from winner selection.
type Contribution struct {
	Event
	Duplicate bool `json:"duplicate,omitempty"`
}

// Record is the reconciled attendance state for one key.
type Record struct {
	Key
	Status             Status         `json:"status"`
	WinningSource      Source         `json:"winningSource"`
	ContributingEvents []Contribution `json:"contributingEvents"`
	LastUpdated        time.Time      `json:"lastUpdated"`
	FutureDated        bool           `json:"futureDated,omitempty"`
}

// LowConfidence reports whether the record is currently backed only by
// synthetic data.
func (r Record) LowConfidence() bool {
	return r.WinningSource == SourceSimulated
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	c := r
	if r.ContributingEvents != nil {
		c.ContributingEvents = make([]Contribution, len(r.ContributingEvents))
		copy(c.ContributingEvents, r.ContributingEvents)
	}
	return c
}

// Encoding is the wire encoding of a raw payload.
type Encoding int

// Supported payload encodings.
const (
	EncodingJSON Encoding = iota
	EncodingCBOR
)

func (e Encoding) String() string {
	if e == EncodingCBOR {
		return "cbor"
	}
	return "json"
}

// RawPayload is an undecoded message delivered by a channel, tagged with the
// source the channel attributes it to.
type RawPayload struct {
	Body       []byte
	Encoding   Encoding
	Source     Source
	ReceivedAt time.Time
}
