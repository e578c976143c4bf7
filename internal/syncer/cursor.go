package syncer

import (
	"strings"
	"sync"

	"github.com/onnwee/attendsync/internal/attendance"
)

// DefaultCursorCapacity bounds how many records a MemoryCursor remembers
// before it starts over.
const DefaultCursorCapacity = 100000

// Cursor tracks which records each channel source has already delivered.
// The recognition backend's poll endpoint returns the whole day's list on
// every call, so only records not seen before are forwarded.
type Cursor interface {
	// Unseen returns the records in batch not delivered before by source,
	// in order, and remembers them.
	Unseen(source attendance.Source, batch []attendance.Fields) []attendance.Fields

	// Reset forgets every delivered record.
	Reset()
}

// MemoryCursor implements Cursor in memory. Records without a timestamp are
// always forwarded because the time they were received stands in for it.
type MemoryCursor struct {
	capacity int

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryCursor creates a MemoryCursor that forgets everything once it
// holds capacity records. A non-positive capacity uses DefaultCursorCapacity.
func NewMemoryCursor(capacity int) *MemoryCursor {
	if capacity <= 0 {
		capacity = DefaultCursorCapacity
	}
	return &MemoryCursor{
		capacity: capacity,
		seen:     make(map[string]struct{}),
	}
}

// Unseen implements Cursor.
func (c *MemoryCursor) Unseen(source attendance.Source, batch []attendance.Fields) []attendance.Fields {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := make([]attendance.Fields, 0, len(batch))
	for _, f := range batch {
		key, ok := cursorKey(source, f)
		if !ok {
			fresh = append(fresh, f)
			continue
		}
		if _, dup := c.seen[key]; dup {
			continue
		}
		if len(c.seen) >= c.capacity {
			c.seen = make(map[string]struct{})
		}
		c.seen[key] = struct{}{}
		fresh = append(fresh, f)
	}
	return fresh
}

// Reset implements Cursor.
func (c *MemoryCursor) Reset() {
	c.mu.Lock()
	c.seen = make(map[string]struct{})
	c.mu.Unlock()
}

// Len returns the number of remembered records.
func (c *MemoryCursor) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func cursorKey(source attendance.Source, f attendance.Fields) (string, bool) {
	ts := strings.TrimSpace(f.Timestamp)
	if ts == "" {
		ts = strings.TrimSpace(f.Time)
	}
	if ts == "" {
		return "", false
	}
	return strings.Join([]string{
		string(source),
		strings.TrimSpace(f.Source),
		strings.TrimSpace(f.StudentID),
		strings.TrimSpace(f.Name),
		strings.TrimSpace(f.CourseID),
		strings.TrimSpace(f.Course),
		strings.TrimSpace(f.Date),
		strings.TrimSpace(f.Status),
		ts,
	}, "\x1f"), true
}
