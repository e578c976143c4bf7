// Package view holds the process-local attendance view consumed by UI
// collaborators: the latest reconciled record per key, plus change
// subscriptions.
package view

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/onnwee/attendsync/internal/attendance"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("attendance record not found")

type courseDate struct {
	courseID string
	date     attendance.Date
}

// Cache maps record keys to their latest reconciled record.
// It has a single writer (the reconciliation engine) and any number of readers.
// Stored records are private copies; readers always receive their own copy.
type Cache struct {
	mu        sync.RWMutex
	records   map[attendance.Key]attendance.Record
	byCourse  map[courseDate]map[string]struct{} // -> student IDs
	byStudent map[string]map[attendance.Key]struct{}

	subMu  sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		records:   make(map[attendance.Key]attendance.Record),
		byCourse:  make(map[courseDate]map[string]struct{}),
		byStudent: make(map[string]map[attendance.Key]struct{}),
		subs:      make(map[string]*Subscription),
	}
}

// Get returns the record for a key or ErrNotFound.
func (c *Cache) Get(studentID, courseID string, date attendance.Date) (attendance.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[attendance.Key{StudentID: studentID, CourseID: courseID, Date: date}]
	if !ok {
		return attendance.Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// GetByCourseAndDate returns every record for the course on date, ordered by student ID.
func (c *Cache) GetByCourseAndDate(courseID string, date attendance.Date) []attendance.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	students := c.byCourse[courseDate{courseID: courseID, date: date}]
	out := make([]attendance.Record, 0, len(students))
	for studentID := range students {
		rec := c.records[attendance.Key{StudentID: studentID, CourseID: courseID, Date: date}]
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}

// GetByStudent returns every record held for the student, ordered by date
// and then course ID.
func (c *Cache) GetByStudent(studentID string) []attendance.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := c.byStudent[studentID]
	out := make([]attendance.Record, 0, len(keys))
	for k := range keys {
		out = append(out, c.records[k].Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].CourseID < out[j].CourseID
	})
	return out
}

// Len returns the number of records held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Put stores rec as the latest state of its key and queues it for every
// subscriber. Put never waits on a subscriber.
//
// Put is reserved for the reconciliation engine, which serializes its calls;
// queue order therefore matches accept order.
func (c *Cache) Put(rec attendance.Record) {
	stored := rec.Clone()

	c.mu.Lock()
	c.records[stored.Key] = stored
	cd := courseDate{courseID: stored.CourseID, date: stored.Date}
	if c.byCourse[cd] == nil {
		c.byCourse[cd] = make(map[string]struct{})
	}
	c.byCourse[cd][stored.StudentID] = struct{}{}
	if c.byStudent[stored.StudentID] == nil {
		c.byStudent[stored.StudentID] = make(map[attendance.Key]struct{})
	}
	c.byStudent[stored.StudentID][stored.Key] = struct{}{}
	c.mu.Unlock()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range c.subs {
		s.enqueue(stored.Clone())
	}
}

// Reset drops every record. Subscriptions stay active.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[attendance.Key]attendance.Record)
	c.byCourse = make(map[courseDate]map[string]struct{})
	c.byStudent = make(map[string]map[attendance.Key]struct{})
}

// Subscribe registers fn to receive every record stored after this call, in
// store order. Each subscription delivers from its own goroutine, so a slow
// fn only delays its own queue.
func (c *Cache) Subscribe(fn func(attendance.Record), opts ...SubscribeOption) *Subscription {
	o := subscribeOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	s := newSubscription(uuid.New().String(), fn, o.queueSize, c)

	c.subMu.Lock()
	if c.closed {
		c.subMu.Unlock()
		s.discard()
		return s
	}
	c.subs[s.id] = s
	c.subMu.Unlock()

	go s.run()
	return s
}

// SubscriberCount returns the number of active subscriptions.
func (c *Cache) SubscriberCount() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subs)
}

func (c *Cache) remove(id string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subs, id)
}

// Close ends every subscription and rejects new ones. Records stay readable.
func (c *Cache) Close() {
	c.subMu.Lock()
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.closed = true
	c.subMu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}
