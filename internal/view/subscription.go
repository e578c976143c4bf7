package view

import (
	"sync"
	"sync/atomic"

	"github.com/onnwee/attendsync/internal/attendance"
)

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	queueSize int
}

// WithQueueSize bounds the subscription's pending queue. When full, the
// oldest pending record is dropped to make room. Zero means unbounded.
func WithQueueSize(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// Stats reports per-subscription delivery counters.
type Stats struct {
	Delivered uint64
	Dropped   uint64
	Pending   int
}

// Subscription is the handle returned by Cache.Subscribe.
type Subscription struct {
	id    string
	fn    func(attendance.Record)
	limit int
	cache *Cache

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []attendance.Record
	stopped bool
	done    chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newSubscription(id string, fn func(attendance.Record), limit int, c *Cache) *Subscription {
	s := &Subscription{
		id:    id,
		fn:    fn,
		limit: limit,
		cache: c,
		done:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Unsubscribe stops delivery. Pending records are discarded. It is safe to
// call from inside the callback and more than once.
func (s *Subscription) Unsubscribe() {
	s.cache.remove(s.id)
	s.stop()
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Stats returns a snapshot of the subscription's counters.
func (s *Subscription) Stats() Stats {
	s.mu.Lock()
	pending := len(s.queue)
	s.mu.Unlock()
	return Stats{
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Pending:   pending,
	}
}

func (s *Subscription) enqueue(rec attendance.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.limit > 0 && len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.dropped.Add(1)
	}
	s.queue = append(s.queue, rec)
	s.cond.Signal()
}

func (s *Subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.queue = nil
	s.cond.Broadcast()
}

// discard marks a subscription that was never started as finished.
func (s *Subscription) discard() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		rec := s.queue[0]
		s.queue[0] = attendance.Record{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if s.fn != nil {
			s.fn(rec)
		}
		s.delivered.Add(1)
	}
}
