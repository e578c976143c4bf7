package attendance

import "sync/atomic"

// Sequencer hands out a strictly increasing sequence number.
// All normalizers in a process share one Sequencer so ordering across
// sources is total.
type Sequencer struct {
	last atomic.Uint64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued sequence number.
func (s *Sequencer) Last() uint64 {
	return s.last.Load()
}

var processSequencer Sequencer

// ProcessSequencer returns the process-wide Sequencer.
func ProcessSequencer() *Sequencer {
	return &processSequencer
}
