package event

import "sync/atomic"

// Sequencer assigns monotonically increasing sequence numbers to events
// within a single stream. The zero value starts at 1.
type Sequencer struct {
	n uint64
}

// Next returns e with Seq set to the next value in the sequence.
func (s *Sequencer) Next(e Event) Event {
	e.Seq = atomic.AddUint64(&s.n, 1)
	return e
}
