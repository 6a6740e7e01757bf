package event

import "context"

// Stream is a lazy, finite sequence of Events terminated by exactly one
// Exited event. It is single-consumer: only one goroutine should call Next.
type Stream struct {
	ch <-chan Event
}

// NewStream wraps a channel of events as a Stream. The channel must be
// closed by the producer after sending the terminal Exited event.
func NewStream(ch <-chan Event) *Stream {
	return &Stream{ch: ch}
}

// Next blocks until the next event is available, ctx is cancelled, or the
// stream ends. ok is false once the stream is exhausted.
func (s *Stream) Next(ctx context.Context) (e Event, ok bool, err error) {
	select {
	case e, open := <-s.ch:
		return e, open, nil
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	}
}

// Drain consumes and discards every remaining event, returning once the
// stream ends or ctx is cancelled. Used when cancelling a handle whose
// caller never finished reading its stream.
func (s *Stream) Drain(ctx context.Context) {
	for {
		_, ok, err := s.Next(ctx)
		if err != nil || !ok {
			return
		}
	}
}

// Collect reads every event until the stream ends (test/diagnostic helper;
// do not use on a live, unbounded stream).
func (s *Stream) Collect(ctx context.Context) ([]Event, error) {
	var out []Event
	for {
		e, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, e)
	}
}
