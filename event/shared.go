package event

import (
	"context"
	"sync"
)

// subscriber is a per-consumer bounded ring buffer. A full ring drops the
// oldest buffered event to make room, rather than blocking the publisher —
// no slow subscriber can stall another or the source stream.
type subscriber struct {
	mu      sync.Mutex
	ring    []Event
	head    int // index of oldest buffered event
	count   int
	lagged  uint64 // events dropped since the last delivered Lagged marker
	notify  chan struct{}
	closed  bool
}

func newSubscriber(capacity int) *subscriber {
	return &subscriber{
		ring:   make([]Event, capacity),
		notify: make(chan struct{}),
	}
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.count == len(s.ring) {
		// Full: drop the oldest to make room, track it as lagged.
		s.head = (s.head + 1) % len(s.ring)
		s.count--
		s.lagged++
	}
	idx := (s.head + s.count) % len(s.ring)
	s.ring[idx] = e
	s.count++
	s.wake()
}

// pop returns either a pending Lagged marker (lag non-nil, ev zero) or, when
// no events were dropped since the last marker, the next buffered event.
// A marker is always returned before any event still in the buffer.
func (s *subscriber) pop() (lag *Event, ev Event, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lagged > 0 {
		n := s.lagged
		s.lagged = 0
		l := Event{Kind: KindLagged, Lagged: n}
		return &l, Event{}, true
	}
	if s.count == 0 {
		return nil, Event{}, false
	}
	ev = s.ring[s.head]
	s.head = (s.head + 1) % len(s.ring)
	s.count--
	return nil, ev, true
}

func (s *subscriber) waitCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

func (s *subscriber) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.wake()
	}
}

// SharedEventStream fans a single source Stream out to many subscribers,
// each with an independent bounded buffer, so a slow subscriber degrades
// to dropped (Lagged) events instead of blocking the producer or other
// subscribers.
type SharedEventStream struct {
	bufSize int

	mu   sync.Mutex
	subs map[*subscriber]struct{}
	done bool
}

// NewSharedEventStream starts fanning out src with the given per-subscriber
// buffer capacity. It returns immediately; the fan-out runs in a background
// goroutine until src is exhausted or ctx is cancelled.
func NewSharedEventStream(ctx context.Context, src *Stream, bufSize int) *SharedEventStream {
	if bufSize <= 0 {
		bufSize = 1
	}
	s := &SharedEventStream{bufSize: bufSize, subs: make(map[*subscriber]struct{})}
	go s.pump(ctx, src)
	return s
}

func (s *SharedEventStream) pump(ctx context.Context, src *Stream) {
	for {
		e, ok, err := src.Next(ctx)
		if err != nil || !ok {
			s.closeAll()
			return
		}
		s.broadcast(e)
	}
}

func (s *SharedEventStream) broadcast(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		sub.push(e)
	}
}

func (s *SharedEventStream) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	for sub := range s.subs {
		sub.close()
	}
}

// Subscribe returns a Stream private to this caller. Cancelling ctx
// unsubscribes and frees the buffer.
func (s *SharedEventStream) Subscribe(ctx context.Context) *Stream {
	sub := newSubscriber(s.bufSize)

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		sub.close()
	} else {
		s.subs[sub] = struct{}{}
		s.mu.Unlock()
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
		}()
		for {
			lag, ev, ok := sub.pop()
			if ok {
				e := ev
				if lag != nil {
					e = *lag
				}
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				}
				continue
			}
			sub.mu.Lock()
			closed := sub.closed
			pending := sub.count > 0 || sub.lagged > 0
			wait := sub.notify
			sub.mu.Unlock()
			if pending {
				continue
			}
			if closed {
				// Closed and fully drained: nothing further can arrive.
				return
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return NewStream(ch)
}
