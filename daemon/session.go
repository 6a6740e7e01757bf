package daemon

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"harness/harnesserr"
	"harness/registry"
)

// Session is one client connection. Writes to the peer are serialized by a
// single writer goroutine draining outbox (spec §4.7/§5's "per-session
// write lock") so a request's Response and an unrelated Event racing to
// reach the wire can never interleave mid-frame; the read loop dispatches
// each request to its own goroutine so a slow action never blocks frames
// for other in-flight requests on the same connection.
type Session struct {
	conn *websocket.Conn
	log  *logrus.Entry

	outbox chan any // Response or Event
	done   chan struct{}

	mu     sync.Mutex
	subs   map[string]context.CancelFunc // event-subscription id -> cancel
	closed bool
	lagged uint64 // Event frames dropped since the last flushed Lagged marker
}

// NewSession wraps conn. Call Run to start its goroutines.
func NewSession(conn *websocket.Conn, log *logrus.Entry) *Session {
	return &Session{
		conn:   conn,
		log:    log,
		outbox: make(chan any, 256),
		done:   make(chan struct{}),
		subs:   make(map[string]context.CancelFunc),
	}
}

// Run drains outbox to the connection until ctx is cancelled or the
// connection fails. It does not read — the caller's accept loop owns
// reading frames and dispatching them via Dispatch.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.outbox:
			if !ok {
				return
			}
			if err := s.conn.WriteJSON(frame); err != nil {
				s.log.WithError(err).Warn("daemon: write frame failed")
				return
			}
		}
	}
}

// Send enqueues frame for delivery, dropping it rather than blocking the
// caller if the session's outbox is full (a slow/dead peer should not
// stall the registry's event publisher). Dropped Event frames are counted
// and surfaced as a single Lagged event ahead of the next one delivered,
// mirroring registry.Subscribe's overflow contract — Response frames are
// never preceded by a marker since they answer a specific request by ID.
func (s *Session) Send(frame any) {
	if _, isEvent := frame.(Event); isEvent {
		s.mu.Lock()
		lagged := s.lagged
		s.mu.Unlock()
		if lagged > 0 {
			marker, err := NewEvent(string(registry.EventLagged), registry.Event{Kind: registry.EventLagged, Lagged: lagged})
			if err == nil {
				select {
				case s.outbox <- marker:
					s.mu.Lock()
					s.lagged = 0
					s.mu.Unlock()
				default:
					s.mu.Lock()
					s.lagged++
					s.mu.Unlock()
					return
				}
			}
		}
	}

	select {
	case s.outbox <- frame:
	default:
		if _, isEvent := frame.(Event); isEvent {
			s.mu.Lock()
			s.lagged++
			s.mu.Unlock()
		}
		s.log.Warn("daemon: session outbox full, dropping frame")
	}
}

// Subscribe registers a cancel func under id, cancelling any previous
// subscription with the same id first (re-subscribing replaces).
func (s *Session) Subscribe(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.subs[id]; ok {
		prev()
	}
	s.subs[id] = cancel
}

// Unsubscribe cancels and forgets the subscription registered under id.
// Returns UnknownAction-shaped false if id was never subscribed — callers
// map that to a protocol error themselves.
func (s *Session) Unsubscribe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.subs[id]
	if !ok {
		return false
	}
	cancel()
	delete(s.subs, id)
	return true
}

// Close cancels every live subscription and closes outbox, stopping Run.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, cancel := range s.subs {
		cancel()
	}
	close(s.outbox)
}

// relayRegistryEvents forwards registry events matching filter to the
// session as "event" frames named by their EventKind, until ctx is
// cancelled. Used by the subscribe action.
func relayRegistryEvents(ctx context.Context, sess *Session, reg *registry.Registry, filter registry.Filter) {
	ch := reg.Subscribe(ctx, filter)
	for e := range ch {
		evt, err := NewEvent(string(e.Kind), e)
		if err != nil {
			sess.log.WithError(err).Warn("daemon: encode registry event")
			continue
		}
		sess.Send(evt)
	}
}

func protocolError(id string, kind harnesserr.Kind, format string, args ...any) Response {
	return NewErrorResponse(id, harnesserr.New(kind, format, args...))
}
