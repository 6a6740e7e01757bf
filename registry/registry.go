// Package registry implements the persistent, concurrent store of service
// identity, endpoints, and state transitions (spec C9), and the event
// broadcast subscribers use to observe registry changes.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"harness/exec"
	"harness/harnesserr"
	"harness/orchestrator"
)

// LocationKind is the network class a service's endpoints are reachable
// from (spec §4.6).
type LocationKind string

const (
	LocationLocal     LocationKind = "local"
	LocationLAN       LocationKind = "lan"
	LocationWireGuard LocationKind = "wireguard"
)

// Location is the network placement the manager assigned a service at
// registration time.
type Location struct {
	Kind    LocationKind
	Network string // subnet CIDR
	Address string // this service's address within Network
}

// Endpoint is one reachable address a service exposes.
type Endpoint struct {
	Name          string
	Protocol      string
	Address       string
	Port          int
	ReachableFrom []LocationKind
}

// HealthSnapshot is the last observed health state, mirrored onto the
// entry so `get`/`list` callers don't need a separate health query.
type HealthSnapshot struct {
	Healthy   bool
	CheckedAt time.Time
}

// ServiceEntry is the persisted record of one service (spec §3/§4.5).
type ServiceEntry struct {
	Name         string
	Version      string
	TargetKind   exec.TargetKind
	Location     Location
	Endpoints    []Endpoint
	Dependencies []string
	State        orchestrator.State
	LastHealth   *HealthSnapshot
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (e ServiceEntry) clone() ServiceEntry {
	c := e
	c.Endpoints = append([]Endpoint(nil), e.Endpoints...)
	c.Dependencies = append([]string(nil), e.Dependencies...)
	if e.LastHealth != nil {
		h := *e.LastHealth
		c.LastHealth = &h
	}
	return c
}

// EventKind identifies a registry change (spec §4.5's event taxonomy).
type EventKind string

const (
	EventServiceRegistered      EventKind = "service_registered"
	EventServiceRemoved         EventKind = "service_removed"
	EventServiceStateChanged    EventKind = "service_state_changed"
	EventEndpointChanged        EventKind = "endpoint_changed"
	EventHealthChanged          EventKind = "health_changed"
	EventNetworkTopologyChanged EventKind = "network_topology_changed"

	// EventLagged is synthesized by Subscribe when a subscriber falls
	// behind; it is never committed to the registry's own event log.
	EventLagged EventKind = "lagged"
)

// Event is one committed registry change, numbered for ordered delivery.
type Event struct {
	Seq       uint64
	Kind      EventKind
	Service   string
	From, To  orchestrator.State // ServiceStateChanged only
	Entry     ServiceEntry       // snapshot at commit time
	Lagged    uint64             // EventLagged: number of events dropped
	Timestamp time.Time
}

// Registry is the single-writer, many-reader store of ServiceEntry
// records. Grounded on the teacher's EventLog: one mutex-guarded slice of
// committed events plus a notify channel that's closed and replaced on
// every commit, so Subscribe/WaitFor never poll.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]ServiceEntry
	events  []Event
	seq     uint64
	notify  chan struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]ServiceEntry),
		notify:  make(chan struct{}),
	}
}

// Register adds a new entry. Returns DuplicateService if name is taken,
// InvalidConfig if a dependency name is unknown at registration time.
func (r *Registry) Register(entry ServiceEntry) error {
	r.mu.Lock()
	if _, exists := r.entries[entry.Name]; exists {
		r.mu.Unlock()
		return harnesserr.New(harnesserr.DuplicateService, "registry: service %q already registered", entry.Name)
	}
	for _, dep := range entry.Dependencies {
		if _, ok := r.entries[dep]; !ok {
			r.mu.Unlock()
			return harnesserr.New(harnesserr.InvalidConfig, "registry: service %q depends on unknown service %q", entry.Name, dep)
		}
	}
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	r.entries[entry.Name] = entry.clone()
	r.mu.Unlock()

	r.publish(Event{Kind: EventServiceRegistered, Service: entry.Name, Entry: entry.clone()})
	return nil
}

// Deregister removes an entry. Returns UnknownService if name isn't
// registered.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return harnesserr.New(harnesserr.UnknownService, "registry: unknown service %q", name)
	}
	delete(r.entries, name)
	r.mu.Unlock()

	r.publish(Event{Kind: EventServiceRemoved, Service: name, Entry: entry})
	return nil
}

// Mutator transforms an entry in place; it must not retain the pointer
// past the call.
type Mutator func(*ServiceEntry)

// Update applies mutate to the named entry atomically, commits the result,
// and emits the appropriate change events (state/endpoint/health) by
// diffing old vs. new.
func (r *Registry) Update(name string, mutate Mutator) error {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return harnesserr.New(harnesserr.UnknownService, "registry: unknown service %q", name)
	}
	before := entry.clone()
	updated := entry.clone()
	mutate(&updated)
	updated.Name = name // identity is immutable
	updated.UpdatedAt = time.Now()
	r.entries[name] = updated.clone()
	r.mu.Unlock()

	r.emitDiff(name, before, updated)
	return nil
}

func (r *Registry) emitDiff(name string, before, after ServiceEntry) {
	if before.State != after.State {
		r.publish(Event{Kind: EventServiceStateChanged, Service: name, From: before.State, To: after.State, Entry: after.clone()})
	}
	if !endpointsEqual(before.Endpoints, after.Endpoints) {
		r.publish(Event{Kind: EventEndpointChanged, Service: name, Entry: after.clone()})
	}
	if healthChanged(before.LastHealth, after.LastHealth) {
		r.publish(Event{Kind: EventHealthChanged, Service: name, Entry: after.clone()})
	}
	if before.Location != after.Location {
		r.publish(Event{Kind: EventNetworkTopologyChanged, Service: name, Entry: after.clone()})
	}
}

func endpointsEqual(a, b []Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !endpointEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func endpointEqual(a, b Endpoint) bool {
	if a.Name != b.Name || a.Protocol != b.Protocol || a.Address != b.Address || a.Port != b.Port {
		return false
	}
	if len(a.ReachableFrom) != len(b.ReachableFrom) {
		return false
	}
	for i := range a.ReachableFrom {
		if a.ReachableFrom[i] != b.ReachableFrom[i] {
			return false
		}
	}
	return true
}

func healthChanged(a, b *HealthSnapshot) bool {
	if (a == nil) != (b == nil) {
		return true
	}
	if a == nil {
		return false
	}
	return a.Healthy != b.Healthy
}

// Get returns a snapshot of the named entry.
func (r *Registry) Get(name string) (ServiceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return ServiceEntry{}, harnesserr.New(harnesserr.UnknownService, "registry: unknown service %q", name)
	}
	return entry.clone(), nil
}

// List returns a snapshot of every entry, sorted by name.
func (r *Registry) List() []ServiceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]ServiceEntry, 0, len(names))
	for _, name := range names {
		out = append(out, r.entries[name].clone())
	}
	return out
}

func (r *Registry) publish(e Event) {
	r.mu.Lock()
	r.seq++
	e.Seq = r.seq
	e.Timestamp = time.Now()
	r.events = append(r.events, e)
	notify := r.notify
	r.notify = make(chan struct{})
	r.mu.Unlock()

	close(notify)
}

// Filter decides whether a subscriber receives e.
type Filter func(Event) bool

// Subscribe returns a channel of committed events matching filter, in
// commit order, starting from the next event after subscription (no
// replay — callers that need history should List first). The channel
// closes when ctx is cancelled. Per spec §4.5's ordering guarantee, a
// single service's events are always delivered in the order committed.
//
// When the subscriber falls behind, events that do not fit the 256-event
// buffer are dropped (the newest; events already buffered stay queued)
// rather than block the writer, and exactly one EventLagged marker is
// synthesized ahead of the next event it manages to deliver. This differs
// from event.SharedEventStream, which drops its oldest buffered events.
func (r *Registry) Subscribe(ctx context.Context, filter Filter) <-chan Event {
	ch := make(chan Event, 256)

	r.mu.RLock()
	cursor := r.seq
	r.mu.RUnlock()

	go func() {
		defer close(ch)
		var lagged uint64
		for {
			r.mu.RLock()
			batch := r.sinceLocked(cursor)
			notify := r.notify
			r.mu.RUnlock()

			for _, e := range batch {
				cursor = e.Seq
				if filter != nil && !filter(e) {
					continue
				}

				if lagged > 0 {
					select {
					case ch <- Event{Kind: EventLagged, Lagged: lagged, Timestamp: time.Now()}:
						lagged = 0
					case <-ctx.Done():
						return
					default:
						lagged++
						continue
					}
				}

				select {
				case ch <- e:
				case <-ctx.Done():
					return
				default:
					lagged++
				}
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *Registry) sinceLocked(seq uint64) []Event {
	i := sort.Search(len(r.events), func(i int) bool { return r.events[i].Seq > seq })
	if i >= len(r.events) {
		return nil
	}
	out := make([]Event, len(r.events)-i)
	copy(out, r.events[i:])
	return out
}

// WaitFor blocks until an event matching match has been committed (scanning
// history first), or ctx is cancelled.
func (r *Registry) WaitFor(ctx context.Context, match func(Event) bool) (Event, error) {
	r.mu.RLock()
	for _, e := range r.events {
		if match(e) {
			r.mu.RUnlock()
			return e, nil
		}
	}
	cursor := r.seq
	notify := r.notify
	r.mu.RUnlock()

	for {
		select {
		case <-notify:
			r.mu.RLock()
			batch := r.sinceLocked(cursor)
			notify = r.notify
			r.mu.RUnlock()
			for _, e := range batch {
				cursor = e.Seq
				if match(e) {
					return e, nil
				}
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
