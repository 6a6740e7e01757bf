package registry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"harness/harnesserr"
)

var (
	servicesBucket    = []byte("services")
	allocationsBucket = []byte("allocations")
)

// Store is the embedded key/value persistence layer spec.md §6 describes:
// two logical trees, `services` keyed by name and `allocations` keyed by
// "network|name", with transactional writes and crash recovery on open.
// No teacher repo has a persistence layer of its own (rig's environments
// are in-memory and ephemeral); bbolt is the wider pack's own answer to
// "embedded key/value store with two logical trees" (its buckets ARE named
// trees) — seen in `moby-moby`, `sylabs-singularity`, `vito-dagger`, and
// `Will-Luck-Docker-Sentinel`'s dependency graphs.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (creating if absent) the bbolt file at path and ensures
// both buckets exist, recovering to whatever was last committed.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.InvalidConfig, err, "registry: open store %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(servicesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(allocationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, harnesserr.Wrap(harnesserr.InvalidConfig, err, "registry: init buckets")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveService upserts entry's serialized form under its name.
func (s *Store) SaveService(entry ServiceEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return harnesserr.Wrap(harnesserr.InvalidConfig, err, "registry: marshal entry %q", entry.Name)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(servicesBucket).Put([]byte(entry.Name), data)
	})
}

// DeleteService removes name's persisted entry. Idempotent.
func (s *Store) DeleteService(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(servicesBucket).Delete([]byte(name))
	})
}

// LoadServices returns every persisted ServiceEntry, keyed by name.
func (s *Store) LoadServices() (map[string]ServiceEntry, error) {
	out := make(map[string]ServiceEntry)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(servicesBucket).ForEach(func(k, v []byte) error {
			var entry ServiceEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out[string(k)] = entry
			return nil
		})
	})
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.InvalidConfig, err, "registry: load services")
	}
	return out, nil
}

func allocationKey(network, name string) []byte {
	return []byte(network + "|" + name)
}

// SaveAllocation persists that name holds ip on network.
func (s *Store) SaveAllocation(network, name, ip string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(allocationsBucket).Put(allocationKey(network, name), []byte(ip))
	})
}

// DeleteAllocation removes name's allocation on network. Idempotent.
func (s *Store) DeleteAllocation(network, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(allocationsBucket).Delete(allocationKey(network, name))
	})
}

// Allocation is one persisted (network, name) -> ip record.
type Allocation struct {
	Network string
	Name    string
	IP      string
}

// LoadAllocations returns every persisted allocation. network.IPAllocator
// has no method to reserve a given address, so these are not fed back into
// allocation after a daemon restart.
func (s *Store) LoadAllocations() ([]Allocation, error) {
	var out []Allocation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(allocationsBucket).ForEach(func(k, v []byte) error {
			network, name, ok := strings.Cut(string(k), "|")
			if !ok {
				return nil // malformed key from a future format — skip, don't fail recovery
			}
			out = append(out, Allocation{Network: network, Name: name, IP: string(v)})
			return nil
		})
	})
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.InvalidConfig, err, "registry: load allocations")
	}
	return out, nil
}

// Restore replays every persisted ServiceEntry into reg via Register,
// skipping entries whose dependencies aren't registered yet by retrying in
// multiple passes (persisted entries may not be stored in dependency
// order). Call once at startup before accepting any daemon requests.
func Restore(reg *Registry, store *Store) error {
	entries, err := store.LoadServices()
	if err != nil {
		return err
	}

	remaining := make(map[string]ServiceEntry, len(entries))
	for name, e := range entries {
		remaining[name] = e
	}

	for len(remaining) > 0 {
		progressed := false
		for name, e := range remaining {
			if err := reg.Register(e); err != nil {
				if harnesserr.Is(err, harnesserr.InvalidConfig) {
					continue // dependency not yet registered, retry next pass
				}
				return err
			}
			delete(remaining, name)
			progressed = true
		}
		if !progressed {
			names := make([]string, 0, len(remaining))
			for name := range remaining {
				names = append(names, name)
			}
			return harnesserr.New(harnesserr.InvalidConfig, "registry: cannot restore services with unresolved dependencies: %v", names)
		}
	}
	return nil
}

// Persist subscribes to reg's event stream and writes every registration,
// removal, and update through to store, keeping it transactionally
// up to date until ctx is cancelled.
func Persist(ctx context.Context, reg *Registry, store *Store) {
	ch := reg.Subscribe(ctx, nil)
	for e := range ch {
		var err error
		switch e.Kind {
		case EventServiceRemoved:
			err = store.DeleteService(e.Service)
		default:
			err = store.SaveService(e.Entry)
		}
		if err != nil {
			// Persistence failures don't unwind the in-memory registry —
			// the operation already committed in memory; a write failure
			// here means the next restart may miss this change, not that
			// this one is invalid.
			continue
		}
	}
}
