package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"harness/orchestrator"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreSaveLoadServiceRoundTrip(t *testing.T) {
	store := openTestStore(t)
	entry := ServiceEntry{
		Name:         "api",
		Dependencies: []string{"db"},
		State:        orchestrator.StateRunning,
		Location:     Location{Kind: LocationLAN, Network: "10.42.0.0/24", Address: "10.42.0.3"},
	}
	if err := store.SaveService(entry); err != nil {
		t.Fatalf("SaveService: %v", err)
	}

	loaded, err := store.LoadServices()
	if err != nil {
		t.Fatalf("LoadServices: %v", err)
	}
	got, ok := loaded["api"]
	if !ok {
		t.Fatal("api not found after round trip")
	}
	if got.Location.Address != "10.42.0.3" || got.Dependencies[0] != "db" {
		t.Errorf("round-tripped entry = %+v, want matching %+v", got, entry)
	}
}

func TestStoreDeleteService(t *testing.T) {
	store := openTestStore(t)
	if err := store.SaveService(ServiceEntry{Name: "api"}); err != nil {
		t.Fatalf("SaveService: %v", err)
	}
	if err := store.DeleteService("api"); err != nil {
		t.Fatalf("DeleteService: %v", err)
	}
	loaded, err := store.LoadServices()
	if err != nil {
		t.Fatalf("LoadServices: %v", err)
	}
	if _, ok := loaded["api"]; ok {
		t.Error("api still present after DeleteService")
	}
}

func TestStoreAllocationRoundTrip(t *testing.T) {
	store := openTestStore(t)
	if err := store.SaveAllocation("10.42.0.0/24", "api", "10.42.0.3"); err != nil {
		t.Fatalf("SaveAllocation: %v", err)
	}
	allocs, err := store.LoadAllocations()
	if err != nil {
		t.Fatalf("LoadAllocations: %v", err)
	}
	if len(allocs) != 1 || allocs[0].IP != "10.42.0.3" {
		t.Fatalf("LoadAllocations = %+v, want one allocation at 10.42.0.3", allocs)
	}

	if err := store.DeleteAllocation("10.42.0.0/24", "api"); err != nil {
		t.Fatalf("DeleteAllocation: %v", err)
	}
	allocs, err = store.LoadAllocations()
	if err != nil {
		t.Fatalf("LoadAllocations: %v", err)
	}
	if len(allocs) != 0 {
		t.Fatalf("LoadAllocations after delete = %+v, want none", allocs)
	}
}

func TestRestoreResolvesOutOfOrderDependencies(t *testing.T) {
	store := openTestStore(t)
	// Persisted out of dependency order: api depends on db, but db is
	// stored second. Restore must retry until both register cleanly.
	if err := store.SaveService(ServiceEntry{Name: "api", Dependencies: []string{"db"}}); err != nil {
		t.Fatalf("SaveService api: %v", err)
	}
	if err := store.SaveService(ServiceEntry{Name: "db"}); err != nil {
		t.Fatalf("SaveService db: %v", err)
	}

	r := New()
	if err := Restore(r, store); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := r.Get("api"); err != nil {
		t.Errorf("api not restored: %v", err)
	}
	if _, err := r.Get("db"); err != nil {
		t.Errorf("db not restored: %v", err)
	}
}

func TestRestoreFailsOnUnresolvableDependency(t *testing.T) {
	store := openTestStore(t)
	if err := store.SaveService(ServiceEntry{Name: "api", Dependencies: []string{"ghost"}}); err != nil {
		t.Fatalf("SaveService: %v", err)
	}

	r := New()
	if err := Restore(r, store); err == nil {
		t.Fatal("expected Restore to fail with a dependency that never resolves")
	}
}

func TestPersistWritesRegistryChangesThrough(t *testing.T) {
	store := openTestStore(t)
	r := New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Persist(ctx, r, store)

	if err := r.Register(ServiceEntry{Name: "api"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		loaded, err := store.LoadServices()
		if err != nil {
			t.Fatalf("LoadServices: %v", err)
		}
		if _, ok := loaded["api"]; ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for Persist to write the registration through")
}
