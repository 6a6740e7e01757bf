package network

import (
	"context"
	"testing"

	"harness/registry"
)

func testConfig() Config {
	return Config{LANSubnet: "10.42.0.0/24"}
}

func TestManagerPlaceAutoPrefersLAN(t *testing.T) {
	m, err := NewManager(testConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	loc, err := m.Place(context.Background(), "svc-a", ClassifyAuto)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if loc.Kind != registry.LocationLAN {
		t.Errorf("Kind = %q, want %q", loc.Kind, registry.LocationLAN)
	}
	if loc.Network != "10.42.0.0/24" {
		t.Errorf("Network = %q, want 10.42.0.0/24", loc.Network)
	}
}

func TestManagerPlaceLocal(t *testing.T) {
	m, err := NewManager(testConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	loc, err := m.Place(context.Background(), "svc-a", ClassifyLocal)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if loc.Kind != registry.LocationLocal {
		t.Errorf("Kind = %q, want %q", loc.Kind, registry.LocationLocal)
	}
}

func TestManagerPlaceUnconfiguredClassificationFails(t *testing.T) {
	m, err := NewManager(Config{}) // no LAN, no WireGuard
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m.Place(context.Background(), "svc-a", ClassifyLAN); err == nil {
		t.Fatal("expected error placing onto an unconfigured LAN")
	}
}

func TestManagerPlaceWireGuardWithoutConfigFails(t *testing.T) {
	m, err := NewManager(Config{WireGuardSubnet: "10.99.0.0/24"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	// No WireGuardConfigPath set, so materializing the interface must fail
	// before any address is allocated.
	if _, err := m.Place(context.Background(), "svc-a", ClassifyWireGuard); err == nil {
		t.Fatal("expected error bringing up WireGuard with no config path")
	}
}

func TestManagerRemoveReleasesAllocation(t *testing.T) {
	m, err := NewManager(testConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	if _, err := m.Place(ctx, "svc-a", ClassifyLAN); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if m.lan.allocator.Allocated() != 1 {
		t.Fatalf("Allocated() = %d, want 1", m.lan.allocator.Allocated())
	}

	if err := m.Remove(ctx, "svc-a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if m.lan.allocator.Allocated() != 0 {
		t.Fatalf("Allocated() after Remove = %d, want 0", m.lan.allocator.Allocated())
	}
}

func TestResolvePicksEndpointReachableFromCallerLocation(t *testing.T) {
	caller := registry.ServiceEntry{Name: "caller", Location: registry.Location{Kind: registry.LocationLAN}}
	callee := registry.ServiceEntry{
		Name: "callee",
		Endpoints: []registry.Endpoint{
			{Name: "wg", Address: "10.99.0.5:8080", ReachableFrom: []registry.LocationKind{registry.LocationWireGuard, registry.LocationLAN}},
			{Name: "local-only", Address: "127.0.0.2:8080", ReachableFrom: []registry.LocationKind{registry.LocationLocal}},
		},
	}

	ep, err := Resolve(caller, callee)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.Name != "wg" {
		t.Errorf("resolved endpoint = %q, want %q (reachable via LAN)", ep.Name, "wg")
	}
}

func TestResolveFailsWhenNoEndpointReachable(t *testing.T) {
	caller := registry.ServiceEntry{Name: "caller", Location: registry.Location{Kind: registry.LocationWireGuard}}
	callee := registry.ServiceEntry{
		Name: "callee",
		Endpoints: []registry.Endpoint{
			{Name: "local-only", Address: "127.0.0.2:8080", ReachableFrom: []registry.LocationKind{registry.LocationLocal}},
		},
	}
	if _, err := Resolve(caller, callee); err == nil {
		t.Fatal("expected error when no endpoint is reachable from caller's location")
	}
}

func TestResolveFailsWithNoEndpoints(t *testing.T) {
	caller := registry.ServiceEntry{Name: "caller"}
	callee := registry.ServiceEntry{Name: "callee"}
	if _, err := Resolve(caller, callee); err == nil {
		t.Fatal("expected error resolving a service with no endpoints")
	}
}

func TestValidateEndpointWithinSubnet(t *testing.T) {
	loc := registry.Location{Network: "10.42.0.0/24"}
	ep := registry.Endpoint{Name: "api", Address: "10.42.0.5:8080"}
	if err := ValidateEndpoint(loc, ep); err != nil {
		t.Fatalf("ValidateEndpoint: %v", err)
	}
}

func TestValidateEndpointOutsideSubnet(t *testing.T) {
	loc := registry.Location{Network: "10.42.0.0/24"}
	ep := registry.Endpoint{Name: "api", Address: "10.99.0.5:8080"}
	if err := ValidateEndpoint(loc, ep); err == nil {
		t.Fatal("expected error for an address outside the owning subnet")
	}
}
