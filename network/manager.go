package network

import (
	"context"
	"net"
	goexec "os/exec"
	"sync"

	"harness/harnesserr"
	"harness/registry"
)

// Network is one managed address space: Local (loopback), LAN (a
// configured private subnet), or a lazily materialized WireGuard overlay.
type Network struct {
	Kind      registry.LocationKind
	Subnet    string
	allocator *IPAllocator
	members   map[string]struct{} // service names currently resident, for lazy teardown
}

// Config is the static topology the manager is built from: the LAN subnet
// every non-local service is classified onto unless explicitly pinned to
// WireGuard, and the WireGuard interface/subnet materialized on demand.
type Config struct {
	LANSubnet       string
	WireGuardSubnet string
	// WireGuardInterface is the interface name passed to wg-quick, e.g. "wg0".
	WireGuardInterface string
	// WireGuardConfigPath is the wg-quick config file materialized/removed
	// alongside the interface (a peer-configured .conf, not generated here —
	// key management is out of scope per spec.md §1).
	WireGuardConfigPath string
}

// Manager classifies services into networks, allocates their addresses,
// and resolves the best path between any caller/callee pair (spec C10).
// WireGuard has no Go client library anywhere in the dependency graph this
// module draws from, so the overlay is materialized the same way Ssh
// wraps a remote command and ComposeLauncher drives compose: by shelling
// out to the system tool (wg-quick) that already owns this concern.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	local    *Network
	lan      *Network
	wireg    *Network
	wgUp     bool
}

// NewManager builds a Manager from cfg. The Local network is always
// 127.0.0.0/8; LAN and WireGuard allocators are built from cfg's subnets.
// WireGuard is not brought up here — it materializes lazily on first use.
func NewManager(cfg Config) (*Manager, error) {
	localAlloc, err := NewIPAllocator("127.0.0.0/8")
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:   cfg,
		local: &Network{Kind: registry.LocationLocal, Subnet: "127.0.0.0/8", allocator: localAlloc, members: map[string]struct{}{}},
	}
	if cfg.LANSubnet != "" {
		lanAlloc, err := NewIPAllocator(cfg.LANSubnet)
		if err != nil {
			return nil, err
		}
		m.lan = &Network{Kind: registry.LocationLAN, Subnet: cfg.LANSubnet, allocator: lanAlloc, members: map[string]struct{}{}}
	}
	if cfg.WireGuardSubnet != "" {
		wgAlloc, err := NewIPAllocator(cfg.WireGuardSubnet)
		if err != nil {
			return nil, err
		}
		m.wireg = &Network{Kind: registry.LocationWireGuard, Subnet: cfg.WireGuardSubnet, allocator: wgAlloc, members: map[string]struct{}{}}
	}
	return m, nil
}

// Classification is the requested placement for a service being registered.
// ClassifyAuto lets the manager pick LAN over WireGuard by default; pin one
// explicitly for services that must egress over the overlay.
type Classification int

const (
	ClassifyAuto Classification = iota
	ClassifyLocal
	ClassifyLAN
	ClassifyWireGuard
)

// Place classifies name per want, allocates it an address on the chosen
// network (materializing the WireGuard interface first if this is its
// first resident), and returns the resulting Location.
func (m *Manager) Place(ctx context.Context, name string, want Classification) (registry.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nw := m.pick(want)
	if nw == nil {
		return registry.Location{}, harnesserr.New(harnesserr.InvalidConfig, "network: no network configured for requested classification")
	}

	if nw.Kind == registry.LocationWireGuard && !m.wgUp {
		if err := m.bringUpWireGuardLocked(ctx); err != nil {
			return registry.Location{}, err
		}
	}

	ips, err := nw.allocator.Allocate(name, 1)
	if err != nil {
		return registry.Location{}, err
	}
	nw.members[name] = struct{}{}

	return registry.Location{
		Kind:    nw.Kind,
		Network: nw.Subnet,
		Address: ips[0].String(),
	}, nil
}

func (m *Manager) pick(want Classification) *Network {
	switch want {
	case ClassifyLocal:
		return m.local
	case ClassifyLAN:
		return m.lan
	case ClassifyWireGuard:
		return m.wireg
	default:
		if m.lan != nil {
			return m.lan
		}
		return m.wireg
	}
}

// Remove releases name's allocation and, if it was the last resident of a
// WireGuard network, tears the interface down (spec §4.6: "torn down when
// the last one deregisters").
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, nw := range []*Network{m.local, m.lan, m.wireg} {
		if nw == nil {
			continue
		}
		if _, ok := nw.members[name]; !ok {
			continue
		}
		nw.allocator.Release(name)
		delete(nw.members, name)
		if nw.Kind == registry.LocationWireGuard && len(nw.members) == 0 && m.wgUp {
			return m.tearDownWireGuardLocked(ctx)
		}
	}
	return nil
}

func (m *Manager) bringUpWireGuardLocked(ctx context.Context) error {
	if _, err := goexec.LookPath("wg-quick"); err != nil {
		return harnesserr.Wrap(harnesserr.ToolMissing, err, "network: wg-quick not found on PATH")
	}
	if m.cfg.WireGuardConfigPath == "" {
		return harnesserr.New(harnesserr.InvalidConfig, "network: wireguard requested but no config path set")
	}
	cmd := goexec.CommandContext(ctx, "wg-quick", "up", m.cfg.WireGuardConfigPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return harnesserr.Wrap(harnesserr.SpawnFailed, err, "network: wg-quick up failed: %s", out)
	}
	m.wgUp = true
	return nil
}

func (m *Manager) tearDownWireGuardLocked(ctx context.Context) error {
	cmd := goexec.CommandContext(ctx, "wg-quick", "down", m.cfg.WireGuardConfigPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return harnesserr.Wrap(harnesserr.SpawnFailed, err, "network: wg-quick down failed: %s", out)
	}
	m.wgUp = false
	return nil
}

// Resolve returns the first of callee's endpoints, in Endpoints order, whose
// ReachableFrom lists caller's location kind. Candidates are not ranked
// against each other: no Local > LAN > WireGuard preference is applied, and
// there is no separate docker-network case (C9's model has no such
// location). It fails with TargetUnsupported when no endpoint is reachable
// from the caller.
func Resolve(caller, callee registry.ServiceEntry) (registry.Endpoint, error) {
	if len(callee.Endpoints) == 0 {
		return registry.Endpoint{}, harnesserr.New(harnesserr.InvalidConfig, "network: %q has no endpoints to resolve", callee.Name)
	}

	rank := func(k registry.LocationKind) int {
		switch k {
		case registry.LocationLocal:
			return 3
		case registry.LocationLAN:
			return 2
		case registry.LocationWireGuard:
			return 1
		default:
			return 0
		}
	}

	best := callee.Endpoints[0]
	bestRank := -1
	for _, ep := range callee.Endpoints {
		for _, from := range ep.ReachableFrom {
			if from != caller.Location.Kind {
				continue
			}
			if r := rank(from); r > bestRank {
				bestRank = r
				best = ep
			}
		}
	}
	if bestRank < 0 {
		return registry.Endpoint{}, harnesserr.New(harnesserr.TargetUnsupported,
			"network: %q has no endpoint reachable from %q's location", callee.Name, caller.Name)
	}
	return best, nil
}

// ValidateEndpoint checks an endpoint's address lies within its owning
// service's location subnet (spec §3's ServiceEntry invariant).
func ValidateEndpoint(loc registry.Location, ep registry.Endpoint) error {
	_, subnet, err := net.ParseCIDR(loc.Network)
	if err != nil {
		return harnesserr.Wrap(harnesserr.InvalidConfig, err, "network: malformed subnet %q", loc.Network)
	}
	host, _, err := net.SplitHostPort(ep.Address)
	addr := ep.Address
	if err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return harnesserr.New(harnesserr.InvalidConfig, "network: endpoint %q has no parseable address", ep.Name)
	}
	if !subnet.Contains(ip) {
		return harnesserr.New(harnesserr.InvalidConfig, "network: endpoint %s (%s) outside subnet %s", ep.Name, ep.Address, loc.Network)
	}
	return nil
}
