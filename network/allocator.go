// Package network classifies services into Local/LAN/WireGuard locations,
// allocates stable addresses within each network's subnet, and resolves the
// best address for one service to reach another (spec C10).
package network

import (
	"encoding/binary"
	"math/big"
	"math/rand/v2"
	"net"
	"sync"

	"harness/harnesserr"
)

// IPAllocator hands out stable IPv4 addresses within one subnet using the
// same prime-stepping strategy the teacher's PortAllocator uses to spread
// allocations and avoid collision clustering, generalized from a port
// range to an address range and from net.Listen probing to pure bookkeeping
// (there's nothing to bind — these are routed addresses, not local ports).
type IPAllocator struct {
	mu         sync.Mutex
	network    *net.IPNet
	base       uint32 // network address as uint32
	size       uint32 // number of host addresses, excluding network/broadcast
	allocated  map[uint32]string // offset → owner name
	byOwner    map[string][]uint32
	offset     uint64
	step       uint64
}

// NewIPAllocator builds an allocator over cidr (e.g. "10.42.0.0/24").
// Returns InvalidConfig if cidr is malformed or too small to allocate from.
func NewIPAllocator(cidr string) (*IPAllocator, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.InvalidConfig, err, "network: invalid subnet %q", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	hostBits := bits - ones
	if hostBits < 2 {
		return nil, harnesserr.New(harnesserr.InvalidConfig, "network: subnet %q too small to allocate host addresses", cidr)
	}
	size := uint32(1)<<uint(hostBits) - 2 // exclude network and broadcast addresses
	return &IPAllocator{
		network:   ipnet,
		base:      ipToUint32(ipnet.IP),
		size:      size,
		allocated: make(map[uint32]string),
		byOwner:   make(map[string][]uint32),
		offset:    rand.Uint64N(uint64(size)),
		step:      randomPrime(uint64(size)),
	}, nil
}

// Allocate reserves n addresses for owner, skipping the network and
// broadcast addresses (spec §4.6: "skipping reserved host bits").
// Allocation is deterministic within a single allocator instance: first
// free address found by the stepping walk, in ascending order of discovery.
func (a *IPAllocator) Allocate(owner string, n int) ([]net.IP, error) {
	if n <= 0 {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ips := make([]net.IP, 0, n)
	offsets := make([]uint32, 0, n)

	for range n {
		found := false
		for range a.size {
			candidate := uint32(1) + uint32(a.offset%uint64(a.size)) // skip .0 (network address)
			a.offset += a.step
			if _, taken := a.allocated[candidate]; taken {
				continue
			}
			ips = append(ips, uint32ToIP(a.base+candidate))
			offsets = append(offsets, candidate)
			found = true
			break
		}
		if !found {
			return nil, harnesserr.New(harnesserr.InvalidConfig, "network: subnet %s exhausted", a.network)
		}
	}

	for _, off := range offsets {
		a.allocated[off] = owner
	}
	a.byOwner[owner] = append(a.byOwner[owner], offsets...)

	return ips, nil
}

// Release frees every address held by owner.
func (a *IPAllocator) Release(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, off := range a.byOwner[owner] {
		delete(a.allocated, off)
	}
	delete(a.byOwner, owner)
}

// Allocated returns the number of addresses currently in use, the
// invariant spec §8 checks ("IP-allocation-count invariant").
func (a *IPAllocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	return binary.BigEndian.Uint32(ip4)
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// randomPrime returns a random prime in [2, max) that does not divide max,
// so stepping by it visits every offset modulo max. For max <= 3 it
// returns 1, a sequential walk.
func randomPrime(max uint64) uint64 {
	if max <= 3 {
		return 1
	}
	for {
		n := 2 + rand.Uint64N(max-2)
		if max%n != 0 && big.NewInt(int64(n)).ProbablyPrime(20) {
			return n
		}
	}
}
