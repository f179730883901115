package mesh

import (
	"log/slog"
	"net/netip"
	"sync"
)

// AddressPool allocates unique virtual addresses from a configured subnet
// (spec.md §4.7). Allocation is deterministic: first free host address,
// scanning upward from a start offset.
type AddressPool struct {
	mu sync.Mutex

	subnet      netip.Prefix
	startOffset int
	allowExpand bool
	supernet    netip.Prefix // base supernet for /16-aligned expansion

	allocated map[PeerID]netip.Addr
	inUse     map[netip.Addr]bool

	metrics *Metrics
}

// NewAddressPool creates a pool over subnet, reserving addresses below
// startOffset (default 2, to leave .0/.1 for the tunnel itself). If
// allowExpand is true, exhaustion advances to the next /16-aligned
// subnet inside supernet instead of failing.
func NewAddressPool(subnet netip.Prefix, startOffset int, allowExpand bool, supernet netip.Prefix, m *Metrics) *AddressPool {
	if startOffset <= 0 {
		startOffset = 2
	}
	return &AddressPool{
		subnet:      subnet,
		startOffset: startOffset,
		allowExpand: allowExpand,
		supernet:    supernet,
		allocated:   make(map[PeerID]netip.Addr),
		inUse:       make(map[netip.Addr]bool),
		metrics:     m,
	}
}

// Allocate returns a free address for peerID, scanning upward from the
// start offset within the current subnet. On exhaustion it either expands
// to the next /16-aligned subnet (if allowed) or fails with
// ErrAddressPoolExhausted.
func (p *AddressPool) Allocate(peerID PeerID) (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if addr, ok := p.allocated[peerID]; ok {
		return addr, nil // idempotent: re-allocating an owned peer returns its address
	}

	for {
		addr, ok := p.scanFree()
		if ok {
			p.allocated[peerID] = addr
			p.inUse[addr] = true
			if p.metrics != nil {
				p.metrics.AddressPoolInUse.Set(float64(len(p.inUse)))
			}
			slog.Debug("addresspool: allocated", "peer", peerID, "addr", addr)
			return addr, nil
		}
		if !p.allowExpand || !p.expandSubnet() {
			return netip.Addr{}, ErrAddressPoolExhausted
		}
	}
}

// Release returns peerID's address to the pool. Safe to call multiple
// times; subsequent calls are no-ops (spec.md §8 property 2: the address
// is released exactly once, then may be reused).
func (p *AddressPool) Release(peerID PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr, ok := p.allocated[peerID]
	if !ok {
		return
	}
	delete(p.allocated, peerID)
	delete(p.inUse, addr)
	if p.metrics != nil {
		p.metrics.AddressPoolInUse.Set(float64(len(p.inUse)))
	}
	slog.Debug("addresspool: released", "peer", peerID, "addr", addr)
}

// InUseCount returns the number of currently allocated addresses.
func (p *AddressPool) InUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// scanFree finds the first unallocated host address at or above
// startOffset in the current subnet. Caller must hold p.mu.
func (p *AddressPool) scanFree() (netip.Addr, bool) {
	base := p.subnet.Masked().Addr()
	hostBits := base.BitLen() - p.subnet.Bits()
	maxHosts := 1 << hostBits

	for i := p.startOffset; i < maxHosts-1; i++ {
		addr := addOffset(base, i)
		if !p.subnet.Contains(addr) {
			break
		}
		if !p.inUse[addr] {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// expandSubnet advances to the next /16-aligned subnet inside supernet.
// Caller must hold p.mu. Returns false if the supernet is exhausted or
// unset.
func (p *AddressPool) expandSubnet() bool {
	if !p.supernet.IsValid() {
		return false
	}
	next := addOffset(p.subnet.Masked().Addr(), 1<<16)
	nextPrefix := netip.PrefixFrom(next, 16)
	if !p.supernet.Contains(nextPrefix.Addr()) {
		return false
	}
	slog.Info("addresspool: expanding subnet", "from", p.subnet, "to", nextPrefix)
	p.subnet = nextPrefix
	return true
}

// addOffset adds an integer host offset to an IPv4 address.
func addOffset(base netip.Addr, offset int) netip.Addr {
	b4 := base.As4()
	v := uint32(b4[0])<<24 | uint32(b4[1])<<16 | uint32(b4[2])<<8 | uint32(b4[3])
	v += uint32(offset)
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
