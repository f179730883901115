package mesh

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// TunnelDevice is the narrow interface the core consumes to program an
// encrypted UDP tunnel keyed by X25519 public keys (spec.md §1, §4 "Tunnel
// Device Adapter"). Platform-specific provisioning is an external
// collaborator; implementations of this interface live outside pkg/mesh.
type TunnelDevice interface {
	// AddPeer programs (or replaces) the endpoint and allowed addresses
	// for key. Only one endpoint may be active per key at a time
	// (spec.md §3 invariant).
	AddPeer(ctx context.Context, key TunnelPublicKey, endpoint Endpoint, allowed []netip.Prefix) error

	// RemovePeer tears down the tunnel entry for key. Idempotent.
	RemovePeer(ctx context.Context, key TunnelPublicKey) error

	// Probe measures round-trip latency to the peer's virtual address,
	// counting as a failure if no reply arrives within the caller's
	// context deadline.
	Probe(ctx context.Context, virtualAddr netip.Addr) (time.Duration, error)

	// Peers returns a read-only snapshot of currently programmed peers,
	// for the Broadcast Emulator's read-only view (spec.md §3 Ownership).
	Peers() map[TunnelPublicKey]netip.Addr
}

// peerState is the tunnel device's bookkeeping for one programmed peer.
type peerState struct {
	endpoint Endpoint
	allowed  []netip.Prefix
	virtual  netip.Addr
}

// InMemoryTunnelDevice is a TunnelDevice implementation suitable for tests
// and for hosts that have no platform tunnel available: it tracks
// programmed peers without creating an actual network interface, and its
// Probe method returns a configurable synthetic latency.
type InMemoryTunnelDevice struct {
	mu    sync.RWMutex
	peers map[TunnelPublicKey]peerState

	// ProbeFunc, if set, computes the simulated probe latency/error for a
	// virtual address. Without it, Probe returns 10ms for the virtual address
	// of a programmed peer and ErrTunnelDeviceError for any other address.
	ProbeFunc func(virtualAddr netip.Addr) (time.Duration, error)
}

// NewInMemoryTunnelDevice creates an empty in-memory tunnel device.
func NewInMemoryTunnelDevice() *InMemoryTunnelDevice {
	return &InMemoryTunnelDevice{peers: make(map[TunnelPublicKey]peerState)}
}

func (d *InMemoryTunnelDevice) AddPeer(_ context.Context, key TunnelPublicKey, endpoint Endpoint, allowed []netip.Prefix) error {
	if endpoint.IsZero() {
		return fmt.Errorf("tunnel device: empty endpoint: %w", ErrTunnelDeviceError)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var virtual netip.Addr
	if len(allowed) > 0 {
		virtual = allowed[0].Addr()
	}
	d.peers[key] = peerState{endpoint: endpoint, allowed: allowed, virtual: virtual}
	return nil
}

func (d *InMemoryTunnelDevice) RemovePeer(_ context.Context, key TunnelPublicKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, key)
	return nil
}

func (d *InMemoryTunnelDevice) Probe(_ context.Context, virtualAddr netip.Addr) (time.Duration, error) {
	if d.ProbeFunc != nil {
		return d.ProbeFunc(virtualAddr)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ps := range d.peers {
		if ps.virtual == virtualAddr {
			return 10 * time.Millisecond, nil
		}
	}
	return 0, fmt.Errorf("tunnel device: no peer at %s: %w", virtualAddr, ErrTunnelDeviceError)
}

func (d *InMemoryTunnelDevice) Peers() map[TunnelPublicKey]netip.Addr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[TunnelPublicKey]netip.Addr, len(d.peers))
	for k, ps := range d.peers {
		out[k] = ps.virtual
	}
	return out
}
