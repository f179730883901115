package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PeerLookup is the narrow view of the control plane the Connection Manager
// needs: resolving a peer record and the party's advertised relays. Control
// plane backends (local or remote) implement this; pkg/mesh never imports
// them, avoiding a cyclic dependency.
type PeerLookup interface {
	Peer(ctx context.Context, partyID PartyID, peerID PeerID) (*Peer, error)
	AdvertisedRelays(ctx context.Context, partyID PartyID) ([]RelayRecord, error)
}

// Manager is the Connection Manager (spec.md §4.6): it orchestrates the
// Coordinator, Address Pool, and Tunnel Device to bring up and tear down
// per-peer connections, and owns the collection of live PeerConnection
// state machines.
type Manager struct {
	lookup      PeerLookup
	coordinator *Coordinator
	pool        *AddressPool
	device      TunnelDevice
	selector    *RelaySelector
	prober      *NATProber
	metrics     *Metrics

	mu    sync.Mutex
	conns map[PeerID]*PeerConnection

	classMu    sync.Mutex
	localClass NatClass
}

// NewManager constructs a Connection Manager. prober is used to classify
// the local side's NAT once per Manager lifetime (spec.md §4.1), so the
// Coordinator can decide whether a direct connection is reachable instead
// of always falling back to relay.
func NewManager(lookup PeerLookup, coordinator *Coordinator, pool *AddressPool, device TunnelDevice, selector *RelaySelector, prober *NATProber, m *Metrics) *Manager {
	return &Manager{
		lookup:      lookup,
		coordinator: coordinator,
		pool:        pool,
		device:      device,
		selector:    selector,
		prober:      prober,
		metrics:     m,
		conns:       make(map[PeerID]*PeerConnection),
	}
}

// localNATClass returns the local side's NAT classification, detecting it
// via STUN on first use and caching the result for the Manager's lifetime:
// the local NAT doesn't change between peers, so repeating the probe on
// every Connect call would be wasted STUN traffic. A failed detection is
// treated as NatUnknown, the most conservative class, so the Coordinator
// still falls back to relay rather than attempting a doomed direct path.
func (m *Manager) localNATClass(ctx context.Context, conn *net.UDPConn) NatClass {
	m.classMu.Lock()
	defer m.classMu.Unlock()
	if m.localClass != "" {
		return m.localClass
	}
	outcome, err := m.prober.Detect(ctx, conn)
	if err != nil {
		slog.Warn("manager: local NAT detection failed, assuming unknown", "error", err)
		m.localClass = NatUnknown
		return m.localClass
	}
	m.localClass = outcome.NatClass
	return m.localClass
}

// Connect brings up a connection to peerID within partyID, following
// spec.md §4.6: lookup the peer, ask the Coordinator for a strategy,
// allocate a virtual address, program the tunnel device, and spawn a
// PeerConnection. Any failure after a partial step is unwound so that
// connect leaves no side effects (spec.md §4.6 "Error-handling policy").
func (m *Manager) Connect(ctx context.Context, conn *net.UDPConn, partyID PartyID, peerID PeerID) error {
	m.mu.Lock()
	if _, exists := m.conns[peerID]; exists {
		m.mu.Unlock()
		return nil // idempotent: already connected or connecting
	}
	m.mu.Unlock()

	peer, err := m.lookup.Peer(ctx, partyID, peerID)
	if err != nil {
		return fmt.Errorf("connect %s: %w", peerID, err)
	}

	relays, err := m.lookup.AdvertisedRelays(ctx, partyID)
	if err != nil {
		return fmt.Errorf("connect %s: list relays: %w", peerID, err)
	}

	localClass := m.localNATClass(ctx, conn)
	strategy, err := m.coordinator.Coordinate(ctx, localClass, peer.NatClass, peer.ReflexiveEndpoint, conn, relays)
	if err != nil {
		return fmt.Errorf("connect %s: %w", peerID, err)
	}

	addr, err := m.pool.Allocate(peerID)
	if err != nil {
		return fmt.Errorf("connect %s: %w", peerID, err)
	}

	allowed := []netip.Prefix{netip.PrefixFrom(addr, addr.BitLen())}
	if err := m.device.AddPeer(ctx, peer.TunnelKey, strategy.Endpoint, allowed); err != nil {
		m.pool.Release(peerID)
		return fmt.Errorf("connect %s: %w", peerID, err)
	}

	pc := NewPeerConnection(peerID, peer.TunnelKey, addr, strategy, m.device, m.pool, m.selector, m.metrics)
	pc.Start(ctx)

	m.mu.Lock()
	m.conns[peerID] = pc
	m.mu.Unlock()

	slog.Info("manager: connected", "peer", peerID, "party", partyID, "strategy", strategy.Kind, "endpoint", strategy.Endpoint)
	return nil
}

// Disconnect tears down peerID's connection. Idempotent: a peer with no
// live connection is a no-op.
func (m *Manager) Disconnect(ctx context.Context, peerID PeerID) error {
	m.mu.Lock()
	pc, ok := m.conns[peerID]
	if ok {
		delete(m.conns, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	pc.Disconnect(ctx)
	return nil
}

// Status reports peerID's current connection state. Returns ErrPeerNotFound
// if no connection (live or cleaned up) is tracked for this id.
func (m *Manager) Status(peerID PeerID) (Status, error) {
	m.mu.Lock()
	pc, ok := m.conns[peerID]
	m.mu.Unlock()
	if !ok {
		return Status{}, ErrPeerNotFound
	}
	return pc.Status(), nil
}

// Shutdown disconnects every tracked peer connection concurrently. Each
// PeerConnection's own teardown (tunnel removal, pool release) is
// independent of the others, so an errgroup fans them out instead of
// tearing them down one at a time.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]PeerID, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.Disconnect(ctx, id)
		})
	}
	_ = g.Wait()
}
