package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lanrage/mesh/pkg/mesh"
)

const (
	staleTimeout    = 5 * time.Minute
	cleanupInterval = 60 * time.Second
)

// partyEntry pairs a party with the lock that serializes mutations to it
// (spec.md §5: "Control Plane operations that mutate the same Party are
// serialized by a per-party lock; operations on different parties are
// independent").
type partyEntry struct {
	mu    sync.RWMutex
	party *mesh.Party
}

// LocalControlPlane is the in-process backend (spec.md §4.8): purely
// in-memory Party/Peer registry, loaded from and flushed to a JSON
// snapshot via Persister, with a 60s cleanup task and an optional shared
// discovery file for same-LAN peer discovery.
type LocalControlPlane struct {
	persister *Persister

	mu       sync.RWMutex
	parties  map[mesh.PartyID]*partyEntry

	sharedDiscoveryFile string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLocalControlPlane constructs a LocalControlPlane, loading any existing
// snapshot at snapshotPath.
func NewLocalControlPlane(snapshotPath string) (*LocalControlPlane, error) {
	persister := NewPersister(snapshotPath)
	snap, err := persister.Load()
	if err != nil {
		return nil, err
	}

	lcp := &LocalControlPlane{
		persister: persister,
		parties:   make(map[mesh.PartyID]*partyEntry),
	}
	for _, sp := range snap.Parties {
		party := mesh.NewParty(mesh.PartyID(sp.PartyID), sp.Name, mesh.PeerID(sp.HostPeer))
		party.CreatedAt = sp.CreatedAt
		for _, spr := range sp.Peers {
			key, kerr := mesh.ParseTunnelPublicKey(spr.TunnelKey)
			if kerr != nil {
				continue
			}
			peer := &mesh.Peer{
				ID:          mesh.PeerID(spr.PeerID),
				DisplayName: spr.DisplayName,
				TunnelKey:   key,
				NatClass:    mesh.NatClass(spr.NatClass),
				PartyID:     mesh.PartyID(sp.PartyID),
				LastSeen:    spr.LastSeen,
				Tags:        make(map[string]string),
			}
			if ep, eerr := mesh.ParseEndpoint(spr.ReflexiveEndpoint); eerr == nil {
				peer.ReflexiveEndpoint = ep
			}
			if ep, eerr := mesh.ParseEndpoint(spr.DeclaredLocal); eerr == nil {
				peer.DeclaredLocal = ep
			}
			party.AddPeer(peer)
		}
		lcp.parties[mesh.PartyID(sp.PartyID)] = &partyEntry{party: party}
	}

	return lcp, nil
}

// WithSharedDiscoveryFile enables same-LAN discovery: peers on the same
// subnet discover each other by polling a file path shared over a network
// filesystem or sync tool, rather than a remote control plane server
// (spec.md §4.8 "optional shared discovery file").
func (l *LocalControlPlane) WithSharedDiscoveryFile(path string) *LocalControlPlane {
	l.sharedDiscoveryFile = path
	return l
}

// Start spawns the 60s cleanup task.
func (l *LocalControlPlane) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.cleanupLoop(runCtx)
}

func (l *LocalControlPlane) cleanupLoop(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runCleanup()
			l.pollSharedDiscoveryFile()
		}
	}
}

func (l *LocalControlPlane) runCleanup() {
	now := time.Now()
	l.mu.Lock()
	var emptied []mesh.PartyID
	for id, entry := range l.parties {
		entry.mu.Lock()
		for _, peer := range entry.party.Peers() {
			if now.Sub(peer.LastSeen) > staleTimeout {
				entry.party.RemovePeer(peer.ID)
				slog.Info("controlplane: removed stale peer", "party", id, "peer", peer.ID)
			}
		}
		if entry.party.Empty() {
			emptied = append(emptied, id)
		}
		entry.mu.Unlock()
	}
	for _, id := range emptied {
		delete(l.parties, id)
		slog.Info("controlplane: removed empty party", "party", id)
	}
	l.mu.Unlock()
	l.queueSnapshot()
}

func (l *LocalControlPlane) getEntry(partyID mesh.PartyID) (*partyEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.parties[partyID]
	return e, ok
}

func (l *LocalControlPlane) RegisterParty(_ context.Context, partyID mesh.PartyID, name string, hostPeer *mesh.Peer) (*mesh.Party, error) {
	l.mu.Lock()
	if _, exists := l.parties[partyID]; exists {
		l.mu.Unlock()
		return nil, mesh.ErrConflict
	}
	party := mesh.NewParty(partyID, name, hostPeer.ID)
	party.AddPeer(hostPeer)
	l.parties[partyID] = &partyEntry{party: party}
	l.mu.Unlock()
	l.queueSnapshot()
	return party, nil
}

func (l *LocalControlPlane) JoinParty(_ context.Context, partyID mesh.PartyID, peer *mesh.Peer) (*mesh.Party, error) {
	entry, ok := l.getEntry(partyID)
	if !ok {
		return nil, mesh.ErrPartyNotFound
	}
	entry.mu.Lock()
	entry.party.AddPeer(peer)
	party := entry.party
	entry.mu.Unlock()
	l.queueSnapshot()
	return party, nil
}

func (l *LocalControlPlane) LeaveParty(_ context.Context, partyID mesh.PartyID, peerID mesh.PeerID) error {
	entry, ok := l.getEntry(partyID)
	if !ok {
		return mesh.ErrPartyNotFound
	}
	entry.mu.Lock()
	entry.party.RemovePeer(peerID)
	empty := entry.party.Empty()
	entry.mu.Unlock()
	if empty {
		l.mu.Lock()
		delete(l.parties, partyID)
		l.mu.Unlock()
	}
	l.queueSnapshot()
	return nil
}

func (l *LocalControlPlane) UpdatePeer(_ context.Context, partyID mesh.PartyID, peer *mesh.Peer) error {
	entry, ok := l.getEntry(partyID)
	if !ok {
		return mesh.ErrPartyNotFound
	}
	entry.mu.Lock()
	peer.LastSeen = time.Now()
	entry.party.AddPeer(peer)
	entry.mu.Unlock()
	l.queueSnapshot()
	return nil
}

func (l *LocalControlPlane) GetPeers(_ context.Context, partyID mesh.PartyID) ([]*mesh.Peer, error) {
	entry, ok := l.getEntry(partyID)
	if !ok {
		return nil, mesh.ErrPartyNotFound
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.party.Peers(), nil
}

func (l *LocalControlPlane) DiscoverPeer(_ context.Context, partyID mesh.PartyID, peerID mesh.PeerID) (*mesh.Peer, error) {
	entry, ok := l.getEntry(partyID)
	if !ok {
		return nil, mesh.ErrPartyNotFound
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	peer, ok := entry.party.Peer(peerID)
	if !ok {
		return nil, mesh.ErrPeerNotFound
	}
	return peer, nil
}

// Peer implements mesh.PeerLookup.
func (l *LocalControlPlane) Peer(ctx context.Context, partyID mesh.PartyID, peerID mesh.PeerID) (*mesh.Peer, error) {
	return l.DiscoverPeer(ctx, partyID, peerID)
}

func (l *LocalControlPlane) Heartbeat(_ context.Context, partyID mesh.PartyID, peerID mesh.PeerID) error {
	entry, ok := l.getEntry(partyID)
	if !ok {
		return mesh.ErrPartyNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	peer, ok := entry.party.Peer(peerID)
	if !ok {
		return mesh.ErrPeerNotFound
	}
	peer.LastSeen = time.Now()
	return nil
}

// ListRelays is not meaningful for the local backend; a lone-host party has
// no relay registry of its own, so it returns an empty list rather than an
// error (only the remote backend exposes list_relays per spec.md §4.8).
func (l *LocalControlPlane) ListRelays(_ context.Context) ([]mesh.RelayRecord, error) {
	return nil, nil
}

// AdvertisedRelays implements mesh.PeerLookup.
func (l *LocalControlPlane) AdvertisedRelays(ctx context.Context, _ mesh.PartyID) ([]mesh.RelayRecord, error) {
	return l.ListRelays(ctx)
}

// Close stops the cleanup task and flushes any pending snapshot write.
func (l *LocalControlPlane) Close(_ context.Context) error {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	l.persister.Close()
	return nil
}

func (l *LocalControlPlane) queueSnapshot() {
	l.mu.RLock()
	snap := &Snapshot{}
	for _, entry := range l.parties {
		entry.mu.RLock()
		sp := SnapshotParty{
			PartyID:   string(entry.party.ID),
			Name:      entry.party.Name,
			HostPeer:  string(entry.party.HostPeer),
			CreatedAt: entry.party.CreatedAt,
		}
		for _, peer := range entry.party.Peers() {
			sp.Peers = append(sp.Peers, SnapshotPeer{
				PeerID:            string(peer.ID),
				DisplayName:       peer.DisplayName,
				TunnelKey:         peer.TunnelKey.String(),
				NatClass:          string(peer.NatClass),
				ReflexiveEndpoint: peer.ReflexiveEndpoint.String(),
				DeclaredLocal:     peer.DeclaredLocal.String(),
				LastSeen:          peer.LastSeen,
			})
		}
		snap.Parties = append(snap.Parties, sp)
		entry.mu.RUnlock()
	}
	l.mu.RUnlock()
	l.persister.Queue(snap)
}

// pollSharedDiscoveryFile refreshes same-LAN peer state from the shared
// discovery file, if one was configured. The file holds the same Snapshot
// shape the Persister writes (spec.md §4.8 "optional shared discovery
// file"): every LAN participant periodically flushes its own view there,
// and each instance merges in any peer whose record is newer than what it
// already has, for parties it already tracks. A party the file mentions
// that this instance has never joined is not adopted from discovery alone.
// Errors are logged, not returned, matching the best-effort nature of this
// LAN-local convenience feature.
func (l *LocalControlPlane) pollSharedDiscoveryFile() {
	if l.sharedDiscoveryFile == "" {
		return
	}
	data, err := os.ReadFile(l.sharedDiscoveryFile)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("controlplane: shared discovery file read failed", "path", l.sharedDiscoveryFile, "error", err)
		}
		return
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("controlplane: shared discovery file decode failed", "path", l.sharedDiscoveryFile, "error", err)
		return
	}

	merged := false
	for _, sp := range snap.Parties {
		entry, ok := l.getEntry(mesh.PartyID(sp.PartyID))
		if !ok {
			continue
		}
		entry.mu.Lock()
		for _, spr := range sp.Peers {
			if l.mergeDiscoveredPeerLocked(entry, sp.PartyID, spr) {
				merged = true
			}
		}
		entry.mu.Unlock()
	}

	if merged {
		l.queueSnapshot()
	}
}

// mergeDiscoveredPeerLocked adopts spr into entry's party if it is new or
// fresher than the peer already on record. Caller holds entry.mu.
func (l *LocalControlPlane) mergeDiscoveredPeerLocked(entry *partyEntry, partyID string, spr SnapshotPeer) bool {
	if existing, ok := entry.party.Peer(mesh.PeerID(spr.PeerID)); ok && !spr.LastSeen.After(existing.LastSeen) {
		return false
	}
	key, err := mesh.ParseTunnelPublicKey(spr.TunnelKey)
	if err != nil {
		slog.Warn("controlplane: shared discovery file has bad peer key", "peer", spr.PeerID, "error", err)
		return false
	}
	peer := &mesh.Peer{
		ID:          mesh.PeerID(spr.PeerID),
		DisplayName: spr.DisplayName,
		TunnelKey:   key,
		NatClass:    mesh.NatClass(spr.NatClass),
		PartyID:     mesh.PartyID(partyID),
		LastSeen:    spr.LastSeen,
		Tags:        make(map[string]string),
	}
	if ep, eerr := mesh.ParseEndpoint(spr.ReflexiveEndpoint); eerr == nil {
		peer.ReflexiveEndpoint = ep
	}
	if ep, eerr := mesh.ParseEndpoint(spr.DeclaredLocal); eerr == nil {
		peer.DeclaredLocal = ep
	}
	entry.party.AddPeer(peer)
	slog.Info("controlplane: discovered peer via shared file", "party", partyID, "peer", spr.PeerID)
	return true
}
