// Package controlplane implements the two Control Plane backends named in
// spec.md §4.8: an in-process Local backend for a single-host party, and a
// Remote backend that talks to the Control Plane Server over HTTP.
package controlplane

import (
	"context"

	"github.com/lanrage/mesh/pkg/mesh"
)

// ControlPlane is the uniform contract both backends satisfy (spec.md
// §4.8). PeerLookup (pkg/mesh.PeerLookup) is the narrow read-only subset
// the Connection Manager consumes; ControlPlane is the full read/write
// surface used by the party-management layer above it.
type ControlPlane interface {
	mesh.PeerLookup

	RegisterParty(ctx context.Context, partyID mesh.PartyID, name string, hostPeer *mesh.Peer) (*mesh.Party, error)
	JoinParty(ctx context.Context, partyID mesh.PartyID, peer *mesh.Peer) (*mesh.Party, error)
	LeaveParty(ctx context.Context, partyID mesh.PartyID, peerID mesh.PeerID) error
	UpdatePeer(ctx context.Context, partyID mesh.PartyID, peer *mesh.Peer) error
	GetPeers(ctx context.Context, partyID mesh.PartyID) ([]*mesh.Peer, error)
	DiscoverPeer(ctx context.Context, partyID mesh.PartyID, peerID mesh.PeerID) (*mesh.Peer, error)
	Heartbeat(ctx context.Context, partyID mesh.PartyID, peerID mesh.PeerID) error
	ListRelays(ctx context.Context) ([]mesh.RelayRecord, error)

	// Close flushes any pending writes and stops background tasks.
	Close(ctx context.Context) error
}
