// Package mesh implements the per-peer connection state machine, NAT
// traversal subsystem, and broadcast emulator of a zero-configuration
// mesh VPN for gaming. It consumes an abstract TunnelDevice rather than
// provisioning any platform-specific tunnel itself.
package mesh

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PartyIDEntropyBytes is the number of random bytes backing a PartyId,
// rendered as hex. 6 bytes (48 bits) meets the spec's entropy floor for
// a population of simultaneous parties.
const PartyIDEntropyBytes = 6

// PartyID is a short opaque identifier for a party, rendered as hex.
type PartyID string

// NewPartyID generates a PartyID from a random UUID's entropy, truncated to
// PartyIDEntropyBytes and hex-encoded. A full UUID string would overshoot
// the "short opaque identifier" the spec calls for, so only its leading
// random bytes are kept.
func NewPartyID() (PartyID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate party id: %w", err)
	}
	raw := id[:]
	return PartyID(hex.EncodeToString(raw[:PartyIDEntropyBytes])), nil
}

func (p PartyID) String() string { return string(p) }

// PeerID is an opaque identifier generated by the peer itself, stable for
// the lifetime of a session.
type PeerID string

func (p PeerID) String() string { return string(p) }

// NewPeerID generates a PeerID as a random (v4) UUID, giving a much larger
// entropy floor than PartyID since peer identifiers are long-lived and
// persisted by the control plane across reconnects.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// TunnelPublicKeySize is the length of an X25519 public key in bytes.
const TunnelPublicKeySize = 32

// TunnelPublicKey is the 32-byte Curve25519 public key that serves as a
// peer's cryptographic identity. It serializes to base64 on the wire and
// in persisted state.
type TunnelPublicKey [TunnelPublicKeySize]byte

// ParseTunnelPublicKey decodes a base64-encoded 32-byte key.
func ParseTunnelPublicKey(b64 string) (TunnelPublicKey, error) {
	var k TunnelPublicKey
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return k, fmt.Errorf("decode tunnel public key: %w", err)
	}
	if len(raw) != TunnelPublicKeySize {
		return k, fmt.Errorf("tunnel public key must be %d bytes, got %d", TunnelPublicKeySize, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

func (k TunnelPublicKey) String() string { return base64.StdEncoding.EncodeToString(k[:]) }

// MarshalText implements encoding.TextMarshaler so TunnelPublicKey
// round-trips through JSON/YAML as base64 instead of a byte array.
func (k TunnelPublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *TunnelPublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParseTunnelPublicKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// EndpointKind distinguishes the four flavors of Endpoint the spec names.
type EndpointKind string

const (
	EndpointReflexivePublic EndpointKind = "reflexive-public"
	EndpointDeclaredLocal   EndpointKind = "declared-local"
	EndpointAssignedRelay   EndpointKind = "assigned-relay"
	EndpointActive          EndpointKind = "active"
)

// Endpoint is an (ip, port) pair. IP may be IPv4 or IPv6.
type Endpoint struct {
	IP   netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	if !e.IP.IsValid() {
		return ""
	}
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// IsZero reports whether the endpoint has no address set.
func (e Endpoint) IsZero() bool { return !e.IP.IsValid() }

// ParseEndpoint parses a "host:port" string into an Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint host %q: %w", s, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint port %q: %w", s, err)
	}
	return Endpoint{IP: addr, Port: port}, nil
}

// UDPAddr converts the endpoint to a *net.UDPAddr for socket operations.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(e.IP.AsSlice()), Port: int(e.Port)}
}

// NatClass classifies a peer's NAT behavior as observed via STUN.
type NatClass string

const (
	NatOpen               NatClass = "open"
	NatFullCone           NatClass = "full-cone"
	NatRestrictedCone     NatClass = "restricted-cone"
	NatPortRestrictedCone NatClass = "port-restricted-cone"
	NatSymmetric          NatClass = "symmetric"
	NatUnknown            NatClass = "unknown"
)

// Peer is the control-plane view of a party member.
type Peer struct {
	ID              PeerID
	DisplayName     string
	TunnelKey       TunnelPublicKey
	NatClass        NatClass
	ReflexiveEndpoint Endpoint
	DeclaredLocal   Endpoint
	LastSeen        time.Time
	PartyID         PartyID
	// Tags is a free-form annotation bag used only for telemetry labels;
	// core logic never branches on it.
	Tags map[string]string
}

// NewPeer validates and constructs a Peer. DisplayName must be 1-63 chars
// after trimming, matching the teacher's constructor-time validation style.
func NewPeer(id PeerID, displayName string, key TunnelPublicKey, party PartyID) (*Peer, error) {
	name := strings.TrimSpace(displayName)
	if id == "" {
		return nil, fmt.Errorf("peer id cannot be empty")
	}
	if name == "" || len(name) > 63 {
		return nil, fmt.Errorf("peer display name must be 1-63 characters")
	}
	return &Peer{
		ID:          id,
		DisplayName: name,
		TunnelKey:   key,
		NatClass:    NatUnknown,
		PartyID:     party,
		LastSeen:    time.Now(),
		Tags:        make(map[string]string),
	}, nil
}

// Party is a named group of peers forming one virtual LAN.
type Party struct {
	ID        PartyID
	Name      string
	HostPeer  PeerID
	CreatedAt time.Time

	// order preserves peer insertion order for telemetry; logic never
	// depends on it.
	order []PeerID
	peers map[PeerID]*Peer
}

// NewParty constructs an empty party with the given host peer.
func NewParty(id PartyID, name string, host PeerID) *Party {
	return &Party{
		ID:        id,
		Name:      strings.TrimSpace(name),
		HostPeer:  host,
		CreatedAt: time.Now(),
		peers:     make(map[PeerID]*Peer),
	}
}

// AddPeer inserts or replaces a peer. A Peer's TunnelKey must not change
// across calls for the same PeerID (caller's responsibility; AddPeer does
// not check it, and LocalControlPlane.UpdatePeer passes peers through
// unchecked).
func (p *Party) AddPeer(peer *Peer) {
	if _, exists := p.peers[peer.ID]; !exists {
		p.order = append(p.order, peer.ID)
	}
	p.peers[peer.ID] = peer
}

// RemovePeer deletes a peer from the party.
func (p *Party) RemovePeer(id PeerID) {
	if _, ok := p.peers[id]; !ok {
		return
	}
	delete(p.peers, id)
	for i, pid := range p.order {
		if pid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Peer looks up a peer by id.
func (p *Party) Peer(id PeerID) (*Peer, bool) {
	peer, ok := p.peers[id]
	return peer, ok
}

// Peers returns all peers in insertion order.
func (p *Party) Peers() []*Peer {
	out := make([]*Peer, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.peers[id])
	}
	return out
}

// Empty reports whether the party has no remaining peers.
func (p *Party) Empty() bool { return len(p.peers) == 0 }

// Strategy tags a PeerConnection's chosen traversal strategy. Modeled as a
// closed struct with a Kind discriminant rather than an interface, since
// the spec names exactly two variants (Direct, Relay) and no third is
// anticipated (spec.md §9: "tagged variant {Direct(Endpoint) | Relay(Endpoint)}").
type Strategy struct {
	Kind     StrategyKind
	Endpoint Endpoint
}

// StrategyKind enumerates Strategy variants.
type StrategyKind string

const (
	StrategyDirect StrategyKind = "direct"
	StrategyRelay  StrategyKind = "relay"
)

// RelayRecord is a central registry entry for a relay.
type RelayRecord struct {
	RelayID         string
	PublicEndpoint  Endpoint
	Region          string
	NominalCapacity int
	RegisteredAt    time.Time
	LastHeartbeat   time.Time
}

// AuthToken is an opaque bearer token bound to a peer with an expiry.
type AuthToken struct {
	Token     string
	PeerID    PeerID
	ExpiresAt time.Time
}

// Expired reports whether the token has passed its expiry instant.
func (t AuthToken) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// NewAuthToken mints an opaque bearer token for peerID, expiring after ttl.
func NewAuthToken(peerID PeerID, ttl time.Duration) AuthToken {
	return AuthToken{Token: uuid.NewString(), PeerID: peerID, ExpiresAt: time.Now().Add(ttl)}
}
