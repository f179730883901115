package mesh

import (
	"context"
	"log/slog"
	"net"
)

// directCompatibility is the NAT-pair compatibility matrix from spec.md
// §4.4: directCompatibility[local][peer] is true iff a direct connection
// is permitted between a local peer of the first class and a remote peer
// of the second.
var directCompatibility = map[NatClass]map[NatClass]bool{
	NatOpen: {
		NatOpen: true, NatFullCone: true, NatRestrictedCone: true,
		NatPortRestrictedCone: true, NatSymmetric: true, NatUnknown: false,
	},
	NatFullCone: {
		NatOpen: true, NatFullCone: true, NatRestrictedCone: true,
		NatPortRestrictedCone: true, NatSymmetric: false, NatUnknown: false,
	},
	NatRestrictedCone: {
		NatOpen: true, NatFullCone: true, NatRestrictedCone: true,
		NatPortRestrictedCone: false, NatSymmetric: false, NatUnknown: false,
	},
	NatPortRestrictedCone: {
		NatOpen: true, NatFullCone: true, NatRestrictedCone: false,
		NatPortRestrictedCone: false, NatSymmetric: false, NatUnknown: false,
	},
	NatSymmetric: {
		NatOpen: true, NatFullCone: false, NatRestrictedCone: false,
		NatPortRestrictedCone: false, NatSymmetric: false, NatUnknown: false,
	},
	NatUnknown: {
		NatOpen: false, NatFullCone: false, NatRestrictedCone: false,
		NatPortRestrictedCone: false, NatSymmetric: false, NatUnknown: false,
	},
}

// DirectPermitted reports whether the compatibility matrix permits a
// direct connection for the given (local, peer) NAT class pair. It is
// total: every pair in NatClass x NatClass has a defined answer
// (spec.md §8 property 3).
func DirectPermitted(local, peer NatClass) bool {
	row, ok := directCompatibility[local]
	if !ok {
		return false
	}
	allowed, ok := row[peer]
	return ok && allowed
}

// Coordinator picks and executes a connection strategy for a single peer
// (spec.md §4.4).
type Coordinator struct {
	puncher  *HolePuncher
	selector *RelaySelector
	metrics  *Metrics
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(puncher *HolePuncher, selector *RelaySelector, m *Metrics) *Coordinator {
	return &Coordinator{puncher: puncher, selector: selector, metrics: m}
}

// Coordinate chooses direct or relay strategy for a peer and executes it,
// returning the resulting Strategy. conn is the local UDP socket to punch
// from; advertisedRelays are the control-plane-known relays.
func (c *Coordinator) Coordinate(ctx context.Context, localClass NatClass, peerClass NatClass, peerReflexive Endpoint, conn *net.UDPConn, advertisedRelays []RelayRecord) (Strategy, error) {
	if DirectPermitted(localClass, peerClass) {
		observed, err := c.puncher.Punch(ctx, conn, peerReflexive)
		if err == nil {
			return Strategy{Kind: StrategyDirect, Endpoint: observed}, nil
		}
		slog.Info("coordinator: hole punch failed, falling back to relay",
			"local_class", localClass, "peer_class", peerClass, "error", err)
	}

	chosen, err := c.selector.ChooseRelay(ctx, advertisedRelays)
	if err != nil {
		return Strategy{}, err
	}
	return Strategy{Kind: StrategyRelay, Endpoint: chosen.Endpoint}, nil
}
