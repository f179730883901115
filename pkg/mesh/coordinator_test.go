package mesh

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectPermittedTotal(t *testing.T) {
	classes := []NatClass{NatOpen, NatFullCone, NatRestrictedCone, NatPortRestrictedCone, NatSymmetric, NatUnknown}
	for _, local := range classes {
		for _, peer := range classes {
			// Every pair must resolve without panicking; DirectPermitted
			// itself is the assertion target, no error path to hit.
			_ = DirectPermitted(local, peer)
		}
	}
}

func TestDirectPermittedKnownPairs(t *testing.T) {
	assert.True(t, DirectPermitted(NatOpen, NatSymmetric))
	assert.False(t, DirectPermitted(NatSymmetric, NatSymmetric))
	assert.False(t, DirectPermitted(NatUnknown, NatOpen))
	assert.True(t, DirectPermitted(NatFullCone, NatRestrictedCone))
}

func TestCoordinatorDirectSucceeds(t *testing.T) {
	a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer a.Close()
	b, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer b.Close()

	bEp, err := ParseEndpoint(b.LocalAddr().String())
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 64)
		n, from, err := b.ReadFromUDP(buf)
		if err != nil {
			return
		}
		_ = n
		b.WriteToUDP([]byte("LANrage-HOLEPUNCH-ACK-v1\x00"), from)
	}()

	coord := NewCoordinator(NewHolePuncher(NewMetrics()), NewRelaySelector(nil, nil, NewMetrics()), NewMetrics())
	strategy, err := coord.Coordinate(context.Background(), NatOpen, NatOpen, bEp, a, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyDirect, strategy.Kind)
}

func TestCoordinatorFallsBackToRelayWhenIncompatible(t *testing.T) {
	a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer a.Close()

	relay, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer relay.Close()
	go func() {
		buf := make([]byte, 64)
		for {
			n, from, err := relay.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if string(buf[:n]) == relayPingPayload {
				relay.WriteToUDP([]byte(relayPongPayload), from)
			}
		}
	}()
	relayEp, err := ParseEndpoint(relay.LocalAddr().String())
	require.NoError(t, err)

	coord := NewCoordinator(NewHolePuncher(NewMetrics()), NewRelaySelector(nil, nil, NewMetrics()), NewMetrics())
	advertised := []RelayRecord{{RelayID: "relay-1", PublicEndpoint: relayEp}}

	unreachablePeer, err := ParseEndpoint("127.0.0.1:1")
	require.NoError(t, err)

	strategy, err := coord.Coordinate(context.Background(), NatSymmetric, NatSymmetric, unreachablePeer, a, advertised)
	require.NoError(t, err)
	assert.Equal(t, StrategyRelay, strategy.Kind)
	assert.Equal(t, relayEp, strategy.Endpoint)
}
