package controlplaneserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanrage/mesh/pkg/mesh"
)

func TestWirePeerRoundTrip(t *testing.T) {
	var key mesh.TunnelPublicKey
	key[0] = 7
	peer, err := mesh.NewPeer("peer1", "Alice", key, "party1")
	require.NoError(t, err)
	peer.ReflexiveEndpoint = mustTestEndpoint("203.0.113.5:41820")

	wp := toWirePeer(peer)
	assert.Equal(t, "peer1", wp.PeerID)
	assert.Equal(t, "Alice", wp.DisplayName)

	back, err := wp.toPeer("party1")
	require.NoError(t, err)
	assert.Equal(t, peer.ID, back.ID)
	assert.Equal(t, peer.TunnelKey, back.TunnelKey)
	assert.Equal(t, peer.ReflexiveEndpoint, back.ReflexiveEndpoint)
}

func TestWirePeerToPeerRejectsBadKey(t *testing.T) {
	wp := wirePeer{PeerID: "peer1", DisplayName: "Alice", TunnelKey: "not-base64!!"}
	_, err := wp.toPeer("party1")
	assert.Error(t, err)
}

func TestWirePeerToPeerRejectsBadDisplayName(t *testing.T) {
	var key mesh.TunnelPublicKey
	wp := wirePeer{PeerID: "peer1", DisplayName: "", TunnelKey: key.String()}
	_, err := wp.toPeer("party1")
	assert.Error(t, err)
}

func TestStoreErrorStatusMapping(t *testing.T) {
	assert.Equal(t, 404, storeErrorStatus(mesh.ErrPeerNotFound))
	assert.Equal(t, 404, storeErrorStatus(mesh.ErrPartyNotFound))
	assert.Equal(t, 401, storeErrorStatus(mesh.ErrUnauthorized))
	assert.Equal(t, 403, storeErrorStatus(mesh.ErrForbidden))
	assert.Equal(t, 409, storeErrorStatus(mesh.ErrConflict))
	assert.Equal(t, 500, storeErrorStatus(assertUnrelatedErr()))
}

func assertUnrelatedErr() error {
	return mesh.ErrNetworkUnreachable
}

func mustTestEndpoint(s string) mesh.Endpoint {
	ep, err := mesh.ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return ep
}
