package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanrage/mesh/pkg/mesh"
)

func newTestRemoteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "test-token"})
	})
	mux.HandleFunc("POST /parties", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /parties/{id}/peers", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"peers": []wirePeer{{PeerID: "peer1", DisplayName: "Alice", TunnelKey: (mesh.TunnelPublicKey{}).String()}},
		})
	})
	mux.HandleFunc("POST /parties/{id}/peers/{peer}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /relays", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"relays": []mesh.RelayRecord{{RelayID: "relay-1"}}})
	})
	return httptest.NewServer(mux)
}

func TestRemoteControlPlaneRegisterObtainsToken(t *testing.T) {
	srv := newTestRemoteServer(t)
	defer srv.Close()

	rcp, err := NewRemoteControlPlane(context.Background(), srv.URL, "self1")
	require.NoError(t, err)
	assert.Equal(t, "test-token", rcp.token)
}

func TestRemoteControlPlaneGetPeers(t *testing.T) {
	srv := newTestRemoteServer(t)
	defer srv.Close()

	rcp, err := NewRemoteControlPlane(context.Background(), srv.URL, "self1")
	require.NoError(t, err)

	peers, err := rcp.GetPeers(context.Background(), "party1")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, mesh.PeerID("peer1"), peers[0].ID)
}

func TestRemoteControlPlaneListRelays(t *testing.T) {
	srv := newTestRemoteServer(t)
	defer srv.Close()

	rcp, err := NewRemoteControlPlane(context.Background(), srv.URL, "self1")
	require.NoError(t, err)

	relays, err := rcp.ListRelays(context.Background())
	require.NoError(t, err)
	require.Len(t, relays, 1)
	assert.Equal(t, "relay-1", relays[0].RelayID)
}

func TestRemoteControlPlaneNotFoundIsPermanent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
	})
	mux.HandleFunc("GET /parties/{id}/peers/{peer}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rcp, err := NewRemoteControlPlane(context.Background(), srv.URL, "self1")
	require.NoError(t, err)

	_, err = rcp.DiscoverPeer(context.Background(), "party1", "ghost")
	assert.ErrorIs(t, err, mesh.ErrPeerNotFound)
}

func TestRemoteControlPlaneGetPeersFallsBackToCacheWhenDegraded(t *testing.T) {
	srv := newTestRemoteServer(t)
	rcp, err := NewRemoteControlPlane(context.Background(), srv.URL, "self1")
	require.NoError(t, err)

	cached := []*mesh.Peer{{ID: "peer1", DisplayName: "Alice"}}
	rcp.mu.Lock()
	rcp.lastCache["party1"] = cached
	rcp.missedBeats = heartbeatMissLimit
	rcp.mu.Unlock()
	srv.Close() // subsequent requests now fail fast (connection refused)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	peers, err := rcp.GetPeers(ctx, "party1")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, mesh.PeerID("peer1"), peers[0].ID)
}
