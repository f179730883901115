package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lanrage/mesh/pkg/mesh"
)

const (
	remoteRequestTimeout = 10 * time.Second
	heartbeatInterval    = 30 * time.Second
	heartbeatMissLimit   = 3
)

// wirePeer is the JSON shape exchanged with the Control Plane Server
// (spec.md §6.1).
type wirePeer struct {
	PeerID            string `json:"peer_id"`
	DisplayName       string `json:"display_name"`
	TunnelKey         string `json:"tunnel_key"`
	NatClass          string `json:"nat_class,omitempty"`
	ReflexiveEndpoint string `json:"reflexive_endpoint,omitempty"`
	DeclaredLocal     string `json:"declared_local,omitempty"`
}

func toWirePeer(p *mesh.Peer) wirePeer {
	return wirePeer{
		PeerID:            string(p.ID),
		DisplayName:       p.DisplayName,
		TunnelKey:         p.TunnelKey.String(),
		NatClass:          string(p.NatClass),
		ReflexiveEndpoint: p.ReflexiveEndpoint.String(),
		DeclaredLocal:     p.DeclaredLocal.String(),
	}
}

func (w wirePeer) toPeer(partyID mesh.PartyID) (*mesh.Peer, error) {
	key, err := mesh.ParseTunnelPublicKey(w.TunnelKey)
	if err != nil {
		return nil, err
	}
	peer := &mesh.Peer{
		ID:          mesh.PeerID(w.PeerID),
		DisplayName: w.DisplayName,
		TunnelKey:   key,
		NatClass:    mesh.NatClass(w.NatClass),
		PartyID:     partyID,
		LastSeen:    time.Now(),
		Tags:        make(map[string]string),
	}
	if ep, err := mesh.ParseEndpoint(w.ReflexiveEndpoint); err == nil {
		peer.ReflexiveEndpoint = ep
	}
	if ep, err := mesh.ParseEndpoint(w.DeclaredLocal); err == nil {
		peer.DeclaredLocal = ep
	}
	return peer, nil
}

// RemoteControlPlane is the HTTP client backend (spec.md §4.8): every
// operation becomes a request to the Control Plane Server, authenticated
// with a bearer token obtained from the initial register call. Transient
// failures retry with exponential backoff; on catastrophic connectivity
// loss, reads degrade to the last cached peer list instead of erroring.
type RemoteControlPlane struct {
	baseURL    string
	httpClient *http.Client
	selfPeer   mesh.PeerID

	mu          sync.RWMutex
	token       string
	lastCache   map[mesh.PartyID][]*mesh.Peer
	missedBeats int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRemoteControlPlane constructs a client of the Control Plane Server at
// baseURL, registering selfPeer to obtain its bearer token.
func NewRemoteControlPlane(ctx context.Context, baseURL string, selfPeer mesh.PeerID) (*RemoteControlPlane, error) {
	r := &RemoteControlPlane{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: remoteRequestTimeout},
		selfPeer:   selfPeer,
		lastCache:  make(map[mesh.PartyID][]*mesh.Peer),
	}
	if err := r.register(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Start spawns the 30s heartbeat loop against partyID.
func (r *RemoteControlPlane) Start(ctx context.Context, partyID mesh.PartyID) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.heartbeatLoop(runCtx, partyID)
}

func (r *RemoteControlPlane) heartbeatLoop(ctx context.Context, partyID mesh.PartyID) {
	defer close(r.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx, partyID, r.selfPeer); err != nil {
				r.mu.Lock()
				r.missedBeats++
				missed := r.missedBeats
				r.mu.Unlock()
				slog.Warn("controlplane: heartbeat failed", "missed", missed, "error", err)
				if missed >= heartbeatMissLimit {
					slog.Warn("controlplane: degrading to cached state", "party", partyID)
				}
			} else {
				r.mu.Lock()
				r.missedBeats = 0
				r.mu.Unlock()
			}
		}
	}
}

// degraded reports whether the client has lost connectivity long enough to
// fall back to cached reads (spec.md §4.8, §5).
func (r *RemoteControlPlane) degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.missedBeats >= heartbeatMissLimit
}

func (r *RemoteControlPlane) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = remoteRequestTimeout
	return b
}

// doJSON performs an HTTP request with retry/backoff for transient
// (network or 5xx) failures, decoding a JSON response into out if non-nil.
func (r *RemoteControlPlane) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("controlplane remote: marshal request: %w", err)
		}
		payload = data
	}

	operation := func() error {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		r.mu.RLock()
		token := r.token
		r.mu.RUnlock()
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", mesh.ErrTransient, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: server status %d", mesh.ErrTransient, resp.StatusCode)
		}
		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(mesh.ErrPeerNotFound)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return backoff.Permanent(mesh.ErrUnauthorized)
		}
		if resp.StatusCode == http.StatusForbidden {
			return backoff.Permanent(mesh.ErrForbidden)
		}
		if resp.StatusCode == http.StatusConflict {
			return backoff.Permanent(mesh.ErrConflict)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("controlplane remote: unexpected status %d", resp.StatusCode))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("controlplane remote: decode response: %w", err))
			}
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(r.newBackoff(), ctx))
}

func (r *RemoteControlPlane) register(ctx context.Context) error {
	var resp struct {
		Token string `json:"token"`
	}
	path := "/auth/register?peer_id=" + url.QueryEscape(string(r.selfPeer))
	if err := r.doJSON(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return fmt.Errorf("controlplane remote: register: %w", err)
	}
	r.mu.Lock()
	r.token = resp.Token
	r.mu.Unlock()
	return nil
}

func (r *RemoteControlPlane) RegisterParty(ctx context.Context, partyID mesh.PartyID, name string, hostPeer *mesh.Peer) (*mesh.Party, error) {
	req := struct {
		PartyID string   `json:"party_id"`
		Name    string   `json:"name"`
		Host    wirePeer `json:"host"`
	}{PartyID: string(partyID), Name: name, Host: toWirePeer(hostPeer)}
	if err := r.doJSON(ctx, http.MethodPost, "/parties", req, nil); err != nil {
		return nil, err
	}
	party := mesh.NewParty(partyID, name, hostPeer.ID)
	party.AddPeer(hostPeer)
	return party, nil
}

func (r *RemoteControlPlane) JoinParty(ctx context.Context, partyID mesh.PartyID, peer *mesh.Peer) (*mesh.Party, error) {
	if err := r.doJSON(ctx, http.MethodPost, fmt.Sprintf("/parties/%s/join", partyID), toWirePeer(peer), nil); err != nil {
		return nil, err
	}
	peers, err := r.GetPeers(ctx, partyID)
	if err != nil {
		return nil, err
	}
	party := mesh.NewParty(partyID, "", peer.ID)
	for _, p := range peers {
		party.AddPeer(p)
	}
	return party, nil
}

func (r *RemoteControlPlane) LeaveParty(ctx context.Context, partyID mesh.PartyID, peerID mesh.PeerID) error {
	return r.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/parties/%s/peers/%s", partyID, peerID), nil, nil)
}

func (r *RemoteControlPlane) UpdatePeer(ctx context.Context, partyID mesh.PartyID, peer *mesh.Peer) error {
	return r.Heartbeat(ctx, partyID, peer.ID)
}

func (r *RemoteControlPlane) GetPeers(ctx context.Context, partyID mesh.PartyID) ([]*mesh.Peer, error) {
	var resp struct {
		Peers []wirePeer `json:"peers"`
	}
	err := r.doJSON(ctx, http.MethodGet, fmt.Sprintf("/parties/%s/peers", partyID), nil, &resp)
	if err != nil {
		if r.degraded() {
			r.mu.RLock()
			cached := r.lastCache[partyID]
			r.mu.RUnlock()
			if cached != nil {
				return cached, nil
			}
		}
		return nil, err
	}
	peers := make([]*mesh.Peer, 0, len(resp.Peers))
	for _, wp := range resp.Peers {
		p, perr := wp.toPeer(partyID)
		if perr != nil {
			continue
		}
		peers = append(peers, p)
	}
	r.mu.Lock()
	r.lastCache[partyID] = peers
	r.mu.Unlock()
	return peers, nil
}

func (r *RemoteControlPlane) DiscoverPeer(ctx context.Context, partyID mesh.PartyID, peerID mesh.PeerID) (*mesh.Peer, error) {
	var wp wirePeer
	if err := r.doJSON(ctx, http.MethodGet, fmt.Sprintf("/parties/%s/peers/%s", partyID, peerID), nil, &wp); err != nil {
		return nil, err
	}
	return wp.toPeer(partyID)
}

// Peer implements mesh.PeerLookup.
func (r *RemoteControlPlane) Peer(ctx context.Context, partyID mesh.PartyID, peerID mesh.PeerID) (*mesh.Peer, error) {
	return r.DiscoverPeer(ctx, partyID, peerID)
}

func (r *RemoteControlPlane) Heartbeat(ctx context.Context, partyID mesh.PartyID, peerID mesh.PeerID) error {
	return r.doJSON(ctx, http.MethodPost, fmt.Sprintf("/parties/%s/peers/%s/heartbeat", partyID, peerID), nil, nil)
}

func (r *RemoteControlPlane) ListRelays(ctx context.Context) ([]mesh.RelayRecord, error) {
	var resp struct {
		Relays []mesh.RelayRecord `json:"relays"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/relays", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Relays, nil
}

// AdvertisedRelays implements mesh.PeerLookup.
func (r *RemoteControlPlane) AdvertisedRelays(ctx context.Context, _ mesh.PartyID) ([]mesh.RelayRecord, error) {
	return r.ListRelays(ctx)
}

// Close stops the heartbeat loop. The server-side peer record expires on
// its own TTL; there is no explicit unregister call in the spec's HTTP
// surface (spec.md §4.9).
func (r *RemoteControlPlane) Close(_ context.Context) error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return nil
}
