package controlplaneserver

import (
	"encoding/json"
	"net/http"

	"github.com/lanrage/mesh/internal/validate"
	"github.com/lanrage/mesh/pkg/mesh"
)

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
		PeerID: string(p.ID), DisplayName: p.DisplayName, TunnelKey: p.TunnelKey.String(),
		NatClass: string(p.NatClass), ReflexiveEndpoint: p.ReflexiveEndpoint.String(), DeclaredLocal: p.DeclaredLocal.String(),
	}
}

func (w wirePeer) toPeer(partyID mesh.PartyID) (*mesh.Peer, error) {
	key, err := mesh.ParseTunnelPublicKey(w.TunnelKey)
	if err != nil {
		return nil, err
	}
	p, perr := mesh.NewPeer(mesh.PeerID(w.PeerID), w.DisplayName, key, partyID)
	if perr != nil {
		return nil, perr
	}
	p.NatClass = mesh.NatClass(w.NatClass)
	if ep, eerr := mesh.ParseEndpoint(w.ReflexiveEndpoint); eerr == nil {
		p.ReflexiveEndpoint = ep
	}
	return p, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, req *http.Request) {
	peerID := mesh.PeerID(req.URL.Query().Get("peer_id"))
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "peer_id query parameter required")
		return
	}
	tok, err := IssueToken(req.Context(), s.store, peerID)
	if err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok.Token, "expires_at": tok.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")})
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	if !s.store.Healthy(req.Context()) {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	relays, _ := s.store.ListRelays(req.Context())
	writeJSON(w, http.StatusOK, map[string]int{"relays": len(relays)})
}

func (s *Server) handleCreateParty(w http.ResponseWriter, req *http.Request) {
	var body struct {
		PartyID string   `json:"party_id"`
		Name    string   `json:"name"`
		Host    wirePeer `json:"host"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.PartyName(body.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	exists, err := s.store.PartyExists(req.Context(), mesh.PartyID(body.PartyID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if exists {
		writeError(w, http.StatusConflict, "party already exists")
		return
	}
	host, err := body.Host.toPeer(mesh.PartyID(body.PartyID))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateParty(req.Context(), mesh.PartyID(body.PartyID), body.Name, host.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.UpsertPeer(req.Context(), mesh.PartyID(body.PartyID), host); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"party_id": body.PartyID})
}

func (s *Server) handleJoinParty(w http.ResponseWriter, req *http.Request) {
	partyID := mesh.PartyID(req.PathValue("party_id"))
	exists, err := s.store.PartyExists(req.Context(), partyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "party not found")
		return
	}
	var wp wirePeer
	if err := json.NewDecoder(req.Body).Decode(&wp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	peer, perr := wp.toPeer(partyID)
	if perr != nil {
		writeError(w, http.StatusBadRequest, perr.Error())
		return
	}
	if err := s.store.UpsertPeer(req.Context(), partyID, peer); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"peer_id": string(peer.ID)})
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, req *http.Request) {
	partyID := mesh.PartyID(req.PathValue("party_id"))
	peerID := mesh.PeerID(req.PathValue("peer_id"))

	host, err := s.store.PartyHost(req.Context(), partyID)
	if err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}
	if err := s.store.DeletePeer(req.Context(), peerID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	remaining, err := s.store.CountPeersInParty(req.Context(), partyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if peerID == host || remaining == 0 {
		if err := s.store.DeleteParty(req.Context(), partyID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetParty(w http.ResponseWriter, req *http.Request) {
	partyID := mesh.PartyID(req.PathValue("party_id"))
	host, err := s.store.PartyHost(req.Context(), partyID)
	if err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}
	count, err := s.store.CountPeersInParty(req.Context(), partyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"party_id": string(partyID), "host_id": string(host), "peer_count": count})
}

func (s *Server) handleListPeers(w http.ResponseWriter, req *http.Request) {
	partyID := mesh.PartyID(req.PathValue("party_id"))
	peers, err := s.store.ListPeers(req.Context(), partyID)
	if err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}
	out := make([]wirePeer, 0, len(peers))
	for _, p := range peers {
		out = append(out, toWirePeer(p))
	}
	writeJSON(w, http.StatusOK, map[string][]wirePeer{"peers": out})
}

func (s *Server) handleGetPeer(w http.ResponseWriter, req *http.Request) {
	peerID := mesh.PeerID(req.PathValue("peer_id"))
	peer, _, err := s.store.GetPeer(req.Context(), peerID)
	if err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toWirePeer(peer))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	peerID := mesh.PeerID(req.PathValue("peer_id"))
	if err := s.store.TouchPeer(req.Context(), peerID); err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterRelay(w http.ResponseWriter, req *http.Request) {
	var r mesh.RelayRecord
	if err := json.NewDecoder(req.Body).Decode(&r); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.RelayRegion(r.Region); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpsertRelay(req.Context(), r); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRelays(w http.ResponseWriter, req *http.Request) {
	relays, err := s.store.ListRelays(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]mesh.RelayRecord{"relays": relays})
}
