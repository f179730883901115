package controlplaneserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lanrage/mesh/pkg/mesh"
)

// cleanupInterval is the ticker period for the server-side cleanup task
// (spec.md §4.9).
const cleanupInterval = 60 * time.Second

// Server is the authoritative central service from spec.md §4.9: the HTTP
// surface in §6.1 over the relational Store, with token-scoped auth and
// periodic cleanup.
type Server struct {
	store      *Store
	httpServer *http.Server
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewServer builds the ServeMux with Go 1.22+ method+path-pattern routing
// (mux.HandleFunc("METHOD /path", ...)).
func NewServer(addr string, store *Store) *Server {
	s := &Server{store: store}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /parties", s.withAuth(s.handleCreateParty))
	mux.HandleFunc("POST /parties/{party_id}/join", s.withAuth(s.handleJoinParty))
	mux.HandleFunc("DELETE /parties/{party_id}/peers/{peer_id}", s.withAuth(s.handleRemovePeer))
	mux.HandleFunc("GET /parties/{party_id}", s.withAuth(s.handleGetParty))
	mux.HandleFunc("GET /parties/{party_id}/peers", s.withAuth(s.handleListPeers))
	mux.HandleFunc("GET /parties/{party_id}/peers/{peer_id}", s.withAuth(s.handleGetPeer))
	mux.HandleFunc("POST /parties/{party_id}/peers/{peer_id}/heartbeat", s.withAuth(s.handleHeartbeat))

	mux.HandleFunc("POST /relays", s.withAuth(s.handleRegisterRelay))
	mux.HandleFunc("GET /relays", s.withAuth(s.handleListRelays))

	s.httpServer = &http.Server{Addr: addr, Handler: s.withDBHealthCheck(mux)}
	return s
}

// Start serves HTTP and spawns the cleanup task; it returns once the
// listener is closed by Shutdown.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.cleanupLoop(runCtx)

	slog.Info("controlplaneserver: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the cleanup task and gracefully closes the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) cleanupLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Cleanup(ctx); err != nil {
				slog.Warn("controlplaneserver: cleanup failed", "error", err)
			}
		}
	}
}

// withDBHealthCheck returns 503 for every request if the database is
// unreachable, before the request reaches a handler that would otherwise
// fail with a less specific error (spec.md §4.9 failure semantics).
func (s *Server) withDBHealthCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/health" && !s.store.Healthy(req.Context()) {
			writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
		next.ServeHTTP(w, req)
	})
}

// withAuth requires a valid, unexpired bearer token, and additionally
// enforces that the token's bound PeerId matches the {peer_id} path
// parameter when one is present (spec.md §4.9).
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := bearerToken(req)
		tok, err := Authenticate(req.Context(), s.store, token)
		if err != nil {
			writeErrorForAuth(w, err)
			return
		}
		if peerID := req.PathValue("peer_id"); peerID != "" && mesh.PeerID(peerID) != tok.PeerID {
			writeError(w, http.StatusForbidden, "token does not match peer_id")
			return
		}
		next(w, req)
	}
}

func bearerToken(req *http.Request) string {
	const prefix = "Bearer "
	h := req.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func writeErrorForAuth(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mesh.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, mesh.ErrPeerNotFound), errors.Is(err, mesh.ErrPartyNotFound):
		return http.StatusNotFound
	case errors.Is(err, mesh.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, mesh.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, mesh.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
