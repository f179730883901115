// Package controlplaneserver implements the authoritative central service
// from spec.md §4.9: parties/peers/relays/auth_tokens tables behind an
// HTTP API with token-scoped auth and periodic cleanup.
package controlplaneserver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/lanrage/mesh/pkg/mesh"
)

// Store is the relational persistence layer over the four tables named in
// spec.md §4.9. Per-request operations share one *sql.DB connection from
// the pool; database/sql's own pooling gives "concurrent requests use
// separate connections" for free, so no custom connection manager is
// needed here.
type Store struct {
	db *sql.DB
}

// Schema is the DDL for the four tables. OpenStore executes it on every
// open; every statement is IF NOT EXISTS, so existing tables are left as
// they are (no migration framework is in scope for this service).
const Schema = `
CREATE TABLE IF NOT EXISTS parties (
	party_id   TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	host_id    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS peers (
	peer_id            TEXT PRIMARY KEY,
	party_id           TEXT NOT NULL REFERENCES parties(party_id) ON DELETE CASCADE,
	tunnel_public_key  TEXT NOT NULL,
	virtual_address    TEXT,
	reflexive_endpoint TEXT,
	nat_class          TEXT,
	last_seen          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_peers_party_id ON peers(party_id);

CREATE TABLE IF NOT EXISTS relays (
	relay_id      TEXT PRIMARY KEY,
	public_ip     TEXT NOT NULL,
	port          INTEGER NOT NULL,
	region        TEXT,
	capacity      INTEGER,
	registered_at TIMESTAMPTZ NOT NULL,
	last_seen     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_tokens (
	token      TEXT PRIMARY KEY,
	peer_id    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auth_tokens_expires_at ON auth_tokens(expires_at);
`

// OpenStore opens a Postgres connection pool at dsn and ensures the schema
// exists.
func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("controlplaneserver: open db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("controlplaneserver: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Healthy reports whether the database is reachable, used to decide
// between a 503 and normal query handling (spec.md §4.9).
func (s *Store) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateParty(ctx context.Context, partyID mesh.PartyID, name string, hostID mesh.PeerID) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO parties (party_id, name, host_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
		string(partyID), name, string(hostID), now)
	return err
}

func (s *Store) PartyExists(ctx context.Context, partyID mesh.PartyID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM parties WHERE party_id = $1)`, string(partyID)).Scan(&exists)
	return exists, err
}

func (s *Store) PartyHost(ctx context.Context, partyID mesh.PartyID) (mesh.PeerID, error) {
	var host string
	err := s.db.QueryRowContext(ctx, `SELECT host_id FROM parties WHERE party_id = $1`, string(partyID)).Scan(&host)
	if err == sql.ErrNoRows {
		return "", mesh.ErrPartyNotFound
	}
	return mesh.PeerID(host), err
}

func (s *Store) DeleteParty(ctx context.Context, partyID mesh.PartyID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM parties WHERE party_id = $1`, string(partyID))
	return err
}

func (s *Store) UpsertPeer(ctx context.Context, partyID mesh.PartyID, peer *mesh.Peer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (peer_id, party_id, tunnel_public_key, virtual_address, reflexive_endpoint, nat_class, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (peer_id) DO UPDATE SET
			tunnel_public_key = EXCLUDED.tunnel_public_key,
			virtual_address = EXCLUDED.virtual_address,
			reflexive_endpoint = EXCLUDED.reflexive_endpoint,
			nat_class = EXCLUDED.nat_class,
			last_seen = EXCLUDED.last_seen`,
		string(peer.ID), string(partyID), peer.TunnelKey.String(), "", peer.ReflexiveEndpoint.String(), string(peer.NatClass), peer.LastSeen)
	return err
}

func (s *Store) TouchPeer(ctx context.Context, peerID mesh.PeerID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE peers SET last_seen = $1 WHERE peer_id = $2`, time.Now(), string(peerID))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mesh.ErrPeerNotFound
	}
	return nil
}

func (s *Store) DeletePeer(ctx context.Context, peerID mesh.PeerID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE peer_id = $1`, string(peerID))
	return err
}

func (s *Store) GetPeer(ctx context.Context, peerID mesh.PeerID) (*mesh.Peer, mesh.PartyID, error) {
	var partyID, keyB64, reflexive, natClass string
	var lastSeen time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT party_id, tunnel_public_key, reflexive_endpoint, nat_class, last_seen FROM peers WHERE peer_id = $1`,
		string(peerID)).Scan(&partyID, &keyB64, &reflexive, &natClass, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, "", mesh.ErrPeerNotFound
	}
	if err != nil {
		return nil, "", err
	}
	key, kerr := mesh.ParseTunnelPublicKey(keyB64)
	if kerr != nil {
		return nil, "", kerr
	}
	peer := &mesh.Peer{ID: peerID, TunnelKey: key, NatClass: mesh.NatClass(natClass), PartyID: mesh.PartyID(partyID), LastSeen: lastSeen, Tags: make(map[string]string)}
	if ep, eerr := mesh.ParseEndpoint(reflexive); eerr == nil {
		peer.ReflexiveEndpoint = ep
	}
	return peer, mesh.PartyID(partyID), nil
}

func (s *Store) ListPeers(ctx context.Context, partyID mesh.PartyID) ([]*mesh.Peer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT peer_id, tunnel_public_key, reflexive_endpoint, nat_class, last_seen FROM peers WHERE party_id = $1`,
		string(partyID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []*mesh.Peer
	for rows.Next() {
		var peerID, keyB64, reflexive, natClass string
		var lastSeen time.Time
		if err := rows.Scan(&peerID, &keyB64, &reflexive, &natClass, &lastSeen); err != nil {
			return nil, err
		}
		key, kerr := mesh.ParseTunnelPublicKey(keyB64)
		if kerr != nil {
			continue
		}
		peer := &mesh.Peer{ID: mesh.PeerID(peerID), TunnelKey: key, NatClass: mesh.NatClass(natClass), PartyID: partyID, LastSeen: lastSeen, Tags: make(map[string]string)}
		if ep, eerr := mesh.ParseEndpoint(reflexive); eerr == nil {
			peer.ReflexiveEndpoint = ep
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

func (s *Store) CountPeersInParty(ctx context.Context, partyID mesh.PartyID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM peers WHERE party_id = $1`, string(partyID)).Scan(&n)
	return n, err
}

func (s *Store) UpsertRelay(ctx context.Context, r mesh.RelayRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relays (relay_id, public_ip, port, region, capacity, registered_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (relay_id) DO UPDATE SET public_ip = EXCLUDED.public_ip, port = EXCLUDED.port,
			region = EXCLUDED.region, capacity = EXCLUDED.capacity, last_seen = EXCLUDED.last_seen`,
		r.RelayID, r.PublicEndpoint.IP.String(), int(r.PublicEndpoint.Port), r.Region, r.NominalCapacity, time.Now())
	return err
}

func (s *Store) ListRelays(ctx context.Context) ([]mesh.RelayRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT relay_id, public_ip, port, region, capacity, registered_at, last_seen FROM relays`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relays []mesh.RelayRecord
	for rows.Next() {
		var r mesh.RelayRecord
		var ip string
		var port int
		if err := rows.Scan(&r.RelayID, &ip, &port, &r.Region, &r.NominalCapacity, &r.RegisteredAt, &r.LastHeartbeat); err != nil {
			return nil, err
		}
		ep, _ := mesh.ParseEndpoint(fmt.Sprintf("%s:%d", ip, port))
		r.PublicEndpoint = ep
		relays = append(relays, r)
	}
	return relays, rows.Err()
}

func (s *Store) InsertToken(ctx context.Context, tok mesh.AuthToken) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO auth_tokens (token, peer_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		tok.Token, string(tok.PeerID), time.Now(), tok.ExpiresAt)
	return err
}

func (s *Store) LookupToken(ctx context.Context, token string) (mesh.AuthToken, error) {
	var tok mesh.AuthToken
	var peerID string
	err := s.db.QueryRowContext(ctx, `SELECT peer_id, expires_at FROM auth_tokens WHERE token = $1`, token).Scan(&peerID, &tok.ExpiresAt)
	if err == sql.ErrNoRows {
		return mesh.AuthToken{}, mesh.ErrUnauthorized
	}
	tok.Token = token
	tok.PeerID = mesh.PeerID(peerID)
	return tok, err
}

// Cleanup deletes stale peers, empty parties, expired tokens, and stale
// relays (spec.md §4.9).
func (s *Store) Cleanup(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE last_seen < $1`, time.Now().Add(-5*time.Minute)); err != nil {
		return fmt.Errorf("cleanup peers: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM parties WHERE party_id NOT IN (SELECT DISTINCT party_id FROM peers)`); err != nil {
		return fmt.Errorf("cleanup parties: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE expires_at < $1`, time.Now()); err != nil {
		return fmt.Errorf("cleanup tokens: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM relays WHERE last_seen < $1`, time.Now().Add(-2*time.Minute)); err != nil {
		return fmt.Errorf("cleanup relays: %w", err)
	}
	return nil
}
