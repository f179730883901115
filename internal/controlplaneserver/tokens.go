package controlplaneserver

import (
	"context"
	"time"

	"github.com/lanrage/mesh/pkg/mesh"
)

// defaultTokenTTL is the bearer token lifetime issued by /auth/register
// (spec.md §4.9).
const defaultTokenTTL = 24 * time.Hour

// IssueToken mints and persists a bearer token for peerID. Adapted from
// the teacher's pairing-code issuance style (internal/relay/tokens.go)
// but scoped to a single long-lived peer token rather than a
// multi-use pairing group.
func IssueToken(ctx context.Context, store *Store, peerID mesh.PeerID) (mesh.AuthToken, error) {
	tok := mesh.NewAuthToken(peerID, defaultTokenTTL)
	if err := store.InsertToken(ctx, tok); err != nil {
		return mesh.AuthToken{}, err
	}
	return tok, nil
}

// Authenticate validates a bearer token string and returns the bound
// AuthToken, or ErrUnauthorized if it is missing, unknown, or expired.
func Authenticate(ctx context.Context, store *Store, token string) (mesh.AuthToken, error) {
	if token == "" {
		return mesh.AuthToken{}, mesh.ErrUnauthorized
	}
	tok, err := store.LookupToken(ctx, token)
	if err != nil {
		return mesh.AuthToken{}, err
	}
	if tok.Expired(time.Now()) {
		return mesh.AuthToken{}, mesh.ErrUnauthorized
	}
	return tok, nil
}
