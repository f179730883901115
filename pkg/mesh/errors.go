package mesh

import "errors"

// Error taxonomy for the mesh core. Every component returns one of these
// sentinels (optionally wrapped with fmt.Errorf("...: %w", ...)) so callers
// can branch with errors.Is instead of string matching.
var (
	// ErrNetworkUnreachable covers underlying socket failure: no STUN server
	// responded, a relay candidate was unreachable, or a UDP send failed.
	ErrNetworkUnreachable = errors.New("network unreachable")

	// ErrPeerNotFound means the control plane has no record for the peer.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrPartyNotFound means the control plane has no record for the party.
	ErrPartyNotFound = errors.New("party not found")

	// ErrUnauthorized means the bearer token is missing, invalid, or expired.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the token is valid but bound to a different peer
	// than the one named in the request path.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict means a duplicate party or peer id was used on creation.
	ErrConflict = errors.New("conflict")

	// ErrAddressPoolExhausted means the virtual address pool has no more
	// addresses available and subnet expansion is disallowed or exhausted.
	ErrAddressPoolExhausted = errors.New("address pool exhausted")

	// ErrNoRelayAvailable means every candidate relay failed its RTT probe.
	ErrNoRelayAvailable = errors.New("no relay available")

	// ErrTunnelDeviceError means the tunnel device refused a configuration
	// change (bad key, invalid endpoint, device closed).
	ErrTunnelDeviceError = errors.New("tunnel device error")

	// ErrTransient marks a retryable I/O failure (reset, timeout below the
	// caller's total budget). Components retry it internally; it should
	// rarely escape to a top-level caller.
	ErrTransient = errors.New("transient failure")
)
