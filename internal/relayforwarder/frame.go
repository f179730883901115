// Package relayforwarder implements the stateless UDP relay from
// spec.md §4.10: it forwards encrypted tunnel packets between peers
// without decrypting them, learning client identities only from the
// handshake frames' cleartext static-key field.
package relayforwarder

import (
	"fmt"

	"github.com/lanrage/mesh/pkg/mesh"
)

// Frame type tags, fixed at byte 0 of every tunnel datagram the forwarder
// sees. Grounded on the handshake-initiation/response/data-message layout
// of a Noise-IK-style tunnel protocol (the same shape
// golang.org/x/crypto/chacha20poly1305's AEAD is built for), but only the
// cleartext type tag and static-key/destination-key fields are read; the
// forwarder never attempts to decrypt a payload.
const (
	frameTypeInitiation byte = 1
	frameTypeResponse   byte = 2
	frameTypeData       byte = 3

	frameHeaderSize = 1 + 3 + mesh.TunnelPublicKeySize // type(1) | reserved(3) | key(32)
)

// Handshake carries the sender's static public key, extracted from an
// initiation or response frame.
type Handshake struct {
	Type      byte
	StaticKey mesh.TunnelPublicKey
}

// DataFrame carries the destination tunnel key read from a data frame's
// header. The forwarder relays the original datagram bytes verbatim; this
// only identifies where to.
type DataFrame struct {
	DstKey mesh.TunnelPublicKey
}

// ParseFrame inspects a datagram's type tag and returns either a Handshake
// (type 1/2, learn src key) or a DataFrame (type 3, forward-by-dst-key).
// Any other shape is rejected; the forwarder never attempts to interpret
// unrecognized frame types.
func ParseFrame(buf []byte) (Handshake, DataFrame, error) {
	if len(buf) < frameHeaderSize {
		return Handshake{}, DataFrame{}, fmt.Errorf("relayforwarder: short frame (%d bytes)", len(buf))
	}
	switch buf[0] {
	case frameTypeInitiation, frameTypeResponse:
		var key mesh.TunnelPublicKey
		copy(key[:], buf[4:4+mesh.TunnelPublicKeySize])
		return Handshake{Type: buf[0], StaticKey: key}, DataFrame{}, nil
	case frameTypeData:
		var key mesh.TunnelPublicKey
		copy(key[:], buf[4:4+mesh.TunnelPublicKeySize])
		return Handshake{}, DataFrame{DstKey: key}, nil
	default:
		return Handshake{}, DataFrame{}, fmt.Errorf("relayforwarder: unrecognized frame type %d", buf[0])
	}
}
