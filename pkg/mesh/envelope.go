package mesh

import (
	"encoding/binary"
	"fmt"
)

// Broadcast envelope wire format (spec.md §6 wire formats):
//
//	magic(4B)="LRBE" | version(1B)=1 | orig_src_port(2B,BE) | orig_dst_port(2B,BE) | payload_len(2B,BE) | payload
const (
	envelopeMagic      = "LRBE"
	envelopeVersion    = 1
	envelopeHeaderSize = 4 + 1 + 2 + 2 + 2
	maxEnvelopePayload = 1400
)

// BroadcastEnvelope carries a captured datagram's original ports alongside
// its payload so the receiving Emulator can re-inject it faithfully.
type BroadcastEnvelope struct {
	OrigSrcPort uint16
	OrigDstPort uint16
	Payload     []byte
}

// Encode serializes the envelope to its wire format. Fails if the payload
// exceeds maxEnvelopePayload.
func (e BroadcastEnvelope) Encode() ([]byte, error) {
	if len(e.Payload) > maxEnvelopePayload {
		return nil, fmt.Errorf("broadcast envelope: payload %d bytes exceeds max %d", len(e.Payload), maxEnvelopePayload)
	}
	buf := make([]byte, envelopeHeaderSize+len(e.Payload))
	copy(buf[0:4], envelopeMagic)
	buf[4] = envelopeVersion
	binary.BigEndian.PutUint16(buf[5:7], e.OrigSrcPort)
	binary.BigEndian.PutUint16(buf[7:9], e.OrigDstPort)
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(e.Payload)))
	copy(buf[11:], e.Payload)
	return buf, nil
}

// DecodeBroadcastEnvelope parses the wire format produced by Encode.
func DecodeBroadcastEnvelope(buf []byte) (BroadcastEnvelope, error) {
	if len(buf) < envelopeHeaderSize {
		return BroadcastEnvelope{}, fmt.Errorf("broadcast envelope: short header (%d bytes)", len(buf))
	}
	if string(buf[0:4]) != envelopeMagic {
		return BroadcastEnvelope{}, fmt.Errorf("broadcast envelope: bad magic %q", buf[0:4])
	}
	if buf[4] != envelopeVersion {
		return BroadcastEnvelope{}, fmt.Errorf("broadcast envelope: unsupported version %d", buf[4])
	}
	srcPort := binary.BigEndian.Uint16(buf[5:7])
	dstPort := binary.BigEndian.Uint16(buf[7:9])
	payloadLen := binary.BigEndian.Uint16(buf[9:11])
	if int(payloadLen) != len(buf)-envelopeHeaderSize {
		return BroadcastEnvelope{}, fmt.Errorf("broadcast envelope: length mismatch, header says %d, have %d", payloadLen, len(buf)-envelopeHeaderSize)
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[envelopeHeaderSize:])
	return BroadcastEnvelope{OrigSrcPort: srcPort, OrigDstPort: dstPort, Payload: payload}, nil
}
