package mesh

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// DefaultSTUNServers are well-known public STUN servers, tried in order
// after any user-provided servers.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

const (
	stunProbeTimeout  = 2 * time.Second
	stunMaxServers    = 3
	stunMagicCookie   uint32 = 0x2112A442
	stunBindingReq    uint16 = 0x0001
	stunBindingResp   uint16 = 0x0101
	stunHeaderSize           = 20
	stunAttrXorMapped uint16 = 0x0020
	stunAttrMapped    uint16 = 0x0001
)

// STUNProbeResult is the outcome of a single STUN server exchange.
type STUNProbeResult struct {
	Server   string
	Endpoint Endpoint
	Latency  time.Duration
	Err      error
}

// ProbeOutcome is the aggregate result of an NAT Prober detect() call.
type ProbeOutcome struct {
	ReflexiveEndpoint Endpoint
	NatClass          NatClass
	Probes            []STUNProbeResult
}

// NATProber discovers a peer's reflexive endpoint and NAT class via STUN
// (RFC 5389 Binding Request/Response), reusing the same local UDP socket
// the tunnel device will use so the observed mapping matches what the
// tunnel sees (spec.md §4.1).
type NATProber struct {
	servers []string
	metrics *Metrics
}

// NewNATProber creates a NATProber. User-provided servers are tried first,
// then DefaultSTUNServers, up to stunMaxServers total.
func NewNATProber(servers []string, m *Metrics) *NATProber {
	all := append(append([]string{}, servers...), DefaultSTUNServers...)
	if len(all) > stunMaxServers {
		all = all[:stunMaxServers]
	}
	return &NATProber{servers: all, metrics: m}
}

// Detect performs STUN probes over conn (bound to the local port the
// tunnel device will use) and classifies the NAT. It fails with
// ErrNetworkUnreachable if no server responds.
func (p *NATProber) Detect(ctx context.Context, conn *net.UDPConn) (*ProbeOutcome, error) {
	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("stun: local addr is not udp")
	}
	localIP, _ := netip.AddrFromSlice(localAddr.IP)
	localIP = localIP.Unmap()

	var results []STUNProbeResult
	for _, server := range p.servers {
		probeCtx, cancel := context.WithTimeout(ctx, stunProbeTimeout)
		res := p.probeOne(probeCtx, conn, server)
		cancel()
		results = append(results, res)
		if res.Err == nil {
			p.metrics.incCounter(p.metrics.STUNProbeTotal, "success")
		} else {
			p.metrics.incCounter(p.metrics.STUNProbeTotal, "failure")
		}
	}

	var successful []STUNProbeResult
	for _, r := range results {
		if r.Err == nil {
			successful = append(successful, r)
		}
	}
	if len(successful) == 0 {
		return nil, fmt.Errorf("stun: all probes failed: %w", ErrNetworkUnreachable)
	}

	class := classifyNAT(localIP, uint16(localAddr.Port), successful)
	p.metrics.incCounter(p.metrics.NATClassifications, string(class))

	outcome := &ProbeOutcome{
		ReflexiveEndpoint: successful[0].Endpoint,
		NatClass:          class,
		Probes:            results,
	}
	slog.Info("stun: probe complete",
		"servers", len(p.servers), "successful", len(successful), "nat_class", string(class))
	return outcome, nil
}

// classifyNAT applies the spec.md §4.1 heuristic exactly:
//   - reflexive.ip == local.ip                           -> open
//   - else reflexive.port == local.port (first server)   -> full-cone
//   - a second probe to a distinct server with a          -> symmetric
//     differing reflexive port
//   - otherwise                                          -> port-restricted-cone
func classifyNAT(localIP netip.Addr, localPort uint16, successful []STUNProbeResult) NatClass {
	first := successful[0]

	if first.Endpoint.IP == localIP {
		return NatOpen
	}
	if first.Endpoint.Port == localPort {
		return NatFullCone
	}
	if len(successful) > 1 {
		for _, r := range successful[1:] {
			if r.Endpoint.Port != first.Endpoint.Port {
				return NatSymmetric
			}
		}
	}
	return NatPortRestrictedCone
}

func (p *NATProber) probeOne(ctx context.Context, conn *net.UDPConn, server string) STUNProbeResult {
	result := STUNProbeResult{Server: server}
	start := time.Now()

	addr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		result.Err = fmt.Errorf("resolve %s: %w", server, err)
		return result
	}

	var txID [12]byte
	if _, err := rand.Read(txID[:]); err != nil {
		result.Err = fmt.Errorf("rand: %w", err)
		return result
	}
	req := buildBindingRequest(txID)

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.WriteToUDP(req, addr); err != nil {
		result.Err = fmt.Errorf("write %s: %w", server, err)
		return result
	}

	buf := make([]byte, 576)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			result.Err = fmt.Errorf("read %s: %w", server, err)
			return result
		}
		if from.String() != addr.String() {
			continue // datagram from an unexpected source; ignore
		}
		ip, port, matched, err := parseBindingResponse(buf[:n], txID)
		if err != nil {
			result.Err = err
			return result
		}
		if !matched {
			continue // transaction ID mismatch; keep waiting within deadline
		}
		result.Latency = time.Since(start)
		addr, _ := netip.AddrFromSlice(ip)
		result.Endpoint = Endpoint{IP: addr.Unmap(), Port: uint16(port)}
		return result
	}
}

func buildBindingRequest(txID [12]byte) []byte {
	req := make([]byte, stunHeaderSize)
	binary.BigEndian.PutUint16(req[0:2], stunBindingReq)
	binary.BigEndian.PutUint16(req[2:4], 0)
	binary.BigEndian.PutUint32(req[4:8], stunMagicCookie)
	copy(req[8:20], txID[:])
	return req
}

// parseBindingResponse parses a STUN Binding Response. matched reports
// whether the transaction ID echoes txID; mismatched transactions are not
// an error, the caller should keep listening.
func parseBindingResponse(buf []byte, txID [12]byte) (ip net.IP, port int, matched bool, err error) {
	if len(buf) < stunHeaderSize {
		return nil, 0, false, fmt.Errorf("stun: response too short")
	}
	if binary.BigEndian.Uint16(buf[0:2]) != stunBindingResp {
		return nil, 0, false, fmt.Errorf("stun: unexpected response type")
	}
	if binary.BigEndian.Uint32(buf[4:8]) != stunMagicCookie {
		return nil, 0, false, fmt.Errorf("stun: invalid magic cookie")
	}
	if !bytesEqual(buf[8:20], txID[:]) {
		return nil, 0, false, nil
	}

	attrLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if stunHeaderSize+attrLen > len(buf) {
		return nil, 0, false, fmt.Errorf("stun: attribute length exceeds packet")
	}

	mappedIP, mappedPort, perr := parseAttributes(buf[stunHeaderSize:stunHeaderSize+attrLen], txID[:])
	if perr != nil {
		return nil, 0, false, perr
	}
	return mappedIP, mappedPort, true, nil
}

func parseAttributes(data []byte, txID []byte) (net.IP, int, error) {
	var mappedIP net.IP
	var mappedPort int
	var foundXor bool

	offset := 0
	for offset+4 <= len(data) {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4
		if offset+attrLen > len(data) {
			break
		}
		attrData := data[offset : offset+attrLen]

		switch attrType {
		case stunAttrXorMapped:
			if ip, port, err := parseXorMappedAddress(attrData, txID); err == nil {
				mappedIP, mappedPort, foundXor = ip, port, true
			}
		case stunAttrMapped:
			if !foundXor {
				if ip, port, err := parseMappedAddress(attrData); err == nil {
					mappedIP, mappedPort = ip, port
				}
			}
		}

		offset += attrLen
		if attrLen%4 != 0 {
			offset += 4 - (attrLen % 4)
		}
	}

	if mappedIP == nil {
		return nil, 0, fmt.Errorf("stun: no mapped address in response")
	}
	return mappedIP, mappedPort, nil
}

func parseXorMappedAddress(data []byte, txID []byte) (net.IP, int, error) {
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("stun: XOR-MAPPED-ADDRESS too short")
	}
	family := data[1]
	xPort := binary.BigEndian.Uint16(data[2:4])
	port := int(xPort ^ uint16(stunMagicCookie>>16))

	switch family {
	case 0x01:
		xAddr := binary.BigEndian.Uint32(data[4:8])
		addr := xAddr ^ stunMagicCookie
		return net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr)), port, nil
	case 0x02:
		if len(data) < 20 {
			return nil, 0, fmt.Errorf("stun: IPv6 address too short")
		}
		xorKey := make([]byte, 16)
		binary.BigEndian.PutUint32(xorKey[0:4], stunMagicCookie)
		copy(xorKey[4:16], txID)
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = data[4+i] ^ xorKey[i]
		}
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
}

func parseMappedAddress(data []byte) (net.IP, int, error) {
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("stun: MAPPED-ADDRESS too short")
	}
	family := data[1]
	port := int(binary.BigEndian.Uint16(data[2:4]))
	switch family {
	case 0x01:
		return net.IPv4(data[4], data[5], data[6], data[7]), port, nil
	case 0x02:
		if len(data) < 20 {
			return nil, 0, fmt.Errorf("stun: IPv6 address too short")
		}
		ip := make(net.IP, 16)
		copy(ip, data[4:20])
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// BuildSTUNBindingResponse constructs a Binding Response with an
// XOR-MAPPED-ADDRESS attribute. Exported for tests that act as a fake
// STUN server.
func BuildSTUNBindingResponse(txID [12]byte, ip net.IP, port int) []byte {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}
	attr := make([]byte, 12)
	binary.BigEndian.PutUint16(attr[0:2], stunAttrXorMapped)
	binary.BigEndian.PutUint16(attr[2:4], 8)
	attr[5] = 0x01
	xPort := uint16(port) ^ uint16(stunMagicCookie>>16)
	binary.BigEndian.PutUint16(attr[6:8], xPort)
	rawIP := binary.BigEndian.Uint32(ip4)
	binary.BigEndian.PutUint32(attr[8:12], rawIP^stunMagicCookie)

	resp := make([]byte, stunHeaderSize+len(attr))
	binary.BigEndian.PutUint16(resp[0:2], stunBindingResp)
	binary.BigEndian.PutUint16(resp[2:4], uint16(len(attr)))
	binary.BigEndian.PutUint32(resp[4:8], stunMagicCookie)
	copy(resp[8:20], txID[:])
	copy(resp[stunHeaderSize:], attr)
	return resp
}

// ParseBindingRequestTxID extracts the transaction ID from a raw Binding
// Request. Exported for tests that act as a fake STUN server.
func ParseBindingRequestTxID(buf []byte) ([12]byte, error) {
	var txID [12]byte
	if len(buf) < stunHeaderSize {
		return txID, fmt.Errorf("stun: request too short")
	}
	copy(txID[:], buf[8:20])
	return txID, nil
}
