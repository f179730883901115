package mesh

import (
	"context"
	"log/slog"
	"net"
	"time"
)

const (
	holePunchProbePayload = "LANrage-HOLEPUNCH-v1\x00"
	holePunchAckPayload   = "LANrage-HOLEPUNCH-ACK-v1\x00"

	holePunchProbeCount    = 5
	holePunchProbeInterval = 100 * time.Millisecond
	holePunchTotalTimeout  = 2 * time.Second
)

// HolePuncher performs simultaneous-open UDP hole punching (spec.md §4.2).
type HolePuncher struct {
	metrics *Metrics
}

// NewHolePuncher creates a HolePuncher. m must be non-nil: Punch reads its
// collectors directly.
func NewHolePuncher(m *Metrics) *HolePuncher {
	return &HolePuncher{metrics: m}
}

// Punch sends probe datagrams toward peerReflexive from conn while
// concurrently listening for the peer's own probes, replying with an ACK
// to whichever source sent them. It returns the endpoint an ACK was
// observed from — which may differ in port from peerReflexive if the
// peer's NAT rebound mid-exchange (spec.md §4.2 "NAT rebinding tolerance").
func (h *HolePuncher) Punch(ctx context.Context, conn *net.UDPConn, peerReflexive Endpoint) (Endpoint, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, holePunchTotalTimeout)
	defer cancel()

	resultCh := make(chan Endpoint, 1)
	errCh := make(chan error, 1)

	go h.sendProbes(ctx, conn, peerReflexive)
	go h.listenAndReply(ctx, conn, peerReflexive, resultCh)

	select {
	case ep := <-resultCh:
		h.metrics.incCounter(h.metrics.HolePunchTotal, "success")
		h.metrics.observe(h.metrics.HolePunchDuration, time.Since(start).Seconds(), "success")
		slog.Info("holepunch: success", "peer", peerReflexive.String(), "observed", ep.String())
		return ep, nil
	case <-ctx.Done():
		h.metrics.incCounter(h.metrics.HolePunchTotal, "timeout")
		h.metrics.observe(h.metrics.HolePunchDuration, time.Since(start).Seconds(), "timeout")
		slog.Info("holepunch: timed out", "peer", peerReflexive.String())
		return Endpoint{}, ErrNetworkUnreachable
	case err := <-errCh:
		return Endpoint{}, err
	}
}

func (h *HolePuncher) sendProbes(ctx context.Context, conn *net.UDPConn, dst Endpoint) {
	ticker := time.NewTicker(holePunchProbeInterval)
	defer ticker.Stop()

	addr := dst.UDPAddr()
	payload := []byte(holePunchProbePayload)

	for i := 0; i < holePunchProbeCount; i++ {
		if _, err := conn.WriteToUDP(payload, addr); err != nil {
			slog.Debug("holepunch: probe send failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// listenAndReply reads datagrams on conn and replies to probes from
// expected, sent only by the peer whose reflexive endpoint we are punching
// toward. A NAT may rebind its source port mid-exchange (spec.md §4.2 "NAT
// rebinding tolerance"), so only the IP is pinned; a differing port from the
// same IP is accepted, but a different IP is dropped as an unexpected
// source. ACKs are reported on resultCh once; duplicate ACKs are ignored.
func (h *HolePuncher) listenAndReply(ctx context.Context, conn *net.UDPConn, expected Endpoint, resultCh chan<- Endpoint) {
	buf := make([]byte, 64)
	acked := false
	expectedIP := expected.UDPAddr().IP

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue // deadline or transient read error; loop until ctx is done
		}
		if !from.IP.Equal(expectedIP) {
			continue // unexpected source (spec.md §4.2), drop
		}

		msg := string(buf[:n])
		switch msg {
		case holePunchProbePayload:
			conn.WriteToUDP([]byte(holePunchAckPayload), from)
		case holePunchAckPayload:
			if acked {
				continue // duplicate ACK, ignore
			}
			acked = true
			addr, _ := endpointFromUDPAddr(from)
			select {
			case resultCh <- addr:
			default:
			}
			return
		}
	}
}

func endpointFromUDPAddr(addr *net.UDPAddr) (Endpoint, error) {
	ep, err := ParseEndpoint(addr.String())
	if err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}
