package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
)

// outboundQueueSize bounds the Emulator's per-peer outbound queue
// (spec.md §5 "Back-pressure"); on overflow the oldest pending datagram is
// dropped.
const outboundQueueSize = 256

// internalBroadcastPort is the dedicated UDP port broadcast envelopes are
// exchanged on between peers' virtual addresses (spec.md §4.11).
const internalBroadcastPort = 41824

// discoveryListener is one bound UDP socket the Emulator captures from,
// either a plain broadcast-port listener or a joined multicast group.
type discoveryListener struct {
	conn  *net.UDPConn
	group netip.Addr // zero value for a non-multicast (broadcast-port) listener
}

// BroadcastEmulator makes peers appear to share a physical LAN segment for
// legacy discovery protocols (spec.md §4.11): it captures broadcast/
// multicast traffic, deduplicates it, forwards it to peers over the
// tunnel, and injects received datagrams back onto the local network.
type BroadcastEmulator struct {
	localVirtual netip.Addr
	device       TunnelDevice
	metrics      *Metrics

	dedup *dedupSet

	mu        sync.Mutex
	listeners []*discoveryListener
	queues    map[netip.Addr]chan []byte
	internal  *net.UDPConn // socket used to send/receive envelopes between peers

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewBroadcastEmulator constructs an Emulator bound to the local peer's
// virtual address. localVirtual is used both to tag captured packets and
// to recognize (and ignore) injected packets so they are not re-captured.
func NewBroadcastEmulator(localVirtual netip.Addr, device TunnelDevice, m *Metrics) *BroadcastEmulator {
	return &BroadcastEmulator{
		localVirtual: localVirtual,
		device:       device,
		metrics:      m,
		dedup:        newDedupSet(),
		queues:       make(map[netip.Addr]chan []byte),
	}
}

// Start binds a listener for each discovery port, joins each multicast
// group, binds the internal envelope socket, and spawns the capture and
// receive loops. Listeners bind with SO_REUSEADDR so multiple local
// processes (or test instances) can share a discovery port.
func (e *BroadcastEmulator) Start(ctx context.Context, discoveryPorts []uint16, multicastGroups []netip.AddrPort, iface *net.Interface) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for _, port := range discoveryPorts {
		conn, err := reuseListenUDP(port)
		if err != nil {
			cancel()
			return fmt.Errorf("broadcast: listen discovery port %d: %w", port, err)
		}
		e.addListener(runCtx, &discoveryListener{conn: conn})
	}

	for _, group := range multicastGroups {
		conn, err := reuseListenUDP(group.Port())
		if err != nil {
			cancel()
			return fmt.Errorf("broadcast: listen multicast port %d: %w", group.Port(), err)
		}
		pc := ipv4.NewPacketConn(conn)
		if err := pc.JoinGroup(iface, &net.UDPAddr{IP: net.IP(group.Addr().AsSlice())}); err != nil {
			conn.Close()
			cancel()
			return fmt.Errorf("broadcast: join group %s: %w", group, err)
		}
		e.addListener(runCtx, &discoveryListener{conn: conn, group: group.Addr()})
	}

	internal, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IP(e.localVirtual.AsSlice()), Port: internalBroadcastPort})
	if err != nil {
		cancel()
		return fmt.Errorf("broadcast: listen internal port: %w", err)
	}
	e.internal = internal
	e.wg.Add(1)
	go e.receiveLoop(runCtx)

	return nil
}

func (e *BroadcastEmulator) addListener(ctx context.Context, l *discoveryListener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
	e.wg.Add(1)
	go e.captureLoop(ctx, l)
}

// Stop closes every socket and waits for the capture/receive loops to exit.
// Idempotent with Start's context cancellation.
func (e *BroadcastEmulator) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	for _, l := range e.listeners {
		l.conn.Close()
	}
	if e.internal != nil {
		e.internal.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// captureLoop reads datagrams off one listener, drops self-injected and
// duplicate packets, and enqueues survivors for forwarding to every peer.
func (e *BroadcastEmulator) captureLoop(ctx context.Context, l *discoveryListener) {
	defer e.wg.Done()
	buf := make([]byte, maxEnvelopePayload)
	for {
		n, srcAddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("broadcast: capture read error", "error", err)
				return
			}
		}
		srcIP, ok := netip.AddrFromSlice(srcAddr.IP)
		if !ok {
			continue
		}
		srcIP = srcIP.Unmap()
		if srcIP == e.localVirtual {
			continue // injected packets must not be re-captured (spec.md §4.11)
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		if e.dedup.Seen(payload, e.localVirtual) {
			e.metrics.incCounter(e.metrics.BroadcastDedupTotal, "capture")
			continue
		}

		env := BroadcastEnvelope{
			OrigSrcPort: uint16(srcAddr.Port),
			OrigDstPort: uint16(l.conn.LocalAddr().(*net.UDPAddr).Port),
			Payload:     payload,
		}
		wire, err := env.Encode()
		if err != nil {
			slog.Warn("broadcast: encode failed", "error", err)
			continue
		}
		e.fanOut(wire)
		e.metrics.incCounter(e.metrics.BroadcastFwdTotal, "captured")
	}
}

// fanOut enqueues wire onto every peer's outbound queue, spawning the
// sender goroutine for a peer the first time it is seen.
func (e *BroadcastEmulator) fanOut(wire []byte) {
	for _, virtual := range e.device.Peers() {
		if virtual == e.localVirtual || !virtual.IsValid() {
			continue
		}
		e.enqueue(virtual, wire)
	}
}

func (e *BroadcastEmulator) enqueue(peer netip.Addr, wire []byte) {
	e.mu.Lock()
	q, ok := e.queues[peer]
	if !ok {
		q = make(chan []byte, outboundQueueSize)
		e.queues[peer] = q
		e.wg.Add(1)
		go e.senderLoop(peer, q)
	}
	e.mu.Unlock()

	select {
	case q <- wire:
	default:
		// Queue full: drop oldest, then enqueue (spec.md §5 back-pressure).
		select {
		case <-q:
		default:
		}
		select {
		case q <- wire:
		default:
		}
	}
}

// senderLoop drains one peer's outbound queue onto the internal envelope
// socket until the channel is closed by Stop via context cancellation.
func (e *BroadcastEmulator) senderLoop(peer netip.Addr, q chan []byte) {
	defer e.wg.Done()
	dst := &net.UDPAddr{IP: net.IP(peer.AsSlice()), Port: internalBroadcastPort}
	for wire := range q {
		if _, err := e.internal.WriteToUDP(wire, dst); err != nil {
			slog.Warn("broadcast: forward failed", "peer", peer, "error", err)
			e.metrics.incCounter(e.metrics.BroadcastFwdTotal, "send-error")
			continue
		}
	}
}

// receiveLoop reads envelopes arriving from peers, deduplicates them (to
// handle a packet forwarded more than one hop), and injects survivors back
// onto the local discovery ports.
func (e *BroadcastEmulator) receiveLoop(ctx context.Context) {
	defer e.wg.Done()
	buf := make([]byte, envelopeHeaderSize+maxEnvelopePayload)
	for {
		n, srcAddr, err := e.internal.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("broadcast: internal read error", "error", err)
				return
			}
		}
		env, err := DecodeBroadcastEnvelope(buf[:n])
		if err != nil {
			slog.Warn("broadcast: bad envelope", "from", srcAddr, "error", err)
			continue
		}
		srcVirtual, ok := netip.AddrFromSlice(srcAddr.IP)
		if !ok {
			continue
		}
		srcVirtual = srcVirtual.Unmap()

		if e.dedup.Seen(env.Payload, srcVirtual) {
			e.metrics.incCounter(e.metrics.BroadcastDedupTotal, "receive")
			continue
		}
		e.inject(env, srcVirtual)
	}
}

// inject writes a received datagram to the local virtual address on its
// recorded destination port (OrigDstPort), sending from the listener bound
// to that port. The datagram's source is the local virtual address and that
// listener's port; OrigSrcPort and the original sender's address are not
// reproduced.
func (e *BroadcastEmulator) inject(env BroadcastEnvelope, srcVirtual netip.Addr) {
	e.mu.Lock()
	listeners := append([]*discoveryListener(nil), e.listeners...)
	e.mu.Unlock()

	for _, l := range listeners {
		local, ok := l.conn.LocalAddr().(*net.UDPAddr)
		if !ok || uint16(local.Port) != env.OrigDstPort {
			continue
		}
		dst := &net.UDPAddr{IP: net.IP(e.localVirtual.AsSlice()), Port: int(env.OrigDstPort)}
		if _, err := l.conn.WriteToUDP(env.Payload, dst); err != nil {
			slog.Warn("broadcast: inject failed", "error", err)
			e.metrics.incCounter(e.metrics.BroadcastFwdTotal, "inject-error")
			continue
		}
		e.metrics.incCounter(e.metrics.BroadcastFwdTotal, "injected")
	}
}
