package relayforwarder

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lanrage/mesh/pkg/mesh"
)

const (
	defaultMaxClients = 1000
	staleReapInterval = 60 * time.Second
	staleThreshold    = 5 * time.Minute
	readBufferSize    = 2048
)

// clientEntry is one learned client identity (spec.md §4.10).
type clientEntry struct {
	endpoint     *net.UDPAddr
	lastActivity time.Time
}

// Forwarder is the single UDP listener that forwards encrypted tunnel
// packets between peers without decrypting them (spec.md §4.10).
type Forwarder struct {
	conn       *net.UDPConn
	maxClients int
	metrics    *mesh.Metrics

	mu       sync.Mutex
	clients  map[mesh.TunnelPublicKey]*clientEntry
	rejected int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewForwarder constructs a Forwarder bound to addr. maxClients <= 0 uses
// the spec's default of 1000.
func NewForwarder(addr string, maxClients int, m *mesh.Metrics) (*Forwarder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	return &Forwarder{
		conn:       conn,
		maxClients: maxClients,
		metrics:    m,
		clients:    make(map[mesh.TunnelPublicKey]*clientEntry),
	}, nil
}

// Start spawns the receive loop and the 60s stale-reaping task.
func (f *Forwarder) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.receiveLoop(runCtx)
	go f.reapLoop(runCtx)
}

// Stop cancels the background loops, closes the socket and waits for the
// receive loop to exit. The reap loop exits on cancellation and is not
// waited for.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.conn.Close()
	if f.done != nil {
		<-f.done
	}
}

func (f *Forwarder) receiveLoop(ctx context.Context) {
	defer close(f.done)
	buf := make([]byte, readBufferSize)
	for {
		n, src, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("relayforwarder: read error", "error", err)
				return
			}
		}
		f.handlePacket(buf[:n], src)
	}
}

func (f *Forwarder) handlePacket(buf []byte, src *net.UDPAddr) {
	handshake, data, err := ParseFrame(buf)
	if err != nil {
		f.metrics.RelayFwdPacketTotal.WithLabelValues("parse-error").Inc()
		return
	}

	if handshake.StaticKey != (mesh.TunnelPublicKey{}) {
		f.learn(handshake.StaticKey, src)
		f.metrics.RelayFwdPacketTotal.WithLabelValues("handshake").Inc()
		return
	}

	f.touchSource(src)
	f.forward(data.DstKey, buf)
}

// learn records or refreshes a client's (endpoint, last_activity) entry,
// rejecting a brand-new key once maxClients is reached.
func (f *Forwarder) learn(key mesh.TunnelPublicKey, src *net.UDPAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.clients[key]; !exists && len(f.clients) >= f.maxClients {
		f.rejected++
		slog.Warn("relayforwarder: max clients reached, rejecting", "rejected_total", f.rejected)
		return
	}
	f.clients[key] = &clientEntry{endpoint: src, lastActivity: time.Now()}
	if f.metrics != nil {
		f.metrics.RelayFwdClients.Set(float64(len(f.clients)))
	}
}

// touchSource refreshes last_activity for the client whose recorded
// endpoint matches src exactly (same IP and port). A source whose port
// changed since its last handshake matches no entry and refreshes nothing.
func (f *Forwarder) touchSource(src *net.UDPAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range f.clients {
		if entry.endpoint.IP.Equal(src.IP) && entry.endpoint.Port == src.Port {
			entry.lastActivity = time.Now()
			return
		}
	}
}

// forward sends buf verbatim to the endpoint registered for dstKey.
// Absent an association, the packet is dropped (spec.md §4.10, and the
// Open Question resolution in DESIGN.md: drop-if-no-association, not
// forward-to-everyone-in-party).
func (f *Forwarder) forward(dstKey mesh.TunnelPublicKey, buf []byte) {
	f.mu.Lock()
	entry, ok := f.clients[dstKey]
	f.mu.Unlock()
	if !ok {
		f.metrics.RelayFwdPacketTotal.WithLabelValues("no-association").Inc()
		return
	}
	if _, err := f.conn.WriteToUDP(buf, entry.endpoint); err != nil {
		f.metrics.RelayFwdPacketTotal.WithLabelValues("send-error").Inc()
		return
	}
	f.metrics.RelayFwdPacketTotal.WithLabelValues("forwarded").Inc()
}

func (f *Forwarder) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(staleReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.reapStale()
		}
	}
}

func (f *Forwarder) reapStale() {
	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, entry := range f.clients {
		if now.Sub(entry.lastActivity) > staleThreshold {
			delete(f.clients, key)
		}
	}
	if f.metrics != nil {
		f.metrics.RelayFwdClients.Set(float64(len(f.clients)))
	}
}

// ClientCount returns the number of currently tracked client identities.
func (f *Forwarder) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// RejectedCount returns the number of new clients rejected since start
// because maxClients was reached.
func (f *Forwarder) RejectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejected
}
