package mesh

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBroadcastEmulatorCaptureAndForward exercises the capture leg
// end-to-end over loopback sockets: a legacy discovery datagram arriving on
// a captured port is encoded and forwarded to the one known peer's internal
// envelope port.
func TestBroadcastEmulatorCaptureAndForward(t *testing.T) {
	selfVirtual := netip.MustParseAddr("127.0.0.11")
	peerVirtual := netip.MustParseAddr("127.0.0.12")

	dev := NewInMemoryTunnelDevice()
	var peerKey TunnelPublicKey
	peerKey[0] = 0x42
	require.NoError(t, dev.AddPeer(context.Background(), peerKey, mustEndpoint("203.0.113.1:9"),
		[]netip.Prefix{netip.PrefixFrom(peerVirtual, peerVirtual.BitLen())}))

	emu := NewBroadcastEmulator(selfVirtual, dev, NewMetrics())

	discoveryConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer discoveryConn.Close()

	internalSendConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IP(selfVirtual.AsSlice())})
	require.NoError(t, err)
	emu.internal = internalSendConn
	defer internalSendConn.Close()

	peerInternal, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IP(peerVirtual.AsSlice()), Port: internalBroadcastPort})
	require.NoError(t, err)
	defer peerInternal.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	emu.addListener(ctx, &discoveryListener{conn: discoveryConn})

	client, err := net.DialUDP("udp4", nil, discoveryConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte("discovery-payload"))
	require.NoError(t, err)

	require.NoError(t, peerInternal.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := peerInternal.ReadFromUDP(buf)
	require.NoError(t, err)

	env, err := DecodeBroadcastEnvelope(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, []byte("discovery-payload"), env.Payload)
}

func TestBroadcastEmulatorIgnoresSelfInjectedPackets(t *testing.T) {
	selfVirtual := netip.MustParseAddr("127.0.0.1")
	dev := NewInMemoryTunnelDevice()
	emu := NewBroadcastEmulator(selfVirtual, dev, NewMetrics())

	discoveryConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer discoveryConn.Close()

	internalSendConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	emu.internal = internalSendConn
	defer internalSendConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	emu.addListener(ctx, &discoveryListener{conn: discoveryConn})

	client, err := net.DialUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, discoveryConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte("self-originated"))
	require.NoError(t, err)

	// Give the capture loop a moment, then cancel; no peers are configured
	// so nothing should have been enqueued regardless, but this also proves
	// the self-sourced packet didn't crash the loop.
	time.Sleep(50 * time.Millisecond)
	cancel()
	discoveryConn.Close()
}

// TestBroadcastEmulatorInjectWritesToDeclaredDestinationPort pins down
// inject()'s destination: it must land on the discovery port the envelope
// declares (OrigDstPort), not the original sender's ephemeral port
// (OrigSrcPort), or legacy discovery software bound to the well-known port
// never sees re-injected broadcasts.
func TestBroadcastEmulatorInjectWritesToDeclaredDestinationPort(t *testing.T) {
	selfVirtual := netip.MustParseAddr("127.0.0.31")
	dev := NewInMemoryTunnelDevice()
	emu := NewBroadcastEmulator(selfVirtual, dev, NewMetrics())

	discoveryConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IP(selfVirtual.AsSlice())})
	require.NoError(t, err)
	defer discoveryConn.Close()
	discoveryPort := uint16(discoveryConn.LocalAddr().(*net.UDPAddr).Port)
	emu.listeners = []*discoveryListener{{conn: discoveryConn}}

	env := BroadcastEnvelope{OrigSrcPort: 54321, OrigDstPort: discoveryPort, Payload: []byte("legacy-discovery")}
	emu.inject(env, netip.MustParseAddr("127.0.0.32"))

	require.NoError(t, discoveryConn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 1500)
	n, from, err := discoveryConn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "legacy-discovery", string(buf[:n]))
	assert.Equal(t, int(discoveryPort), from.Port)
}

// TestBroadcastEmulatorReceiveLoopInjectsEnvelopeToDiscoveryPort exercises
// receiveLoop end-to-end: an envelope arriving on the internal socket from a
// peer is decoded and handed to inject, which must deliver it to the
// discovery port recorded in the envelope.
func TestBroadcastEmulatorReceiveLoopInjectsEnvelopeToDiscoveryPort(t *testing.T) {
	selfVirtual := netip.MustParseAddr("127.0.0.41")
	dev := NewInMemoryTunnelDevice()
	emu := NewBroadcastEmulator(selfVirtual, dev, NewMetrics())

	discoveryConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IP(selfVirtual.AsSlice())})
	require.NoError(t, err)
	defer discoveryConn.Close()
	discoveryPort := uint16(discoveryConn.LocalAddr().(*net.UDPAddr).Port)
	emu.listeners = []*discoveryListener{{conn: discoveryConn}}

	internalConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IP(selfVirtual.AsSlice())})
	require.NoError(t, err)
	emu.internal = internalConn
	defer internalConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	emu.wg.Add(1)
	go emu.receiveLoop(ctx)
	defer func() {
		cancel()
		internalConn.Close()
		emu.wg.Wait()
	}()

	peerVirtual := netip.MustParseAddr("127.0.0.42")
	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IP(peerVirtual.AsSlice())})
	require.NoError(t, err)
	defer sender.Close()

	env := BroadcastEnvelope{OrigSrcPort: 6000, OrigDstPort: discoveryPort, Payload: []byte("hello-lan")}
	wire, err := env.Encode()
	require.NoError(t, err)
	_, err = sender.WriteToUDP(wire, internalConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	require.NoError(t, discoveryConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := discoveryConn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello-lan", string(buf[:n]))
}

func TestBroadcastEmulatorEnqueueDropsOldestOnOverflow(t *testing.T) {
	selfVirtual := netip.MustParseAddr("127.0.0.21")
	dev := NewInMemoryTunnelDevice()
	emu := NewBroadcastEmulator(selfVirtual, dev, NewMetrics())

	// Use a destination nobody is listening on; WriteToUDP for a
	// disconnected UDP socket does not block or error synchronously, so the
	// sender goroutine drains the queue without blocking this test.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	emu.internal = conn
	defer conn.Close()

	peer := netip.MustParseAddr("127.0.0.22")
	for i := 0; i < outboundQueueSize*2; i++ {
		emu.enqueue(peer, []byte("payload"))
	}

	emu.mu.Lock()
	q := emu.queues[peer]
	emu.mu.Unlock()
	assert.LessOrEqual(t, len(q), outboundQueueSize)
}
