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

// fakeSTUNServer answers every Binding Request with a Binding Response that
// reports reflexiveAddr as the mapped address, regardless of who asked.
func fakeSTUNServer(t *testing.T, reflexiveIP net.IP, reflexivePort int) (addr string, closeFn func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 576)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			txID, err := ParseBindingRequestTxID(buf[:n])
			if err != nil {
				continue
			}
			resp := BuildSTUNBindingResponse(txID, reflexiveIP, reflexivePort)
			conn.WriteToUDP(resp, from)
		}
	}()

	return conn.LocalAddr().String(), func() { conn.Close() }
}

func TestNATProberDetectOpen(t *testing.T) {
	local, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer local.Close()

	localAddr := local.LocalAddr().(*net.UDPAddr)
	serverAddr, closeFn := fakeSTUNServer(t, localAddr.IP, localAddr.Port)
	defer closeFn()

	prober := NewNATProber([]string{serverAddr}, NewMetrics())
	outcome, err := prober.Detect(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, NatOpen, outcome.NatClass)
}

func TestNATProberDetectFullCone(t *testing.T) {
	local, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer local.Close()

	localAddr := local.LocalAddr().(*net.UDPAddr)
	// A different reflexive IP, but the same port as local: full-cone per
	// the classifyNAT heuristic.
	serverAddr, closeFn := fakeSTUNServer(t, net.IPv4(203, 0, 113, 9), localAddr.Port)
	defer closeFn()

	prober := NewNATProber([]string{serverAddr}, NewMetrics())
	outcome, err := prober.Detect(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, NatFullCone, outcome.NatClass)
}

func TestNATProberDetectAllFail(t *testing.T) {
	local, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer local.Close()

	prober := NewNATProber([]string{"127.0.0.1:1"}, NewMetrics())
	prober.servers = []string{"127.0.0.1:1"} // no DefaultSTUNServers fallback in test

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = prober.Detect(ctx, local)
	assert.ErrorIs(t, err, ErrNetworkUnreachable)
}

func TestClassifyNATSymmetric(t *testing.T) {
	localIP := netip.MustParseAddr("127.0.0.1")
	successful := []STUNProbeResult{
		{Endpoint: Endpoint{IP: netip.MustParseAddr("203.0.113.9"), Port: 4000}},
		{Endpoint: Endpoint{IP: netip.MustParseAddr("203.0.113.9"), Port: 4001}},
	}
	class := classifyNAT(localIP, 5000, successful)
	assert.Equal(t, NatSymmetric, class)
}

func TestClassifyNATPortRestrictedCone(t *testing.T) {
	localIP := netip.MustParseAddr("127.0.0.1")
	successful := []STUNProbeResult{
		{Endpoint: Endpoint{IP: netip.MustParseAddr("203.0.113.9"), Port: 4000}},
		{Endpoint: Endpoint{IP: netip.MustParseAddr("203.0.113.9"), Port: 4000}},
	}
	class := classifyNAT(localIP, 5000, successful)
	assert.Equal(t, NatPortRestrictedCone, class)
}
