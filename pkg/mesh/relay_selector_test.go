package mesh

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelayPong answers every ping payload with the pong payload, with an
// optional artificial delay to make RTT ordering deterministic in tests.
func fakeRelayPong(t *testing.T, delay time.Duration) (ep Endpoint, closeFn func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 64)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if string(buf[:n]) != relayPingPayload {
				continue
			}
			if delay > 0 {
				time.Sleep(delay)
			}
			conn.WriteToUDP([]byte(relayPongPayload), from)
		}
	}()

	ep, err = ParseEndpoint(conn.LocalAddr().String())
	require.NoError(t, err)
	return ep, func() { conn.Close() }
}

func TestRelaySelectorChooseRelayPicksFastest(t *testing.T) {
	slowEp, closeSlow := fakeRelayPong(t, 30*time.Millisecond)
	defer closeSlow()
	fastEp, closeFast := fakeRelayPong(t, 0)
	defer closeFast()

	sel := NewRelaySelector(nil, nil, NewMetrics())
	advertised := []RelayRecord{
		{RelayID: "slow", PublicEndpoint: slowEp},
		{RelayID: "fast", PublicEndpoint: fastEp},
	}

	chosen, err := sel.ChooseRelay(context.Background(), advertised)
	require.NoError(t, err)
	assert.Equal(t, "fast", chosen.RelayID)
}

func TestRelaySelectorNoRelayAvailable(t *testing.T) {
	sel := NewRelaySelector(nil, nil, NewMetrics())
	_, err := sel.ChooseRelay(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoRelayAvailable)
}

func TestRelaySelectorCandidatesDedup(t *testing.T) {
	static := &RelayRecord{RelayID: "static-1"}
	def := &RelayRecord{RelayID: "default-1"}
	sel := NewRelaySelector(static, def, NewMetrics())

	advertised := []RelayRecord{{RelayID: "static-1"}, {RelayID: "advertised-1"}}
	out := sel.candidates(advertised)

	ids := make([]string, len(out))
	for i, r := range out {
		ids[i] = r.RelayID
	}
	assert.Equal(t, []string{"static-1", "advertised-1", "default-1"}, ids)
}

func TestRelaySelectorSwitchRelayRespectsMargin(t *testing.T) {
	fastEp, closeFast := fakeRelayPong(t, 0)
	defer closeFast()

	sel := NewRelaySelector(nil, nil, NewMetrics())
	advertised := []RelayRecord{{RelayID: "fast", PublicEndpoint: fastEp}}

	// Current RTT is very low; the margin (20%) can't be beaten by fast.
	_, switched := sel.SwitchRelay(context.Background(), advertised, "current", time.Microsecond)
	assert.False(t, switched)

	// Current RTT is enormous; any reachable candidate beats the margin.
	best, switched := sel.SwitchRelay(context.Background(), advertised, "current", time.Hour)
	assert.True(t, switched)
	assert.Equal(t, "fast", best.RelayID)
}
