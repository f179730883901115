package mesh

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReuseListenUDPReceivesTraffic(t *testing.T) {
	conn, err := reuseListenUDP(0)
	require.NoError(t, err)
	defer conn.Close()

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestReuseListenUDPAllowsRebindAfterClose(t *testing.T) {
	conn1, err := reuseListenUDP(0)
	require.NoError(t, err)
	addr := conn1.LocalAddr().(*net.UDPAddr)
	require.NoError(t, conn1.Close())

	conn2, err := reuseListenUDP(uint16(addr.Port))
	require.NoError(t, err)
	defer conn2.Close()
}
