package announce_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/announce"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()

	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	return pc
}

func TestBeaconAnnouncesUntilCancelled(t *testing.T) {
	listener := listenLoopback(t)

	b := announce.NewBeacon(listener.LocalAddr().String(), nil)

	err := b.Announce(t.Context(), "analysis-1", "127.0.0.1:9000")
	require.NoError(t, err)

	addr, ok := b.Address("analysis-1")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9000", addr)

	_ = listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := listener.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "analysis-1 127.0.0.1:9000", string(buf[:n]))

	b.Cancel("analysis-1")

	_, ok = b.Address("analysis-1")
	assert.False(t, ok)
}

func TestBeaconCancelUnknownIDIsNoop(t *testing.T) {
	b := announce.NewBeacon("127.0.0.1:1", nil)
	b.Cancel("never-announced")
}
