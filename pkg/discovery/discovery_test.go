package discovery_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nwire/rpbridge/pkg/discovery"
	"github.com/nwire/rpbridge/pkg/store"
)

const canonicalReadyResponse = "HTTP/1.1 200 Ok\n" +
	"host-id:1122334455AA\n" +
	"host-type:PS5\n" +
	"host-name:PS5-LivingRoom\n" +
	"host-request-port:9295\n" +
	"system-version:07020001\n" +
	"host-state:Ready\n\n"

func TestParseResponseHappyDiscovery(t *testing.T) {
	info, err := discovery.ParseResponse([]byte(canonicalReadyResponse))
	require.NoError(t, err)
	require.Equal(t, "1122334455AA", info.HostID)
	require.Equal(t, store.HostTypePS5, info.HostType)
	require.Equal(t, "PS5-LivingRoom", info.HostName)
	require.Equal(t, discovery.HostStateReady, info.State)
	require.True(t, info.IsReady())
}

func TestParseResponseMissingHostIDErrors(t *testing.T) {
	_, err := discovery.ParseResponse([]byte("HTTP/1.1 200 Ok\nhost-type:PS5\n\n"))
	require.Error(t, err)
}

func TestParseResponseAbsentStateIsNotReady(t *testing.T) {
	resp := "HTTP/1.1 200 Ok\nhost-id:AA\nhost-type:PS4\n\n"
	info, err := discovery.ParseResponse([]byte(resp))
	require.NoError(t, err)
	require.False(t, info.IsReady())
}

func TestDiscoverAgainstMockUDPServer(t *testing.T) {
	mock, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer mock.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 2048)
		mock.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, addr, err := mock.ReadFromUDP(buf)
		if err != nil {
			return
		}
		require.Contains(t, string(buf[:n]), "SRCH * HTTP/1.1")
		mock.WriteToUDP([]byte(canonicalReadyResponse), addr)
	}()

	client := discovery.New(0, mock.LocalAddr().(*net.UDPAddr).Port)
	info, err := client.Discover(context.Background(), "127.0.0.1", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "1122334455AA", info.HostID)

	<-done
}

func TestDiscoverTimesOutWithoutResponse(t *testing.T) {
	mock, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer mock.Close()

	client := discovery.New(0, mock.LocalAddr().(*net.UDPAddr).Port)
	_, err = client.Discover(context.Background(), "127.0.0.1", 100*time.Millisecond)
	require.ErrorIs(t, err, discovery.ErrNoResponse)
}
