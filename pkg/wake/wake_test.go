package wake_test

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nwire/rpbridge/pkg/discovery"
	"github.com/nwire/rpbridge/pkg/wake"
)

func TestSendWakeupPacket(t *testing.T) {
	mock, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer mock.Close()

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 2048)
		mock.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := mock.ReadFromUDP(buf)
		if err != nil {
			done <- ""
			return
		}
		done <- string(buf[:n])
	}()

	port := mock.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, wake.Send("127.0.0.1", port, "deadbeef"))

	got := <-done
	require.True(t, strings.HasPrefix(got, "WAKEUP * HTTP/1.1"))
	require.Contains(t, got, "user-credential:deadbeef")
}

func TestPollUntilReadySucceedsOnceHostAnswersReady(t *testing.T) {
	mock, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer mock.Close()

	var probes atomic.Int32
	go func() {
		buf := make([]byte, 2048)
		for {
			mock.SetReadDeadline(time.Now().Add(3 * time.Second))
			n, addr, err := mock.ReadFromUDP(buf)
			if err != nil {
				return
			}
			msg := string(buf[:n])
			if strings.HasPrefix(msg, "WAKEUP") {
				continue // no ack on wire
			}
			count := probes.Add(1)
			if count < 2 {
				mock.WriteToUDP([]byte("HTTP/1.1 200 Ok\nhost-id:AA\nhost-type:PS5\nhost-state:Standby\n\n"), addr)
			} else {
				mock.WriteToUDP([]byte("HTTP/1.1 200 Ok\nhost-id:AA\nhost-type:PS5\nhost-state:Ready\n\n"), addr)
			}
		}
	}()

	port := mock.LocalAddr().(*net.UDPAddr).Port
	disc := discovery.New(0, port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = wake.PollUntilReady(ctx, disc, "127.0.0.1", port, "cred", 200*time.Millisecond, 3*time.Second, nil)
	require.NoError(t, err)
}

func TestPollUntilReadyTimesOut(t *testing.T) {
	mock, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer mock.Close()

	port := mock.LocalAddr().(*net.UDPAddr).Port
	disc := discovery.New(0, port)

	err = wake.PollUntilReady(context.Background(), disc, "127.0.0.1", port, "cred", 50*time.Millisecond, 200*time.Millisecond, nil)
	require.ErrorIs(t, err, wake.ErrTimeout)
}
