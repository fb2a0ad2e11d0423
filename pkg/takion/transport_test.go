package takion_test

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nwire/rpbridge/pkg/takion"
)

func testConfig() takion.Config {
	return takion.Config{
		HandshakeTimeout:  2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatMisses:   3,
		RTOInitial:        30 * time.Millisecond,
		RTOMax:            200 * time.Millisecond,
		RTOMaxAttempts:    5,
	}
}

func mockPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandshakeCompletesAgainstMockPeer(t *testing.T) {
	gmacKey := make([]byte, 32)
	for i := range gmacKey {
		gmacKey[i] = byte(i)
	}

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer clientConn.Close()

	peer := mockPeer(t)
	peerAddr := peer.LocalAddr().(*net.UDPAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 2048)

		// receive init, reply with cookie
		n, clientAddr, err := peer.ReadFromUDP(buf)
		if err != nil {
			return
		}
		initPkt, err := takion.Decode(buf[:n], gmacKey)
		if err != nil || string(initPkt.Payload[:4]) != "init" {
			return
		}
		cookie := []byte("COOKIE0123456789")
		reply := &takion.Packet{Type: takion.PacketHandshake, Channel: takion.ChannelControl, Seq: 1, Payload: append([]byte("cookie"), cookie...)}
		peer.WriteToUDP(takion.Encode(reply, gmacKey), clientAddr)

		// receive init-ack, reply with ack
		n, clientAddr, err = peer.ReadFromUDP(buf)
		if err != nil {
			return
		}
		ackPkt, err := takion.Decode(buf[:n], gmacKey)
		if err != nil || string(ackPkt.Payload[:8]) != "init-ack" {
			return
		}
		finalAck := &takion.Packet{Type: takion.PacketHandshake, Channel: takion.ChannelControl, Seq: 2, Payload: []byte("ack")}
		peer.WriteToUDP(takion.Encode(finalAck, gmacKey), clientAddr)
	}()

	tr := takion.New(clientConn, peerAddr, gmacKey, testConfig(), takion.Callbacks{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = tr.Handshake(ctx)
	require.NoError(t, err)
	require.Equal(t, takion.StateReady, tr.State())

	<-done
}

func TestHandshakeTimesOutWithoutPeer(t *testing.T) {
	gmacKey := make([]byte, 32)
	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer clientConn.Close()

	unreachable := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	cfg := testConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond

	tr := takion.New(clientConn, unreachable, gmacKey, cfg, takion.Callbacks{}, nil)
	err = tr.Handshake(context.Background())
	require.ErrorIs(t, err, takion.ErrStalled)
}

func TestControlSendIsAckedAndStopsRetransmitting(t *testing.T) {
	gmacKey := make([]byte, 32)
	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer clientConn.Close()

	peer := mockPeer(t)
	peerAddr := peer.LocalAddr().(*net.UDPAddr)

	received := make(chan uint32, 1)
	go func() {
		buf := make([]byte, 2048)
		n, clientAddr, err := peer.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt, err := takion.Decode(buf[:n], gmacKey)
		if err != nil {
			return
		}
		received <- pkt.Seq

		ackPayload := make([]byte, 6)
		ackPayload[0], ackPayload[1] = 0xAC, 0x4B
		binary.BigEndian.PutUint32(ackPayload[2:], pkt.Seq)
		ack := &takion.Packet{Type: takion.PacketControl, Channel: takion.ChannelControl, Seq: 99, Payload: ackPayload}
		peer.WriteToUDP(takion.Encode(ack, gmacKey), clientAddr)
	}()

	cfg := testConfig()
	tr := takion.New(clientConn, peerAddr, gmacKey, cfg, takion.Callbacks{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	err = tr.Send(takion.PacketControl, takion.ChannelControl, []byte("hello"))
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("peer never received control packet")
	}

	require.Eventually(t, func() bool {
		return tr.PendingControlCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHeartbeatMissTriggersClose(t *testing.T) {
	gmacKey := make([]byte, 32)
	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer clientConn.Close()

	peer := mockPeer(t)
	peerAddr := peer.LocalAddr().(*net.UDPAddr)

	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatMisses = 2

	closed := make(chan takion.CloseReason, 1)
	tr := takion.New(clientConn, peerAddr, gmacKey, cfg, takion.Callbacks{
		OnClosed: func(reason takion.CloseReason, err error) { closed <- reason },
	}, nil)

	// The mock peer answers the handshake once, then goes silent so
	// heartbeat echoes stop arriving and the transport should self-close.
	go func() {
		buf := make([]byte, 2048)
		n, clientAddr, err := peer.ReadFromUDP(buf)
		if err != nil {
			return
		}
		initPkt, err := takion.Decode(buf[:n], gmacKey)
		if err != nil || string(initPkt.Payload[:4]) != "init" {
			return
		}
		cookie := []byte("COOKIE0123456789")
		reply := &takion.Packet{Type: takion.PacketHandshake, Channel: takion.ChannelControl, Seq: 1, Payload: append([]byte("cookie"), cookie...)}
		peer.WriteToUDP(takion.Encode(reply, gmacKey), clientAddr)

		n, clientAddr, err = peer.ReadFromUDP(buf)
		if err != nil {
			return
		}
		ackPkt, err := takion.Decode(buf[:n], gmacKey)
		if err != nil || string(ackPkt.Payload[:8]) != "init-ack" {
			return
		}
		finalAck := &takion.Packet{Type: takion.PacketHandshake, Channel: takion.ChannelControl, Seq: 2, Payload: []byte("ack")}
		peer.WriteToUDP(takion.Encode(finalAck, gmacKey), clientAddr)
		// then go silent: no more heartbeat echoes
	}()

	hctx, hcancel := context.WithTimeout(context.Background(), time.Second)
	defer hcancel()
	require.NoError(t, tr.Handshake(hctx))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	select {
	case reason := <-closed:
		require.Equal(t, takion.CloseReasonHeartbeatMissed, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not close after missed heartbeats")
	}
}
