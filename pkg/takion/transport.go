package takion

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nwire/rpbridge/pkg/logger"
)

// Channel ids used by the higher layers; spec §4.6/§4.7/§4.8 don't
// assign fixed numbers, so these are this implementation's convention.
const (
	ChannelControl  uint8 = 0
	ChannelVideo    uint8 = 1
	ChannelAudio    uint8 = 2
	ChannelFeedback uint8 = 3
)

// Config bundles the timing constants §4.6 names.
type Config struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	RTOInitial        time.Duration
	RTOMax            time.Duration
	RTOMaxAttempts    int
}

// Callbacks receive demultiplexed, MAC-verified packets. Each is invoked
// from the RX goroutine and must not block.
type Callbacks struct {
	OnControl  func(seq uint32, payload []byte)
	OnVideo    func(p *Packet)
	OnAudio    func(p *Packet)
	OnFeedback func(p *Packet)
	// OnClosed is invoked exactly once when the transport transitions to
	// CLOSED, with the reason.
	OnClosed func(reason CloseReason, err error)
	// OnBadMAC is invoked on every packet that fails MAC verification;
	// the orchestrator counts these toward the CryptoFault threshold.
	OnBadMAC func(err error)
}

// Transport is one session's takion datagram layer over a single UDP
// 4-tuple (spec §4.6).
type Transport struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	gmacKey    []byte
	cfg        Config
	log        *logger.Logger
	callbacks  Callbacks

	state atomic.Int32

	sendSeqMu sync.Mutex
	sendSeq   map[uint8]uint32

	retx *retransmitter

	lastRecvMu sync.Mutex
	lastRecv   time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
	closed atomic.Bool
}

// New builds a Transport bound to conn for communication with
// remoteAddr. The caller owns conn's lifecycle before this point; conn
// must not be connected, since every packet is sent with WriteToUDP to
// remoteAddr. Close() closes conn.
func New(conn *net.UDPConn, remoteAddr *net.UDPAddr, gmacKey []byte, cfg Config, callbacks Callbacks, log *logger.Logger) *Transport {
	if log == nil {
		log = logger.Default()
	}
	t := &Transport{
		conn:       conn,
		remoteAddr: remoteAddr,
		gmacKey:    gmacKey,
		cfg:        cfg,
		log:        log,
		callbacks:  callbacks,
		sendSeq:    make(map[uint8]uint32),
		retx:       newRetransmitter(cfg.RTOInitial, cfg.RTOMax, cfg.RTOMaxAttempts),
	}
	t.state.Store(int32(StateInit))
	return t
}

// State returns the current transport state.
func (t *Transport) State() State { return State(t.state.Load()) }

// nextSeq returns the next strictly monotone sequence number for a
// channel (spec §3 invariant: takion send sequence numbers are strictly
// monotone per channel).
func (t *Transport) nextSeq(channel uint8) uint32 {
	t.sendSeqMu.Lock()
	defer t.sendSeqMu.Unlock()
	t.sendSeq[channel]++
	return t.sendSeq[channel]
}

// Send encodes and transmits a packet on channel. Control-channel
// packets are tracked for RTO-based retransmission; media packets are
// not (spec §4.6: "media datagrams are NOT retransmitted").
func (t *Transport) Send(packetType PacketType, channel uint8, payload []byte) error {
	seq := t.nextSeq(channel)
	pkt := &Packet{Type: packetType, Channel: channel, Seq: seq, Payload: payload}
	raw := Encode(pkt, t.gmacKey)

	if _, err := t.conn.WriteToUDP(raw, t.remoteAddr); err != nil {
		return fmt.Errorf("takion: send %s: %w", packetType, err)
	}
	t.log.DebugTakionPacket(packetType.String(), seq, channel, len(payload))

	if channel == ChannelControl {
		t.retx.track(seq, raw)
	}
	return nil
}

// ackControl sends a bare CONTROL ack packet for seq (4-byte
// big-endian seq as payload, by this implementation's convention).
func (t *Transport) ackControl(seq uint32) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, seq)
	ackSeq := t.nextSeq(ChannelControl)
	pkt := &Packet{Type: PacketControl, Channel: ChannelControl, Seq: ackSeq, Payload: append([]byte{0xAC, 0x4B}, payload...)}
	raw := Encode(pkt, t.gmacKey)
	_, err := t.conn.WriteToUDP(raw, t.remoteAddr)
	return err
}

// isAck reports whether a received CONTROL payload is this convention's
// ack marker, returning the acked sequence if so.
func isAck(payload []byte) (uint32, bool) {
	if len(payload) != 6 || payload[0] != 0xAC || payload[1] != 0x4B {
		return 0, false
	}
	return binary.BigEndian.Uint32(payload[2:6]), true
}

// Handshake drives INIT -> COOKIE -> READY as the client side: sends a
// HANDSHAKE "init" with a random client tag, waits for a 16-byte cookie,
// echoes it in "init-ack", and waits for the server's ack tag. Returns
// ErrStalled if HandshakeTimeout elapses first.
func (t *Transport) Handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	clientTag := make([]byte, 8)
	if _, err := rand.Read(clientTag); err != nil {
		return fmt.Errorf("takion: generate client tag: %w", err)
	}

	t.state.Store(int32(StateInit))
	if err := t.Send(PacketHandshake, ChannelControl, append([]byte{'i', 'n', 'i', 't'}, clientTag...)); err != nil {
		return err
	}

	cookie, err := t.waitHandshakePayload(ctx, "cookie")
	if err != nil {
		return err
	}

	t.state.Store(int32(StateCookie))
	ack := append([]byte{'i', 'n', 'i', 't', '-', 'a', 'c', 'k'}, cookie...)
	if err := t.Send(PacketHandshake, ChannelControl, ack); err != nil {
		return err
	}

	if _, err := t.waitHandshakePayload(ctx, "ack"); err != nil {
		return err
	}

	t.state.Store(int32(StateReady))
	t.touchRecv()
	return nil
}

// waitHandshakePayload blocks, directly reading the socket, until a
// HANDSHAKE packet with the given marker prefix arrives or ctx expires.
// Only used during the handshake, before the RX goroutine starts.
func (t *Transport) waitHandshakePayload(ctx context.Context, marker string) ([]byte, error) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return nil, ErrStalled
		default:
		}

		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(t.cfg.HandshakeTimeout)
		}
		t.conn.SetReadDeadline(deadline)

		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, ErrStalled
			}
			return nil, fmt.Errorf("takion: handshake read: %w", err)
		}
		if t.remoteAddr != nil && !addr.IP.Equal(t.remoteAddr.IP) {
			continue
		}

		pkt, err := Decode(buf[:n], t.gmacKey)
		if err != nil {
			continue // drop unauthenticated/garbage datagrams during handshake
		}
		if pkt.Type != PacketHandshake {
			continue
		}
		if len(pkt.Payload) >= len(marker) && string(pkt.Payload[:len(marker)]) == marker {
			return pkt.Payload[len(marker):], nil
		}
	}
}

func (t *Transport) touchRecv() {
	t.lastRecvMu.Lock()
	t.lastRecv = time.Now()
	t.lastRecvMu.Unlock()
}

func (t *Transport) sinceLastRecv() time.Duration {
	t.lastRecvMu.Lock()
	defer t.lastRecvMu.Unlock()
	return time.Since(t.lastRecv)
}

// Run starts the RX loop, the heartbeat ticker, and the retransmission
// ticker. It blocks until ctx is cancelled or the transport closes.
func (t *Transport) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(3)
	go t.rxLoop(ctx)
	go t.heartbeatLoop(ctx)
	go t.retransmitLoop(ctx)
	t.wg.Wait()
}

func (t *Transport) rxLoop(ctx context.Context) {
	defer t.wg.Done()
	buf := make([]byte, 65536)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if t.closed.Load() {
				return
			}
			continue
		}

		pkt, err := Decode(buf[:n], t.gmacKey)
		if err != nil {
			if t.callbacks.OnBadMAC != nil {
				t.callbacks.OnBadMAC(err)
			}
			continue
		}

		t.touchRecv()

		switch pkt.Type {
		case PacketControl:
			if seq, ok := isAck(pkt.Payload); ok {
				t.retx.ack(seq)
				continue
			}
			t.ackControl(pkt.Seq)
			if t.callbacks.OnControl != nil {
				t.callbacks.OnControl(pkt.Seq, pkt.Payload)
			}
		case PacketVideo:
			if t.callbacks.OnVideo != nil {
				t.callbacks.OnVideo(pkt)
			}
		case PacketAudio:
			if t.callbacks.OnAudio != nil {
				t.callbacks.OnAudio(pkt)
			}
		case PacketFeedbackState, PacketFeedbackHistory, PacketPadInfoEvent:
			if t.callbacks.OnFeedback != nil {
				t.callbacks.OnFeedback(pkt)
			}
		case PacketCongestion:
			// no congestion handling and no callback; receipt only counts
			// as traffic for the heartbeat check (touchRecv above).
		}
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.State() != StateReady {
				continue
			}
			if t.sinceLastRecv() > time.Duration(t.cfg.HeartbeatMisses)*t.cfg.HeartbeatInterval {
				t.closeWith(CloseReasonHeartbeatMissed, ErrStalled)
				return
			}
			t.Send(PacketControl, ChannelControl, nil)
		}
	}
}

func (t *Transport) retransmitLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resend, stalled := t.retx.due(time.Now())
			if len(stalled) > 0 {
				t.closeWith(CloseReasonHandshakeStall, ErrStalled)
				return
			}
			for _, raw := range resend {
				t.conn.WriteToUDP(raw, t.remoteAddr)
			}
		}
	}
}

// Bye sends a CONTROL bye marker and transitions to CLOSED.
func (t *Transport) Bye() {
	t.Send(PacketControl, ChannelControl, []byte{'b', 'y', 'e'})
	t.closeWith(CloseReasonBye, nil)
}

func (t *Transport) closeWith(reason CloseReason, err error) {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.state.Store(int32(StateClosed))
	if t.cancel != nil {
		t.cancel()
	}
	if t.callbacks.OnClosed != nil {
		t.callbacks.OnClosed(reason, err)
	}
}

// Close releases the underlying socket. Safe to call multiple times.
func (t *Transport) Close() error {
	t.closeWith(CloseReasonBye, nil)
	return t.conn.Close()
}

// PendingControlCount exposes the retransmit queue depth for diagnostics.
func (t *Transport) PendingControlCount() int { return t.retx.pendingCount() }
