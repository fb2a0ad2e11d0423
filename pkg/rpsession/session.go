package rpsession

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nwire/rpbridge/pkg/config"
	"github.com/nwire/rpbridge/pkg/discovery"
	"github.com/nwire/rpbridge/pkg/feedback"
	"github.com/nwire/rpbridge/pkg/handshake"
	"github.com/nwire/rpbridge/pkg/logger"
	"github.com/nwire/rpbridge/pkg/media"
	"github.com/nwire/rpbridge/pkg/regist"
	"github.com/nwire/rpbridge/pkg/store"
	"github.com/nwire/rpbridge/pkg/takion"
	"github.com/nwire/rpbridge/pkg/wake"
)

// cryptoFaultThreshold and cryptoFaultWindow are the sliding window spec §7 uses to escalate repeated
// MAC failures into a CryptoFault: 100 bad packets within 1s.
const (
	cryptoFaultThreshold = 100
	cryptoFaultWindow    = 1 * time.Second
	// stopBudget is how long Stop gives in-flight teardown before moving
	// on regardless (spec §7: "resources are released within 500 ms").
	stopBudget = 500 * time.Millisecond
)

// takionFeedbackSender adapts a takion.Transport to feedback.Sender,
// keeping pkg/feedback from importing pkg/takion directly.
type takionFeedbackSender struct{ t *takion.Transport }

func (s takionFeedbackSender) SendFeedbackState(payload []byte) error {
	return s.t.Send(takion.PacketFeedbackState, takion.ChannelFeedback, payload)
}

func (s takionFeedbackSender) SendFeedbackHistory(payload []byte) error {
	return s.t.Send(takion.PacketFeedbackHistory, takion.ChannelFeedback, payload)
}

func (s takionFeedbackSender) SendControlRequestIDR() error {
	return s.t.Send(takion.PacketControl, takion.ChannelControl, []byte("request_idr"))
}

// StartOptions carries the per-attempt inputs Start needs beyond what's
// already in the store (spec §4.9: device_id plus whatever credential
// material registration requires).
type StartOptions struct {
	HostIP       string
	PIN          string // required only when no stored credentials exist
	PSNAccountID string // required only alongside PIN
}

// RemoteSession is C9: the orchestrator that drives one device_id
// through Idle -> Discovering -> Waking? -> Registering? -> Handshaking
// -> Connecting -> Ready, and back down through Closing -> Closed, or
// sideways into Failed(kind) on any terminal error.
type RemoteSession struct {
	deviceID string
	cfg      *config.Config
	store    store.Store
	sink     media.AVSink
	log      *logger.Logger

	mu       sync.Mutex
	state    State
	failKind Kind
	failErr  error

	udpConn   *net.UDPConn
	tcpConn   net.Conn
	transport *takion.Transport
	video     *media.VideoPipeline
	audio     *media.AudioPipeline
	feedback  *feedback.Handle

	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	badMACMu  sync.Mutex
	badMACLog []time.Time

	statsStop chan struct{}
}

// NewRemoteSession builds an idle session bound to deviceID. cfg and st
// are shared across every session a Manager holds; sink is this
// session's own decoded-output boundary.
func NewRemoteSession(deviceID string, cfg *config.Config, st store.Store, sink media.AVSink, log *logger.Logger) *RemoteSession {
	if log == nil {
		log = logger.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &RemoteSession{
		deviceID: deviceID,
		cfg:      cfg,
		store:    st,
		sink:     sink,
		log:      log,
		state:    StateIdle,
	}
}

// DeviceID returns the bound device identity.
func (s *RemoteSession) DeviceID() string { return s.deviceID }

// State returns the current lifecycle state.
func (s *RemoteSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure returns the terminal kind/error once State() is StateFailed.
func (s *RemoteSession) Failure() (Kind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failKind, s.failErr
}

// Stats returns the most recent video/audio pipeline statistics, or the
// zero value before the session has reached StateReady.
func (s *RemoteSession) Stats() media.StreamStats {
	s.mu.Lock()
	video, audio := s.video, s.audio
	s.mu.Unlock()
	if video == nil || audio == nil {
		return media.StreamStats{}
	}
	now := time.Now()
	return media.StreamStats{Video: video.Stats(now), Audio: audio.Stats(now)}
}

func (s *RemoteSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.DebugSession("session state transition", "device_id", s.deviceID, "state", st.String())
}

func (s *RemoteSession) fail(kind Kind, err error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.failKind = kind
	s.failErr = err
	s.mu.Unlock()
	s.log.DebugSession("session failed", "device_id", s.deviceID, "kind", string(kind), "error", err)
	if s.store != nil {
		_ = s.store.SetStatus(s.deviceID, store.StatusOffline, time.Now())
	}
	return &Error{Kind: kind, Err: err}
}

// Start runs the full C2-C8 bring-up sequence for one device_id. It
// blocks until the session reaches Ready or a terminal failure.
// WakeTimeout is retried once automatically (spec §7); every other
// failure kind is terminal on first occurrence.
func (s *RemoteSession) Start(ctx context.Context, opts StartOptions) error {
	s.setState(StateDiscovering)
	disc := discovery.New(s.cfg.Discovery.BindPort, s.cfg.Discovery.TargetPort)

	host, err := disc.Discover(ctx, opts.HostIP, s.cfg.Discovery.Timeout)
	if err != nil {
		return s.fail(KindNetworkUnreachable, err)
	}

	rec, rerr := s.store.Get(s.deviceID)
	if rerr != nil && !errors.Is(rerr, store.ErrNotFound) {
		return s.fail(KindConfigMissing, rerr)
	}
	if rec == nil {
		rec = &store.DeviceRecord{DeviceID: s.deviceID, HostID: host.HostID, HostType: host.HostType, IPAddress: opts.HostIP}
	}
	hasCreds := rec.IsRegistered()

	if host.State == discovery.HostStateStandby {
		if !hasCreds {
			return s.fail(KindConfigMissing, fmt.Errorf("rpsession: cannot wake %s without stored credentials", s.deviceID))
		}
		s.setState(StateWaking)
		if err := s.wakeAndWait(ctx, disc, opts.HostIP, rec); err != nil {
			return s.fail(KindWakeTimeout, err)
		}
	} else if !hasCreds {
		if opts.PIN == "" {
			return s.fail(KindConfigMissing, fmt.Errorf("rpsession: no stored credentials and no PIN supplied for %s", s.deviceID))
		}
		s.setState(StateRegistering)
		if err := s.register(rec, host, opts); err != nil {
			var re *regist.Error
			if errors.As(err, &re) && re.Kind == regist.KindRejected {
				return s.fail(KindRegistRejected, err)
			}
			return s.fail(KindRegistCorrupt, err)
		}
	}

	s.setState(StateHandshaking)
	hsResult, herr := s.handshake(ctx, opts.HostIP, rec, host)
	if herr != nil {
		return s.fail(KindHandshakeRejected, herr)
	}
	s.tcpConn = hsResult.Conn

	s.setState(StateConnecting)
	if err := s.connect(ctx, opts.HostIP, host, hsResult); err != nil {
		return s.fail(KindTakionStalled, err)
	}

	if s.store != nil {
		_ = s.store.SetStatus(s.deviceID, store.StatusOnline, time.Now())
	}
	s.setState(StateReady)
	return nil
}

// wakeAndWait retries once on timeout per spec §7 ("WakeTimeout: retried
// once automatically").
func (s *RemoteSession) wakeAndWait(ctx context.Context, disc *discovery.Client, hostIP string, rec *store.DeviceRecord) error {
	attempt := func() error {
		return wake.PollUntilReady(ctx, disc, hostIP, s.cfg.Wake.TargetPort, rec.RegistKeyHex(), s.cfg.Wake.PollInterval, s.cfg.Wake.Timeout, s.log)
	}
	if err := attempt(); err != nil {
		s.log.DebugSession("wake timed out, retrying once", "device_id", s.deviceID, "error", err)
		return attempt()
	}
	return nil
}

func (s *RemoteSession) register(rec *store.DeviceRecord, host *discovery.HostInfo, opts StartOptions) error {
	pin, err := regist.NormalizePIN(opts.PIN)
	if err != nil {
		return &regist.Error{Kind: regist.KindMalformed, Err: err}
	}
	isPS5 := host.HostType == store.HostTypePS5
	port := s.cfg.Regist.PS4Port
	if isPS5 {
		port = s.cfg.Regist.PS5Port
	}
	result, err := regist.Register(opts.HostIP, port, isPS5, opts.PSNAccountID, pin, s.cfg.Regist.HTTPTimeout, s.log)
	if err != nil {
		return err
	}
	result.ApplyTo(rec)
	rec.HostID = host.HostID
	rec.HostType = host.HostType
	rec.IPAddress = opts.HostIP
	return s.store.Put(rec)
}

func (s *RemoteSession) handshake(ctx context.Context, hostIP string, rec *store.DeviceRecord, host *discovery.HostInfo) (*handshake.Result, error) {
	isPS5 := rec.HostType == store.HostTypePS5
	port := s.cfg.Regist.PS4Port
	version := "8.0"
	if isPS5 {
		port = s.cfg.Regist.PS5Port
		version = "10.0"
	}
	if len(rec.RPKey) < 16 {
		return nil, fmt.Errorf("rpsession: stored rp_key too short for %s", s.deviceID)
	}
	// rp_key is stored at its full 32-byte registration length; the
	// session key schedule only ever consumes the first 16 bytes.
	return handshake.Connect(hostIP, port, rec.RegistKeyHex(), version, rec.RPKey[:16], s.cfg.Handshake.TCPTimeout, s.log)
}

func (s *RemoteSession) connect(ctx context.Context, hostIP string, host *discovery.HostInfo, hs *handshake.Result) error {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("rpsession: bind takion socket: %w", err)
	}
	s.udpConn = udpConn

	remoteAddr := &net.UDPAddr{IP: net.ParseIP(hostIP), Port: host.HostRequestPort}
	tCfg := takion.Config{
		HandshakeTimeout:  s.cfg.Takion.HandshakeTimeout,
		HeartbeatInterval: s.cfg.Takion.HeartbeatInterval,
		HeartbeatMisses:   s.cfg.Takion.HeartbeatMisses,
		RTOInitial:        s.cfg.Takion.RTOInitial,
		RTOMax:            s.cfg.Takion.RTOMax,
		RTOMaxAttempts:    s.cfg.Takion.RTOMaxAttempts,
	}

	s.transport = takion.New(udpConn, remoteAddr, hs.Auth.GMACKey[:], tCfg, takion.Callbacks{
		OnVideo:    s.onVideoPacket,
		OnAudio:    s.onAudioPacket,
		OnFeedback: func(*takion.Packet) {},
		OnClosed:   s.onTransportClosed,
		OnBadMAC:   s.onBadMAC,
	}, s.log)

	hctx, cancel := context.WithTimeout(ctx, s.cfg.Takion.HandshakeTimeout)
	defer cancel()
	if err := s.transport.Handshake(hctx); err != nil {
		return err
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	s.runCancel = runCancel
	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		s.transport.Run(runCtx)
	}()

	s.feedback = feedback.NewHandle(
		takionFeedbackSender{s.transport},
		time.Duration(s.cfg.Feedback.StateIntervalMs)*time.Millisecond,
		time.Duration(s.cfg.Feedback.HeartbeatMs)*time.Millisecond,
		time.Duration(s.cfg.Feedback.HistoryIntervalMs)*time.Millisecond,
		s.log,
	)
	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		s.feedback.Run(runCtx)
	}()

	s.video = media.NewVideoPipeline(hs.Video.AESKey[:], hs.ServerNonce, s.cfg.Media.NDrop, s.cfg.Media.FrameDeadline, s.cfg.Media.ForcedIDRAfterRepeats, 60, s.sink, s.feedback, s.log)
	s.audio = media.NewAudioPipeline(hs.Audio.AESKey[:], hs.ServerNonce, time.Duration(s.cfg.Media.AudioJitterMs)*time.Millisecond, 48000, s.sink, s.log)

	s.statsStop = make(chan struct{})
	s.runWG.Add(1)
	go s.statsLoop(runCtx)

	return nil
}

func (s *RemoteSession) onVideoPacket(p *takion.Packet) {
	if err := s.video.HandleDatagram(p.Payload, time.Now()); err != nil {
		s.log.DebugVideo("discard malformed video datagram", "device_id", s.deviceID, "error", err)
	}
}

func (s *RemoteSession) onAudioPacket(p *takion.Packet) {
	if err := s.audio.HandleDatagram(p.Payload, time.Now()); err != nil {
		s.log.DebugAudio("discard malformed audio datagram", "device_id", s.deviceID, "error", err)
	}
}

// onBadMAC tracks failed verifications in a 1s sliding window and
// escalates to CryptoFault once the spec §7 threshold (100/s) is
// crossed.
func (s *RemoteSession) onBadMAC(err error) {
	now := time.Now()
	s.badMACMu.Lock()
	s.badMACLog = append(s.badMACLog, now)
	cutoff := now.Add(-cryptoFaultWindow)
	kept := s.badMACLog[:0]
	for _, t := range s.badMACLog {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.badMACLog = kept
	tripped := len(s.badMACLog) >= cryptoFaultThreshold
	s.badMACMu.Unlock()

	if tripped && s.State() == StateReady {
		go s.failAndStop(KindCryptoFault, fmt.Errorf("rpsession: %d bad MACs within %s", cryptoFaultThreshold, cryptoFaultWindow))
	}
}

// onTransportClosed maps an unexpected takion close into TakionStalled
// unless the session is already tearing itself down on purpose.
func (s *RemoteSession) onTransportClosed(reason takion.CloseReason, err error) {
	if s.State() == StateClosing || s.State() == StateClosed {
		return
	}
	if reason == takion.CloseReasonBye {
		return
	}
	go s.failAndStop(KindTakionStalled, fmt.Errorf("rpsession: takion closed (%s): %w", reason, err))
}

func (s *RemoteSession) failAndStop(kind Kind, err error) {
	_ = s.fail(kind, err)
	_ = s.Stop()
}

// statsLoop reports combined video/audio statistics to the AVSink every
// second, matching the bridge teacher's periodic-stats-callback cadence.
func (s *RemoteSession) statsLoop(ctx context.Context) {
	defer s.runWG.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if s.sink == nil {
				continue
			}
			s.sink.OnStreamStats(media.StreamStats{
				Video: s.video.Stats(now),
				Audio: s.audio.Stats(now),
			})
		}
	}
}

// Stop tears the session down: Ready -> Closing -> Closed. Safe to call
// more than once and safe to call from a Failed state to release
// resources. Spec §7: resources are released within 500ms.
func (s *RemoteSession) Stop() error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return nil
	}
	wasFailed := s.state == StateFailed
	s.state = StateClosing
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if s.feedback != nil {
			s.feedback.Stop()
		}
		if s.transport != nil {
			s.transport.Bye()
			_ = s.transport.Close()
		}
		if s.runCancel != nil {
			s.runCancel()
		}
		s.runWG.Wait()
		if s.tcpConn != nil {
			_ = s.tcpConn.Close()
		}
	}()

	select {
	case <-done:
	case <-time.After(stopBudget):
		s.log.DebugSession("teardown exceeded budget, abandoning remaining cleanup", "device_id", s.deviceID)
	}

	if s.store != nil {
		_ = s.store.SetStatus(s.deviceID, store.StatusOffline, time.Now())
	}

	s.mu.Lock()
	if !wasFailed {
		s.state = StateClosed
	} else {
		s.state = StateFailed
	}
	s.mu.Unlock()
	return nil
}

// The following methods are the InputSource surface spec §6 names:
// on_button(event), on_stick(side,x,y), on_trigger(side,v), request_idr().

// OnButton applies a press or release for one named button.
func (s *RemoteSession) OnButton(button uint16, extra uint8, pressed bool) {
	if s.feedback == nil {
		return
	}
	if pressed {
		s.feedback.Press(button)
		if extra != 0 {
			s.feedback.PressExtra(extra)
		}
		return
	}
	s.feedback.Release(button)
	if extra != 0 {
		s.feedback.ReleaseExtra(extra)
	}
}

// OnStick forwards an analog stick sample.
func (s *RemoteSession) OnStick(side feedback.Side, x, y int8) {
	if s.feedback != nil {
		s.feedback.SetStick(side, x, y)
	}
}

// OnTrigger forwards an analog trigger sample.
func (s *RemoteSession) OnTrigger(side feedback.Side, value uint8) {
	if s.feedback != nil {
		s.feedback.SetTrigger(side, value)
	}
}

// RequestIDR lets an external caller (e.g. the AVSink, on decoder
// desync) ask for a key frame directly.
func (s *RemoteSession) RequestIDR() {
	if s.feedback != nil {
		s.feedback.RequestIDR()
	}
}
