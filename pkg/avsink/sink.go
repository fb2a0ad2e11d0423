// Package avsink is the reference media.AVSink implementation: a
// pion/webrtc PeerConnection that repackages decoded H.264 frames and
// Opus packets into RTP for a locally-connecting browser, the same way
// the teacher's pkg/bridge talks to its WebRTC peer, minus the
// Cloudflare Calls signaling hop (the browser negotiates directly
// against this process).
package avsink

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"

	"github.com/nwire/rpbridge/pkg/logger"
	"github.com/nwire/rpbridge/pkg/media"
)

const rtpMTU = 1200

// Sink is one device's browser-facing WebRTC endpoint.
type Sink struct {
	deviceID string
	log      *logger.Logger
	idrMu    sync.Mutex
	idr      media.IDRRequester

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pc          *webrtc.PeerConnection
	videoTrack  *webrtc.TrackLocalStaticRTP
	audioTrack  *webrtc.TrackLocalStaticRTP
	videoSender *webrtc.RTPSender
	audioSender *webrtc.RTPSender

	h264Payloader *codecs.H264Payloader
	videoMu       sync.Mutex
	videoSeq      uint16

	audioMu  sync.Mutex
	audioSeq uint16

	connStateMu     sync.RWMutex
	cachedConnState webrtc.PeerConnectionState

	statsMu   sync.Mutex
	lastStats media.StreamStats
}

// NewSink builds a PeerConnection with H.264 and Opus tracks ready to
// receive decoded media, and wires inbound PLI/FIR RTCP straight to idr
// (spec §6: the AVSink's RTCP feedback is how C7 learns to re-request a
// key frame from the console). idr may be nil at construction time and
// attached later with SetIDRRequester, since a SinkFactory typically
// builds the sink before the RemoteSession that will serve as its
// IDRRequester exists.
func NewSink(deviceID string, idr media.IDRRequester, log *logger.Logger) (*Sink, error) {
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Sink{
		deviceID:        deviceID,
		log:             log,
		idr:             idr,
		ctx:             ctx,
		cancel:          cancel,
		h264Payloader:   &codecs.H264Payloader{},
		videoSeq:        uint16(time.Now().UnixNano() & 0xFFFF),
		cachedConnState: webrtc.PeerConnectionStateNew,
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		cancel()
		return nil, fmt.Errorf("avsink: register h264 codec: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		cancel()
		return nil, fmt.Errorf("avsink: register opus codec: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("avsink: create peer connection: %w", err)
	}
	s.pc = pc

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.connStateMu.Lock()
		s.cachedConnState = state
		s.connStateMu.Unlock()
		s.log.DebugSession("avsink connection state changed", "device_id", deviceID, "state", state.String())
	})

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		fmt.Sprintf("%s-video", deviceID), fmt.Sprintf("%s-rpbridge", deviceID),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("avsink: create video track: %w", err)
	}
	s.videoTrack = videoTrack
	if s.videoSender, err = pc.AddTrack(videoTrack); err != nil {
		cancel()
		return nil, fmt.Errorf("avsink: add video track: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		fmt.Sprintf("%s-audio", deviceID), fmt.Sprintf("%s-rpbridge", deviceID),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("avsink: create audio track: %w", err)
	}
	s.audioTrack = audioTrack
	if s.audioSender, err = pc.AddTrack(audioTrack); err != nil {
		cancel()
		return nil, fmt.Errorf("avsink: add audio track: %w", err)
	}

	s.startRTCPReaders()
	return s, nil
}

// CreateOffer runs local SDP offer/ICE-gather and returns the SDP for
// the caller to send to the browser.
func (s *Sink) CreateOffer(ctx context.Context) (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("avsink: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("avsink: set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		return "", fmt.Errorf("avsink: ice gathering timeout")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return s.pc.LocalDescription().SDP, nil
}

// SetAnswer applies the browser's SDP answer to complete negotiation.
func (s *Sink) SetAnswer(sdp string) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// OnVideo implements media.AVSink: repackage one decoded H.264 access
// unit (Annex-B, start-code delimited) into RTP and write it to the
// video track.
func (s *Sink) OnVideo(frameBytes []byte, codec string, isKey bool, pts uint32) error {
	if s.videoTrack == nil {
		return fmt.Errorf("avsink: video track not initialized")
	}
	nalus := splitAnnexB(frameBytes)
	if len(nalus) == 0 {
		return nil
	}

	s.videoMu.Lock()
	seqNum := s.videoSeq
	s.videoMu.Unlock()

	for naluIdx, nalu := range nalus {
		payloads := s.h264Payloader.Payload(rtpMTU, nalu)
		for i, payload := range payloads {
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    96,
					SequenceNumber: seqNum,
					Timestamp:      pts,
					Marker:         naluIdx == len(nalus)-1 && i == len(payloads)-1,
				},
				Payload: payload,
			}
			if err := s.videoTrack.WriteRTP(pkt); err != nil {
				if err == io.ErrClosedPipe {
					return nil
				}
				return fmt.Errorf("avsink: write video rtp: %w", err)
			}
			seqNum++
		}
	}

	s.videoMu.Lock()
	s.videoSeq = seqNum
	s.videoMu.Unlock()
	return nil
}

// OnAudio implements media.AVSink: write one Opus frame as a single RTP
// packet (Opus packets map 1:1 to RTP payloads, no fragmentation).
func (s *Sink) OnAudio(opusBytes []byte, pts uint32) error {
	if s.audioTrack == nil {
		return fmt.Errorf("avsink: audio track not initialized")
	}

	s.audioMu.Lock()
	seq := s.audioSeq
	s.audioSeq++
	s.audioMu.Unlock()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      pts,
			Marker:         true,
		},
		Payload: opusBytes,
	}
	if err := s.audioTrack.WriteRTP(pkt); err != nil {
		if err == io.ErrClosedPipe {
			return nil
		}
		return fmt.Errorf("avsink: write audio rtp: %w", err)
	}
	return nil
}

// OnStreamStats implements media.AVSink, caching the latest snapshot
// for the status API to report.
func (s *Sink) OnStreamStats(stats media.StreamStats) {
	s.statsMu.Lock()
	s.lastStats = stats
	s.statsMu.Unlock()
}

// LastStats returns the most recent stats snapshot.
func (s *Sink) LastStats() media.StreamStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.lastStats
}

// ConnectionState returns the cached peer connection state.
func (s *Sink) ConnectionState() webrtc.PeerConnectionState {
	s.connStateMu.RLock()
	defer s.connStateMu.RUnlock()
	return s.cachedConnState
}

func (s *Sink) startRTCPReaders() {
	if s.videoSender != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.readRTCP(s.videoSender, "video")
		}()
	}
	if s.audioSender != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.readRTCP(s.audioSender, "audio")
		}()
	}
}

func (s *Sink) readRTCP(sender *webrtc.RTPSender, track string) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if err == io.EOF || err == io.ErrClosedPipe {
					return
				}
				s.log.DebugSession("avsink rtcp read error", "device_id", s.deviceID, "track", track, "error", err)
				return
			}
		}

		for _, packet := range packets {
			switch pkt := packet.(type) {
			case *rtcp.PictureLossIndication:
				s.log.DebugSession("avsink received PLI", "device_id", s.deviceID, "track", track, "media_ssrc", pkt.MediaSSRC)
				s.requestIDR()
			case *rtcp.FullIntraRequest:
				s.log.DebugSession("avsink received FIR", "device_id", s.deviceID, "track", track, "media_ssrc", pkt.MediaSSRC)
				s.requestIDR()
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				s.log.DebugSession("avsink received REMB", "device_id", s.deviceID, "track", track, "bitrate_bps", pkt.Bitrate)
			}
		}
	}
}

// SetIDRRequester (re)attaches the IDRRequester a PLI/FIR triggers.
func (s *Sink) SetIDRRequester(idr media.IDRRequester) {
	s.idrMu.Lock()
	s.idr = idr
	s.idrMu.Unlock()
}

func (s *Sink) requestIDR() {
	s.idrMu.Lock()
	idr := s.idr
	s.idrMu.Unlock()
	if idr != nil {
		idr.RequestIDR()
	}
}

// Close tears down the PeerConnection and its RTCP reader goroutines.
func (s *Sink) Close() error {
	s.cancel()
	s.wg.Wait()
	if s.pc != nil {
		return s.pc.Close()
	}
	return nil
}

var _ media.AVSink = (*Sink)(nil)
