package media

import (
	"sync"
	"time"

	"github.com/nwire/rpbridge/pkg/logger"
	"github.com/nwire/rpbridge/pkg/rpcrypto"
)

// defaultAudioJitterWindow is the jitter window used when
// NewAudioPipeline is given none: how long a packet is held before it is
// emitted (spec §4.7: "jitter buffer holds up to 120 ms").
const defaultAudioJitterWindow = 120 * time.Millisecond

type audioPacket struct {
	header    AudioHeader
	payload   []byte
	arrivedAt time.Time
}

// AudioPipeline implements the audio half of C7: decrypt, jitter-buffer,
// and hand Opus frames to the AVSink in frame order. Output is not paced:
// buffered packets are emitted only from HandleDatagram, all at once,
// as soon as they have been held for the jitter window.
type AudioPipeline struct {
	audioKey  []byte
	sessionIV []byte

	jitterWindow time.Duration
	sampleRate   uint32

	sink AVSink
	log  *logger.Logger

	mu            sync.Mutex
	buffer        []audioPacket
	haveHead      bool
	headFrame     uint16
	stats         *statTracker
}

// NewAudioPipeline builds an audio jitter-buffer pipeline for one
// session's audio channel. sampleRate is the negotiated Opus clock (e.g.
// 48000Hz); it is stored but not read: the PTS passed to the AVSink is
// the packet's sample_position.
func NewAudioPipeline(audioKey, sessionIV []byte, jitterWindow time.Duration, sampleRate uint32, sink AVSink, log *logger.Logger) *AudioPipeline {
	if log == nil {
		log = logger.Default()
	}
	if jitterWindow <= 0 {
		jitterWindow = defaultAudioJitterWindow
	}
	if sampleRate == 0 {
		sampleRate = 48000
	}
	return &AudioPipeline{
		audioKey:     audioKey,
		sessionIV:    sessionIV,
		jitterWindow: jitterWindow,
		sampleRate:   sampleRate,
		sink:         sink,
		log:          log,
		stats:        newStatTracker(),
	}
}

// HandleDatagram decrypts one audio datagram and inserts it into the
// jitter buffer in sample-position order.
func (p *AudioPipeline) HandleDatagram(raw []byte, now time.Time) error {
	h, ciphertext, err := DecodeAudioHeader(raw)
	if err != nil {
		return err
	}

	payload := append([]byte(nil), ciphertext...)
	stream, err := rpcrypto.NewCTRStream(p.audioKey, audioIV(p.sessionIV, h.FrameIndex), 0)
	if err != nil {
		return err
	}
	stream.XORKeyStream(payload, payload)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.haveHead && seqOlderOrEqual(h.FrameIndex, p.headFrame) {
		p.stats.recordAudioTimeoutDropped()
		p.log.DebugAudio("dropping late audio packet", "frame_index", h.FrameIndex, "head", p.headFrame)
		return nil
	}

	p.buffer = append(p.buffer, audioPacket{header: h, payload: payload, arrivedAt: now})
	p.drain(now)
	return nil
}

// seqOlderOrEqual reports whether a is not newer than b, 16-bit
// wraparound aware.
func seqOlderOrEqual(a, b uint16) bool { return !seqNewer(a, b) }

// drain emits every buffered packet whose hold time has exceeded the
// jitter window, in frame order, back to back; no pacing is applied.
func (p *AudioPipeline) drain(now time.Time) {
	if len(p.buffer) == 0 {
		return
	}

	sortByFrame(p.buffer)

	cutoff := now.Add(-p.jitterWindow)
	keep := p.buffer[:0]
	for _, pkt := range p.buffer {
		if pkt.arrivedAt.After(cutoff) {
			keep = append(keep, pkt)
			continue
		}
		p.emit(pkt)
	}
	p.buffer = keep
}

func (p *AudioPipeline) emit(pkt audioPacket) {
	p.haveHead = true
	p.headFrame = pkt.header.FrameIndex
	p.stats.recordFrame(len(pkt.payload), pkt.arrivedAt)

	if p.sink != nil {
		if err := p.sink.OnAudio(pkt.payload, pkt.header.SamplePosition); err != nil {
			p.log.DebugAudio("av sink rejected audio packet", "error", err)
		}
	}
}

// sortByFrame is a tiny insertion sort; jitter-buffer depths are small
// (a handful of 120ms-window packets), so this beats pulling in sort
// for a few-element slice.
func sortByFrame(buf []audioPacket) {
	for i := 1; i < len(buf); i++ {
		for j := i; j > 0 && seqNewer(buf[j-1].header.FrameIndex, buf[j].header.FrameIndex); j-- {
			buf[j-1], buf[j] = buf[j], buf[j-1]
		}
	}
}

func audioIV(sessionIV []byte, frameIndex uint16) []byte {
	iv := make([]byte, 8)
	copy(iv, sessionIV)
	iv[6] = byte(frameIndex >> 8)
	iv[7] = byte(frameIndex)
	return iv
}

// Stats returns a point-in-time snapshot of the audio statistics.
func (p *AudioPipeline) Stats(now time.Time) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.snapshot(now)
}
