package media

import (
	"time"

	"github.com/klauspost/reedsolomon"

	"github.com/nwire/rpbridge/pkg/logger"
	"github.com/nwire/rpbridge/pkg/rpcrypto"
)

const videoClockRate = 90000 // 90kHz, matches H.264 RTP convention

// frameAssembly is the in-flight reassembly state for one frame_index
// (spec §3's FrameAssembly). slots[0:k] are data, slots[k:k+m] are
// parity; nil entries are not-yet-received.
type frameAssembly struct {
	frameIndex uint16
	k, m       int
	slots      [][]byte
	present    int
	shardSize  int
	frameSize  uint16
	isKeyFrame bool
	firstSeen  time.Time
	laterCount int
}

func newFrameAssembly(h VideoHeader, now time.Time) *frameAssembly {
	k, m := h.DataSlots(), h.ParitySlots()
	return &frameAssembly{
		frameIndex: h.FrameIndex,
		k:          k,
		m:          m,
		slots:      make([][]byte, k+m),
		frameSize:  h.FrameSize,
		isKeyFrame: h.IsKeyFrame(),
		firstSeen:  now,
	}
}

// put stores a decrypted data/parity shard at its slot; returns false if
// the slot index is out of range or a duplicate.
func (a *frameAssembly) put(slotIndex int, payload []byte) bool {
	if slotIndex < 0 || slotIndex >= len(a.slots) {
		return false
	}
	if a.slots[slotIndex] != nil {
		return false // duplicate, dropped per spec §4.7
	}
	a.slots[slotIndex] = payload
	a.present++
	if a.shardSize == 0 {
		a.shardSize = len(payload)
	}
	return true
}

func (a *frameAssembly) dataPresent() int {
	n := 0
	for i := 0; i < a.k; i++ {
		if a.slots[i] != nil {
			n++
		}
	}
	return n
}

// seqNewer reports whether a is strictly newer than b under the usual
// 16-bit wraparound comparison.
func seqNewer(a, b uint16) bool { return int16(a-b) > 0 }

// resolvedFrame is a frame that has left in-flight reassembly — either
// decoded (directly or via FEC) or declared lost — and is waiting its
// turn in nextEmit order before it reaches the sink.
type resolvedFrame struct {
	lost       bool
	data       []byte
	isKeyFrame bool
}

// VideoPipeline implements the video half of C7: per-frame reassembly,
// Reed-Solomon FEC recovery, deadline/drop handling, and the
// reused-frame-on-loss policy, pushing completed output to an AVSink.
// Frames can finish reassembly (or get declared lost) out of
// frame_index order, since a later frame's parity can arrive and
// complete it while an earlier one is still waiting out its deadline;
// `resolved` buffers those outcomes until drain can release them in
// strict frame_index order (spec §5/§8).
type VideoPipeline struct {
	videoKey  []byte
	sessionIV []byte

	nDrop              int
	frameDeadline      time.Duration
	forcedIDRAfterRepeats int
	ptsStep            uint32

	sink AVSink
	idr  IDRRequester
	log  *logger.Logger

	stats *statTracker

	frames         map[uint16]*frameAssembly
	haveHighest    bool
	highestIndex   uint16

	resolved      map[uint16]resolvedFrame
	nextEmit      uint16
	haveNextEmit  bool

	nextPTS           uint32
	lastDecodedFrame  []byte
	consecutiveReuses int
}

// NewVideoPipeline builds a video reassembly pipeline for one session's
// video channel. nominalFPS is used only to derive the PTS bump applied
// to reused frames (see the reused-frame PTS open question resolution).
func NewVideoPipeline(videoKey, sessionIV []byte, nDrop int, frameDeadline time.Duration, forcedIDRAfterRepeats int, nominalFPS float64, sink AVSink, idr IDRRequester, log *logger.Logger) *VideoPipeline {
	if log == nil {
		log = logger.Default()
	}
	if nominalFPS <= 0 {
		nominalFPS = 60
	}
	return &VideoPipeline{
		videoKey:              videoKey,
		sessionIV:             sessionIV,
		nDrop:                 nDrop,
		frameDeadline:         frameDeadline,
		forcedIDRAfterRepeats: forcedIDRAfterRepeats,
		ptsStep:               uint32(videoClockRate / nominalFPS),
		sink:                  sink,
		idr:                   idr,
		log:                   log,
		stats:                 newStatTracker(),
		frames:                make(map[uint16]*frameAssembly),
		resolved:              make(map[uint16]resolvedFrame),
	}
}

// HandleDatagram decrypts and ingests one video datagram, then sweeps
// any frame that has crossed its deadline or N_drop threshold.
func (p *VideoPipeline) HandleDatagram(raw []byte, now time.Time) error {
	h, ciphertext, err := DecodeVideoHeader(raw)
	if err != nil {
		return err
	}

	payload := append([]byte(nil), ciphertext...)
	stream, err := rpcrypto.NewCTRStream(p.videoKey, videoIV(p.sessionIV, h.FrameIndex, h.PacketIndex), 0)
	if err != nil {
		return err
	}
	stream.XORKeyStream(payload, payload)

	p.ingest(h, payload, now)
	p.sweep(now)
	return nil
}

func (p *VideoPipeline) ingest(h VideoHeader, payload []byte, now time.Time) {
	if !p.haveNextEmit {
		p.haveNextEmit = true
		p.nextEmit = h.FrameIndex
	}

	a, ok := p.frames[h.FrameIndex]
	if !ok {
		a = newFrameAssembly(h, now)
		p.frames[h.FrameIndex] = a

		if !p.haveHighest || seqNewer(h.FrameIndex, p.highestIndex) {
			if p.haveHighest {
				p.fillGap(p.highestIndex, h.FrameIndex, now)
			}
			p.highestIndex = h.FrameIndex
			p.haveHighest = true
			for idx, other := range p.frames {
				if idx != h.FrameIndex && seqNewer(h.FrameIndex, idx) {
					other.laterCount++
				}
			}
		}
	}

	a.put(int(h.PacketIndex), payload)
	p.tryComplete(a, now)
}

// maxFillGap bounds how many missing-frame placeholders a single jump
// creates. A gap this large almost certainly means the sender restarted
// its frame counter rather than genuinely dropping this many whole
// frames in a row, so filling it would just allocate assemblies sweep
// would immediately discard anyway.
const maxFillGap = 1024

// fillGap creates an empty placeholder FrameAssembly for every
// frame_index strictly between prev and next that never received a
// single packet, so the deadline/N_drop sweep below — and therefore
// strict frame_index emission order — applies to frames dropped in
// their entirety, not just ones that arrived partially (spec §8: "gaps
// correspond exactly to frames marked lost").
func (p *VideoPipeline) fillGap(prev, next uint16, now time.Time) {
	gap := next - prev
	if gap <= 1 || int(gap) > maxFillGap {
		return
	}
	for idx := prev + 1; idx != next; idx++ {
		if _, ok := p.frames[idx]; ok {
			continue
		}
		p.frames[idx] = &frameAssembly{frameIndex: idx, firstSeen: now}
	}
}

// tryComplete attempts the two completion paths named in spec §4.7:
// all-data-present, or FEC recovery once enough total shards arrived.
// Completion only resolves the frame; drain decides when it's actually
// safe to hand to the sink.
func (p *VideoPipeline) tryComplete(a *frameAssembly, now time.Time) {
	if a.k > 0 && a.dataPresent() == a.k {
		p.resolve(a.frameIndex, resolvedFrame{data: framePayload(a), isKeyFrame: a.isKeyFrame}, now)
		delete(p.frames, a.frameIndex)
		return
	}

	if a.k > 0 && a.present >= a.k && a.m > 0 {
		if p.reconstruct(a) {
			p.stats.recordFECAttempt(true)
			p.resolve(a.frameIndex, resolvedFrame{data: framePayload(a), isKeyFrame: a.isKeyFrame}, now)
			delete(p.frames, a.frameIndex)
		} else {
			p.stats.recordFECAttempt(false)
		}
	}
}

// resolve records a frame's outcome and drains whatever prefix of
// frame_index order that outcome has now made ready.
func (p *VideoPipeline) resolve(idx uint16, rf resolvedFrame, now time.Time) {
	p.resolved[idx] = rf
	p.drain(now)
}

// drain emits every contiguously-resolved frame starting at nextEmit,
// in strict frame_index order, stopping at the first index still
// in-flight so a frame that finished (or was swept) later never jumps
// ahead of one whose fate isn't decided yet (spec §5/§8).
func (p *VideoPipeline) drain(now time.Time) {
	if !p.haveNextEmit {
		return
	}
	for {
		rf, ok := p.resolved[p.nextEmit]
		if !ok {
			return
		}
		delete(p.resolved, p.nextEmit)
		if rf.lost {
			p.onFrameLost(now)
		} else {
			p.emitDecoded(p.nextEmit, rf.data, rf.isKeyFrame, now)
		}
		p.nextEmit++
	}
}

// reconstruct runs Reed-Solomon decode over GF(2^8) to recover missing
// data slots, requiring received_data+received_parity >= k (spec §4.7,
// §8 edge case: "never succeeds with fewer").
func (p *VideoPipeline) reconstruct(a *frameAssembly) bool {
	if a.k == 0 {
		return false // parity-only packets: FEC must decline (spec §8)
	}
	enc, err := reedsolomon.New(a.k, a.m)
	if err != nil {
		return false
	}

	shards := make([][]byte, a.k+a.m)
	for i, s := range a.slots {
		if s == nil {
			continue
		}
		shard := make([]byte, a.shardSize)
		copy(shard, s)
		shards[i] = shard
	}

	if err := enc.Reconstruct(shards); err != nil {
		return false
	}
	for i := 0; i < a.k; i++ {
		a.slots[i] = shards[i]
	}
	return true
}

// framePayload reassembles a completed frame's data shards into one
// buffer, trimmed to the sender-reported frame size.
func framePayload(a *frameAssembly) []byte {
	buf := make([]byte, 0, a.shardSize*a.k)
	for i := 0; i < a.k; i++ {
		buf = append(buf, a.slots[i]...)
	}
	if int(a.frameSize) > 0 && int(a.frameSize) < len(buf) {
		buf = buf[:a.frameSize]
	}
	return buf
}

func (p *VideoPipeline) emitDecoded(frameIndex uint16, buf []byte, isKeyFrame bool, now time.Time) {
	p.stats.recordFrame(len(buf), now)
	p.lastDecodedFrame = buf
	p.consecutiveReuses = 0

	pts := p.nextPTS
	p.nextPTS += p.ptsStep

	if p.sink != nil {
		if err := p.sink.OnVideo(buf, "h264", isKeyFrame, pts); err != nil {
			p.log.DebugVideo("av sink rejected decoded frame", "error", err)
		}
	}
	p.log.DebugVideoUnit(frameIndex, 0, isKeyFrame, len(buf))
}

// sweep declares lost any frame that has exceeded N_drop later frames or
// its wall-clock deadline. The loss is only resolved here; drain decides
// when it actually reaches the sink, so a frame swept out of order still
// waits its turn behind any earlier frame_index still being decided.
func (p *VideoPipeline) sweep(now time.Time) {
	for idx, a := range p.frames {
		if a.laterCount < p.nDrop && now.Sub(a.firstSeen) < p.frameDeadline {
			continue
		}
		delete(p.frames, idx)
		p.resolved[idx] = resolvedFrame{lost: true}
	}
	p.drain(now)
}

func (p *VideoPipeline) onFrameLost(now time.Time) {
	p.stats.recordFrameLost()
	p.requestIDR(now)

	if p.lastDecodedFrame == nil {
		return // nothing to reuse yet; just drop
	}

	p.consecutiveReuses++
	pts := p.nextPTS
	p.nextPTS += p.ptsStep

	if p.sink != nil {
		if err := p.sink.OnVideo(p.lastDecodedFrame, "h264", false, pts); err != nil {
			p.log.DebugVideo("av sink rejected reused frame", "error", err)
		}
	}

	if p.consecutiveReuses >= p.forcedIDRAfterRepeats {
		p.requestIDR(now)
		p.consecutiveReuses = 0
	}
}

func (p *VideoPipeline) requestIDR(now time.Time) {
	if p.idr != nil {
		p.idr.RequestIDR()
	}
	p.stats.recordIDRRequest(now)
}

// Stats returns a point-in-time snapshot of the video statistics named
// in spec §4.7.
func (p *VideoPipeline) Stats(now time.Time) Stats { return p.stats.snapshot(now) }

// PendingFrames exposes the in-flight FrameAssembly count for diagnostics.
func (p *VideoPipeline) PendingFrames() int { return len(p.frames) }
