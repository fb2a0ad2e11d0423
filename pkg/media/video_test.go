package media

import (
	"testing"
	"time"

	"github.com/klauspost/reedsolomon"
	"github.com/stretchr/testify/require"

	"github.com/nwire/rpbridge/pkg/rpcrypto"
)

type fakeSink struct {
	frames []fakeFrame
}

type fakeFrame struct {
	bytes []byte
	isKey bool
	pts   uint32
}

func (f *fakeSink) OnVideo(frameBytes []byte, codec string, isKey bool, pts uint32) error {
	cp := append([]byte(nil), frameBytes...)
	f.frames = append(f.frames, fakeFrame{bytes: cp, isKey: isKey, pts: pts})
	return nil
}
func (f *fakeSink) OnAudio(opusBytes []byte, pts uint32) error { return nil }
func (f *fakeSink) OnStreamStats(stats StreamStats)            {}

type fakeIDR struct{ count int }

func (f *fakeIDR) RequestIDR() { f.count++ }

func testKeys() (videoKey, sessionIV []byte) {
	videoKey = make([]byte, 16)
	for i := range videoKey {
		videoKey[i] = byte(i + 1)
	}
	sessionIV = []byte{1, 2, 3, 4, 5, 6, 7, 8}
	return
}

// encryptedDatagram builds a video datagram for frameIndex/packetIndex
// with the given plaintext shard, encrypted the same way the pipeline
// decrypts it.
func encryptedDatagram(t *testing.T, videoKey, sessionIV []byte, h VideoHeader, plaintext []byte) []byte {
	t.Helper()
	stream, err := rpcrypto.NewCTRStream(videoKey, videoIV(sessionIV, h.FrameIndex, h.PacketIndex), 0)
	require.NoError(t, err)
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)
	return EncodeVideoHeader(h, ciphertext)
}

func TestVideoPipelineCompletesWithAllDataSlots(t *testing.T) {
	videoKey, sessionIV := testKeys()
	sink := &fakeSink{}
	idr := &fakeIDR{}
	p := NewVideoPipeline(videoKey, sessionIV, 4, 200*time.Millisecond, 30, 60, sink, idr, nil)

	shard := []byte("0123456789ABCDEF")
	now := time.Now()
	for i := uint16(0); i < 3; i++ {
		h := VideoHeader{FrameIndex: 1, PacketIndex: i, UnitCountTotal: 3, UnitCountFEC: 0, CodecFlags: FlagKeyFrame, FrameSize: uint16(len(shard) * 3)}
		dgram := encryptedDatagram(t, videoKey, sessionIV, h, shard)
		require.NoError(t, p.HandleDatagram(dgram, now))
	}

	require.Len(t, sink.frames, 1)
	require.True(t, sink.frames[0].isKey)
	require.Equal(t, 0, p.PendingFrames())
}

func TestVideoPipelineFECRecoversMissingDataShards(t *testing.T) {
	videoKey, sessionIV := testKeys()
	sink := &fakeSink{}
	idr := &fakeIDR{}
	p := NewVideoPipeline(videoKey, sessionIV, 4, 200*time.Millisecond, 30, 60, sink, idr, nil)

	const k, m = 10, 2
	shardSize := 16
	data := make([][]byte, k)
	for i := range data {
		shard := make([]byte, shardSize)
		for j := range shard {
			shard[j] = byte(i*7 + j)
		}
		data[i] = shard
	}

	enc, err := reedsolomon.New(k, m)
	require.NoError(t, err)
	shards := make([][]byte, k+m)
	copy(shards, data)
	for i := k; i < k+m; i++ {
		shards[i] = make([]byte, shardSize)
	}
	require.NoError(t, enc.Encode(shards))

	now := time.Now()
	frameSize := uint16(shardSize * k)

	// Drop data packets 0 and 1; deliver the remaining data plus both
	// parity packets (spec §8 scenario 3).
	for i := 2; i < k; i++ {
		h := VideoHeader{FrameIndex: 5, PacketIndex: uint16(i), UnitCountTotal: k + m, UnitCountFEC: m, FrameSize: frameSize}
		dgram := encryptedDatagram(t, videoKey, sessionIV, h, shards[i])
		require.NoError(t, p.HandleDatagram(dgram, now))
	}
	for i := k; i < k+m; i++ {
		h := VideoHeader{FrameIndex: 5, PacketIndex: uint16(i), UnitCountTotal: k + m, UnitCountFEC: m, FrameSize: frameSize}
		dgram := encryptedDatagram(t, videoKey, sessionIV, h, shards[i])
		require.NoError(t, p.HandleDatagram(dgram, now))
	}

	require.Len(t, sink.frames, 1)

	want := make([]byte, 0, shardSize*k)
	for i := 0; i < k; i++ {
		want = append(want, data[i]...)
	}
	require.Equal(t, want, sink.frames[0].bytes)

	stats := p.Stats(now)
	require.EqualValues(t, 1, stats.FECSuccess)
	require.EqualValues(t, 0, stats.FECFailure)
}

func TestVideoPipelineDropsAndRequestsIDRAfterRepeatedLoss(t *testing.T) {
	videoKey, sessionIV := testKeys()
	sink := &fakeSink{}
	idr := &fakeIDR{}
	p := NewVideoPipeline(videoKey, sessionIV, 4, 200*time.Millisecond, 30, 60, sink, idr, nil)

	// Establish a decoded frame first so the reuse path has something to
	// repeat.
	shard := []byte("0123456789ABCDEF")
	now := time.Now()
	h0 := VideoHeader{FrameIndex: 0, PacketIndex: 0, UnitCountTotal: 1, UnitCountFEC: 0, CodecFlags: FlagKeyFrame, FrameSize: uint16(len(shard))}
	require.NoError(t, p.HandleDatagram(encryptedDatagram(t, videoKey, sessionIV, h0, shard), now))
	require.Len(t, sink.frames, 1)

	const k = 4 // "k/2 data packets missing, no parity" per spec §8 scenario 4
	for frameIdx := uint16(1); frameIdx <= 5; frameIdx++ {
		// Only deliver half the data slots, with zero parity: never
		// completes and never reaches the FEC threshold.
		for i := 0; i < k/2; i++ {
			hh := VideoHeader{FrameIndex: frameIdx, PacketIndex: uint16(i), UnitCountTotal: k, UnitCountFEC: 0, FrameSize: uint16(len(shard) * k)}
			require.NoError(t, p.HandleDatagram(encryptedDatagram(t, videoKey, sessionIV, hh, shard), now))
		}
	}

	// Force every in-flight assembly past its deadline.
	later := now.Add(250 * time.Millisecond)
	p.sweep(later)

	stats := p.Stats(later)
	require.EqualValues(t, 5, stats.FramesLost)
	require.GreaterOrEqual(t, idr.count, 1)
	// Each lost frame reuses the last decoded output, so five more
	// emissions are expected beyond the original decode.
	require.Len(t, sink.frames, 1+5)
	require.Equal(t, 0, p.PendingFrames())
}

func TestVideoPipelineForcesIDRAfterThirtyConsecutiveReuses(t *testing.T) {
	videoKey, sessionIV := testKeys()
	sink := &fakeSink{}
	idr := &fakeIDR{}
	p := NewVideoPipeline(videoKey, sessionIV, 4, 50*time.Millisecond, 30, 60, sink, idr, nil)

	shard := []byte("keyframe-bytes..")
	now := time.Now()
	h0 := VideoHeader{FrameIndex: 0, PacketIndex: 0, UnitCountTotal: 1, UnitCountFEC: 0, CodecFlags: FlagKeyFrame, FrameSize: uint16(len(shard))}
	require.NoError(t, p.HandleDatagram(encryptedDatagram(t, videoKey, sessionIV, h0, shard), now))

	for i := 0; i < 30; i++ {
		p.onFrameLost(now)
	}

	require.GreaterOrEqual(t, idr.count, 2) // one per loss plus the forced one at 30
	require.Equal(t, 0, p.consecutiveReuses)
}
