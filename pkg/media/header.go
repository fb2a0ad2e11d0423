// Package media implements C7: reassembly of console video GOPs with
// Reed-Solomon FEC recovery, and audio jitter-buffered pacing, pushing
// decoded units to an AVSink.
package media

import (
	"encoding/binary"
	"fmt"
)

// videoHeaderSize is the 16-byte plaintext header carried by every video
// datagram (spec §4.7): frame_index, packet_index, unit_count_total,
// unit_count_fec, codec_flags, fec_index, frame_size, plus reserved
// padding out to 16 bytes.
const videoHeaderSize = 16

// Codec flag bits packed into VideoHeader.CodecFlags.
const (
	FlagKeyFrame      uint8 = 1 << 0
	FlagReferenceOnly uint8 = 1 << 1
	FlagHDR           uint8 = 1 << 2
)

// VideoHeader is the decoded plaintext header of one video datagram.
type VideoHeader struct {
	FrameIndex     uint16
	PacketIndex    uint16
	UnitCountTotal uint8
	UnitCountFEC   uint8
	CodecFlags     uint8
	FECIndex       uint8
	FrameSize      uint16
}

func (h VideoHeader) IsKeyFrame() bool { return h.CodecFlags&FlagKeyFrame != 0 }

// DataSlots returns k, the number of non-parity data slots for the frame.
func (h VideoHeader) DataSlots() int { return int(h.UnitCountTotal) - int(h.UnitCountFEC) }

// ParitySlots returns m, the number of FEC parity slots for the frame.
func (h VideoHeader) ParitySlots() int { return int(h.UnitCountFEC) }

// ErrShortVideoDatagram is returned when a datagram is too small to hold
// the fixed 16-byte header.
var ErrShortVideoDatagram = fmt.Errorf("media: video datagram shorter than header")

// DecodeVideoHeader parses the fixed header and returns the header plus
// the remaining (still encrypted) payload bytes.
func DecodeVideoHeader(data []byte) (VideoHeader, []byte, error) {
	if len(data) < videoHeaderSize {
		return VideoHeader{}, nil, ErrShortVideoDatagram
	}
	h := VideoHeader{
		FrameIndex:     binary.BigEndian.Uint16(data[0:2]),
		PacketIndex:    binary.BigEndian.Uint16(data[2:4]),
		UnitCountTotal: data[4],
		UnitCountFEC:   data[5],
		CodecFlags:     data[6],
		FECIndex:       data[7],
		FrameSize:      binary.BigEndian.Uint16(data[8:10]),
	}
	return h, data[videoHeaderSize:], nil
}

// EncodeVideoHeader serializes h followed by payload, for tests and any
// loopback tooling.
func EncodeVideoHeader(h VideoHeader, payload []byte) []byte {
	buf := make([]byte, videoHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], h.FrameIndex)
	binary.BigEndian.PutUint16(buf[2:4], h.PacketIndex)
	buf[4] = h.UnitCountTotal
	buf[5] = h.UnitCountFEC
	buf[6] = h.CodecFlags
	buf[7] = h.FECIndex
	binary.BigEndian.PutUint16(buf[8:10], h.FrameSize)
	copy(buf[videoHeaderSize:], payload)
	return buf
}

// videoIV builds the per-packet 8-byte AES-CTR base IV: the first 4 bytes
// of session_iv, then frame_index and packet_index as big-endian uint16s
// (spec §4.7: "IV =
// (session_iv || frame_index || packet_index)").
func videoIV(sessionIV []byte, frameIndex, packetIndex uint16) []byte {
	iv := make([]byte, 8)
	copy(iv, sessionIV)
	binary.BigEndian.PutUint16(iv[4:6], frameIndex)
	binary.BigEndian.PutUint16(iv[6:8], packetIndex)
	return iv
}

// audioHeaderSize is (frame_index u16, sample_position u32).
const audioHeaderSize = 6

// AudioHeader is the decoded plaintext header of one audio datagram.
type AudioHeader struct {
	FrameIndex     uint16
	SamplePosition uint32
}

var ErrShortAudioDatagram = fmt.Errorf("media: audio datagram shorter than header")

func DecodeAudioHeader(data []byte) (AudioHeader, []byte, error) {
	if len(data) < audioHeaderSize {
		return AudioHeader{}, nil, ErrShortAudioDatagram
	}
	h := AudioHeader{
		FrameIndex:     binary.BigEndian.Uint16(data[0:2]),
		SamplePosition: binary.BigEndian.Uint32(data[2:6]),
	}
	return h, data[audioHeaderSize:], nil
}

func EncodeAudioHeader(h AudioHeader, payload []byte) []byte {
	buf := make([]byte, audioHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], h.FrameIndex)
	binary.BigEndian.PutUint32(buf[2:6], h.SamplePosition)
	copy(buf[audioHeaderSize:], payload)
	return buf
}
