// Package takion implements C6: the reliable datagram transport layered
// over a single UDP 4-tuple that carries control, feedback, video, and
// audio traffic for one console session.
package takion

import (
	"encoding/binary"
	"fmt"

	"github.com/nwire/rpbridge/pkg/rpcrypto"
)

// PacketType is the 1-byte tag at the head of every takion packet
// (spec §4.6).
type PacketType byte

const (
	PacketControl PacketType = iota
	PacketFeedbackState
	PacketFeedbackHistory
	PacketVideo
	PacketAudio
	PacketHandshake
	PacketCongestion
	PacketClientInfo
	PacketPadInfoEvent
)

func (t PacketType) String() string {
	switch t {
	case PacketControl:
		return "CONTROL"
	case PacketFeedbackState:
		return "FEEDBACK_STATE"
	case PacketFeedbackHistory:
		return "FEEDBACK_HISTORY"
	case PacketVideo:
		return "VIDEO"
	case PacketAudio:
		return "AUDIO"
	case PacketHandshake:
		return "HANDSHAKE"
	case PacketCongestion:
		return "CONGESTION"
	case PacketClientInfo:
		return "CLIENT_INFO"
	case PacketPadInfoEvent:
		return "PAD_INFO_EVENT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// macSize is the 4-byte trailing GMAC-like authentication tag appended
// to every packet.
const macSize = 4

// headerSize is type(1) + channel(1) + seq(4).
const headerSize = 6

// Packet is one takion datagram, decoded and MAC-verified.
type Packet struct {
	Type    PacketType
	Channel uint8
	Seq     uint32
	Payload []byte
}

// ErrShortPacket is returned when a datagram is too small to contain a
// header and MAC.
var ErrShortPacket = fmt.Errorf("takion: packet shorter than header+mac")

// ErrMACMismatch is returned when the trailing tag doesn't verify; the
// caller counts these toward the CryptoFault threshold (spec §7).
var ErrMACMismatch = fmt.Errorf("takion: mac verification failed")

// Encode serializes p and appends a GMAC-like tag computed over the
// header+payload with gmacKey.
func Encode(p *Packet, gmacKey []byte) []byte {
	buf := make([]byte, headerSize+len(p.Payload)+macSize)
	buf[0] = byte(p.Type)
	buf[1] = p.Channel
	binary.BigEndian.PutUint32(buf[2:6], p.Seq)
	copy(buf[headerSize:], p.Payload)

	tag := computeTag(buf[:headerSize+len(p.Payload)], gmacKey)
	copy(buf[headerSize+len(p.Payload):], tag[:])
	return buf
}

// Decode parses and MAC-verifies a raw datagram.
func Decode(data []byte, gmacKey []byte) (*Packet, error) {
	if len(data) < headerSize+macSize {
		return nil, ErrShortPacket
	}

	body := data[:len(data)-macSize]
	tag := data[len(data)-macSize:]

	expected := computeTag(body, gmacKey)
	if !constantTimeEqual(expected[:], tag) {
		return nil, ErrMACMismatch
	}

	p := &Packet{
		Type:    PacketType(body[0]),
		Channel: body[1],
		Seq:     binary.BigEndian.Uint32(body[2:6]),
		Payload: append([]byte(nil), body[headerSize:]...),
	}
	return p, nil
}

// computeTag derives the 4-byte trailing MAC from the gmac_key over the
// packet body, truncating an HMAC-SHA256 as the GMAC-like construction
// (spec §4.6: "GMAC-like 4-byte trailing tag").
func computeTag(body, gmacKey []byte) [4]byte {
	full := rpcrypto.HMACSHA256(gmacKey, body)
	var tag [4]byte
	copy(tag[:], full[:4])
	return tag
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
