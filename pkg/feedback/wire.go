// Package feedback implements C8: the controller-state and IDR-request
// channel sent back to the console.
package feedback

import "encoding/binary"

// Button bits packed into the 16-bit bitmap named in spec §4.8. PS and
// the touchpad click are encoded separately in Extra, since the named
// button list (18 entries) exceeds 16 bits.
const (
	ButtonCross uint16 = 1 << iota
	ButtonCircle
	ButtonSquare
	ButtonTriangle
	ButtonDPadUp
	ButtonDPadDown
	ButtonDPadLeft
	ButtonDPadRight
	ButtonL1
	ButtonR1
	ButtonL2Digital
	ButtonR2Digital
	ButtonL3
	ButtonR3
	ButtonShare
	ButtonOptions
)

// Extra bits, outside the 16-bit main bitmap.
const (
	ExtraPS uint8 = 1 << iota
	ExtraTouchpadClick
)

// Side selects which stick or trigger an operation addresses.
type Side int

const (
	SideLeft Side = iota
	SideRight
)

// Stick is one analog stick's position, signed 8-bit per axis (spec
// §4.8: "two analog sticks (each x,y signed 8-bit)").
type Stick struct {
	X, Y int8
}

// TouchPoint is one active touchpad contact.
type TouchPoint struct {
	Active bool
	ID     uint8
	X, Y   uint16
}

// State is the full controller snapshot encoded into a state packet.
type State struct {
	Buttons     uint16
	Extra       uint8
	LeftStick   Stick
	RightStick  Stick
	LeftTrigger uint8
	RightTrigger uint8
	Touch       [2]TouchPoint
	Seq         uint32
}

// Equal reports whether two states encode to the same payload, ignoring
// Seq.
func (s State) Equal(other State) bool {
	o := other
	o.Seq = s.Seq
	return s == o
}

// stateWireSize: buttons(2) + extra(1) + sticks(4) + triggers(2) +
// touch(2*(1+1+2+2)) + seq(4).
const stateWireSize = 2 + 1 + 4 + 2 + 2*6 + 4

// EncodeState serializes a State into the on-wire state-packet payload.
func EncodeState(s State) []byte {
	buf := make([]byte, stateWireSize)
	binary.BigEndian.PutUint16(buf[0:2], s.Buttons)
	buf[2] = s.Extra
	buf[3] = byte(s.LeftStick.X)
	buf[4] = byte(s.LeftStick.Y)
	buf[5] = byte(s.RightStick.X)
	buf[6] = byte(s.RightStick.Y)
	buf[7] = s.LeftTrigger
	buf[8] = s.RightTrigger

	off := 9
	for _, tp := range s.Touch {
		if tp.Active {
			buf[off] = 1
		}
		buf[off+1] = tp.ID
		binary.BigEndian.PutUint16(buf[off+2:off+4], tp.X)
		binary.BigEndian.PutUint16(buf[off+4:off+6], tp.Y)
		off += 6
	}

	binary.BigEndian.PutUint32(buf[off:off+4], s.Seq)
	return buf
}

// DecodeState parses an on-wire state-packet payload.
func DecodeState(data []byte) (State, bool) {
	if len(data) < stateWireSize {
		return State{}, false
	}
	var s State
	s.Buttons = binary.BigEndian.Uint16(data[0:2])
	s.Extra = data[2]
	s.LeftStick = Stick{X: int8(data[3]), Y: int8(data[4])}
	s.RightStick = Stick{X: int8(data[5]), Y: int8(data[6])}
	s.LeftTrigger = data[7]
	s.RightTrigger = data[8]

	off := 9
	for i := range s.Touch {
		s.Touch[i] = TouchPoint{
			Active: data[off] != 0,
			ID:     data[off+1],
			X:      binary.BigEndian.Uint16(data[off+2 : off+4]),
			Y:      binary.BigEndian.Uint16(data[off+4 : off+6]),
		}
		off += 6
	}
	s.Seq = binary.BigEndian.Uint32(data[off : off+4])
	return s, true
}

// EncodeHistory batches up to the last 30 state diffs for loss recovery
// (spec §4.8: "History packets batch the last ~30 state diffs").
func EncodeHistory(states []State) []byte {
	if len(states) > 30 {
		states = states[len(states)-30:]
	}
	buf := make([]byte, 1, 1+len(states)*stateWireSize)
	buf[0] = byte(len(states))
	for _, s := range states {
		buf = append(buf, EncodeState(s)...)
	}
	return buf
}

// DecodeHistory parses a history-packet payload back into its states.
func DecodeHistory(data []byte) ([]State, bool) {
	if len(data) < 1 {
		return nil, false
	}
	count := int(data[0])
	rest := data[1:]
	if len(rest) < count*stateWireSize {
		return nil, false
	}
	out := make([]State, 0, count)
	for i := 0; i < count; i++ {
		s, ok := DecodeState(rest[i*stateWireSize : (i+1)*stateWireSize])
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
