// Package rpsession implements C9: the per-device session orchestrator
// state machine that binds discovery/wake/registration/handshake/takion/
// media/feedback into one RemoteSession handle, plus a multi-device
// Manager that reconciles several sessions concurrently.
package rpsession

import "fmt"

// Kind tags the terminal failure reason surfaced to an attached sink
// (spec §7).
type Kind string

const (
	KindConfigMissing      Kind = "ConfigMissing"
	KindNetworkUnreachable Kind = "NetworkUnreachable"
	KindWakeTimeout        Kind = "WakeTimeout"
	KindRegistRejected     Kind = "RegistRejected"
	KindRegistCorrupt      Kind = "RegistCorrupt"
	KindHandshakeRejected  Kind = "HandshakeRejected"
	KindTakionStalled      Kind = "TakionStalled"
	KindCryptoFault        Kind = "CryptoFault"
	KindSinkDisconnected   Kind = "SinkDisconnected"
)

// Error wraps a terminal session failure with its kind, satisfying the
// "Failed(kind)" state named in spec §4.9.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("rpsession: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }
