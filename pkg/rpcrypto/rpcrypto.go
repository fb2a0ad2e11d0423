// Package rpcrypto implements the cryptographic primitives shared by
// registration, session handshake, and the takion transport: AES-CTR
// keystream generation, AES-ECB based key derivation, and HMAC-SHA256.
//
// None of these operations fail internally; callers are responsible for
// validating MACs and surfacing CryptoFault once a bad-packet threshold
// is crossed (see package rpsession).
package rpcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Purpose domain-separates key derivation so the same rp_key/nonce pair
// never yields the same subkey for two different channels.
type Purpose uint8

const (
	PurposeAuth Purpose = iota
	PurposeVideo
	PurposeAudio
	PurposeFeedback
)

// purposeConstant returns the fixed domain-separation byte XORed into the
// rp_key before ECB key derivation. Values are arbitrary but stable:
// changing them would break interoperability with a real console, so they
// are treated as part of the wire format, not tunable configuration.
func purposeConstant(p Purpose) byte {
	switch p {
	case PurposeAuth:
		return 0x01
	case PurposeVideo:
		return 0x02
	case PurposeAudio:
		return 0x03
	case PurposeFeedback:
		return 0x04
	default:
		return 0x00
	}
}

// SessionKeys holds the three derived subkeys needed to run one session
// channel: encrypt/decrypt, authenticate-as-HMAC, and the short GMAC-like
// tag appended to every takion packet.
type SessionKeys struct {
	AESKey  [16]byte
	HMACKey [32]byte
	GMACKey [16]byte
}

// DeriveSessionKeys runs the documented XOR/ECB key schedule: XOR the
// purpose constant across rpKey, then run AES-ECB with serverNonce as the
// ECB key over (rpKey XOR purpose || clientNonce) to produce 32 bytes,
// extend them to 64 with an HMAC-SHA256 (keyed by those 32 bytes) over
// clientNonce || serverNonce, and slice the result into AES/HMAC/GMAC
// subkeys.
//
// rpKey must be 16 bytes, clientNonce and serverNonce 16 bytes each,
// matching the on-wire RP-Key / RP-DidBuf / RP-Nonce sizes.
func DeriveSessionKeys(rpKey, clientNonce, serverNonce []byte, purpose Purpose) (SessionKeys, error) {
	if len(rpKey) != 16 {
		return SessionKeys{}, fmt.Errorf("rpcrypto: rp_key must be 16 bytes, got %d", len(rpKey))
	}
	if len(clientNonce) != 16 || len(serverNonce) != 16 {
		return SessionKeys{}, fmt.Errorf("rpcrypto: nonces must be 16 bytes each")
	}

	mixed := make([]byte, 16)
	copy(mixed, rpKey)
	pc := purposeConstant(purpose)
	for i := range mixed {
		mixed[i] ^= pc
	}

	block1, err := ecbEncryptBlock(serverNonce, mixed)
	if err != nil {
		return SessionKeys{}, err
	}
	block2, err := ecbEncryptBlock(serverNonce, clientNonce)
	if err != nil {
		return SessionKeys{}, err
	}

	keystream := append(block1, block2...) // 32 bytes so far
	// Extend with HMAC-SHA256 over the concatenation to reach 64 bytes,
	// keeping the HMAC subkey independent of the raw ECB output.
	extra := hmacSHA256(keystream, append(append([]byte{}, clientNonce...), serverNonce...))
	keystream = append(keystream, extra...) // 64 bytes

	var keys SessionKeys
	copy(keys.AESKey[:], keystream[0:16])
	copy(keys.HMACKey[:], keystream[16:48])
	copy(keys.GMACKey[:], keystream[48:64])
	return keys, nil
}

// ecbEncryptBlock runs one AES-ECB encryption of a single 16-byte block,
// used only for key derivation. AES-ECB is never used to encrypt bulk
// ciphertext anywhere in this package; all traffic encryption is AES-CTR.
func ecbEncryptBlock(key, plaintext []byte) ([]byte, error) {
	if len(plaintext) != 16 {
		return nil, fmt.Errorf("rpcrypto: ecb block must be 16 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("rpcrypto: new aes cipher: %w", err)
	}
	out := make([]byte, 16)
	block.Encrypt(out, plaintext)
	return out, nil
}

// CTRStream is an incremental AES-CTR keystream generator keyed by a
// 64-bit little-endian counter, as required by the per-channel keystream
// counters in spec §4.1 and the per-packet IV construction in §4.7.
type CTRStream struct {
	block   cipher.Block
	iv      [16]byte
	counter uint64
}

// NewCTRStream builds a keystream generator for key (16 bytes) and a
// 64-bit starting counter. The remaining 8 bytes of the 16-byte IV are
// supplied by baseIV (e.g. the session nonce prefix); counter occupies
// the low 8 bytes, little-endian, and increments per 16-byte block.
func NewCTRStream(key []byte, baseIV []byte, counter uint64) (*CTRStream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("rpcrypto: new aes cipher: %w", err)
	}
	var iv [16]byte
	copy(iv[:8], baseIV)
	s := &CTRStream{block: block, iv: iv, counter: counter}
	return s, nil
}

// XORKeyStream encrypts or decrypts src into dst (same slice allowed),
// advancing the counter by the number of 16-byte blocks consumed.
func (s *CTRStream) XORKeyStream(dst, src []byte) {
	iv := s.iv
	var ks [16]byte
	for off := 0; off < len(src); off += 16 {
		binary.LittleEndian.PutUint64(iv[8:], s.counter)
		s.block.Encrypt(ks[:], iv[:])
		end := off + 16
		if end > len(src) {
			end = len(src)
		}
		for i := off; i < end; i++ {
			dst[i] = src[i] ^ ks[i-off]
		}
		s.counter++
	}
}

// Counter returns the current block counter, for logging/diagnostics.
func (s *CTRStream) Counter() uint64 { return s.counter }

// registConstantPS4 and registConstantPS5 are the fixed per-host_type
// constants XORed into the PIN before the registration key schedule
// (spec §4.4 step 1). Values are wire-format constants, not tunables.
var (
	registConstantPS4 = [16]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	registConstantPS5 = [16]byte{0x10, 0x0f, 0x0e, 0x0d, 0x0c, 0x0b, 0x0a, 0x09, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
)

// DeriveRegistrationKey builds the AES key used to encrypt the
// registration body from an 8-digit PIN and the per-host_type constant,
// via the documented XOR/ECB schedule: the PIN's 8 ASCII digits, followed
// by 8 zero bytes to fill 16, are XORed with the constant, then run through AES-ECB keyed by
// the constant itself to produce the 16-byte registration key.
func DeriveRegistrationKey(pin string, isPS5 bool) ([16]byte, error) {
	if len(pin) != 8 {
		return [16]byte{}, fmt.Errorf("rpcrypto: pin must be 8 digits, got %q", pin)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return [16]byte{}, fmt.Errorf("rpcrypto: pin must be all digits, got %q", pin)
		}
	}

	constant := registConstantPS4
	if isPS5 {
		constant = registConstantPS5
	}

	var mixed [16]byte
	copy(mixed[:], pin)
	for i := range mixed {
		mixed[i] ^= constant[i]
	}

	block, err := ecbEncryptBlock(constant[:], mixed[:])
	if err != nil {
		return [16]byte{}, err
	}

	var key [16]byte
	copy(key[:], block)
	return key, nil
}

// hmacSHA256 computes HMAC-SHA256(key, data).
func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HMACSHA256 is the exported form used by registration and handshake to
// authenticate header blocks.
func HMACSHA256(key, data []byte) [32]byte {
	var out [32]byte
	copy(out[:], hmacSHA256(key, data))
	return out
}

// VerifyHMACSHA256 does a constant-time comparison of an expected tag.
func VerifyHMACSHA256(key, data, tag []byte) bool {
	sum := hmacSHA256(key, data)
	return hmac.Equal(sum, tag)
}
