package rpcrypto_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwire/rpbridge/pkg/rpcrypto"
)

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestDeriveSessionKeysDeterministic(t *testing.T) {
	rpKey := randBytes(t, 16)
	clientNonce := randBytes(t, 16)
	serverNonce := randBytes(t, 16)

	k1, err := rpcrypto.DeriveSessionKeys(rpKey, clientNonce, serverNonce, rpcrypto.PurposeVideo)
	require.NoError(t, err)
	k2, err := rpcrypto.DeriveSessionKeys(rpKey, clientNonce, serverNonce, rpcrypto.PurposeVideo)
	require.NoError(t, err)

	require.Equal(t, k1, k2, "key derivation must be repeatable for fixed inputs")
}

func TestDeriveSessionKeysDomainSeparated(t *testing.T) {
	rpKey := randBytes(t, 16)
	clientNonce := randBytes(t, 16)
	serverNonce := randBytes(t, 16)

	video, err := rpcrypto.DeriveSessionKeys(rpKey, clientNonce, serverNonce, rpcrypto.PurposeVideo)
	require.NoError(t, err)
	audio, err := rpcrypto.DeriveSessionKeys(rpKey, clientNonce, serverNonce, rpcrypto.PurposeAudio)
	require.NoError(t, err)

	require.NotEqual(t, video.AESKey, audio.AESKey)
	require.NotEqual(t, video.HMACKey, audio.HMACKey)
	require.NotEqual(t, video.GMACKey, audio.GMACKey)
}

func TestDeriveSessionKeysRejectsBadLengths(t *testing.T) {
	_, err := rpcrypto.DeriveSessionKeys(randBytes(t, 8), randBytes(t, 16), randBytes(t, 16), rpcrypto.PurposeAuth)
	require.Error(t, err)
}

func TestCTRStreamRoundTrip(t *testing.T) {
	key := randBytes(t, 16)
	baseIV := randBytes(t, 8)
	plaintext := randBytes(t, 137) // not a multiple of the block size

	enc, err := rpcrypto.NewCTRStream(key, baseIV, 0)
	require.NoError(t, err)
	ciphertext := make([]byte, len(plaintext))
	enc.XORKeyStream(ciphertext, plaintext)
	require.NotEqual(t, plaintext, ciphertext)

	dec, err := rpcrypto.NewCTRStream(key, baseIV, 0)
	require.NoError(t, err)
	recovered := make([]byte, len(ciphertext))
	dec.XORKeyStream(recovered, ciphertext)
	require.True(t, bytes.Equal(plaintext, recovered))
}

func TestCTRStreamCounterAdvances(t *testing.T) {
	key := randBytes(t, 16)
	baseIV := randBytes(t, 8)

	s, err := rpcrypto.NewCTRStream(key, baseIV, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), s.Counter())

	buf := make([]byte, 32)
	s.XORKeyStream(buf, buf)
	require.Equal(t, uint64(2), s.Counter())
}

func TestHMACRoundTrip(t *testing.T) {
	key := randBytes(t, 32)
	data := []byte("session handshake header block")

	tag := rpcrypto.HMACSHA256(key, data)
	require.True(t, rpcrypto.VerifyHMACSHA256(key, data, tag[:]))

	tampered := append([]byte{}, data...)
	tampered[0] ^= 0xFF
	require.False(t, rpcrypto.VerifyHMACSHA256(key, tampered, tag[:]))
}

func TestDeriveRegistrationKeyDeterministicAndHostTypeSeparated(t *testing.T) {
	ps4Key, err := rpcrypto.DeriveRegistrationKey("12345678", false)
	require.NoError(t, err)
	ps4KeyAgain, err := rpcrypto.DeriveRegistrationKey("12345678", false)
	require.NoError(t, err)
	require.Equal(t, ps4Key, ps4KeyAgain)

	ps5Key, err := rpcrypto.DeriveRegistrationKey("12345678", true)
	require.NoError(t, err)
	require.NotEqual(t, ps4Key, ps5Key)
}

func TestDeriveRegistrationKeyRejectsNonEightDigitPIN(t *testing.T) {
	_, err := rpcrypto.DeriveRegistrationKey("1234", false)
	require.Error(t, err)

	_, err = rpcrypto.DeriveRegistrationKey("1234abcd", false)
	require.Error(t, err)
}
