package regist_test

import (
	"encoding/base64"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nwire/rpbridge/pkg/regist"
	"github.com/nwire/rpbridge/pkg/rpcrypto"
)

func TestNormalizePIN(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"12345678", "12345678", false},
		{"1234", "00001234", false},
		{"00001234", "00001234", false},
		{"123456789", "", true},
		{"abcdefgh", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := regist.NormalizePIN(tc.in)
		if tc.wantErr {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got)
	}
}

// mockConsole replies to a registration POST with a canned AES-CTR
// encrypted response built with the same key schedule a real console
// would use, letting Register's decode path be tested end-to-end.
func TestRegisterHappyPath(t *testing.T) {
	pin := "12345678"
	accountID := base64.StdEncoding.EncodeToString([]byte("abcdefghijklmno"))

	key, err := rpcrypto.DeriveRegistrationKey(pin, false)
	require.NoError(t, err)

	wantRPKey := make([]byte, 32)
	for i := range wantRPKey {
		wantRPKey[i] = byte(i)
	}
	wantRegistKey := make([]byte, 16)
	for i := range wantRegistKey {
		wantRegistKey[i] = byte(0xA0 + i)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqBody, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(reqBody), 16)

		nonce := reqBody[4:16]
		ciphertextLen := len(reqBody) - 16

		plainResp := []byte("RP-Server-Type:1\nRP-Key:" + hex.EncodeToString(wantRPKey) +
			"\nRP-KeyType:2\nRP-RegistKey:" + hex.EncodeToString(wantRegistKey) + "\n")

		startCounter := uint64((ciphertextLen + 15) / 16)
		stream, err := rpcrypto.NewCTRStream(key[:], nonce[:8], startCounter)
		require.NoError(t, err)
		cipherResp := make([]byte, len(plainResp))
		stream.XORKeyStream(cipherResp, plainResp)

		w.WriteHeader(http.StatusOK)
		w.Write(cipherResp)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)

	result, err := regist.Register(host, port, false, accountID, pin, 5*time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, wantRPKey, result.RPKey)
	require.Equal(t, 2, result.RPKeyType)
	require.Equal(t, wantRegistKey, result.RegistKey)
}

func TestRegisterRejectedOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	accountID := base64.StdEncoding.EncodeToString([]byte("abcdefghijklmno"))

	_, err := regist.Register(host, port, false, accountID, "12345678", 5*time.Second, nil)
	require.Error(t, err)
	var regErr *regist.Error
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, regist.KindRejected, regErr.Kind)
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
