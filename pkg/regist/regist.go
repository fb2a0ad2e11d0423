// Package regist implements C4: the one-shot encrypted HTTP registration
// exchange that trades a PIN and a PSN account id for a durable
// per-console credential set.
package regist

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nwire/rpbridge/pkg/logger"
	"github.com/nwire/rpbridge/pkg/rpcrypto"
	"github.com/nwire/rpbridge/pkg/store"
)

// Kind tags a registration failure per spec §4.4/§7.
type Kind string

const (
	KindNetwork   Kind = "RegistNetwork"
	KindRejected  Kind = "RegistRejected"
	KindCorrupt   Kind = "RegistCorrupt"
	KindMalformed Kind = "RegistMalformed"
)

// Error wraps a registration failure with its kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("regist: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

var pinDigits = regexp.MustCompile(`^[0-9]{8}$`)

// NormalizePIN accepts either an already zero-padded 8-digit string or a
// bare integer an operator typed (e.g. "1234"), and returns the
// canonical 8-digit zero-padded form. Rejects anything that isn't
// 1-8 decimal digits — the wire format always needs exactly 8.
func NormalizePIN(s string) (string, error) {
	s = strings.TrimSpace(s)
	if pinDigits.MatchString(s) {
		return s, nil
	}
	if len(s) > 0 && len(s) <= 8 {
		if _, err := strconv.Atoi(s); err == nil {
			padded := strings.Repeat("0", 8-len(s)) + s
			if pinDigits.MatchString(padded) {
				return padded, nil
			}
		}
	}
	return "", fmt.Errorf("regist: %q is not a valid 8-digit PIN", s)
}

// Result is the tuple emitted on a successful registration (spec §4.4).
type Result struct {
	RPKey     []byte // 32 bytes
	RPKeyType int
	RegistKey []byte // 16 bytes
	HostNonce []byte // 16 bytes
}

const protocolVersionHeaderPS4 = "8.0"
const protocolVersionHeaderPS5 = "10.0"

// Register runs the full C4 exchange against hostIP:port and returns the
// credential tuple. psnAccountID is base64-encoded per the PSN account_id
// convention (see GLOSSARY); pin must already be normalized via
// NormalizePIN.
func Register(
	hostIP string,
	port int,
	isPS5 bool,
	psnAccountID string,
	pin string,
	httpTimeout time.Duration,
	log *logger.Logger,
) (*Result, error) {
	if log == nil {
		log = logger.Default()
	}

	accountIDBytes, err := base64.StdEncoding.DecodeString(psnAccountID)
	if err != nil {
		return nil, &Error{KindMalformed, fmt.Errorf("decode psn account id: %w", err)}
	}

	key, err := rpcrypto.DeriveRegistrationKey(pin, isPS5)
	if err != nil {
		return nil, &Error{KindMalformed, err}
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, &Error{KindMalformed, fmt.Errorf("generate nonce: %w", err)}
	}

	counter := make([]byte, 8)
	if _, err := rand.Read(counter); err != nil {
		return nil, &Error{KindMalformed, fmt.Errorf("generate counter: %w", err)}
	}

	plaintext := buildRequestBody(accountIDBytes, counter)

	stream, err := rpcrypto.NewCTRStream(key[:], nonce[:8], 0)
	if err != nil {
		return nil, &Error{KindMalformed, err}
	}
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)

	version := protocolVersionHeaderPS4
	if isPS5 {
		version = protocolVersionHeaderPS5
	}

	header := buildHeader(version, nonce)
	body := append(header, ciphertext...)

	url := fmt.Sprintf("http://%s:%d/sce/rp/regist", hostIP, port)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{KindNetwork, err}
	}
	req.Header.Set("RP-Version", version)
	req.Header.Set("Content-Type", "application/octet-stream")

	client := &http.Client{Timeout: httpTimeout}
	log.DebugRegist("posting registration", "url", url)
	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{KindNetwork, err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{KindRejected, fmt.Errorf("http status %d", resp.StatusCode)}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{KindNetwork, fmt.Errorf("read response body: %w", err)}
	}

	return decodeResponse(key[:], nonce, len(ciphertext), respBody)
}

// buildRequestBody composes the plaintext body: Client-Type, the binary
// account id, and the random counter, in the header-block style the
// rest of the protocol uses.
func buildRequestBody(accountID, counter []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("Client-Type:Windows\n")
	buf.WriteString("Np-AccountId:")
	buf.Write(accountID)
	buf.WriteByte('\n')
	buf.Write(counter)
	return buf.Bytes()
}

// buildHeader prepends the 16-byte plaintext header: the length of the
// protocol version string as a 4-byte big-endian integer (the string
// itself is not included), then the first 12 bytes of the nonce.
func buildHeader(version string, nonce []byte) []byte {
	header := make([]byte, 16)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(version)))
	copy(header[4:], nonce[:12])
	return header
}

// decodeResponse decrypts the response body (keystream counter advanced
// past the request ciphertext length, per spec §4.4 step 5) and parses
// the resulting header-block fields.
func decodeResponse(key, nonce []byte, ciphertextLen int, respBody []byte) (*Result, error) {
	if len(respBody) < 1 {
		return nil, &Error{KindMalformed, fmt.Errorf("empty response body")}
	}

	startCounter := uint64((ciphertextLen + 15) / 16)
	stream, err := rpcrypto.NewCTRStream(key, nonce[:8], startCounter)
	if err != nil {
		return nil, &Error{KindCorrupt, err}
	}
	plaintext := make([]byte, len(respBody))
	stream.XORKeyStream(plaintext, respBody)

	fields := parseHeaderBlock(plaintext)

	rpKeyHex, ok := fields["RP-Key"]
	if !ok {
		return nil, &Error{KindMalformed, fmt.Errorf("missing RP-Key")}
	}
	rpKey, err := hex.DecodeString(rpKeyHex)
	if err != nil || len(rpKey) != 32 {
		return nil, &Error{KindCorrupt, fmt.Errorf("malformed RP-Key")}
	}

	registKeyHex, ok := fields["RP-RegistKey"]
	if !ok {
		return nil, &Error{KindMalformed, fmt.Errorf("missing RP-RegistKey")}
	}
	registKey, err := hex.DecodeString(registKeyHex)
	if err != nil || len(registKey) != 16 {
		return nil, &Error{KindCorrupt, fmt.Errorf("malformed RP-RegistKey")}
	}

	keyType := 0
	if kt, ok := fields["RP-KeyType"]; ok {
		if v, err := strconv.Atoi(kt); err == nil {
			keyType = v
		}
	}

	return &Result{
		RPKey:     rpKey,
		RPKeyType: keyType,
		RegistKey: registKey,
		HostNonce: nonce,
	}, nil
}

func parseHeaderBlock(data []byte) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		fields[key] = value
	}
	return fields
}

// ApplyTo copies into rec the DeviceRecord fields a successful
// registration contributes (RPKey, RPKeyType, RegistKey); the caller fills in DeviceID/HostID/HostType/addresses
// from the discovery record that preceded registration and persists via
// the device store.
func (r *Result) ApplyTo(rec *store.DeviceRecord) {
	rec.RPKey = r.RPKey
	rec.RPKeyType = r.RPKeyType
	rec.RegistKey = r.RegistKey
}
