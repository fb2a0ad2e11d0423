// Package handshake implements C5: the GET /sce/rp/session exchange over
// a long-lived TCP socket, and derivation of the per-session keys that
// feed the takion transport.
package handshake

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/nwire/rpbridge/pkg/logger"
	"github.com/nwire/rpbridge/pkg/rpcrypto"
)

// ErrRejected is returned when the console answers with a non-200
// status; the orchestrator maps this to HandshakeRejected.
var ErrRejected = fmt.Errorf("handshake: session request rejected")

// Result is everything the transport layer (C6) needs to start: the
// still-open control TCP connection, the server's nonce/type, and the
// four purpose-specific session key sets.
type Result struct {
	Conn       net.Conn
	ServerType string
	ServerNonce []byte
	Auth       rpcrypto.SessionKeys
	Video      rpcrypto.SessionKeys
	Audio      rpcrypto.SessionKeys
	Feedback   rpcrypto.SessionKeys
}

// Connect opens the session TCP socket, runs the handshake, derives
// session keys from rpKey, and returns the Result with the connection
// still open for C6's control channel. Caller is responsible for
// closing Result.Conn.
func Connect(
	hostIP string,
	port int,
	registKeyHex string,
	protocolVersion string,
	rpKey []byte,
	dialTimeout time.Duration,
	log *logger.Logger,
) (*Result, error) {
	if log == nil {
		log = logger.Default()
	}

	didBuf := make([]byte, 32)
	if _, err := rand.Read(didBuf); err != nil {
		return nil, fmt.Errorf("handshake: generate RP-DidBuf: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", hostIP, port)
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("handshake: dial %s: %w", addr, err)
	}

	conn.SetDeadline(time.Now().Add(dialTimeout))

	req := buildRequest(registKeyHex, protocolVersion, didBuf)
	log.DebugSession("sending session request", "addr", addr)
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: write request: %w", err)
	}

	status, headers, err := readResponse(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: read response: %w", err)
	}
	if status != 200 {
		conn.Close()
		return nil, fmt.Errorf("%w: status %d", ErrRejected, status)
	}

	serverNonceB64, ok := headers["RP-Nonce"]
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("handshake: response missing RP-Nonce")
	}
	serverNonce, err := base64.StdEncoding.DecodeString(serverNonceB64)
	if err != nil || len(serverNonce) != 16 {
		conn.Close()
		return nil, fmt.Errorf("handshake: malformed RP-Nonce")
	}

	serverType := headers["RP-ServerType"]

	if len(rpKey) != 16 {
		conn.Close()
		return nil, fmt.Errorf("handshake: rp_key must be 16 bytes, got %d", len(rpKey))
	}

	auth, err := rpcrypto.DeriveSessionKeys(rpKey, didBuf[:16], serverNonce, rpcrypto.PurposeAuth)
	if err != nil {
		conn.Close()
		return nil, err
	}
	video, err := rpcrypto.DeriveSessionKeys(rpKey, didBuf[:16], serverNonce, rpcrypto.PurposeVideo)
	if err != nil {
		conn.Close()
		return nil, err
	}
	audio, err := rpcrypto.DeriveSessionKeys(rpKey, didBuf[:16], serverNonce, rpcrypto.PurposeAudio)
	if err != nil {
		conn.Close()
		return nil, err
	}
	feedback, err := rpcrypto.DeriveSessionKeys(rpKey, didBuf[:16], serverNonce, rpcrypto.PurposeFeedback)
	if err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetDeadline(time.Time{}) // handshake timeout only applies to the handshake itself

	return &Result{
		Conn:        conn,
		ServerType:  serverType,
		ServerNonce: serverNonce,
		Auth:        auth,
		Video:       video,
		Audio:       audio,
		Feedback:    feedback,
	}, nil
}

// buildRequest composes the GET /sce/rp/session request line and header
// set named in spec §4.5/§6. RP-OSType and RP-ConPath are carried even
// though spec §4.5 doesn't repeat them (SPEC_FULL.md §4).
func buildRequest(registKeyHex, version string, didBuf []byte) string {
	var b strings.Builder
	b.WriteString("GET /sce/rp/session HTTP/1.1\r\n")
	fmt.Fprintf(&b, "RP-RegistKey: %s\r\n", registKeyHex)
	fmt.Fprintf(&b, "RP-Version: %s\r\n", version)
	fmt.Fprintf(&b, "RP-DidBuf: %s\r\n", base64.StdEncoding.EncodeToString(didBuf))
	b.WriteString("RP-OSType: Win10.0.0\r\n")
	b.WriteString("RP-ConPath: 1\r\n")
	b.WriteString("\r\n")
	return b.String()
}

// readResponse parses a standard HTTP/1.1 status line and header block,
// stopping at the blank line (no body is read: the caller keeps the
// socket open for takion/control traffic afterward).
func readResponse(conn net.Conn) (int, map[string]string, error) {
	r := bufio.NewReader(conn)

	statusLine, err := r.ReadString('\n')
	if err != nil {
		return 0, nil, fmt.Errorf("read status line: %w", err)
	}
	statusLine = strings.TrimRight(statusLine, "\r\n")
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return 0, nil, fmt.Errorf("malformed status line: %q", statusLine)
	}
	var status int
	if _, err := fmt.Sscanf(parts[1], "%d", &status); err != nil {
		return 0, nil, fmt.Errorf("malformed status code: %q", parts[1])
	}

	headers := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, nil, fmt.Errorf("read header line: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		headers[key] = value
	}

	return status, headers, nil
}
