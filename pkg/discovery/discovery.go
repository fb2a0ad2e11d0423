// Package discovery implements C2: UDP SRCH probing of PS4/PS5 consoles
// and parsing of their HTTP/1.1-like header-block responses.
package discovery

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nwire/rpbridge/pkg/logger"
	"github.com/nwire/rpbridge/pkg/store"
)

const (
	protocolVersion = "00030010"
	searchRequest   = "SRCH * HTTP/1.1\ndevice-discovery-protocol-version:" + protocolVersion + "\n\n"
)

// HostState mirrors the discovery response's host-state header.
type HostState string

const (
	HostStateReady   HostState = "Ready"
	HostStateStandby HostState = "Standby"
)

// HostInfo is one parsed discovery response.
type HostInfo struct {
	HostID          string
	HostType        store.HostType
	HostName        string
	HostRequestPort int
	SystemVersion   string
	State           HostState
	Addr            *net.UDPAddr
}

// Client runs discovery probes from a single bound UDP socket.
type Client struct {
	bindPort   int
	targetPort int
	log        *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger attaches a logger; discovery runs silently without one.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a discovery Client bound to bindPort, targeting targetPort
// on each probed host (spec §6: listen 9303, target 9302).
func New(bindPort, targetPort int, opts ...Option) *Client {
	c := &Client{bindPort: bindPort, targetPort: targetPort, log: logger.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover probes a single host IP and waits up to timeout for its
// response. Returns ErrNoResponse if nothing arrives.
func (c *Client) Discover(ctx context.Context, hostIP string, timeout time.Duration) (*HostInfo, error) {
	results, err := c.run(ctx, &net.UDPAddr{IP: net.ParseIP(hostIP), Port: c.targetPort}, timeout, false)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoResponse
	}
	return results[0], nil
}

// DiscoverAll broadcasts on bcastAddr (e.g. "255.255.255.255") and
// collects every distinct host-id that responds within timeout,
// de-duplicating in favor of the latest response per host-id — the LAN
// fan-out operation SPEC_FULL.md adds beyond the single-host case spec.md
// describes directly.
func (c *Client) DiscoverAll(ctx context.Context, bcastAddr string, timeout time.Duration) ([]*HostInfo, error) {
	return c.run(ctx, &net.UDPAddr{IP: net.ParseIP(bcastAddr), Port: c.targetPort}, timeout, true)
}

// ErrNoResponse is returned when unicast discovery times out silently.
var ErrNoResponse = fmt.Errorf("discovery: no response before timeout")

func (c *Client) run(ctx context.Context, target *net.UDPAddr, timeout time.Duration, broadcast bool) ([]*HostInfo, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: c.bindPort})
	if err != nil {
		return nil, fmt.Errorf("discovery: bind udp %d: %w", c.bindPort, err)
	}
	defer conn.Close()

	if broadcast {
		// best effort: SO_BROADCAST is set implicitly by most platforms for
		// UDP sockets sending to a broadcast address via WriteToUDP; no
		// portable stdlib knob exists beyond that.
	}

	if _, err := conn.WriteToUDP([]byte(searchRequest), target); err != nil {
		return nil, fmt.Errorf("discovery: send SRCH: %w", err)
	}
	c.log.DebugDiscovery("sent SRCH", "target", target.String())

	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("discovery: set read deadline: %w", err)
	}

	var mu sync.Mutex
	byHostID := make(map[string]*HostInfo)

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return snapshot(&mu, byHostID), ctx.Err()
		default:
		}

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return snapshot(&mu, byHostID), fmt.Errorf("discovery: read: %w", err)
		}

		info, perr := ParseResponse(buf[:n])
		if perr != nil {
			c.log.DebugDiscovery("discard unparseable response", "error", perr)
			continue
		}
		info.Addr = addr

		mu.Lock()
		byHostID[info.HostID] = info // last response for a host-id wins
		mu.Unlock()

		if !broadcast {
			break
		}
	}

	return snapshot(&mu, byHostID), nil
}

func snapshot(mu *sync.Mutex, byHostID map[string]*HostInfo) []*HostInfo {
	mu.Lock()
	defer mu.Unlock()
	out := make([]*HostInfo, 0, len(byHostID))
	for _, info := range byHostID {
		out = append(out, info)
	}
	return out
}

// ParseResponse parses a newline-delimited header block into a HostInfo.
// Unknown headers are ignored; a missing host-state is treated as
// offline per spec §4.2.
func ParseResponse(data []byte) (*HostInfo, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	info := &HostInfo{}
	sawStatusLine := false
	sawHostID := false

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if !sawStatusLine {
			sawStatusLine = true
			// "HTTP/1.1 200 Ok" or similar status line, not a header.
			if !strings.HasPrefix(line, "HTTP/1.1") && !strings.HasPrefix(line, "HTTP/1.0") {
				return nil, fmt.Errorf("discovery: missing HTTP status line")
			}
			continue
		}

		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		switch key {
		case "host-id":
			info.HostID = value
			sawHostID = true
		case "host-type":
			info.HostType = store.HostType(value)
		case "host-name":
			info.HostName = value
		case "host-request-port":
			if p, err := strconv.Atoi(value); err == nil {
				info.HostRequestPort = p
			}
		case "system-version":
			info.SystemVersion = value
		case "host-state":
			info.State = HostState(value)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("discovery: scan response: %w", err)
	}
	if !sawHostID {
		return nil, fmt.Errorf("discovery: response missing host-id")
	}
	return info, nil
}

// IsReady reports whether a probed host answered Ready (spec §4.2/§4.9:
// absence of host-state means offline, anything else not Ready).
func (h *HostInfo) IsReady() bool {
	return h.State == HostStateReady
}
