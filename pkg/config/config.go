// Package config loads operator-tunable settings for the Remote Play
// bridge from a simple key=value file, following the same line-oriented
// parser shape used elsewhere in this codebase's ecosystem.
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every operator-tunable timeout, port, and buffer size the
// bridge needs. All fields have defaults from spec; a .env file only
// overrides what's present.
type Config struct {
	Discovery DiscoveryConfig
	Wake      WakeConfig
	Regist    RegistConfig
	Handshake HandshakeConfig
	Takion    TakionConfig
	Media     MediaConfig
	Feedback  FeedbackConfig
	StatusAPI StatusAPIConfig
}

// DiscoveryConfig controls C2.
type DiscoveryConfig struct {
	BindPort   int           // local UDP port bound for responses, default 9303
	TargetPort int           // console discovery port, default 9302
	Timeout    time.Duration // default 2s
}

// WakeConfig controls C3.
type WakeConfig struct {
	TargetPort   int           // default 9302
	PollInterval time.Duration // discovery re-poll cadence while waking
	Timeout      time.Duration // default 30s
}

// RegistConfig controls C4.
type RegistConfig struct {
	PS4Port     int // default 9295
	PS5Port     int // default 9302, see DESIGN.md open question
	HTTPTimeout time.Duration
}

// HandshakeConfig controls C5.
type HandshakeConfig struct {
	TCPTimeout time.Duration // default 15s
}

// TakionConfig controls C6.
type TakionConfig struct {
	HandshakeTimeout  time.Duration // default 10s
	HeartbeatInterval time.Duration // default 1s
	HeartbeatMisses   int           // default 3
	RTOInitial        time.Duration // default 300ms
	RTOMax            time.Duration // default 2s
	RTOMaxAttempts    int           // default 5
}

// MediaConfig controls C7.
type MediaConfig struct {
	FrameDeadline      time.Duration // default 200ms
	NDrop              int           // default 4
	NFramesInFlight    int           // default 8
	AudioJitterMs      int           // default 120
	ForcedIDRAfterRepeats int        // default 30
}

// FeedbackConfig controls C8.
type FeedbackConfig struct {
	StateIntervalMs   int // default 8
	HeartbeatMs       int // default 100
	HistoryIntervalMs int // default 200
}

// StatusAPIConfig controls the local read-only status HTTP server.
type StatusAPIConfig struct {
	ListenAddr string // default "127.0.0.1:9393"
}

// Default returns the configuration with every field set to the value
// named in the component design.
func Default() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			BindPort:   9303,
			TargetPort: 9302,
			Timeout:    2 * time.Second,
		},
		Wake: WakeConfig{
			TargetPort:   9302,
			PollInterval: 2 * time.Second,
			Timeout:      30 * time.Second,
		},
		Regist: RegistConfig{
			PS4Port:     9295,
			PS5Port:     9302,
			HTTPTimeout: 30 * time.Second,
		},
		Handshake: HandshakeConfig{
			TCPTimeout: 15 * time.Second,
		},
		Takion: TakionConfig{
			HandshakeTimeout:  10 * time.Second,
			HeartbeatInterval: 1 * time.Second,
			HeartbeatMisses:   3,
			RTOInitial:        300 * time.Millisecond,
			RTOMax:            2 * time.Second,
			RTOMaxAttempts:    5,
		},
		Media: MediaConfig{
			FrameDeadline:         200 * time.Millisecond,
			NDrop:                 4,
			NFramesInFlight:       8,
			AudioJitterMs:         120,
			ForcedIDRAfterRepeats: 30,
		},
		Feedback: FeedbackConfig{
			StateIntervalMs:   8,
			HeartbeatMs:       100,
			HistoryIntervalMs: 200,
		},
		StatusAPI: StatusAPIConfig{
			ListenAddr: "127.0.0.1:9393",
		},
	}
}

// Load reads overrides from a key=value file on top of Default(). A
// missing path is not an error: the caller runs on defaults.
func Load(envPath string) (*Config, error) {
	cfg := Default()

	if envPath == "" {
		return cfg, nil
	}

	file, err := os.Open(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decoded, err := url.QueryUnescape(value)
		if err != nil {
			decoded = value
		}

		if err := cfg.apply(key, decoded); err != nil {
			return nil, fmt.Errorf("config key %q: %w", key, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) apply(key, value string) error {
	switch key {
	case "discovery_bind_port":
		return setInt(&c.Discovery.BindPort, value)
	case "discovery_target_port":
		return setInt(&c.Discovery.TargetPort, value)
	case "discovery_timeout_ms":
		return setMillis(&c.Discovery.Timeout, value)
	case "wake_target_port":
		return setInt(&c.Wake.TargetPort, value)
	case "wake_timeout_ms":
		return setMillis(&c.Wake.Timeout, value)
	case "regist_ps4_port":
		return setInt(&c.Regist.PS4Port, value)
	case "regist_ps5_port":
		return setInt(&c.Regist.PS5Port, value)
	case "regist_http_timeout_ms":
		return setMillis(&c.Regist.HTTPTimeout, value)
	case "handshake_tcp_timeout_ms":
		return setMillis(&c.Handshake.TCPTimeout, value)
	case "takion_heartbeat_interval_ms":
		return setMillis(&c.Takion.HeartbeatInterval, value)
	case "takion_heartbeat_misses":
		return setInt(&c.Takion.HeartbeatMisses, value)
	case "takion_rto_initial_ms":
		return setMillis(&c.Takion.RTOInitial, value)
	case "takion_rto_max_ms":
		return setMillis(&c.Takion.RTOMax, value)
	case "takion_rto_max_attempts":
		return setInt(&c.Takion.RTOMaxAttempts, value)
	case "media_frame_deadline_ms":
		return setMillis(&c.Media.FrameDeadline, value)
	case "media_n_drop":
		return setInt(&c.Media.NDrop, value)
	case "media_n_frames_in_flight":
		return setInt(&c.Media.NFramesInFlight, value)
	case "media_audio_jitter_ms":
		return setInt(&c.Media.AudioJitterMs, value)
	case "feedback_state_interval_ms":
		return setInt(&c.Feedback.StateIntervalMs, value)
	case "feedback_heartbeat_ms":
		return setInt(&c.Feedback.HeartbeatMs, value)
	case "feedback_history_interval_ms":
		return setInt(&c.Feedback.HistoryIntervalMs, value)
	case "status_listen_addr":
		c.StatusAPI.ListenAddr = value
		return nil
	}
	// unknown keys are ignored, matching the teacher's permissive .env reader
	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("not an integer: %s", value)
	}
	*dst = n
	return nil
}

func setMillis(dst *time.Duration, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("not an integer: %s", value)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

// Validate checks that ports and timeouts are in sane ranges.
func (c *Config) Validate() error {
	if c.Discovery.BindPort <= 0 || c.Discovery.BindPort > 65535 {
		return fmt.Errorf("invalid discovery_bind_port: %d", c.Discovery.BindPort)
	}
	if c.Regist.PS4Port <= 0 || c.Regist.PS5Port <= 0 {
		return fmt.Errorf("invalid registration port configuration")
	}
	if c.Takion.HeartbeatMisses <= 0 {
		return fmt.Errorf("takion_heartbeat_misses must be positive")
	}
	if c.Media.NFramesInFlight <= 0 {
		return fmt.Errorf("media_n_frames_in_flight must be positive")
	}
	if c.StatusAPI.ListenAddr == "" {
		return fmt.Errorf("missing status_listen_addr")
	}
	return nil
}
