package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LogLevel represents the logging verbosity level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DebugCategory represents specific debug categories for targeted debugging
type DebugCategory string

const (
	DebugDiscovery DebugCategory = "discovery"
	DebugRegist    DebugCategory = "regist"
	DebugSession   DebugCategory = "session"
	DebugTakion    DebugCategory = "takion"
	DebugVideo     DebugCategory = "video"
	DebugAudio     DebugCategory = "audio"
	DebugFeedback  DebugCategory = "feedback"
	DebugCrypto    DebugCategory = "crypto"
	DebugAll       DebugCategory = "all"
)

// Config holds logger configuration
type Config struct {
	Level             LogLevel
	Format            OutputFormat
	OutputFile        string
	EnabledCategories map[DebugCategory]bool
	mu                sync.RWMutex
}

// OutputFormat determines the log output format
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Global logger instance
var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger wraps slog.Logger with category-based debugging
type Logger struct {
	*slog.Logger
	config *Config
	file   *os.File
}

// NewConfig creates a new logger configuration with defaults
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		OutputFile:        "",
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

// ParseLevel converts a string to LogLevel
func ParseLevel(level string) (LogLevel, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string to OutputFormat
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

// ToSlogLevel converts LogLevel to slog.Level
func (l LogLevel) ToSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new Logger instance with the given configuration
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	var handler slog.Handler
	handlerOpts := &slog.HandlerOptions{
		Level: cfg.Level.ToSlogLevel(),
	}

	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, handlerOpts)
	case FormatText:
		handler = slog.NewTextHandler(writer, handlerOpts)
	default:
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	logger := &Logger{
		Logger: slog.New(handler),
		config: cfg,
		file:   file,
	}

	return logger, nil
}

// EnableCategory enables a specific debug category
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		c.EnabledCategories[DebugDiscovery] = true
		c.EnabledCategories[DebugRegist] = true
		c.EnabledCategories[DebugSession] = true
		c.EnabledCategories[DebugTakion] = true
		c.EnabledCategories[DebugVideo] = true
		c.EnabledCategories[DebugAudio] = true
		c.EnabledCategories[DebugFeedback] = true
		c.EnabledCategories[DebugCrypto] = true
	} else {
		c.EnabledCategories[category] = true
	}
}

// IsCategoryEnabled checks if a debug category is enabled
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

// IsDebugEnabled checks if any debug category is enabled
func (c *Config) IsDebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.EnabledCategories) > 0
}

// Close closes the log file if one was opened
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Category-specific logging methods

func (l *Logger) DebugDiscovery(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugDiscovery) {
		args = append([]any{"category", "discovery"}, args...)
		l.Debug(msg, args...)
	}
}

func (l *Logger) DebugRegist(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugRegist) {
		args = append([]any{"category", "regist"}, args...)
		l.Debug(msg, args...)
	}
}

func (l *Logger) DebugSession(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugSession) {
		args = append([]any{"category", "session"}, args...)
		l.Debug(msg, args...)
	}
}

func (l *Logger) DebugTakion(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugTakion) {
		args = append([]any{"category", "takion"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugTakionPacket logs per-packet takion transport detail
func (l *Logger) DebugTakionPacket(packetType string, seq uint32, channel uint8, payloadSize int) {
	if l.config.IsCategoryEnabled(DebugTakion) {
		l.Debug("takion packet",
			"category", "takion",
			"type", packetType,
			"sequence", seq,
			"channel", channel,
			"payload_size", payloadSize)
	}
}

func (l *Logger) DebugVideo(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugVideo) {
		args = append([]any{"category", "video"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugVideoUnit logs per-fragment video assembly detail
func (l *Logger) DebugVideoUnit(frameIndex uint16, packetIndex uint16, isKey bool, size int) {
	if l.config.IsCategoryEnabled(DebugVideo) {
		l.Debug("video unit",
			"category", "video",
			"frame_index", frameIndex,
			"packet_index", packetIndex,
			"is_key", isKey,
			"size", size)
	}
}

func (l *Logger) DebugAudio(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugAudio) {
		args = append([]any{"category", "audio"}, args...)
		l.Debug(msg, args...)
	}
}

func (l *Logger) DebugFeedback(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugFeedback) {
		args = append([]any{"category", "feedback"}, args...)
		l.Debug(msg, args...)
	}
}

func (l *Logger) DebugCrypto(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugCrypto) {
		args = append([]any{"category", "crypto"}, args...)
		l.Debug(msg, args...)
	}
}

// WithContext adds context values to logger
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{
		Logger: l.Logger,
		config: l.config,
		file:   l.file,
	}
}

// With returns a new Logger with the given attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
		file:   l.file,
	}
}

// SetDefault sets the global default logger
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

// Default returns the default logger, creating one if necessary
func Default() *Logger {
	once.Do(func() {
		cfg := NewConfig()
		logger, err := New(cfg)
		if err != nil {
			logger = &Logger{
				Logger: slog.Default(),
				config: cfg,
			}
		}
		defaultLogger = logger
	})
	return defaultLogger
}

// Package-level convenience functions

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
