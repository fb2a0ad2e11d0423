package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel      string
	LogFormat     string
	LogFile       string
	DebugDiscover bool
	DebugRegist   bool
	DebugSession  bool
	DebugTakion   bool
	DebugVideo    bool
	DebugAudio    bool
	DebugFeedback bool
	DebugAll      bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	fs.BoolVar(&f.DebugDiscover, "debug-discovery", false,
		"Enable discovery/wake probe debugging")
	fs.BoolVar(&f.DebugRegist, "debug-regist", false,
		"Enable registration exchange debugging")
	fs.BoolVar(&f.DebugSession, "debug-session", false,
		"Enable session handshake debugging")
	fs.BoolVar(&f.DebugTakion, "debug-takion", false,
		"Enable takion transport packet debugging")
	fs.BoolVar(&f.DebugVideo, "debug-video", false,
		"Enable video frame assembly debugging")
	fs.BoolVar(&f.DebugAudio, "debug-audio", false,
		"Enable audio jitter buffer debugging")
	fs.BoolVar(&f.DebugFeedback, "debug-feedback", false,
		"Enable feedback channel debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		if f.DebugDiscover {
			cfg.EnableCategory(DebugDiscovery)
			cfg.Level = LevelDebug
		}
		if f.DebugRegist {
			cfg.EnableCategory(DebugRegist)
			cfg.Level = LevelDebug
		}
		if f.DebugSession {
			cfg.EnableCategory(DebugSession)
			cfg.Level = LevelDebug
		}
		if f.DebugTakion {
			cfg.EnableCategory(DebugTakion)
			cfg.Level = LevelDebug
		}
		if f.DebugVideo {
			cfg.EnableCategory(DebugVideo)
			cfg.Level = LevelDebug
		}
		if f.DebugAudio {
			cfg.EnableCategory(DebugAudio)
			cfg.Level = LevelDebug
		}
		if f.DebugFeedback {
			cfg.EnableCategory(DebugFeedback)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./rpplay

  Enable DEBUG level:
    ./rpplay --log-level debug

  Log to file:
    ./rpplay --log-file rpplay.log

  JSON format for structured logging:
    ./rpplay --log-format json -o rpplay.json

  Debug takion transport only:
    ./rpplay --debug-takion

  Debug multiple categories:
    ./rpplay --debug-regist --debug-session

  Debug everything:
    ./rpplay --debug-all -o debug.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugDiscover {
			debugCategories = append(debugCategories, "discovery")
		}
		if f.DebugRegist {
			debugCategories = append(debugCategories, "regist")
		}
		if f.DebugSession {
			debugCategories = append(debugCategories, "session")
		}
		if f.DebugTakion {
			debugCategories = append(debugCategories, "takion")
		}
		if f.DebugVideo {
			debugCategories = append(debugCategories, "video")
		}
		if f.DebugAudio {
			debugCategories = append(debugCategories, "audio")
		}
		if f.DebugFeedback {
			debugCategories = append(debugCategories, "feedback")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
