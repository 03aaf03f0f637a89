// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by commands. It is replaced by InitCLILogger
// and Configure; until then it discards everything.
var CLILogger = zap.NewNop()

// Options controls logger construction.
type Options struct {
	Service string
	// Level is a zap level name; empty means info (debug when Verbose).
	Level   string
	Verbose bool
	// Format is "console" (default) or "json".
	Format string
	// File adds a size-rotated JSON sink.
	File string

	// Writer replaces stderr as the primary sink.
	Writer io.Writer
}

// Rotation limits for file sinks.
const (
	RotateMaxSizeMB  = 50
	RotateMaxBackups = 5
	RotateMaxAgeDays = 30
)

// InitCLILogger installs a console logger on stderr.
func InitCLILogger(service string, verbose bool) {
	logger, err := NewLogger(Options{Service: service, Verbose: verbose})
	if err != nil {
		logger = zap.NewNop()
	}
	CLILogger = logger
}

// Configure installs a logger built from opts.
func Configure(opts Options) error {
	logger, err := NewLogger(opts)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

// NewLogger builds a logger from opts.
func NewLogger(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level, opts.Verbose)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	if opts.Writer != nil {
		out = opts.Writer
	}

	var enc zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "console", "text":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	case "json":
		enc = zapcore.NewJSONEncoder(jsonEncoderConfig())
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.AddSync(out), level)}
	if opts.File != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(jsonEncoderConfig()),
			zapcore.AddSync(RotatingFile(opts.File)),
			level,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	if opts.Service != "" {
		logger = logger.With(zap.String("service", opts.Service))
	}
	return logger, nil
}

// ParseLevel resolves a level name. Verbose lowers an unset level to debug.
func ParseLevel(name string, verbose bool) (zapcore.Level, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		if verbose {
			return zapcore.DebugLevel, nil
		}
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(strings.ToLower(name))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	if verbose && level > zapcore.DebugLevel {
		level = zapcore.DebugLevel
	}
	return level, nil
}

// RotatingFile returns a size-rotated append-only file.
func RotatingFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    RotateMaxSizeMB,
		MaxBackups: RotateMaxBackups,
		MaxAge:     RotateMaxAgeDays,
		Compress:   true,
	}
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.RFC3339TimeEncoder
	return cfg
}
