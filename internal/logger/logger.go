// Package logger configures the logrus logger shared by the starping tools.
// Probe diagnostics meant for operators are not log lines; they are written
// by prober.Report. The logger carries debug traces and sweep progress.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// Config selects level, format and destination.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	// File, when set, sends logs to a rotating file instead of Writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	Writer io.Writer // defaults to os.Stderr
}

// Default is warn-level text on stderr, quiet enough to sit next to probe output.
func Default() Config {
	return Config{Level: "warn", Format: "text", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28}
}

// New builds a logger from cfg. An unparseable level falls back to info.
func New(cfg Config) (*logrus.Logger, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
		defer l.Warnf("invalid log level %q, using info", cfg.Level)
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: timestampFormat, FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}

	out := cfg.Writer
	if out == nil {
		out = os.Stderr
	}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}
	l.SetOutput(out)
	return l, nil
}

// Setup applies cfg to the logrus standard logger, which the probe packages use by default.
func Setup(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	std := logrus.StandardLogger()
	std.SetLevel(l.GetLevel())
	std.SetFormatter(l.Formatter)
	std.SetOutput(l.Out)
	return nil
}
