// Package logging wires the global zerolog logger to the console and to a
// rotating general log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultFile is where the general log goes when no file is configured.
const DefaultFile = "html/logs/__general__/valrun.log"

type Options struct {
	// Level filters console output only. The file receives everything from
	// debug up.
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console defaults to stderr.
	Console io.Writer
	NoColor bool
}

// levelWriter drops events below min before they reach w.
type levelWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (l levelWriter) Write(p []byte) (int, error) { return l.w.Write(p) }

func (l levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < l.min {
		return len(p), nil
	}
	return l.w.Write(p)
}

// ParseLevel maps the --log flag onto a zerolog level. Unknown values mean info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup replaces the global logger. The returned closer flushes the log file.
func Setup(opts Options) (io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	minLevel := ParseLevel(opts.Level)
	writers := []io.Writer{levelWriter{
		w:   zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339, NoColor: opts.NoColor},
		min: minLevel,
	}}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		writers = append(writers, levelWriter{w: file, min: zerolog.DebugLevel})
		closer = file
		minLevel = min(minLevel, zerolog.DebugLevel)
	}

	zerolog.SetGlobalLevel(minLevel)
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
