package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetupSplitsConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "valrun.log")
	closer, err := Setup(Options{Level: "warn", File: file, Console: &console, NoColor: true})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	log.Debug().Msg("debug detail")
	log.Warn().Msg("something odd")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if strings.Contains(console.String(), "debug detail") {
		t.Fatalf("console should not show debug: %q", console.String())
	}
	if !strings.Contains(console.String(), "something odd") {
		t.Fatalf("console missing warning: %q", console.String())
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "debug detail") || !strings.Contains(string(data), "something odd") {
		t.Fatalf("file should receive everything: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
