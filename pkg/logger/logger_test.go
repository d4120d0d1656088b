package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"DEBUG", "DEBUG", false},
		{"debug", "DEBUG", false},
		{"INFO", "INFO", false},
		{"NOTICE", "NOTICE", false},
		{"notice", "NOTICE", false},
		{"WARN", "WARN", false},
		{"ERROR", "ERROR", false},
		{"NONE", "NONE", false},
		{"TRACE", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && levelNames[level] != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, level, tt.want)
			}
		})
	}
}

func TestLevelOrdering(t *testing.T) {
	if !(LevelDebug < LevelInfo && LevelInfo < LevelNotice &&
		LevelNotice < LevelWarn && LevelWarn < LevelError && LevelError < LevelNone) {
		t.Error("severity levels are not strictly ordered")
	}
}

func TestNoticeOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(LevelNotice, &buf)

	log.Notice("circuit closed", "circuit_id", "42")
	out := buf.String()
	if !strings.Contains(out, "level=NOTICE") {
		t.Errorf("notice line missing NOTICE severity: %q", out)
	}
	if !strings.Contains(out, "circuit_id=42") {
		t.Errorf("notice line missing attribute: %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(LevelNotice, &buf)

	log.Info("should be filtered")
	if buf.Len() != 0 {
		t.Errorf("INFO leaked through NOTICE level: %q", buf.String())
	}

	log.Warn("should appear")
	if buf.Len() == 0 {
		t.Error("WARN was filtered at NOTICE level")
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New(LevelInfo, &buf)

	log.Component("rendguard").Info("hello")
	if !strings.Contains(buf.String(), "component=rendguard") {
		t.Errorf("component attribute missing: %q", buf.String())
	}
}
