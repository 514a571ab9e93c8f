package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "worker"))
	log.Info("job.completed", Int("attempts", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if m["comp"] != "worker" || m["message"] != "job.completed" {
		t.Fatalf("unexpected line: %v", m)
	}
	if m["attempts"].(float64) != 2 {
		t.Fatalf("attempts = %v", m["attempts"])
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	line := `{"level":"error","message":"job dead","job":"p1:twitter:a1","time":"x"}`
	got := formatAlert([]byte(line))
	if !strings.HasPrefix(got, "[ERROR] job dead") {
		t.Fatalf("formatAlert = %q", got)
	}
	if !strings.Contains(got, "- job=p1:twitter:a1") {
		t.Fatalf("missing field: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time should be omitted: %q", got)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
}
