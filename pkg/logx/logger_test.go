package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "scheduler"))

	log.Debug("hidden")
	log.Info("job.completed", Int64("job_id", 42), String("comp", "override"))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0]["message"] != "job.completed" {
		t.Fatalf("message = %v", lines[0]["message"])
	}
	if lines[0]["job_id"] != float64(42) {
		t.Fatalf("job_id = %v", lines[0]["job_id"])
	}
	if !strings.HasPrefix(lines[0]["caller"].(string), "logger_test.go:") {
		t.Fatalf("caller = %v", lines[0]["caller"])
	}
}

func TestSampledLoggerSuppresses(t *testing.T) {
	var buf bytes.Buffer
	s := NewSampler(0, 2)
	log := NewWriter(&buf, "debug").Sampled(s)

	for i := 0; i < 5; i++ {
		log.Warn("store update failed")
	}
	if got := len(decodeLines(t, &buf)); got != 2 {
		t.Fatalf("got %d lines, want 2 (burst)", got)
	}
	if s.Dropped() != 3 {
		t.Fatalf("Dropped = %d, want 3", s.Dropped())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Info("nothing happens")
	l.With(String("k", "v")).Error("still nothing")
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "WARN", "warning"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false", s)
		}
	}
	if ValidLevel("verbose") {
		t.Fatal("ValidLevel(verbose) = true")
	}
}

func TestServiceApplySwapsFileAndLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobsched.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Info("dropped at warn")
	log.Warn("kept", Duration("took", 1500*time.Millisecond))
	if err := svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	log.Debug("now visible")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := decodeLines(t, bytes.NewBuffer(b))
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %s", len(lines), b)
	}
	if lines[0]["took"] != "1.5s" || lines[1]["message"] != "now visible" {
		t.Fatalf("lines = %v", lines)
	}

	bad := filepath.Join(dir, "missing", "x.log")
	if err := svc.Apply(Config{File: FileConfig{Enabled: true, Path: bad}}); err == nil {
		t.Fatal("expected error for unopenable log file")
	}
}
