package logfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var fixedTime = time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l := New(filepath.Join(t.TempDir(), "nested", "dir", "sink.log"))
	l.now = func() time.Time { return fixedTime }
	return l
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestLog_LineFormat(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	l.Log(slog.LevelInfo, "email forwarded", map[string]any{"request_key": "abc", "status": 200})

	lines := readLines(t, l.Path())
	if len(lines) != 1 {
		t.Fatalf("line count: got %d, want 1", len(lines))
	}

	prefix := "[2024-03-09 14:05:07] [INFO] email forwarded | context: "
	if !strings.HasPrefix(lines[0], prefix) {
		t.Fatalf("line: got %q, want prefix %q", lines[0], prefix)
	}

	var ctx map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[0], prefix)), &ctx); err != nil {
		t.Fatalf("context is not JSON: %v", err)
	}
	if ctx["request_key"] != "abc" || ctx["status"] != float64(200) {
		t.Errorf("context: got %v", ctx)
	}
}

func TestLog_StripsMessageKey(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	context := map[string]any{"message": "secret body", "subject": "Welcome"}
	l.Log(slog.LevelWarn, "captured", context)

	line := readLines(t, l.Path())[0]
	if strings.Contains(line, "secret body") {
		t.Errorf("email body leaked into log: %q", line)
	}
	if !strings.Contains(line, `"subject":"Welcome"`) {
		t.Errorf("other keys should be kept: %q", line)
	}
	if !strings.Contains(line, "[WARN]") {
		t.Errorf("level missing: %q", line)
	}
	if _, ok := context["message"]; !ok {
		t.Error("caller's context must not be modified")
	}
}

func TestLog_EmptyContext(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	l.Log(slog.LevelError, "boom", nil)

	if got := readLines(t, l.Path())[0]; !strings.HasSuffix(got, "| context: {}") {
		t.Errorf("line: got %q", got)
	}
}

func TestLog_AppendsLines(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	for i := 0; i < 3; i++ {
		l.Log(slog.LevelDebug, "tick", nil)
	}
	if got := len(readLines(t, l.Path())); got != 3 {
		t.Errorf("line count: got %d, want 3", got)
	}
}

func TestLog_RotatesAtThreshold(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	if err := os.MkdirAll(filepath.Dir(l.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	full := bytes.Repeat([]byte("x"), MaxSize)
	if err := os.WriteFile(l.Path(), full, 0o644); err != nil {
		t.Fatal(err)
	}

	l.Log(slog.LevelInfo, "after rotation", nil)

	rotated := RotatedName(l.Path(), fixedTime)
	info, err := os.Stat(rotated)
	if err != nil {
		t.Fatalf("rotated file missing: %v", err)
	}
	if info.Size() != MaxSize {
		t.Errorf("rotated size: got %d, want %d", info.Size(), MaxSize)
	}

	lines := readLines(t, l.Path())
	if len(lines) != 1 || !strings.Contains(lines[0], "after rotation") {
		t.Errorf("fresh file: got %q", lines)
	}
}

func TestLog_RotationKeepsEarlierFileFromSameSecond(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	if err := os.MkdirAll(filepath.Dir(l.Path()), 0o755); err != nil {
		t.Fatal(err)
	}

	for _, fill := range []byte{'a', 'b'} {
		if err := os.WriteFile(l.Path(), bytes.Repeat([]byte{fill}, MaxSize), 0o644); err != nil {
			t.Fatal(err)
		}
		l.Log(slog.LevelInfo, "after rotation", nil)
	}

	first, err := os.ReadFile(RotatedName(l.Path(), fixedTime))
	if err != nil {
		t.Fatalf("first rotated file missing: %v", err)
	}
	if first[0] != 'a' {
		t.Errorf("first rotated file was overwritten, starts with %q", first[0])
	}

	second, err := os.ReadFile(rotatedName(l.Path(), fixedTime, 1))
	if err != nil {
		t.Fatalf("second rotated file missing: %v", err)
	}
	if second[0] != 'b' || len(second) != MaxSize {
		t.Errorf("second rotated file: starts with %q, size %d", second[0], len(second))
	}
}

func TestLog_NoRotationBelowThreshold(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	if err := os.MkdirAll(filepath.Dir(l.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(l.Path(), bytes.Repeat([]byte("x"), MaxSize-1), 0o644); err != nil {
		t.Fatal(err)
	}

	l.Log(slog.LevelInfo, "appended", nil)

	if _, err := os.Stat(RotatedName(l.Path(), fixedTime)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file should not rotate below the threshold, stat err=%v", err)
	}
}

func TestLog_SwallowsErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	// The parent "directory" is a regular file, so MkdirAll fails.
	l := New(filepath.Join(blocker, "sink.log"))
	l.Log(slog.LevelInfo, "unwritable", nil)
}

func TestRotatedName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{"logs/sink.log", "logs/sink-20240309-140507.log"},
		{"logs/sink", "logs/sink-20240309-140507"},
	}
	for _, tt := range tests {
		if got := RotatedName(tt.path, fixedTime); got != tt.want {
			t.Errorf("RotatedName(%q): got %q, want %q", tt.path, got, tt.want)
		}
	}
	if got := rotatedName("logs/sink.log", fixedTime, 2); got != "logs/sink-20240309-140507-2.log" {
		t.Errorf("rotatedName with counter: got %q", got)
	}
}
