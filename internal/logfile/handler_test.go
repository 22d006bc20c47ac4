package logfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func lastContext(t *testing.T, l *Logger) (string, map[string]any) {
	t.Helper()
	lines := readLines(t, l.Path())
	line := lines[len(lines)-1]
	head, ctxJSON, ok := strings.Cut(line, " | context: ")
	if !ok {
		t.Fatalf("malformed line %q", line)
	}
	var ctx map[string]any
	if err := json.Unmarshal([]byte(ctxJSON), &ctx); err != nil {
		t.Fatalf("context is not JSON: %v", err)
	}
	return head, ctx
}

func TestHandler_WritesRecords(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	logger := slog.New(NewHandler(l, slog.LevelDebug)).With("run_id", "run-1")

	logger.Debug("duplicate skipped", "source", "pre_send", "error", errors.New("nope"))

	head, ctx := lastContext(t, l)
	if !strings.HasSuffix(head, "[DEBUG] duplicate skipped") {
		t.Errorf("head: got %q", head)
	}
	if ctx["run_id"] != "run-1" || ctx["source"] != "pre_send" || ctx["error"] != "nope" {
		t.Errorf("context: got %v", ctx)
	}
}

func TestHandler_RespectsLevel(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	logger := slog.New(NewHandler(l, slog.LevelWarn))

	logger.Info("dropped")
	logger.Error("kept")

	lines := readLines(t, l.Path())
	if len(lines) != 1 || !strings.Contains(lines[0], "kept") {
		t.Errorf("lines: got %q", lines)
	}
}

func TestHandler_Groups(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	logger := slog.New(NewHandler(l, nil)).WithGroup("webhook").With("url", "https://hook")

	logger.Info("sent", "status", 204)

	_, ctx := lastContext(t, l)
	group, ok := ctx["webhook"].(map[string]any)
	if !ok {
		t.Fatalf("expected webhook group, got %v", ctx)
	}
	if group["url"] != "https://hook" || group["status"] != float64(204) {
		t.Errorf("group: got %v", group)
	}
}

func TestHandler_NestedGroupsKeepAttrs(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	logger := slog.New(NewHandler(l, nil)).
		WithGroup("intercept").With("run_id", "run-1").
		WithGroup("webhook").With("attempt", 1)

	logger.Info("forwarded", "status", 200)

	_, ctx := lastContext(t, l)
	outer, ok := ctx["intercept"].(map[string]any)
	if !ok || outer["run_id"] != "run-1" {
		t.Fatalf("intercept group: got %v", ctx)
	}
	inner, ok := outer["webhook"].(map[string]any)
	if !ok || inner["attempt"] != float64(1) || inner["status"] != float64(200) {
		t.Errorf("webhook group: got %v", outer)
	}
}

func TestHandler_StripsMessageAttr(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	slog.New(NewHandler(l, nil)).Info("captured", "message", "body text")

	head, ctx := lastContext(t, l)
	if _, ok := ctx["message"]; ok {
		t.Errorf("message attribute should be stripped: %v", ctx)
	}
	if !strings.HasSuffix(head, "captured") {
		t.Errorf("record message must still be written: %q", head)
	}
}

func TestTee_FansOut(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	var buf bytes.Buffer
	jsonHandler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	logger := slog.New(Tee(jsonHandler, NewHandler(l, slog.LevelDebug))).With("run_id", "r")
	logger.Debug("file only")
	logger.Info("both")

	if strings.Contains(buf.String(), "file only") {
		t.Error("debug record should not reach the info-level JSON handler")
	}
	if !strings.Contains(buf.String(), `"run_id":"r"`) || !strings.Contains(buf.String(), "both") {
		t.Errorf("JSON handler output: %q", buf.String())
	}
	if got := len(readLines(t, l.Path())); got != 2 {
		t.Errorf("file lines: got %d, want 2", got)
	}
}
