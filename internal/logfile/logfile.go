// Package logfile appends decision records to a plain-text log file that is
// rotated by size. It never reports failures to its callers.
package logfile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MaxSize is the size at which the log file is rotated before the next write.
const MaxSize = 5 << 20

const (
	lineTimeFormat   = "2006-01-02 15:04:05"
	rotateTimeFormat = "20060102-150405"
)

// Logger writes one line per event:
//
//	[2006-01-02 15:04:05] [LEVEL] message | context: {"key":"value"}
//
// A "message" key in the context is always dropped so email bodies never
// reach disk.
type Logger struct {
	path    string
	maxSize int64

	mu  sync.Mutex
	now func() time.Time
}

// New creates a Logger appending to path.
func New(path string) *Logger {
	return &Logger{path: path, maxSize: MaxSize, now: time.Now}
}

// Path returns the active log file path.
func (l *Logger) Path() string {
	return l.path
}

// Log appends a line for message at level. Errors are swallowed.
func (l *Logger) Log(level slog.Level, message string, context map[string]any) {
	_ = l.write(level, message, context)
}

func (l *Logger) write(level slog.Level, message string, context map[string]any) error {
	data, err := json.Marshal(sanitize(context))
	if err != nil {
		data = []byte(fmt.Sprintf("%q", err.Error()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	line := fmt.Sprintf("[%s] [%s] %s | context: %s\n",
		now.Format(lineTimeFormat), level.String(), message, data)

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	l.rotate(now)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return err
	}
	defer unlockFile(f)

	_, err = f.WriteString(line)
	return err
}

// rotate renames the log file to a timestamped sibling once it has reached
// maxSize. Rotated files are never overwritten. A concurrent rotation by
// another process may race with this one.
func (l *Logger) rotate(now time.Time) {
	info, err := os.Stat(l.path)
	if err != nil || info.Size() < l.maxSize {
		return
	}
	target := RotatedName(l.path, now)
	for n := 1; exists(target); n++ {
		target = rotatedName(l.path, now, n)
	}
	_ = os.Rename(l.path, target)
}

// RotatedName returns the name path is moved to when rotated at t:
// logs/sink.log becomes logs/sink-20060102-150405.log. Further rotations
// within the same second get a -1, -2, ... suffix.
func RotatedName(path string, t time.Time) string {
	return rotatedName(path, t, 0)
}

func rotatedName(path string, t time.Time, n int) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext) + "-" + t.Format(rotateTimeFormat)
	if n > 0 {
		base += "-" + strconv.Itoa(n)
	}
	return base + ext
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func sanitize(context map[string]any) map[string]any {
	out := make(map[string]any, len(context))
	for k, v := range context {
		if k == "message" {
			continue
		}
		out[k] = v
	}
	return out
}
