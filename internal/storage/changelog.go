package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ChangeLog is an append-only text log of notified changes, one line per
// event. It is never read back.
type ChangeLog struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewChangeLog(path string) (*ChangeLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "tracking.log"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &ChangeLog{path: path, now: time.Now}, nil
}

func (l *ChangeLog) Path() string { return l.path }

// Append writes "<RFC3339 time> <message>" as one line. Newlines inside
// message are flattened to " | ".
func (l *ChangeLog) Append(message string) error {
	line := fmt.Sprintf("%s %s\n", l.now().Format(time.RFC3339), flatten(message))

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Warn appends a "WARN " prefixed line.
func (l *ChangeLog) Warn(message string) error {
	return l.Append("WARN " + message)
}

func flatten(s string) string {
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
	out := lines[:0]
	for _, ln := range lines {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, " | ")
}
