// Package audit persists gateway events as append-only JSONL, one file per
// UTC day per category (for example execution-20250901.jsonl). Audit writes
// are best-effort from the caller's point of view: a failed append is logged
// and never fails the request that produced it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/scriptgate/scriptgate/pkg/types"
)

// sensitiveFields are scrubbed from event payloads before they touch disk.
var sensitiveFields = []string{"authorization", "cookie", "x-api-key", "api_key", "token", "preflight_token"}

type Log struct {
	dir string

	mu      sync.Mutex
	day     string
	files   map[string]*os.File // category -> open handle for s.day
	nowFunc func() time.Time
}

func New(dir string) (*Log, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir audit dir: %w", err)
	}
	return &Log{
		dir:     dir,
		files:   make(map[string]*os.File),
		nowFunc: time.Now,
	}, nil
}

// Append records one event. Errors are reported to the logger, not the
// caller; audit must never take the data path down with it.
func (l *Log) Append(_ context.Context, ev types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.nowFunc().UTC()
	}
	if ev.Category == "" {
		ev.Category = types.CategoryExecution
	}
	ev.Fields = scrub(ev.Fields)

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.fileForLocked(ev.Category, ev.Timestamp)
	if err != nil {
		slog.Error("audit: open log file", "category", ev.Category, "err", err)
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("audit: marshal event", "type", ev.Type, "err", err)
		return
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		slog.Error("audit: write event", "category", ev.Category, "err", err)
	}
}

// fileForLocked returns the open handle for the category's current-day file,
// rolling all handles over when the UTC day changes.
func (l *Log) fileForLocked(category string, ts time.Time) (*os.File, error) {
	day := ts.UTC().Format("20060102")
	if day != l.day {
		for _, f := range l.files {
			_ = f.Close()
		}
		l.files = make(map[string]*os.File)
		l.day = day
	}
	if f, ok := l.files[category]; ok {
		return f, nil
	}
	path := filepath.Join(l.dir, fmt.Sprintf("%s-%s.jsonl", category, day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[category] = f
	return f, nil
}

// ReadDay returns all events of one category for a UTC day, newest last.
// Missing files are not an error: no events happened.
func (l *Log) ReadDay(category string, day time.Time) ([]types.Event, error) {
	path := filepath.Join(l.dir, fmt.Sprintf("%s-%s.jsonl", category, day.UTC().Format("20060102")))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit file: %w", err)
	}
	var out []types.Event
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			slog.Warn("audit: skip malformed line", "path", path, "err", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = make(map[string]*os.File)
	return first
}

func scrub(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return fields
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
		lk := strings.ToLower(k)
		for _, s := range sensitiveFields {
			if lk == s {
				out[k] = "[redacted]"
				break
			}
		}
	}
	return out
}
