package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptgate/scriptgate/pkg/types"
)

func TestAppendAndReadDay(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return now }

	l.Append(ctx, types.Event{
		Type:      "exec.completed",
		SessionID: "sess-1",
		CommandID: "cmd-1",
		Path:      "/opt/scripts/deploy.sh",
		Fields:    map[string]any{"exit_code": 0},
	})
	l.Append(ctx, types.Event{
		Category: types.CategoryPolicy,
		Type:     "exec.denied",
		Path:     "/opt/scripts/other.sh",
	})

	execEvents, err := l.ReadDay(types.CategoryExecution, now)
	require.NoError(t, err)
	require.Len(t, execEvents, 1)
	assert.Equal(t, "exec.completed", execEvents[0].Type)
	assert.Equal(t, "sess-1", execEvents[0].SessionID)
	assert.Equal(t, types.CategoryExecution, execEvents[0].Category)

	polEvents, err := l.ReadDay(types.CategoryPolicy, now)
	require.NoError(t, err)
	require.Len(t, polEvents, 1)
	assert.Equal(t, "exec.denied", polEvents[0].Type)
}

func TestReadDayMissingFile(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	events, err := l.ReadDay(types.CategoryExecution, time.Now())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAppendScrubsSensitiveFields(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	defer l.Close()

	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return now }

	l.Append(context.Background(), types.Event{
		Type: "check.allowed",
		Fields: map[string]any{
			"preflight_token": "pt.secret",
			"X-API-Key":       "agent-key",
			"exit_code":       0,
		},
	})

	events, err := l.ReadDay(types.CategoryExecution, now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "[redacted]", events[0].Fields["preflight_token"])
	assert.Equal(t, "[redacted]", events[0].Fields["X-API-Key"])
	assert.Equal(t, float64(0), events[0].Fields["exit_code"])
}

func TestDayRollover(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	day1 := time.Date(2025, 9, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2025, 9, 2, 0, 1, 0, 0, time.UTC)

	l.nowFunc = func() time.Time { return day1 }
	l.Append(ctx, types.Event{Type: "exec.completed", CommandID: "cmd-a"})

	l.nowFunc = func() time.Time { return day2 }
	l.Append(ctx, types.Event{Type: "exec.completed", CommandID: "cmd-b"})

	first, err := l.ReadDay(types.CategoryExecution, day1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "cmd-a", first[0].CommandID)

	second, err := l.ReadDay(types.CategoryExecution, day2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "cmd-b", second[0].CommandID)

	_, err = os.Stat(filepath.Join(dir, "execution-20250901.jsonl"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "execution-20250902.jsonl"))
	assert.NoError(t, err)
}

func TestReadDaySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	defer l.Close()

	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	path := filepath.Join(dir, "execution-20250901.jsonl")
	content := `{"timestamp":"2025-09-01T12:00:00Z","category":"execution","type":"exec.completed"}` + "\nnot json\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	events, err := l.ReadDay(types.CategoryExecution, now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "exec.completed", events[0].Type)
}
