package execsup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureWriterUnderBudget(t *testing.T) {
	w := newCaptureWriter(1024, 100, 0, nil)
	_, err := w.Write([]byte("hello\nworld\n"))
	require.NoError(t, err)

	assert.Equal(t, "hello\nworld\n", string(w.Bytes()))
	total, truncated := w.Stats()
	assert.Equal(t, int64(12), total)
	assert.False(t, truncated)
}

func TestCaptureWriterByteBudgetBoundary(t *testing.T) {
	payload := []byte(strings.Repeat("x", 100))

	// Exactly at the budget: kept in full, not truncated.
	w := newCaptureWriter(100, 0, 0, nil)
	_, err := w.Write(payload)
	require.NoError(t, err)
	assert.Len(t, w.Bytes(), 100)
	_, truncated := w.Stats()
	assert.False(t, truncated)

	// One byte over: capture clipped, marked truncated, write still accepted.
	w = newCaptureWriter(100, 0, 0, nil)
	n, err := w.Write(append(payload, 'y'))
	require.NoError(t, err)
	assert.Equal(t, 101, n)
	assert.Len(t, w.Bytes(), 100)
	total, truncated := w.Stats()
	assert.Equal(t, int64(101), total)
	assert.True(t, truncated)
}

func TestCaptureWriterLineBudget(t *testing.T) {
	w := newCaptureWriter(1024, 2, 0, nil)
	_, err := w.Write([]byte("one\ntwo\nthree\n"))
	require.NoError(t, err)

	assert.Equal(t, "one\ntwo\n", string(w.Bytes()))
	_, truncated := w.Stats()
	assert.True(t, truncated)
}

func TestCaptureWriterTotalKeepsCountingPastBudget(t *testing.T) {
	w := newCaptureWriter(10, 0, 0, nil)
	for i := 0; i < 5; i++ {
		_, err := w.Write([]byte("0123456789"))
		require.NoError(t, err)
	}
	total, truncated := w.Stats()
	assert.Equal(t, int64(50), total)
	assert.True(t, truncated)
	assert.Len(t, w.Bytes(), 10)
}

func TestCaptureWriterLineCallback(t *testing.T) {
	var lines []string
	w := newCaptureWriter(6, 1, 0, func(line string) error {
		lines = append(lines, line)
		return nil
	})

	// Lines split across writes, and delivery continues past the capture
	// budget.
	_, _ = w.Write([]byte("first\nsec"))
	_, _ = w.Write([]byte("ond\nthird"))
	w.Flush()

	assert.Equal(t, []string{"first", "second", "third"}, lines)
	_, truncated := w.Stats()
	assert.True(t, truncated)
}

func TestCaptureWriterClipsLongLines(t *testing.T) {
	var lines []string
	w := newCaptureWriter(1024, 0, 4, func(line string) error {
		lines = append(lines, line)
		return nil
	})
	_, _ = w.Write([]byte("abcdefgh\nxy\n"))

	assert.Equal(t, []string{"abcd", "xy"}, lines)
}

func TestLimiterBoundedAdmission(t *testing.T) {
	l := NewLimiter()

	assert.True(t, l.Acquire("rule:a", 2))
	assert.True(t, l.Acquire("rule:a", 2))
	assert.False(t, l.Acquire("rule:a", 2))
	// Other scopes are accounted independently.
	assert.True(t, l.Acquire("rule:b", 2))

	l.Release("rule:a")
	assert.True(t, l.Acquire("rule:a", 2))
	assert.Equal(t, 2, l.InFlight("rule:a"))

	// Zero means uncapped, but slots are still counted so Release pairs up.
	assert.True(t, l.Acquire("global:x", 0))
	assert.True(t, l.Acquire("global:x", 0))
	assert.Equal(t, 2, l.InFlight("global:x"))
	l.Release("global:x")
	l.Release("global:x")
	assert.Equal(t, 0, l.InFlight("global:x"))
}

func TestLimiterMixedCapsStayPaired(t *testing.T) {
	l := NewLimiter()

	// A capped slot must survive an uncapped acquire/release cycle on the
	// same key.
	require.True(t, l.Acquire("rule:a", 2))
	require.True(t, l.Acquire("rule:a", 0))
	l.Release("rule:a")
	assert.Equal(t, 1, l.InFlight("rule:a"))

	l.Release("rule:a")
	assert.Equal(t, 0, l.InFlight("rule:a"))
	// Releasing an idle key is harmless.
	l.Release("rule:a")
	assert.Equal(t, 0, l.InFlight("rule:a"))
}

func TestCaptureWriterBoundsPartialLineBuffer(t *testing.T) {
	var lines []string
	w := newCaptureWriter(1024, 0, 256, func(line string) error {
		lines = append(lines, line)
		return nil
	})

	// A stream that never emits a newline must not accumulate in memory.
	chunk := []byte(strings.Repeat("z", 4096))
	for i := 0; i < 256; i++ {
		_, err := w.Write(chunk)
		require.NoError(t, err)
		assert.LessOrEqual(t, w.partial.Len(), 256)
	}

	total, _ := w.Stats()
	assert.Equal(t, int64(256*4096), total)
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.LessOrEqual(t, len(line), 256)
	}

	w.Flush()
	assert.Zero(t, w.partial.Len())
}

func TestCaptureWriterPartialBufferDefaultLimit(t *testing.T) {
	w := newCaptureWriter(1024, 0, 0, func(string) error { return nil })
	_, err := w.Write([]byte(strings.Repeat("z", defaultLineLimit*3)))
	require.NoError(t, err)
	assert.LessOrEqual(t, w.partial.Len(), defaultLineLimit)
}
