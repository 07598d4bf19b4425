package execsup

import (
	"bytes"
	"sync"
)

// defaultLineLimit bounds the pending-line buffer when no explicit line byte
// cap was configured.
const defaultLineLimit = 64 * 1024

// captureWriter captures a process output stream under a byte and a line
// budget. Once either budget is exceeded further output is discarded and the
// writer is marked truncated; the writer never signals an error upstream, so
// the process keeps running to natural completion.
//
// When onLine is set, each complete line is delivered as it is produced,
// clipped to maxLineBytes. Lines are delivered even past the capture budget
// so a streaming client sees the full run. A line that never ends is flushed
// in maxLineBytes-sized chunks, so held memory stays bounded by the line cap
// no matter what the process writes.
type captureWriter struct {
	maxBytes     int64
	maxLines     int
	maxLineBytes int
	onLine       func(line string) error

	mu        sync.Mutex
	buf       bytes.Buffer
	partial   bytes.Buffer
	total     int64
	lines     int
	truncated bool
}

func newCaptureWriter(maxBytes int64, maxLines, maxLineBytes int, onLine func(string) error) *captureWriter {
	return &captureWriter{
		maxBytes:     maxBytes,
		maxLines:     maxLines,
		maxLineBytes: maxLineBytes,
		onLine:       onLine,
	}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.total += int64(len(p))

	if w.onLine != nil {
		w.partial.Write(p)
		for {
			data := w.partial.Bytes()
			idx := bytes.IndexByte(data, '\n')
			if idx < 0 {
				break
			}
			line := string(data[:idx])
			w.partial.Next(idx + 1)
			_ = w.onLine(clipLine(line, w.maxLineBytes))
		}
		for limit := w.lineLimit(); w.partial.Len() > limit; {
			_ = w.onLine(string(w.partial.Next(limit)))
		}
	}

	w.capture(p)
	return len(p), nil
}

func (w *captureWriter) capture(p []byte) {
	if w.truncated {
		return
	}
	if w.maxBytes > 0 {
		remain := w.maxBytes - int64(w.buf.Len())
		if remain <= 0 {
			w.truncated = true
			return
		}
		if int64(len(p)) > remain {
			p = p[:remain]
			w.truncated = true
		}
	}
	if w.maxLines > 0 {
		for i, b := range p {
			if b != '\n' {
				continue
			}
			w.lines++
			if w.lines >= w.maxLines {
				p = p[:i+1]
				w.truncated = true
				break
			}
		}
	}
	w.buf.Write(p)
}

// Flush delivers any trailing partial line to the line callback.
func (w *captureWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.onLine != nil && w.partial.Len() > 0 {
		_ = w.onLine(clipLine(w.partial.String(), w.maxLineBytes))
		w.partial.Reset()
	}
}

func (w *captureWriter) Bytes() []byte {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf.Bytes()...)
}

func (w *captureWriter) Stats() (total int64, truncated bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total, w.truncated
}

func (w *captureWriter) lineLimit() int {
	if w.maxLineBytes > 0 {
		return w.maxLineBytes
	}
	return defaultLineLimit
}

func clipLine(line string, max int) string {
	if max <= 0 || len(line) <= max {
		return line
	}
	return line[:max]
}
