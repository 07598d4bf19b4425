package types

import "time"

// Audit categories. Each category is written to its own per-day JSONL file.
const (
	CategoryExecution = "execution"
	CategoryPolicy    = "policy"
	CategoryAccess    = "access"
)

type Event struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	CommandID string    `json:"command_id,omitempty"`
	Path      string    `json:"path,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

// ExecutionRecord is the append-only outcome of one run, as indexed in the
// execution store. It is written once and never mutated.
type ExecutionRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"session_id,omitempty"`
	Path        string    `json:"path"`
	Args        []string  `json:"args,omitempty"`
	ExitCode    int       `json:"exit_code"`
	DurationMs  int64     `json:"duration_ms"`
	TimedOut    bool      `json:"timed_out"`
	Truncated   bool      `json:"truncated"`
	StdoutBytes int64     `json:"stdout_bytes"`
	StderrBytes int64     `json:"stderr_bytes"`
	LogPath     string    `json:"log_path,omitempty"`
}
