package types

import "time"

type CheckRequest struct {
	Path      string   `json:"path"`
	Args      []string `json:"args,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

type CheckResponse struct {
	Allowed        bool         `json:"allowed"`
	Reasons        []string     `json:"reasons"`
	MatchedRule    *RuleRef     `json:"matched_rule,omitempty"`
	EffectiveFlags []string     `json:"effective_flags,omitempty"`
	Caps           CapSet       `json:"caps"`
	Suggestions    []Suggestion `json:"suggestions,omitempty"`
	AdminLink      string       `json:"admin_link,omitempty"`
	PreflightToken string       `json:"preflight_token,omitempty"`
	ExpiresAt      string       `json:"expires_at,omitempty"`
}

type RunRequest struct {
	Path           string            `json:"path"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutMs      int               `json:"timeout_ms,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	PreflightToken string            `json:"preflight_token,omitempty"`
}

type RunResponse struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`

	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Truncated  bool   `json:"truncated"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	LogPath    string `json:"log_path,omitempty"`

	StdoutTotalBytes int64 `json:"stdout_total_bytes,omitempty"`
	StderrTotalBytes int64 `json:"stderr_total_bytes,omitempty"`

	Error *ExecError `json:"error,omitempty"`
}

// ExecError is a structured rejection or spawn failure. It is never used for
// a process that started and exited with a non-zero code.
type ExecError struct {
	Code        string       `json:"code"`
	Message     string       `json:"message"`
	Reasons     []string     `json:"reasons,omitempty"`
	Rule        string       `json:"rule,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
	AdminLink   string       `json:"admin_link,omitempty"`
}

// Error codes reported at the gateway boundary. Policy denial, preflight
// failure and spawn failure are distinct: the caller's next step differs
// for each of them.
const (
	ErrCodePolicyDenied      = "E_POLICY_DENIED"
	ErrCodePreflightRequired = "E_PREFLIGHT_REQUIRED"
	ErrCodePreflightExpired  = "E_PREFLIGHT_EXPIRED"
	ErrCodeConcurrency       = "E_CONCURRENCY"
	ErrCodeExec              = "E_EXEC"
	ErrCodeBadRequest        = "E_BAD_REQUEST"
)

// ExitTimeout is the sentinel exit code reported when the watchdog killed
// the process. ExitSpawnFailure is reported when the process never started.
const (
	ExitTimeout      = 124
	ExitSpawnFailure = 127
)

type Suggestion struct {
	Type    string `json:"type"`
	Value   string `json:"value"`
	Comment string `json:"comment,omitempty"`
}

type AllowedScript struct {
	Path         string   `json:"path"`
	AllowedFlags []string `json:"allowed_flags"`
	Rule         string   `json:"rule,omitempty"`
}
