package types

// CapSet is the capability envelope attached to a policy source. Caps are
// always combined by taking the component-wise minimum, so the effective
// envelope can only shrink as more sources apply.
type CapSet struct {
	MaxTimeoutMs   int   `json:"max_timeout_ms,omitempty" yaml:"max_timeout_ms"`
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty" yaml:"max_output_bytes"`
	MaxStdoutLines int   `json:"max_stdout_lines,omitempty" yaml:"max_stdout_lines"`
	Concurrency    int   `json:"concurrency,omitempty" yaml:"concurrency"`
}

// Min returns the component-wise minimum of c and o. A zero component means
// "unset" and defers to the other side.
func (c CapSet) Min(o CapSet) CapSet {
	return CapSet{
		MaxTimeoutMs:   minCap(c.MaxTimeoutMs, o.MaxTimeoutMs),
		MaxOutputBytes: minCap64(c.MaxOutputBytes, o.MaxOutputBytes),
		MaxStdoutLines: minCap(c.MaxStdoutLines, o.MaxStdoutLines),
		Concurrency:    minCap(c.Concurrency, o.Concurrency),
	}
}

func minCap(a, b int) int {
	if a <= 0 {
		return b
	}
	if b <= 0 || a < b {
		return a
	}
	return b
}

func minCap64(a, b int64) int64 {
	if a <= 0 {
		return b
	}
	if b <= 0 || a < b {
		return a
	}
	return b
}

// RuleRef identifies the policy source that decided a request.
type RuleRef struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	Source string `json:"source"` // overlay | rule | global
	Label  string `json:"label,omitempty"`
}
