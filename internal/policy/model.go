package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/scriptgate/scriptgate/pkg/types"
)

type RuleType string

const (
	RuleTypePath  RuleType = "path"
	RuleTypeScope RuleType = "scope"
)

// Rule is a policy grant. A path rule targets one exact script; a scope rule
// targets a root directory plus glob patterns over paths relative to it.
// Rules are immutable once stored: mutation is remove+add.
type Rule struct {
	ID   string   `json:"id"`
	Type RuleType `json:"type"`

	Path      string   `json:"path,omitempty"`
	ScopeRoot string   `json:"scope_root,omitempty"`
	Patterns  []string `json:"patterns,omitempty"`

	FlagsAllowed []string      `json:"flags_allowed,omitempty"`
	FlagsDenied  []string      `json:"flags_denied,omitempty"`
	Caps         *types.CapSet `json:"caps,omitempty"`
	Conditions   *Conditions   `json:"conditions,omitempty"`

	TTLSec    int        `json:"ttl_sec,omitempty"`
	Label     string     `json:"label,omitempty"`
	Note      string     `json:"note,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitzero"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Conditions restrict a rule to specific agents or sessions. A rule carrying
// conditions matches only when every set condition holds, and ranks below
// unconditioned rules of any target specificity.
type Conditions struct {
	AgentName    string   `json:"agent_name,omitempty"`
	AgentVersion string   `json:"agent_version,omitempty"`
	SessionIDs   []string `json:"session_ids,omitempty"`
}

func (c *Conditions) Match(agentName, agentVersion, sessionID string) bool {
	if c == nil {
		return true
	}
	if c.AgentName != "" && !strings.EqualFold(c.AgentName, agentName) {
		return false
	}
	if c.AgentVersion != "" && c.AgentVersion != agentVersion {
		return false
	}
	if len(c.SessionIDs) > 0 {
		found := false
		for _, id := range c.SessionIDs {
			if id == sessionID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r Rule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Validate checks a rule at creation time against the global boundary: a
// rule targeting a path outside the allowed root is rejected outright.
func (r Rule) Validate(allowedRoot string) error {
	switch r.Type {
	case RuleTypePath:
		if r.Path == "" {
			return fmt.Errorf("path rule requires path")
		}
		p, err := Canonicalize(r.Path)
		if err != nil {
			return fmt.Errorf("canonicalize rule path: %w", err)
		}
		if !isUnderRoot(p, allowedRoot) {
			return fmt.Errorf("rule path %q is outside allowed root %q", r.Path, allowedRoot)
		}
	case RuleTypeScope:
		if r.ScopeRoot == "" || len(r.Patterns) == 0 {
			return fmt.Errorf("scope rule requires scope_root and patterns")
		}
		root, err := Canonicalize(r.ScopeRoot)
		if err != nil {
			return fmt.Errorf("canonicalize scope root: %w", err)
		}
		if !isUnderRoot(root, allowedRoot) {
			return fmt.Errorf("scope root %q is outside allowed root %q", r.ScopeRoot, allowedRoot)
		}
		for _, pat := range r.Patterns {
			if _, err := glob.Compile(pat, '/'); err != nil {
				return fmt.Errorf("compile pattern %q: %w", pat, err)
			}
		}
	default:
		return fmt.Errorf("unknown rule type %q", r.Type)
	}
	return nil
}

// Overlay temporarily binds a session to a profile, optionally narrowed to a
// path or scope selector. Overlays expire; an expired overlay is inert.
type Overlay struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Profile   string `json:"profile"`

	Path      string   `json:"path,omitempty"`
	ScopeRoot string   `json:"scope_root,omitempty"`
	Patterns  []string `json:"patterns,omitempty"`

	TTLSec    int        `json:"ttl_sec,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitzero"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (o Overlay) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// Profile is a named capability template. Profiles come from configuration
// and are immutable for the process lifetime.
type Profile struct {
	Caps         types.CapSet `json:"caps"`
	FlagsAllowed []string     `json:"flags_allowed,omitempty"`
}

// Document is the persisted policy state: rules and overlays plus a version
// counter incremented on every mutation.
type Document struct {
	Version  int       `json:"version"`
	Rules    []Rule    `json:"rules"`
	Overlays []Overlay `json:"overlays"`
}

// Canonicalize resolves a path to its absolute, symlink-free form. When the
// path does not exist yet, symlink resolution is skipped and the cleaned
// absolute path is returned.
func Canonicalize(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

func isRegularFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// matchScope reports whether canon sits under root and its relative path
// matches any of the compiled patterns.
func matchScope(canon, root string, globs []glob.Glob) bool {
	if root == "" || !isUnderRoot(canon, root) {
		return false
	}
	rel, err := filepath.Rel(root, canon)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, g := range globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

func isUnderRoot(p, root string) bool {
	if root == "" {
		return false
	}
	if p == root {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/")
}
