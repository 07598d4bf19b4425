package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptgate/scriptgate/pkg/types"
)

func testRoot(t *testing.T) string {
	t.Helper()
	root, err := Canonicalize(t.TempDir())
	require.NoError(t, err)
	return root
}

func writeScript(t *testing.T, dir, name string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\necho ok\n"), 0o755))
	canon, err := Canonicalize(p)
	require.NoError(t, err)
	return canon
}

func testGlobal(t *testing.T, root string, allowed ...string) Global {
	t.Helper()
	g, err := NewGlobal(root, allowed,
		[]string{"--verbose", "--dry-run", "--host", "--port"},
		[]string{"--host", "--port"},
		types.CapSet{MaxTimeoutMs: 90_000, MaxOutputBytes: 262144, MaxStdoutLines: 1500, Concurrency: 2})
	require.NoError(t, err)
	return g
}

func newTestStore(t *testing.T, root string, profiles map[string]Profile) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "policy.json"), root, profiles)
	require.NoError(t, err)
	return s
}

func TestEvaluateOutsideRootDeniedEvenWithRule(t *testing.T) {
	root := testRoot(t)
	outside := writeScript(t, t.TempDir(), "rogue.sh")
	g := testGlobal(t, root)
	store := newTestStore(t, root, nil)

	// A path rule cannot be created for a script outside the root at all.
	_, err := store.AddRule(Rule{Type: RuleTypePath, Path: outside})
	require.Error(t, err)

	d, err := Evaluate(g, store.Snapshot(), Request{Path: outside}, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reasons, "outside_allowed_root")
	assert.Nil(t, d.MatchedRule)
	// No rule can target the path, so suggesting one would be misleading.
	assert.Empty(t, d.Suggestions)
}

func TestEvaluateMissingScript(t *testing.T) {
	root := testRoot(t)
	g := testGlobal(t, root)
	store := newTestStore(t, root, nil)

	d, err := Evaluate(g, store.Snapshot(), Request{Path: filepath.Join(root, "ghost.sh")}, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reasons, "path_not_found")
}

func TestEvaluateBareGlobalAllowlist(t *testing.T) {
	root := testRoot(t)
	listed := writeScript(t, root, "health.sh")
	unlisted := writeScript(t, root, "other.sh")
	g := testGlobal(t, root, listed)
	store := newTestStore(t, root, nil)

	d, err := Evaluate(g, store.Snapshot(), Request{Path: listed, Args: []string{"--verbose"}}, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Nil(t, d.MatchedRule)
	assert.Equal(t, 2, d.Caps.Concurrency)

	d, err = Evaluate(g, store.Snapshot(), Request{Path: unlisted}, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reasons, "script not allowed")
	assert.NotEmpty(t, d.Suggestions)
}

func TestEvaluateUnknownAndNotPermittedFlags(t *testing.T) {
	root := testRoot(t)
	script := writeScript(t, root, "deploy.sh")
	g := testGlobal(t, root, script)
	store := newTestStore(t, root, nil)
	now := time.Now().UTC()

	// Not in the global superset at all: boundary failure.
	d, err := Evaluate(g, store.Snapshot(), Request{Path: script, Args: []string{"--force"}}, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reasons, "flag not recognized: --force")

	// In the superset but narrowed away by the matching rule.
	rule, err := store.AddRule(Rule{Type: RuleTypePath, Path: script, FlagsAllowed: []string{"--dry-run"}})
	require.NoError(t, err)

	d, err = Evaluate(g, store.Snapshot(), Request{Path: script, Args: []string{"--verbose"}}, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reasons, "flag not permitted: --verbose")
	require.NotNil(t, d.MatchedRule)
	assert.Equal(t, rule.ID, d.MatchedRule.ID)

	d, err = Evaluate(g, store.Snapshot(), Request{Path: script, Args: []string{"--dry-run"}}, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, []string{"--dry-run"}, d.EffectiveFlags)
}

func TestEvaluateArgShapes(t *testing.T) {
	root := testRoot(t)
	script := writeScript(t, root, "serve.sh")
	g := testGlobal(t, root, script)
	store := newTestStore(t, root, nil)
	now := time.Now().UTC()

	tests := []struct {
		name    string
		args    []string
		allowed bool
		reason  string
	}{
		{"value flag consumes next token", []string{"--host", "example.net"}, true, ""},
		{"port must be numeric", []string{"--port", "eighty"}, false, "port must be an integer"},
		{"missing value", []string{"--host"}, false, "missing value for --host"},
		{"bare positional rejected", []string{"restart"}, false, "positional not allowed: restart"},
		{"positionals after separator pass", []string{"--verbose", "--", "anything", "goes"}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Evaluate(g, store.Snapshot(), Request{Path: script, Args: tt.args}, now)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			if tt.reason != "" {
				assert.Contains(t, d.Reasons, tt.reason)
			}
		})
	}
}

func TestEvaluatePrecedencePathOverScope(t *testing.T) {
	root := testRoot(t)
	script := writeScript(t, root, "backup.sh")
	g := testGlobal(t, root)
	store := newTestStore(t, root, nil)
	now := time.Now().UTC()

	scopeRule, err := store.AddRule(Rule{Type: RuleTypeScope, ScopeRoot: root, Patterns: []string{"*.sh"}})
	require.NoError(t, err)

	d, err := Evaluate(g, store.Snapshot(), Request{Path: script}, now)
	require.NoError(t, err)
	require.NotNil(t, d.MatchedRule)
	assert.Equal(t, scopeRule.ID, d.MatchedRule.ID)

	pathRule, err := store.AddRule(Rule{Type: RuleTypePath, Path: script, FlagsDenied: []string{"--verbose"}})
	require.NoError(t, err)

	d, err = Evaluate(g, store.Snapshot(), Request{Path: script}, now)
	require.NoError(t, err)
	require.NotNil(t, d.MatchedRule)
	assert.Equal(t, pathRule.ID, d.MatchedRule.ID)
	assert.NotContains(t, d.EffectiveFlags, "--verbose")
}

func TestEvaluateScopeTieBrokenByLongerLiteralPrefix(t *testing.T) {
	root := testRoot(t)
	script := writeScript(t, filepath.Join(root, "deploy"), "push.sh")
	g := testGlobal(t, root)
	store := newTestStore(t, root, nil)
	now := time.Now().UTC()

	wide, err := store.AddRule(Rule{Type: RuleTypeScope, ScopeRoot: root, Patterns: []string{"**"}})
	require.NoError(t, err)
	narrow, err := store.AddRule(Rule{Type: RuleTypeScope, ScopeRoot: filepath.Join(root, "deploy"), Patterns: []string{"*.sh"}})
	require.NoError(t, err)

	d, err := Evaluate(g, store.Snapshot(), Request{Path: script}, now)
	require.NoError(t, err)
	require.NotNil(t, d.MatchedRule)
	assert.Equal(t, narrow.ID, d.MatchedRule.ID)
	assert.NotEqual(t, wide.ID, d.MatchedRule.ID)
}

func TestEvaluateConditionedRuleRanksBelowUnconditioned(t *testing.T) {
	root := testRoot(t)
	script := writeScript(t, root, "tool.sh")
	g := testGlobal(t, root)
	store := newTestStore(t, root, nil)
	now := time.Now().UTC()

	conditioned, err := store.AddRule(Rule{
		Type: RuleTypePath, Path: script,
		Conditions: &Conditions{AgentName: "builder"},
		Caps:       &types.CapSet{MaxTimeoutMs: 1000},
	})
	require.NoError(t, err)
	plain, err := store.AddRule(Rule{Type: RuleTypeScope, ScopeRoot: root, Patterns: []string{"*.sh"}})
	require.NoError(t, err)

	// Matching agent: the unconditioned scope rule still wins despite the
	// conditioned rule's exact path target.
	d, err := Evaluate(g, store.Snapshot(), Request{Path: script, AgentName: "builder"}, now)
	require.NoError(t, err)
	require.NotNil(t, d.MatchedRule)
	assert.Equal(t, plain.ID, d.MatchedRule.ID)

	// A different agent never sees the conditioned rule at all.
	d, err = Evaluate(g, store.Snapshot(), Request{Path: script, AgentName: "reviewer"}, now)
	require.NoError(t, err)
	require.NotNil(t, d.MatchedRule)
	assert.Equal(t, plain.ID, d.MatchedRule.ID)
	_ = conditioned
}

func TestEvaluateOverlayBeatsRules(t *testing.T) {
	root := testRoot(t)
	script := writeScript(t, root, "report.sh")
	g := testGlobal(t, root)
	profiles := map[string]Profile{
		"restricted": {
			Caps:         types.CapSet{MaxTimeoutMs: 5000, Concurrency: 1},
			FlagsAllowed: []string{"--dry-run"},
		},
	}
	store := newTestStore(t, root, profiles)
	now := time.Now().UTC()

	_, err := store.AddRule(Rule{Type: RuleTypePath, Path: script})
	require.NoError(t, err)
	overlay, err := store.AssignOverlay(Overlay{SessionID: "sess-1", Profile: "restricted"})
	require.NoError(t, err)

	d, err := Evaluate(g, store.Snapshot(), Request{Path: script, SessionID: "sess-1"}, now)
	require.NoError(t, err)
	require.NotNil(t, d.MatchedRule)
	assert.Equal(t, overlay.ID, d.MatchedRule.ID)
	assert.Equal(t, "overlay", d.MatchedRule.Source)
	assert.Equal(t, 5000, d.Caps.MaxTimeoutMs)
	assert.Equal(t, 1, d.Caps.Concurrency)
	assert.Equal(t, []string{"--dry-run"}, d.EffectiveFlags)
	assert.Equal(t, "overlay:"+overlay.ID, d.ScopeKey)

	// Another session is unaffected by the overlay.
	d, err = Evaluate(g, store.Snapshot(), Request{Path: script, SessionID: "sess-2"}, now)
	require.NoError(t, err)
	require.NotNil(t, d.MatchedRule)
	assert.Equal(t, "rule", d.MatchedRule.Source)
}

func TestEvaluateCapsNeverExceedDefaults(t *testing.T) {
	root := testRoot(t)
	script := writeScript(t, root, "long.sh")
	g := testGlobal(t, root)
	store := newTestStore(t, root, nil)

	// A rule asking for more than the system default gets clamped.
	_, err := store.AddRule(Rule{
		Type: RuleTypePath, Path: script,
		Caps: &types.CapSet{MaxTimeoutMs: 3_600_000, MaxOutputBytes: 1 << 30},
	})
	require.NoError(t, err)

	d, err := Evaluate(g, store.Snapshot(), Request{Path: script}, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 90_000, d.Caps.MaxTimeoutMs)
	assert.Equal(t, int64(262144), d.Caps.MaxOutputBytes)
}

func TestEvaluateExpiredRuleIgnored(t *testing.T) {
	root := testRoot(t)
	script := writeScript(t, root, "temp.sh")
	g := testGlobal(t, root)
	store := newTestStore(t, root, nil)

	_, err := store.AddRule(Rule{Type: RuleTypePath, Path: script, TTLSec: 1})
	require.NoError(t, err)

	now := time.Now().UTC()
	d, err := Evaluate(g, store.Snapshot(), Request{Path: script}, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = Evaluate(g, store.Snapshot(), Request{Path: script}, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reasons, "script not allowed")
}

func TestListAllowed(t *testing.T) {
	root := testRoot(t)
	listed := writeScript(t, root, "global.sh")
	ruled := writeScript(t, filepath.Join(root, "jobs"), "nightly.sh")
	writeScript(t, filepath.Join(root, "jobs"), "README") // no .sh suffix

	g := testGlobal(t, root, listed)
	store := newTestStore(t, root, nil)
	rule, err := store.AddRule(Rule{Type: RuleTypeScope, ScopeRoot: filepath.Join(root, "jobs"), Patterns: []string{"*.sh"}})
	require.NoError(t, err)

	scripts := ListAllowed(g, store.Snapshot(), time.Now().UTC())
	paths := make(map[string]string)
	for _, s := range scripts {
		paths[s.Path] = s.Rule
	}
	assert.Contains(t, paths, listed)
	assert.Equal(t, "", paths[listed])
	assert.Contains(t, paths, ruled)
	assert.Equal(t, rule.ID, paths[ruled])
	assert.Len(t, paths, 2)
}
