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

func TestStoreStartsEmptyWithoutFile(t *testing.T) {
	s := newTestStore(t, testRoot(t), nil)
	assert.Equal(t, 1, s.Version())
	doc := s.Document()
	assert.Empty(t, doc.Rules)
	assert.Empty(t, doc.Overlays)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	root := testRoot(t)
	script := writeScript(t, root, "keep.sh")
	path := filepath.Join(t.TempDir(), "policy.json")

	s, err := NewStore(path, root, nil)
	require.NoError(t, err)
	rule, err := s.AddRule(Rule{Type: RuleTypePath, Path: script, Label: "keep"})
	require.NoError(t, err)
	v := s.Version()

	reopened, err := NewStore(path, root, nil)
	require.NoError(t, err)
	assert.Equal(t, v, reopened.Version())
	doc := reopened.Document()
	require.Len(t, doc.Rules, 1)
	assert.Equal(t, rule.ID, doc.Rules[0].ID)
	assert.Equal(t, "keep", doc.Rules[0].Label)
}

func TestStoreVersionIncrementsPerMutation(t *testing.T) {
	root := testRoot(t)
	script := writeScript(t, root, "v.sh")
	s := newTestStore(t, root, nil)

	v0 := s.Version()
	rule, err := s.AddRule(Rule{Type: RuleTypePath, Path: script})
	require.NoError(t, err)
	assert.Equal(t, v0+1, s.Version())

	removed, err := s.RemoveRule(rule.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, v0+2, s.Version())
}

func TestRemoveRuleIdempotent(t *testing.T) {
	root := testRoot(t)
	script := writeScript(t, root, "rm.sh")
	s := newTestStore(t, root, nil)

	rule, err := s.AddRule(Rule{Type: RuleTypePath, Path: script})
	require.NoError(t, err)

	removed, err := s.RemoveRule(rule.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	v := s.Version()
	removed, err = s.RemoveRule(rule.ID)
	require.NoError(t, err)
	assert.False(t, removed)
	// A no-op removal does not bump the version.
	assert.Equal(t, v, s.Version())
}

func TestAddRuleRejectsBadInput(t *testing.T) {
	root := testRoot(t)
	s := newTestStore(t, root, nil)

	tests := []struct {
		name string
		rule Rule
	}{
		{"unknown type", Rule{Type: "wildcard"}},
		{"path rule without path", Rule{Type: RuleTypePath}},
		{"scope rule without patterns", Rule{Type: RuleTypeScope, ScopeRoot: root}},
		{"scope root outside boundary", Rule{Type: RuleTypeScope, ScopeRoot: "/", Patterns: []string{"*"}}},
		{"bad glob", Rule{Type: RuleTypeScope, ScopeRoot: root, Patterns: []string{"[unclosed"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddRule(tt.rule)
			assert.Error(t, err)
		})
	}
	assert.Equal(t, 1, s.Version())
}

func TestAssignOverlayRequiresKnownProfile(t *testing.T) {
	root := testRoot(t)
	s := newTestStore(t, root, map[string]Profile{"restricted": {}})

	_, err := s.AssignOverlay(Overlay{SessionID: "s1", Profile: "nonexistent"})
	assert.Error(t, err)

	o, err := s.AssignOverlay(Overlay{SessionID: "s1", Profile: "restricted"})
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	require.NotNil(t, o.ExpiresAt)
	assert.Equal(t, 900, o.TTLSec)

	removed, err := s.RemoveOverlay(o.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.RemoveOverlay(o.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMutationPrunesExpiredEntries(t *testing.T) {
	root := testRoot(t)
	a := writeScript(t, root, "a.sh")
	b := writeScript(t, root, "b.sh")
	s := newTestStore(t, root, nil)

	expiring, err := s.AddRule(Rule{Type: RuleTypePath, Path: a, TTLSec: 1})
	require.NoError(t, err)

	// Force the first rule past its expiry, then mutate.
	past := time.Now().UTC().Add(-time.Minute)
	s.mu.Lock()
	s.doc.Rules[0].ExpiresAt = &past
	s.mu.Unlock()

	kept, err := s.AddRule(Rule{Type: RuleTypePath, Path: b})
	require.NoError(t, err)

	doc := s.Document()
	require.Len(t, doc.Rules, 1)
	assert.Equal(t, kept.ID, doc.Rules[0].ID)
	assert.NotEqual(t, expiring.ID, doc.Rules[0].ID)
}

func TestReloadPicksUpExternalEdit(t *testing.T) {
	root := testRoot(t)
	script := writeScript(t, root, "ext.sh")
	path := filepath.Join(t.TempDir(), "policy.json")
	s, err := NewStore(path, root, nil)
	require.NoError(t, err)

	// Simulate an external writer replacing the document.
	other, err := NewStore(path, root, nil)
	require.NoError(t, err)
	_, err = other.AddRule(Rule{Type: RuleTypePath, Path: script})
	require.NoError(t, err)

	require.NoError(t, s.Reload())
	assert.Equal(t, other.Version(), s.Version())
	assert.Len(t, s.Document().Rules, 1)
}

func TestSaveDocumentWritesAtomically(t *testing.T) {
	root := testRoot(t)
	script := writeScript(t, root, "atomic.sh")
	path := filepath.Join(t.TempDir(), "policy.json")
	s, err := NewStore(path, root, nil)
	require.NoError(t, err)

	_, err = s.AddRule(Rule{Type: RuleTypePath, Path: script, Caps: &types.CapSet{Concurrency: 1}})
	require.NoError(t, err)

	// No temp file left behind and the document parses.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
	doc, err := loadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, s.Version(), doc.Version)
}
