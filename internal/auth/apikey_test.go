package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeysFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "api-keys.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadAPIKeys(t *testing.T) {
	p := writeKeysFile(t, `
- id: deploy-agent
  key: agent-key-1
  role: agent
- id: ops
  key: admin-key-1
  role: admin
- id: legacy
  key: legacy-key
`)
	a, err := LoadAPIKeys(p, "")
	require.NoError(t, err)

	assert.Equal(t, "X-API-Key", a.HeaderName())
	assert.True(t, a.IsAllowed("agent-key-1"))
	assert.True(t, a.IsAllowed("admin-key-1"))
	assert.False(t, a.IsAllowed("nope"))

	assert.Equal(t, RoleAgent, a.RoleForKey("agent-key-1"))
	assert.Equal(t, RoleAdmin, a.RoleForKey("admin-key-1"))
	// Role defaults to agent when omitted.
	assert.Equal(t, RoleAgent, a.RoleForKey("legacy-key"))
	assert.Equal(t, "", a.RoleForKey("nope"))
}

func TestLoadAPIKeysCustomHeader(t *testing.T) {
	p := writeKeysFile(t, "- id: a\n  key: k\n")
	a, err := LoadAPIKeys(p, "X-Gateway-Key")
	require.NoError(t, err)
	assert.Equal(t, "X-Gateway-Key", a.HeaderName())
}

func TestLoadAPIKeysErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadAPIKeys(filepath.Join(t.TempDir(), "nope.yaml"), "")
		require.Error(t, err)
	})
	t.Run("empty path", func(t *testing.T) {
		_, err := LoadAPIKeys("", "")
		require.Error(t, err)
	})
	t.Run("unknown role", func(t *testing.T) {
		p := writeKeysFile(t, "- id: a\n  key: k\n  role: owner\n")
		_, err := LoadAPIKeys(p, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown role")
	})
	t.Run("no usable keys", func(t *testing.T) {
		p := writeKeysFile(t, "- id: a\n  key: \"\"\n")
		_, err := LoadAPIKeys(p, "")
		require.Error(t, err)
	})
	t.Run("malformed yaml", func(t *testing.T) {
		p := writeKeysFile(t, "key: not-a-list\n")
		_, err := LoadAPIKeys(p, "")
		require.Error(t, err)
	})
}

func TestRoleContext(t *testing.T) {
	ctx := WithRole(context.Background(), RoleAdmin)
	assert.Equal(t, RoleAdmin, RoleFrom(ctx))
	assert.Equal(t, "", RoleFrom(context.Background()))
}
