package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptgate/scriptgate/internal/config"
)

func TestIsLoopbackListenAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8080", true},
		{"localhost:8080", true},
		{"[::1]:8080", true},
		{"0.0.0.0:8080", false},
		{":8080", false},
		{"192.168.1.5:8080", false},
		{"example.com:8080", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, isLoopbackListenAddr(tt.addr))
		})
	}
}

func TestListenHTTPRefusesPublicBindWithoutAuth(t *testing.T) {
	cfg, err := config.LoadFromBytes([]byte("{}"))
	require.NoError(t, err)
	cfg.Server.HTTP.Addr = "0.0.0.0:0"

	_, err = listenHTTP(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to listen")
}

func TestLoadPreflightSecret(t *testing.T) {
	t.Run("file wins over env", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "secret")
		require.NoError(t, os.WriteFile(f, []byte("file-secret-0123456789\n"), 0o600))
		t.Setenv("SCRIPTGATE_PREFLIGHT_SECRET", "env-secret")

		cfg, err := config.LoadFromBytes([]byte("{}"))
		require.NoError(t, err)
		cfg.Preflight.SecretFile = f
		cfg.Preflight.SecretEnv = "SCRIPTGATE_PREFLIGHT_SECRET"

		secret, err := loadPreflightSecret(cfg)
		require.NoError(t, err)
		assert.Equal(t, "file-secret-0123456789", string(secret))
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv("SCRIPTGATE_PREFLIGHT_SECRET", "env-secret-0123456789")
		cfg, err := config.LoadFromBytes([]byte("{}"))
		require.NoError(t, err)

		secret, err := loadPreflightSecret(cfg)
		require.NoError(t, err)
		assert.Equal(t, "env-secret-0123456789", string(secret))
	})

	t.Run("enforce without secret fails", func(t *testing.T) {
		t.Setenv("SCRIPTGATE_PREFLIGHT_SECRET", "")
		cfg, err := config.LoadFromBytes([]byte("preflight:\n  enforce: true\n"))
		require.NoError(t, err)

		_, err = loadPreflightSecret(cfg)
		require.Error(t, err)
	})

	t.Run("ephemeral when not enforcing", func(t *testing.T) {
		t.Setenv("SCRIPTGATE_PREFLIGHT_SECRET", "")
		cfg, err := config.LoadFromBytes([]byte("{}"))
		require.NoError(t, err)

		secret, err := loadPreflightSecret(cfg)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(secret), 32)
	})
}

func TestMaxRequestBytes(t *testing.T) {
	cfg, err := config.LoadFromBytes([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), maxRequestBytes(cfg))
}
