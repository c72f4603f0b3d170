package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadready/internal/config"
	"roadready/internal/engine"
)

func TestInitWritesConfigAndSecret(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()

	res, err := Init(ctx, ws, InitOptions{PortalName: "Acme Freight", WriteSecret: true})
	require.NoError(t, err)
	assert.True(t, res.ConfigWritten)
	assert.True(t, res.SecretWritten)
	assert.NotEmpty(t, res.Migrations)
	assert.FileExists(t, res.DBPath)

	cfg, err := config.Load(ws)
	require.NoError(t, err)
	assert.Equal(t, "Acme Freight", cfg.Portal.Name)

	t.Setenv(JWTSecretKey, "")
	secret, err := JWTSecret(ws)
	require.NoError(t, err)
	assert.Len(t, secret, 64)

	again, err := Init(ctx, ws, InitOptions{PortalName: "Other", WriteSecret: true})
	require.NoError(t, err)
	assert.False(t, again.ConfigWritten, "existing config is kept without force")
	assert.False(t, again.SecretWritten)
	assert.Empty(t, again.Migrations)
	kept, err := JWTSecret(ws)
	require.NoError(t, err)
	assert.Equal(t, secret, kept)

	forced, err := Init(ctx, ws, InitOptions{PortalName: "Other", Force: true})
	require.NoError(t, err)
	assert.True(t, forced.ConfigWritten)
}

func TestJWTSecretPrefersEnvironment(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, SetEnvValue(filepath.Join(ws, EnvFile), JWTSecretKey, "from-file"))
	t.Setenv(JWTSecretKey, "from-env")
	secret, err := JWTSecret(ws)
	require.NoError(t, err)
	assert.Equal(t, "from-env", secret)
}

func TestSetEnvValueReplacesInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), EnvFile)
	require.NoError(t, os.WriteFile(path, []byte("A=1\nB=2"), 0o600))
	require.NoError(t, SetEnvValue(path, "A", "3"))
	require.NoError(t, SetEnvValue(path, "C", "4"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "A=3\nB=2\nC=4\n", string(data))

	v, err := EnvValue(path, "B")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
	missing, err := EnvValue(filepath.Join(t.TempDir(), "nope"), "A")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestOpenUsesWorkspaceConfig(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte("portal:\n  name: Depot\nsessions:\n  session_ttl: 30m\n"), 0o644))

	e, conn, err := Open(ctx, ws, "")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "Depot", e.Config.Portal.Name)
	assert.Equal(t, "720h", e.Config.Sessions.ResumeTTL)

	st, err := e.StartApplication(ctx, engine.StartOptions{Name: "Sam"})
	require.NoError(t, err)
	assert.WithinDuration(t, st.Session.CreatedAt.Add(e.Config.SessionTTL()), st.Session.ExpiresAt, time.Second)
}

func TestOpenWithExplicitConfigPath(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte("portal:\n  name: Workspace\n"), 0o644))
	other := filepath.Join(t.TempDir(), "staging.yml")
	require.NoError(t, os.WriteFile(other, []byte("portal:\n  name: Staging\n"), 0o644))

	e, conn, err := Open(ctx, ws, other)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "Staging", e.Config.Portal.Name)

	_, _, err = Open(ctx, ws, filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yml")
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir(), "")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, "720h", cfg.Sessions.ResumeTTL)
}
