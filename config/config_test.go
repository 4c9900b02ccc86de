package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, "auto", cfg.Defaults.PermissionMode)
	assert.Equal(t, int64(3), cfg.Defaults.MaxToolConcurrency)
	assert.Equal(t, 60, cfg.Defaults.ToolTimeoutSeconds)
	assert.Equal(t, 30*time.Second, cfg.Pool.ShutdownTimeout)
	assert.Equal(t, 50000, cfg.Context.MaxTokens)
	assert.Equal(t, 3, cfg.Context.MultimodalRetention.KeepRecent)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Store.Backend)
}

func TestLoadJSON5WithCommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// store selection
		store: {
			backend: "pg",
			dsn: "postgres://localhost/strand",
		},
		defaults: {
			model: "claude-sonnet-4",
			permissionMode: "approval",
			maxTokens: 4096,
		},
		pool: { maxAgents: 10 },
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pg", cfg.Store.Backend)
	assert.Equal(t, "postgres://localhost/strand", cfg.Store.DSN)
	assert.Equal(t, "claude-sonnet-4", cfg.Defaults.Model)
	assert.Equal(t, "approval", cfg.Defaults.PermissionMode)
	assert.Equal(t, 4096, cfg.Defaults.MaxTokens)
	assert.Equal(t, 10, cfg.Pool.MaxAgents)
	// Untouched sections keep their defaults.
	assert.Equal(t, 60, cfg.Defaults.ToolTimeoutSeconds)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{store: `), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{defaults: {model: "from-file"}}`), 0o644))

	t.Setenv("STRAND_MODEL", "from-env")
	t.Setenv("STRAND_MAX_AGENTS", "7")
	t.Setenv("STRAND_SHUTDOWN_TIMEOUT", "45s")
	t.Setenv("STRAND_PERMISSION_MODE", "readonly")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Defaults.Model)
	assert.Equal(t, 7, cfg.Pool.MaxAgents)
	assert.Equal(t, 45*time.Second, cfg.Pool.ShutdownTimeout)
	assert.Equal(t, "readonly", cfg.Defaults.PermissionMode)
}

func TestEnvIgnoresUnparsableValues(t *testing.T) {
	t.Setenv("STRAND_MAX_AGENTS", "lots")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Pool.MaxAgents, "bad numeric env vars are ignored")
}

func TestTemplateRegistry(t *testing.T) {
	r := NewTemplateRegistry()

	assert.Error(t, r.Register(AgentTemplate{Version: "1"}), "id required")
	assert.Error(t, r.Register(AgentTemplate{ID: "coder"}), "version required")

	tpl := AgentTemplate{ID: "coder", Version: "2", SystemPrompt: "You write Go."}
	require.NoError(t, r.Register(tpl))

	got, ok := r.Get("coder")
	require.True(t, ok)
	assert.Equal(t, "You write Go.", got.SystemPrompt)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	require.NoError(t, r.Register(AgentTemplate{ID: "reviewer", Version: "1"}))
	assert.Equal(t, []string{"coder", "reviewer"}, r.IDs())
}
