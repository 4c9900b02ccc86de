package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "file",
			Dir:     "~/.strand/agents",
		},
		Defaults: AgentDefaults{
			PermissionMode:     "auto",
			MaxTokens:          8192,
			Temperature:        0.7,
			MaxToolConcurrency: 3,
			ToolTimeoutSeconds: 60,
			MaxSubagentDepth:   1,
			WatchFiles:         true,
		},
		Pool: PoolConfig{
			MaxAgents:       50,
			ShutdownTimeout: 30 * time.Second,
		},
		Context: ContextOptions{
			MaxTokens:           50000,
			CompressToTokens:    30000,
			MultimodalRetention: MultimodalRetention{KeepRecent: 3},
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; env vars still apply over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("STRAND_STORE_BACKEND", &c.Store.Backend)
	envStr("STRAND_STORE_DIR", &c.Store.Dir)
	envStr("STRAND_STORE_DSN", &c.Store.DSN)

	envStr("STRAND_PROVIDER", &c.Defaults.Provider)
	envStr("STRAND_MODEL", &c.Defaults.Model)
	envStr("STRAND_PERMISSION_MODE", &c.Defaults.PermissionMode)
	envStr("STRAND_WORKSPACE", &c.Defaults.Workspace)
	envInt("STRAND_MAX_TOKENS", &c.Defaults.MaxTokens)
	envInt("STRAND_TOOL_TIMEOUT_SECONDS", &c.Defaults.ToolTimeoutSeconds)

	envInt("STRAND_MAX_AGENTS", &c.Pool.MaxAgents)
	if v := os.Getenv("STRAND_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Pool.ShutdownTimeout = d
		}
	}

	envInt("STRAND_CONTEXT_MAX_TOKENS", &c.Context.MaxTokens)
	envInt("STRAND_CONTEXT_COMPRESS_TO", &c.Context.CompressToTokens)
	envInt("STRAND_CONTEXT_KEEP_MULTIMODAL", &c.Context.MultimodalRetention.KeepRecent)
}
