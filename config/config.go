// Package config holds the runtime configuration and agent templates.
// Config is read from a JSON5 file and overlaid with STRAND_* env vars; a
// missing file yields defaults.
package config

import (
	"time"

	"github.com/strandlabs/strand/permission"
	"github.com/strandlabs/strand/todo"
)

// Config is the process-wide runtime configuration.
type Config struct {
	Store    StoreConfig    `json:"store"`
	Defaults AgentDefaults  `json:"defaults"`
	Pool     PoolConfig     `json:"pool"`
	Context  ContextOptions `json:"context"`
}

// StoreConfig selects and parameterises the backing store.
type StoreConfig struct {
	Backend string `json:"backend"` // "file" or "pg"
	Dir     string `json:"dir,omitempty"`
	DSN     string `json:"dsn,omitempty"`
}

// AgentDefaults apply to agents created without a template override.
type AgentDefaults struct {
	Provider           string  `json:"provider,omitempty"`
	Model              string  `json:"model,omitempty"`
	MaxTokens          int     `json:"maxTokens,omitempty"`
	Temperature        float64 `json:"temperature,omitempty"`
	PermissionMode     string  `json:"permissionMode,omitempty"`
	MaxToolConcurrency int64   `json:"maxToolConcurrency,omitempty"`
	ToolTimeoutSeconds int     `json:"toolTimeoutSeconds,omitempty"`
	ExposeThinking     bool    `json:"exposeThinking,omitempty"`
	Workspace          string  `json:"workspace,omitempty"`
	MaxSubagentDepth   int     `json:"maxSubagentDepth,omitempty"`
	WatchFiles         bool    `json:"watchFiles,omitempty"`
}

// PoolConfig bounds the agent pool.
type PoolConfig struct {
	MaxAgents       int           `json:"maxAgents,omitempty"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout,omitempty"`
}

// MultimodalRetention tunes how many recent multimodal blocks survive
// compression.
type MultimodalRetention struct {
	KeepRecent int `json:"keepRecent,omitempty"`
}

// ContextOptions tune the context manager.
type ContextOptions struct {
	MaxTokens           int                 `json:"maxTokens,omitempty"`
	CompressToTokens    int                 `json:"compressToTokens,omitempty"`
	MultimodalRetention MultimodalRetention `json:"multimodalRetention,omitempty"`
}

// AgentTemplate is a reusable agent definition. Version participates in
// resume validation: a persisted agent refuses to resume under a template
// with a different version unless forced.
type AgentTemplate struct {
	ID           string            `json:"id"`
	Version      string            `json:"version"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	Tools        []string          `json:"tools,omitempty"` // registry names; empty = all
	Permission   permission.Policy `json:"permission,omitempty"`
	Todo         todo.Options      `json:"todo,omitempty"`
	Subagents    SubagentOptions   `json:"subagents,omitempty"`
	Context      ContextOptions    `json:"context,omitempty"`
	Model        ModelOverride     `json:"model,omitempty"`
}

// ModelOverride narrows the defaults for one template.
type ModelOverride struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// SubagentOptions bound sub-agent spawning.
type SubagentOptions struct {
	MaxDepth      int  `json:"maxDepth,omitempty"`
	InheritConfig bool `json:"inheritConfig,omitempty"`
}
