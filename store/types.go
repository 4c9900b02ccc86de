package store

import (
	"time"

	"github.com/strandlabs/strand/bus"
	"github.com/strandlabs/strand/message"
)

// Tool call states. They form a DAG:
// PENDING → (APPROVAL_REQUIRED → APPROVED|DENIED) → EXECUTING → COMPLETED|FAILED,
// plus terminal SEALED for calls whose real outcome is unrecoverable.
const (
	CallPending          = "PENDING"
	CallApprovalRequired = "APPROVAL_REQUIRED"
	CallApproved         = "APPROVED"
	CallDenied           = "DENIED"
	CallExecuting        = "EXECUTING"
	CallCompleted        = "COMPLETED"
	CallFailed           = "FAILED"
	CallSealed           = "SEALED"
)

// TerminalCallState reports whether a tool call state admits no further
// transitions.
func TerminalCallState(state string) bool {
	switch state {
	case CallCompleted, CallFailed, CallDenied, CallSealed:
		return true
	}
	return false
}

// AuditEntry records one state transition of a tool call.
type AuditEntry struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// ToolCallRecord is the durable trail of one tool invocation.
type ToolCallRecord struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Input       map[string]any `json:"input,omitempty"`
	State       string         `json:"state"`
	Approval    string         `json:"approval,omitempty"` // "", "allow", "deny"
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	IsError     bool           `json:"isError,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	DurationMs  int64          `json:"durationMs,omitempty"`
	AuditTrail  []AuditEntry   `json:"auditTrail"`
}

// Transition moves the record to a new state and appends an audit entry.
func (r *ToolCallRecord) Transition(state, note string) {
	now := time.Now().UTC()
	r.State = state
	r.UpdatedAt = now
	r.AuditTrail = append(r.AuditTrail, AuditEntry{State: state, Timestamp: now, Note: note})
}

// Snapshot is an immutable copy of conversation state. LastSFPIndex is the
// safe fence point: the last message with no unresolved tool_use.
type Snapshot struct {
	ID           string            `json:"id"`
	Messages     []message.Message `json:"messages"`
	LastSFPIndex int               `json:"lastSfpIndex"`
	LastBookmark bus.Bookmark      `json:"lastBookmark"`
	CreatedAt    time.Time         `json:"createdAt"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

// SnapshotInfo is lightweight snapshot metadata for listing.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Label     string    `json:"label,omitempty"`
}

// ModelConfig identifies the provider and sampling parameters for an agent.
type ModelConfig struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// ToolDescriptor is the persisted shape of a registered tool.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// AgentInfo is the persisted sidecar describing one agent.
type AgentInfo struct {
	AgentID         string           `json:"agentId"`
	TemplateID      string           `json:"templateId,omitempty"`
	TemplateVersion string           `json:"templateVersion,omitempty"`
	SandboxDir      string           `json:"sandboxDir,omitempty"`
	Model           ModelConfig      `json:"model,omitempty"`
	Tools           []ToolDescriptor `json:"tools,omitempty"`
	PermissionMode  string           `json:"permissionMode,omitempty"`
	TodoEnabled     bool             `json:"todoEnabled,omitempty"`
	SubagentDepth   int              `json:"subagentDepth,omitempty"`
	MaxContext      int              `json:"maxContext,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	ConfigVersion   int              `json:"configVersion"`
	Lineage         []string         `json:"lineage,omitempty"` // ancestor agent ids, oldest first
	Breakpoint      string           `json:"breakpoint,omitempty"`
	LastBookmark    bus.Bookmark     `json:"lastBookmark,omitempty"`
	StepCount       int              `json:"stepCount,omitempty"`
	LastSFPIndex    int              `json:"lastSfpIndex,omitempty"`
}

// HistoryWindow archives the full pre-compression conversation.
type HistoryWindow struct {
	ID        string            `json:"id"`
	Messages  []message.Message `json:"messages"`
	Events    []bus.Envelope    `json:"events,omitempty"`
	Stats     map[string]any    `json:"stats,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// CompressionRecord summarises one compression pass.
type CompressionRecord struct {
	ID             string    `json:"id"`
	WindowID       string    `json:"windowId"`
	Summary        string    `json:"summary"` // first 500 chars only
	Ratio          float64   `json:"ratio"`
	RemovedCount   int       `json:"removedCount"`
	RetainedCount  int       `json:"retainedCount"`
	RecoveredFiles []string  `json:"recoveredFiles,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// RecoveredFile snapshots a recently accessed file before compression drops
// the conversation context that referenced it.
type RecoveredFile struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Content   string    `json:"content,omitempty"`
	Mtime     time.Time `json:"mtime,omitempty"`
	SavedAt   time.Time `json:"savedAt"`
	Truncated bool      `json:"truncated,omitempty"`
}

// Todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

// TodoItem is one entry of an agent's ordered task list.
type TodoItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// MediaCacheEntry caches uploaded or generated media by key.
type MediaCacheEntry struct {
	Key       string    `json:"key"`
	Data      string    `json:"data,omitempty"` // base64
	MimeType  string    `json:"mimeType,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PoolMeta records the agents running at graceful shutdown so a fresh pool
// can resume them.
type PoolMeta struct {
	AgentIDs   []string  `json:"agentIds"`
	ShutdownAt time.Time `json:"shutdownAt"`
	Version    string    `json:"version"`
}
