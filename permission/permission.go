// Package permission evaluates static tool policies into allow / deny / ask
// decisions. Evaluation is pure; the approval flow itself lives in the agent.
package permission

import "strings"

// Decisions.
const (
	Allow = "allow"
	Deny  = "deny"
	Ask   = "ask"
)

// Modes.
const (
	ModeAuto     = "auto"     // allow unless listed otherwise
	ModeApproval = "approval" // ask unless listed otherwise
	ModeReadonly = "readonly" // ask for writing tools
)

// Policy is the static tool policy attached to an agent.
type Policy struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowTools           []string `json:"allowTools,omitempty"`
	DenyTools            []string `json:"denyTools,omitempty"`
	RequireApprovalTools []string `json:"requireApprovalTools,omitempty"`
}

// ModeHandler decides for tools not covered by the explicit lists of a
// custom mode.
type ModeHandler func(toolName string) string

// Manager evaluates a policy. Zero value behaves as mode auto.
type Manager struct {
	policy   Policy
	handlers map[string]ModeHandler
}

// NewManager builds a manager for the policy.
func NewManager(p Policy) *Manager {
	return &Manager{policy: p, handlers: make(map[string]ModeHandler)}
}

// RegisterMode installs a handler for a custom mode name.
func (m *Manager) RegisterMode(mode string, h ModeHandler) {
	m.handlers[mode] = h
}

// Policy returns the evaluated policy.
func (m *Manager) Policy() Policy { return m.policy }

// Evaluate resolves a decision for toolName.
// Precedence: denyTools > allowTools > requireApprovalTools >
// readonly-writer check > mode handler > allow.
func (m *Manager) Evaluate(toolName string) string {
	if contains(m.policy.DenyTools, toolName) {
		return Deny
	}
	if contains(m.policy.AllowTools, toolName) {
		return Allow
	}
	if contains(m.policy.RequireApprovalTools, toolName) {
		return Ask
	}
	switch m.policy.Mode {
	case ModeReadonly:
		if IsWriter(toolName) {
			return Ask
		}
		return Allow
	case ModeApproval:
		return Ask
	case ModeAuto, "":
		return Allow
	default:
		if h, ok := m.handlers[m.policy.Mode]; ok {
			return h(toolName)
		}
		return Allow
	}
}

// IsWriter reports whether a tool mutates state, judged by conventional name
// markers (write, edit, delete, exec, run, create, remove, move).
func IsWriter(toolName string) bool {
	name := strings.ToLower(toolName)
	for _, marker := range []string{"write", "edit", "delete", "exec", "run", "create", "remove", "move"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
