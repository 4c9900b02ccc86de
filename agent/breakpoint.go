package agent

import (
	"sync"
	"time"

	"github.com/strandlabs/strand/bus"
)

// Breakpoint states mark where in the step the agent currently sits.
const (
	BPReady            = "READY"
	BPPreModel         = "PRE_MODEL"
	BPStreamingModel   = "STREAMING_MODEL"
	BPToolPending      = "TOOL_PENDING"
	BPPreTool          = "PRE_TOOL"
	BPToolExecuting    = "TOOL_EXECUTING"
	BPPostTool         = "POST_TOOL"
	BPAwaitingApproval = "AWAITING_APPROVAL"
)

// BreakpointChange records one transition.
type BreakpointChange struct {
	Previous  string    `json:"previous"`
	Current   string    `json:"current"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// breakpointManager tracks the current breakpoint and emits
// breakpoint_changed monitor events on real transitions.
type breakpointManager struct {
	bus *bus.EventBus

	mu      sync.Mutex
	current string
	history []BreakpointChange
}

func newBreakpointManager(b *bus.EventBus) *breakpointManager {
	return &breakpointManager{bus: b, current: BPReady}
}

func (m *breakpointManager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Set moves to state. Setting the current state again is a no-op.
func (m *breakpointManager) Set(state, note string) {
	m.mu.Lock()
	if m.current == state {
		m.mu.Unlock()
		return
	}
	change := BreakpointChange{
		Previous:  m.current,
		Current:   state,
		Timestamp: time.Now().UTC(),
		Note:      note,
	}
	m.current = state
	m.history = append(m.history, change)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.EmitMonitor(bus.EventBreakpointChanged, map[string]any{
			"previous": change.Previous,
			"current":  change.Current,
			"note":     note,
		})
	}
}
