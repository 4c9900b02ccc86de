package bus

import (
	"context"
	"time"
)

// Channel names the three logical event lanes.
type Channel string

const (
	ChannelProgress Channel = "progress"
	ChannelControl  Channel = "control"
	ChannelMonitor  Channel = "monitor"
)

// Progress event types (client-facing turn updates).
const (
	EventTextChunkStart  = "text_chunk_start"
	EventTextChunk       = "text_chunk"
	EventTextChunkEnd    = "text_chunk_end"
	EventThinkChunkStart = "think_chunk_start"
	EventThinkChunkEnd   = "think_chunk_end"
	EventToolStart       = "tool:start"
	EventToolEnd         = "tool:end"
	EventToolError       = "tool:error"
	EventDone            = "done"
)

// Control event types (decisions required from the host).
const (
	EventPermissionRequired = "permission_required"
	EventPermissionDecided  = "permission_decided"
)

// Monitor event types (internal observability).
const (
	EventStateChanged       = "state_changed"
	EventBreakpointChanged  = "breakpoint_changed"
	EventToolExecuted       = "tool_executed"
	EventError              = "error"
	EventTokenUsage         = "token_usage"
	EventContextCompression = "context_compression"
	EventSchedulerTriggered = "scheduler_triggered"
	EventReminderSent       = "reminder_sent"
	EventFileChanged        = "file_changed"
	EventStepComplete       = "step_complete"
	EventAgentResumed       = "agent_resumed"
	EventStorageFailure     = "storage_failure"
	EventToolManualUpdated  = "tool_manual_updated"
)

// Bookmark identifies an envelope across process restarts. Seq is strictly
// increasing within a process lifetime; the last issued bookmark is persisted
// with agent meta so subscribers can resume with replay.
type Bookmark struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is the payload carried by an envelope.
type Event struct {
	Channel Channel        `json:"channel"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Envelope wraps an event with its per-process cursor and cross-session
// bookmark. Cursor and Bookmark.Seq advance in lockstep within a process.
type Envelope struct {
	Cursor   uint64   `json:"cursor"`
	Bookmark Bookmark `json:"bookmark"`
	Event    Event    `json:"event"`
}

// EventStore persists envelopes per agent. Implemented by store/file and
// store/pg; the bus only needs append and ordered reads.
type EventStore interface {
	AppendEvent(ctx context.Context, agentID string, env Envelope) error
	ReadEvents(ctx context.Context, agentID string, sinceSeq uint64, channels []Channel) ([]Envelope, error)
}

// critical event types must survive persistence failures via the retry buffer.
var critical = map[string]bool{
	EventToolEnd:           true,
	EventDone:              true,
	EventPermissionDecided: true,
	EventAgentResumed:      true,
	EventStateChanged:      true,
	EventBreakpointChanged: true,
	EventError:             true,
}

// Critical reports whether an event type is persisted with retry.
func Critical(eventType string) bool { return critical[eventType] }
