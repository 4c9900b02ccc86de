// Package store defines the durable backend contract for agent state:
// messages, tool call records, events, snapshots, todos, history windows and
// meta. Implementations live in store/file (reference, WAL-backed) and
// store/pg. Every method is self-contained; there are no cross-call
// transactions beyond the documented WAL atomicity.
package store

import (
	"context"
	"errors"

	"github.com/strandlabs/strand/bus"
	"github.com/strandlabs/strand/message"
)

// ErrNotFound is returned when the requested artefact does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the durable backend for agent runtime state.
type Store interface {
	// Runtime state.
	SaveMessages(ctx context.Context, agentID string, msgs []message.Message) error
	LoadMessages(ctx context.Context, agentID string) ([]message.Message, error)
	SaveToolCallRecords(ctx context.Context, agentID string, recs []ToolCallRecord) error
	LoadToolCallRecords(ctx context.Context, agentID string) ([]ToolCallRecord, error)
	SaveTodos(ctx context.Context, agentID string, todos []TodoItem) error
	LoadTodos(ctx context.Context, agentID string) ([]TodoItem, error)
	SaveMediaCache(ctx context.Context, agentID string, entries []MediaCacheEntry) error
	LoadMediaCache(ctx context.Context, agentID string) ([]MediaCacheEntry, error)

	// Event log. AppendEvent may buffer; ReadEvents returns entries ordered
	// by bookmark sequence, filtered to the given channels (nil = all).
	AppendEvent(ctx context.Context, agentID string, env bus.Envelope) error
	ReadEvents(ctx context.Context, agentID string, sinceSeq uint64, channels []bus.Channel) ([]bus.Envelope, error)

	// Snapshots (immutable once written).
	SaveSnapshot(ctx context.Context, agentID string, snap Snapshot) error
	LoadSnapshot(ctx context.Context, agentID, snapshotID string) (Snapshot, error)
	ListSnapshots(ctx context.Context, agentID string) ([]SnapshotInfo, error)

	// Meta.
	SaveInfo(ctx context.Context, agentID string, info AgentInfo) error
	LoadInfo(ctx context.Context, agentID string) (AgentInfo, error)
	Exists(ctx context.Context, agentID string) (bool, error)
	Delete(ctx context.Context, agentID string) error
	List(ctx context.Context, prefix string) ([]string, error)

	// Compression archive.
	SaveHistoryWindow(ctx context.Context, agentID string, w HistoryWindow) error
	LoadHistoryWindows(ctx context.Context, agentID string) ([]HistoryWindow, error)
	SaveCompressionRecord(ctx context.Context, agentID string, r CompressionRecord) error
	LoadCompressionRecords(ctx context.Context, agentID string) ([]CompressionRecord, error)
	SaveRecoveredFile(ctx context.Context, agentID string, f RecoveredFile) error
	LoadRecoveredFiles(ctx context.Context, agentID string) ([]RecoveredFile, error)

	// Pool shutdown record.
	SavePoolMeta(ctx context.Context, meta PoolMeta) error
	LoadPoolMeta(ctx context.Context) (PoolMeta, error)
	ClearPoolMeta(ctx context.Context) error
}

// compile-time check: any Store is usable as the bus event backend.
var _ bus.EventStore = (Store)(nil)
