// Package pg implements the agent store on Postgres. Runtime documents are
// jsonb rows keyed by (agent_id, doc); events append to a dedicated table
// read back in bookmark order. Advisory locks serialise cross-process access
// to one agent.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandlabs/strand/bus"
	"github.com/strandlabs/strand/message"
	"github.com/strandlabs/strand/store"
)

// Schema creates the tables this store needs. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_docs (
	agent_id   TEXT NOT NULL,
	doc        TEXT NOT NULL,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (agent_id, doc)
);

CREATE TABLE IF NOT EXISTS agent_events (
	agent_id TEXT NOT NULL,
	channel  TEXT NOT NULL,
	seq      BIGINT NOT NULL,
	cursor   BIGINT NOT NULL,
	ts       TIMESTAMPTZ NOT NULL,
	payload  JSONB NOT NULL,
	PRIMARY KEY (agent_id, seq)
);
CREATE INDEX IF NOT EXISTS agent_events_channel_idx ON agent_events (agent_id, channel, seq);

CREATE TABLE IF NOT EXISTS agent_snapshots (
	agent_id    TEXT NOT NULL,
	snapshot_id TEXT NOT NULL,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (agent_id, snapshot_id)
);

CREATE TABLE IF NOT EXISTS agent_history (
	agent_id TEXT NOT NULL,
	kind     TEXT NOT NULL,
	item_id  TEXT NOT NULL,
	payload  JSONB NOT NULL,
	ts       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (agent_id, kind, item_id)
);

CREATE TABLE IF NOT EXISTS pool_meta (
	id      INT PRIMARY KEY DEFAULT 1,
	payload JSONB NOT NULL
);
`

// Store is the Postgres-backed store.Store implementation.
type Store struct {
	pool *pgxpool.Pool
}

// New connects and applies the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: pool}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// --- document helpers ---

func (s *Store) saveDoc(ctx context.Context, agentID, doc string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", doc, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_docs (agent_id, doc, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (agent_id, doc) DO UPDATE SET payload = $3, updated_at = now()`,
		agentID, doc, payload)
	return err
}

func (s *Store) loadDoc(ctx context.Context, agentID, doc string, v any) error {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM agent_docs WHERE agent_id = $1 AND doc = $2`,
		agentID, doc).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	return json.Unmarshal(payload, v)
}

// --- runtime state ---

func (s *Store) SaveMessages(ctx context.Context, agentID string, msgs []message.Message) error {
	return s.saveDoc(ctx, agentID, "messages", msgs)
}

func (s *Store) LoadMessages(ctx context.Context, agentID string) ([]message.Message, error) {
	var msgs []message.Message
	if err := s.loadDoc(ctx, agentID, "messages", &msgs); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return msgs, nil
}

func (s *Store) SaveToolCallRecords(ctx context.Context, agentID string, recs []store.ToolCallRecord) error {
	return s.saveDoc(ctx, agentID, "tool-calls", recs)
}

func (s *Store) LoadToolCallRecords(ctx context.Context, agentID string) ([]store.ToolCallRecord, error) {
	var recs []store.ToolCallRecord
	if err := s.loadDoc(ctx, agentID, "tool-calls", &recs); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return recs, nil
}

func (s *Store) SaveTodos(ctx context.Context, agentID string, todos []store.TodoItem) error {
	return s.saveDoc(ctx, agentID, "todos", todos)
}

func (s *Store) LoadTodos(ctx context.Context, agentID string) ([]store.TodoItem, error) {
	var todos []store.TodoItem
	if err := s.loadDoc(ctx, agentID, "todos", &todos); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return todos, nil
}

func (s *Store) SaveMediaCache(ctx context.Context, agentID string, entries []store.MediaCacheEntry) error {
	return s.saveDoc(ctx, agentID, "media-cache", entries)
}

func (s *Store) LoadMediaCache(ctx context.Context, agentID string) ([]store.MediaCacheEntry, error) {
	var entries []store.MediaCacheEntry
	if err := s.loadDoc(ctx, agentID, "media-cache", &entries); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

// --- events ---

func (s *Store) AppendEvent(ctx context.Context, agentID string, env bus.Envelope) error {
	payload, err := json.Marshal(env.Event)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_events (agent_id, channel, seq, cursor, ts, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id, seq) DO NOTHING`,
		agentID, string(env.Event.Channel), env.Bookmark.Seq, env.Cursor, env.Bookmark.Timestamp, payload)
	return err
}

func (s *Store) ReadEvents(ctx context.Context, agentID string, sinceSeq uint64, channels []bus.Channel) ([]bus.Envelope, error) {
	if len(channels) == 0 {
		channels = []bus.Channel{bus.ChannelProgress, bus.ChannelControl, bus.ChannelMonitor}
	}
	names := make([]string, len(channels))
	for i, c := range channels {
		names[i] = string(c)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT seq, cursor, ts, payload FROM agent_events
		WHERE agent_id = $1 AND seq > $2 AND channel = ANY($3)
		ORDER BY seq`,
		agentID, sinceSeq, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bus.Envelope
	for rows.Next() {
		var (
			seq     uint64
			cursor  uint64
			ts      time.Time
			payload []byte
		)
		if err := rows.Scan(&seq, &cursor, &ts, &payload); err != nil {
			return nil, err
		}
		var ev bus.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event seq %d: %w", seq, err)
		}
		out = append(out, bus.Envelope{
			Cursor:   cursor,
			Bookmark: bus.Bookmark{Seq: seq, Timestamp: ts},
			Event:    ev,
		})
	}
	return out, rows.Err()
}

// --- snapshots ---

func (s *Store) SaveSnapshot(ctx context.Context, agentID string, snap store.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_snapshots (agent_id, snapshot_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id, snapshot_id) DO UPDATE SET payload = $3`,
		agentID, snap.ID, payload, snap.CreatedAt)
	return err
}

func (s *Store) LoadSnapshot(ctx context.Context, agentID, snapshotID string) (store.Snapshot, error) {
	var snap store.Snapshot
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM agent_snapshots WHERE agent_id = $1 AND snapshot_id = $2`,
		agentID, snapshotID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return snap, store.ErrNotFound
		}
		return snap, err
	}
	if err := json.Unmarshal(payload, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, agentID string) ([]store.SnapshotInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM agent_snapshots WHERE agent_id = $1 ORDER BY created_at`,
		agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []store.SnapshotInfo
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var snap store.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			continue
		}
		label, _ := snap.Metadata["label"].(string)
		infos = append(infos, store.SnapshotInfo{ID: snap.ID, CreatedAt: snap.CreatedAt, Label: label})
	}
	return infos, rows.Err()
}

// --- meta ---

func (s *Store) SaveInfo(ctx context.Context, agentID string, info store.AgentInfo) error {
	info.UpdatedAt = time.Now().UTC()
	info.ConfigVersion++
	return s.saveDoc(ctx, agentID, "meta", info)
}

func (s *Store) LoadInfo(ctx context.Context, agentID string) (store.AgentInfo, error) {
	var info store.AgentInfo
	if err := s.loadDoc(ctx, agentID, "meta", &info); err != nil {
		return info, err
	}
	return info, nil
}

func (s *Store) Exists(ctx context.Context, agentID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM agent_docs WHERE agent_id = $1 AND doc = 'meta'`, agentID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, agentID string) error {
	for _, q := range []string{
		`DELETE FROM agent_docs WHERE agent_id = $1`,
		`DELETE FROM agent_events WHERE agent_id = $1`,
		`DELETE FROM agent_snapshots WHERE agent_id = $1`,
		`DELETE FROM agent_history WHERE agent_id = $1`,
	} {
		if _, err := s.pool.Exec(ctx, q, agentID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id FROM agent_docs
		WHERE doc = 'meta' AND agent_id LIKE $1 || '%'
		ORDER BY agent_id`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- history archive ---

func (s *Store) saveHistory(ctx context.Context, agentID, kind, itemID string, v any, ts time.Time) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_history (agent_id, kind, item_id, payload, ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_id, kind, item_id) DO UPDATE SET payload = $4`,
		agentID, kind, itemID, payload, ts)
	return err
}

func loadHistory[T any](ctx context.Context, s *Store, agentID, kind string) ([]T, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM agent_history
		WHERE agent_id = $1 AND kind = $2 ORDER BY ts`,
		agentID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var item T
		if err := json.Unmarshal(payload, &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) SaveHistoryWindow(ctx context.Context, agentID string, w store.HistoryWindow) error {
	return s.saveHistory(ctx, agentID, "window", w.ID, w, w.Timestamp)
}

func (s *Store) LoadHistoryWindows(ctx context.Context, agentID string) ([]store.HistoryWindow, error) {
	return loadHistory[store.HistoryWindow](ctx, s, agentID, "window")
}

func (s *Store) SaveCompressionRecord(ctx context.Context, agentID string, r store.CompressionRecord) error {
	return s.saveHistory(ctx, agentID, "compression", r.ID, r, r.Timestamp)
}

func (s *Store) LoadCompressionRecords(ctx context.Context, agentID string) ([]store.CompressionRecord, error) {
	return loadHistory[store.CompressionRecord](ctx, s, agentID, "compression")
}

func (s *Store) SaveRecoveredFile(ctx context.Context, agentID string, f store.RecoveredFile) error {
	return s.saveHistory(ctx, agentID, "recovered", f.ID, f, f.SavedAt)
}

func (s *Store) LoadRecoveredFiles(ctx context.Context, agentID string) ([]store.RecoveredFile, error) {
	return loadHistory[store.RecoveredFile](ctx, s, agentID, "recovered")
}

// --- pool meta ---

func (s *Store) SavePoolMeta(ctx context.Context, meta store.PoolMeta) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pool_meta (id, payload) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET payload = $1`, payload)
	return err
}

func (s *Store) LoadPoolMeta(ctx context.Context) (store.PoolMeta, error) {
	var meta store.PoolMeta
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM pool_meta WHERE id = 1`).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return meta, store.ErrNotFound
		}
		return meta, err
	}
	if err := json.Unmarshal(payload, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

func (s *Store) ClearPoolMeta(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pool_meta WHERE id = 1`)
	return err
}

var _ store.Store = (*Store)(nil)
