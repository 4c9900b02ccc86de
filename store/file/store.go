// Package file implements the reference file-backed store. Every agent owns
// a directory under the base dir:
//
//	{base}/{agentDir}/
//	  runtime/{messages,tool-calls,todos,media-cache}.json (+ .wal)
//	  events/{progress,control,monitor}.log (+ .wal)
//	  history/{windows,compressions,recovered}/*.json
//	  snapshots/{snapshotId}.json
//	  meta.json (+ .wal)
//
// Runtime-state saves follow write-WAL → atomic-rename → delete-WAL. Event
// appends buffer per channel with a WAL mirror of unflushed entries. On
// start the whole tree is scanned and any leftover WAL is replayed.
package file

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/strandlabs/strand/message"
	"github.com/strandlabs/strand/store"
)

const defaultFlushInterval = 50 * time.Millisecond

// Store is the file-backed store.Store implementation.
type Store struct {
	base          string
	flushInterval time.Duration

	mu     sync.Mutex
	hashes map[string][32]byte // last saved content per path, for no-op saves
	events map[string]*eventBuffer

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option tweaks store construction.
type Option func(*Store)

// WithFlushInterval overrides the event buffer flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) { s.flushInterval = d }
}

// New opens (and if needed creates) a store rooted at base. Any WAL files
// left behind by a crash are replayed before the store is returned.
func New(base string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{
		base:          base,
		flushInterval: defaultFlushInterval,
		hashes:        make(map[string][32]byte),
		events:        make(map[string]*eventBuffer),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.recoverAll()

	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

// Close flushes pending event buffers and stops the flusher.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.flushAll()
	})
	return nil
}

// dirFor maps an agent id to a filesystem-safe directory name. Fork ids
// contain '/' and ':' which cannot appear in a single path segment.
func dirFor(agentID string) string {
	r := strings.NewReplacer("/", "__", ":", "_")
	return r.Replace(agentID)
}

func (s *Store) agentDir(agentID string) string {
	return filepath.Join(s.base, dirFor(agentID))
}

func (s *Store) runtimePath(agentID, name string) string {
	return filepath.Join(s.agentDir(agentID), "runtime", name+".json")
}

// saveDoc writes a runtime document, skipping the write entirely when the
// serialized bytes are unchanged since the last save.
func (s *Store) saveDoc(path string, v any) error {
	data, err := marshalDoc(v)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)

	s.mu.Lock()
	if prev, ok := s.hashes[path]; ok && prev == sum {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := saveJSONBytes(path, data); err != nil {
		return err
	}
	s.mu.Lock()
	s.hashes[path] = sum
	s.mu.Unlock()
	return nil
}

func marshalDoc(v any) ([]byte, error) {
	return jsonMarshalIndent(v)
}

// --- Runtime state ---

func (s *Store) SaveMessages(ctx context.Context, agentID string, msgs []message.Message) error {
	if msgs == nil {
		msgs = []message.Message{}
	}
	return s.saveDoc(s.runtimePath(agentID, "messages"), msgs)
}

func (s *Store) LoadMessages(ctx context.Context, agentID string) ([]message.Message, error) {
	var msgs []message.Message
	if err := loadJSON(s.runtimePath(agentID, "messages"), &msgs); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return msgs, nil
}

func (s *Store) SaveToolCallRecords(ctx context.Context, agentID string, recs []store.ToolCallRecord) error {
	if recs == nil {
		recs = []store.ToolCallRecord{}
	}
	return s.saveDoc(s.runtimePath(agentID, "tool-calls"), recs)
}

func (s *Store) LoadToolCallRecords(ctx context.Context, agentID string) ([]store.ToolCallRecord, error) {
	var recs []store.ToolCallRecord
	if err := loadJSON(s.runtimePath(agentID, "tool-calls"), &recs); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return recs, nil
}

func (s *Store) SaveTodos(ctx context.Context, agentID string, todos []store.TodoItem) error {
	if todos == nil {
		todos = []store.TodoItem{}
	}
	return s.saveDoc(s.runtimePath(agentID, "todos"), todos)
}

func (s *Store) LoadTodos(ctx context.Context, agentID string) ([]store.TodoItem, error) {
	var todos []store.TodoItem
	if err := loadJSON(s.runtimePath(agentID, "todos"), &todos); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return todos, nil
}

func (s *Store) SaveMediaCache(ctx context.Context, agentID string, entries []store.MediaCacheEntry) error {
	if entries == nil {
		entries = []store.MediaCacheEntry{}
	}
	return s.saveDoc(s.runtimePath(agentID, "media-cache"), entries)
}

func (s *Store) LoadMediaCache(ctx context.Context, agentID string) ([]store.MediaCacheEntry, error) {
	var entries []store.MediaCacheEntry
	if err := loadJSON(s.runtimePath(agentID, "media-cache"), &entries); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

// --- Snapshots ---

func snapshotFile(id string) string {
	return dirFor(id) + ".json"
}

func (s *Store) SaveSnapshot(ctx context.Context, agentID string, snap store.Snapshot) error {
	path := filepath.Join(s.agentDir(agentID), "snapshots", snapshotFile(snap.ID))
	return saveJSON(path, snap)
}

func (s *Store) LoadSnapshot(ctx context.Context, agentID, snapshotID string) (store.Snapshot, error) {
	var snap store.Snapshot
	path := filepath.Join(s.agentDir(agentID), "snapshots", snapshotFile(snapshotID))
	if err := loadJSON(path, &snap); err != nil {
		if os.IsNotExist(err) {
			return snap, store.ErrNotFound
		}
		return snap, err
	}
	return snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, agentID string) ([]store.SnapshotInfo, error) {
	dir := filepath.Join(s.agentDir(agentID), "snapshots")
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var infos []store.SnapshotInfo
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		var snap store.Snapshot
		if err := loadJSON(filepath.Join(dir, f.Name()), &snap); err != nil {
			continue
		}
		label, _ := snap.Metadata["label"].(string)
		infos = append(infos, store.SnapshotInfo{ID: snap.ID, CreatedAt: snap.CreatedAt, Label: label})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos, nil
}

// --- Meta ---

func (s *Store) metaPath(agentID string) string {
	return filepath.Join(s.agentDir(agentID), "meta.json")
}

func (s *Store) SaveInfo(ctx context.Context, agentID string, info store.AgentInfo) error {
	info.UpdatedAt = time.Now().UTC()
	info.ConfigVersion++
	return s.saveDoc(s.metaPath(agentID), info)
}

func (s *Store) LoadInfo(ctx context.Context, agentID string) (store.AgentInfo, error) {
	var info store.AgentInfo
	if err := loadJSON(s.metaPath(agentID), &info); err != nil {
		if os.IsNotExist(err) {
			return info, store.ErrNotFound
		}
		return info, err
	}
	return info, nil
}

func (s *Store) Exists(ctx context.Context, agentID string) (bool, error) {
	_, err := os.Stat(s.metaPath(agentID))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *Store) Delete(ctx context.Context, agentID string) error {
	s.dropEventBuffers(agentID)
	s.mu.Lock()
	prefix := s.agentDir(agentID)
	for p := range s.hashes {
		if strings.HasPrefix(p, prefix) {
			delete(s.hashes, p)
		}
	}
	s.mu.Unlock()
	return os.RemoveAll(s.agentDir(agentID))
}

// List returns the ids of all stored agents whose id starts with prefix.
// Ids are read back from each meta.json since directory names are sanitised.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var info store.AgentInfo
		if err := loadJSON(filepath.Join(s.base, e.Name(), "meta.json"), &info); err != nil {
			continue
		}
		if prefix == "" || strings.HasPrefix(info.AgentID, prefix) {
			ids = append(ids, info.AgentID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// --- Compression archive ---

func (s *Store) SaveHistoryWindow(ctx context.Context, agentID string, w store.HistoryWindow) error {
	path := filepath.Join(s.agentDir(agentID), "history", "windows", dirFor(w.ID)+".json")
	return saveJSON(path, w)
}

func (s *Store) LoadHistoryWindows(ctx context.Context, agentID string) ([]store.HistoryWindow, error) {
	var out []store.HistoryWindow
	err := loadDirJSON(filepath.Join(s.agentDir(agentID), "history", "windows"), func(path string) {
		var w store.HistoryWindow
		if loadJSON(path, &w) == nil {
			out = append(out, w)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) SaveCompressionRecord(ctx context.Context, agentID string, r store.CompressionRecord) error {
	path := filepath.Join(s.agentDir(agentID), "history", "compressions", dirFor(r.ID)+".json")
	return saveJSON(path, r)
}

func (s *Store) LoadCompressionRecords(ctx context.Context, agentID string) ([]store.CompressionRecord, error) {
	var out []store.CompressionRecord
	err := loadDirJSON(filepath.Join(s.agentDir(agentID), "history", "compressions"), func(path string) {
		var r store.CompressionRecord
		if loadJSON(path, &r) == nil {
			out = append(out, r)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) SaveRecoveredFile(ctx context.Context, agentID string, f store.RecoveredFile) error {
	path := filepath.Join(s.agentDir(agentID), "history", "recovered", dirFor(f.ID)+".json")
	return saveJSON(path, f)
}

func (s *Store) LoadRecoveredFiles(ctx context.Context, agentID string) ([]store.RecoveredFile, error) {
	var out []store.RecoveredFile
	err := loadDirJSON(filepath.Join(s.agentDir(agentID), "history", "recovered"), func(path string) {
		var f store.RecoveredFile
		if loadJSON(path, &f) == nil {
			out = append(out, f)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.Before(out[j].SavedAt) })
	return out, nil
}

func loadDirJSON(dir string, fn func(path string)) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		fn(filepath.Join(dir, f.Name()))
	}
	return nil
}

// --- Pool meta ---

func (s *Store) poolMetaPath() string { return filepath.Join(s.base, "pool-meta.json") }

func (s *Store) SavePoolMeta(ctx context.Context, meta store.PoolMeta) error {
	return saveJSON(s.poolMetaPath(), meta)
}

func (s *Store) LoadPoolMeta(ctx context.Context) (store.PoolMeta, error) {
	var meta store.PoolMeta
	if err := loadJSON(s.poolMetaPath(), &meta); err != nil {
		if os.IsNotExist(err) {
			return meta, store.ErrNotFound
		}
		return meta, err
	}
	return meta, nil
}

func (s *Store) ClearPoolMeta(ctx context.Context) error {
	if err := os.Remove(s.poolMetaPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// --- Startup recovery ---

// recoverAll scans every agent directory and replays leftover WALs:
// runtime/meta WALs rehydrate their canonical JSON, event WALs append to the
// channel log. Corrupted WALs are renamed *.corrupted.
func (s *Store) recoverAll() {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return
	}
	if _, err := os.Stat(s.poolMetaPath() + ".wal"); err == nil {
		recoverWALFile(s.poolMetaPath() + ".wal")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		agentDir := filepath.Join(s.base, e.Name())
		for _, sub := range []string{"runtime", "."} {
			dir := filepath.Join(agentDir, sub)
			files, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, f := range files {
				if strings.HasSuffix(f.Name(), ".wal") {
					recoverWALFile(filepath.Join(dir, f.Name()))
				}
			}
		}
		s.recoverEventWALs(filepath.Join(agentDir, "events"))
	}
}

var _ store.Store = (*Store)(nil)
