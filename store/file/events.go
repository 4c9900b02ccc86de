package file

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/strandlabs/strand/bus"
)

func jsonMarshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// eventBuffer accumulates unflushed envelopes for one (agent, channel) pair.
// Appends write a WAL mirror line first so a crash between append and flush
// loses nothing; the per-buffer mutex is the FIFO chain that keeps WAL writes
// ordered.
type eventBuffer struct {
	mu      sync.Mutex
	logPath string
	walPath string
	pending []bus.Envelope
}

func bufferKey(agentID string, channel bus.Channel) string {
	return agentID + "\x00" + string(channel)
}

func (s *Store) buffer(agentID string, channel bus.Channel) *eventBuffer {
	key := bufferKey(agentID, channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.events[key]
	if !ok {
		dir := filepath.Join(s.agentDir(agentID), "events")
		b = &eventBuffer{
			logPath: filepath.Join(dir, string(channel)+".log"),
			walPath: filepath.Join(dir, string(channel)+".wal"),
		}
		s.events[key] = b
	}
	return b
}

// AppendEvent buffers an envelope for its channel. The entry is mirrored to
// the channel WAL immediately; the canonical log is appended on the next
// flush tick (default 50ms).
func (s *Store) AppendEvent(ctx context.Context, agentID string, env bus.Envelope) error {
	b := s.buffer(agentID, env.Event.Channel)

	line, err := json.Marshal(env)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(b.walPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(b.walPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	b.pending = append(b.pending, env)
	return nil
}

// flush appends the buffered entries to the canonical log and truncates the
// WAL mirror. Caller ordering is preserved by the buffer mutex.
func (b *eventBuffer) flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}

	f, err := os.OpenFile(b.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, env := range b.pending {
		line, err := json.Marshal(env)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	b.pending = nil
	if err := os.Remove(b.walPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("event wal truncate failed", "path", b.walPath, "error", err)
	}
	return nil
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.flushAll()
		}
	}
}

func (s *Store) flushAll() {
	s.mu.Lock()
	buffers := make([]*eventBuffer, 0, len(s.events))
	for _, b := range s.events {
		buffers = append(buffers, b)
	}
	s.mu.Unlock()

	for _, b := range buffers {
		if err := b.flush(); err != nil {
			slog.Warn("event flush failed", "path", b.logPath, "error", err)
		}
	}
}

func (s *Store) dropEventBuffers(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.events {
		if strings.HasPrefix(key, agentID+"\x00") {
			delete(s.events, key)
		}
	}
}

// ReadEvents returns persisted envelopes ordered by bookmark sequence,
// flushing pending buffers first so readers observe their own writes.
func (s *Store) ReadEvents(ctx context.Context, agentID string, sinceSeq uint64, channels []bus.Channel) ([]bus.Envelope, error) {
	if len(channels) == 0 {
		channels = []bus.Channel{bus.ChannelProgress, bus.ChannelControl, bus.ChannelMonitor}
	}

	var out []bus.Envelope
	for _, ch := range channels {
		b := s.buffer(agentID, ch)
		if err := b.flush(); err != nil {
			return nil, err
		}
		envs, err := readEventLog(b.logPath, sinceSeq)
		if err != nil {
			return nil, err
		}
		out = append(out, envs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bookmark.Seq < out[j].Bookmark.Seq })
	return out, nil
}

func readEventLog(path string, sinceSeq uint64) ([]bus.Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []bus.Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env bus.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			slog.Warn("skipping malformed event line", "path", path, "error", err)
			continue
		}
		if env.Bookmark.Seq > sinceSeq {
			out = append(out, env)
		}
	}
	return out, scanner.Err()
}

// recoverEventWALs replays leftover channel WALs into their logs: each valid
// line is appended, then the WAL is removed. Undecodable WALs are quarantined.
func (s *Store) recoverEventWALs(eventsDir string) {
	files, err := os.ReadDir(eventsDir)
	if err != nil {
		return
	}
	for _, f := range files {
		if !strings.HasSuffix(f.Name(), ".wal") {
			continue
		}
		walPath := filepath.Join(eventsDir, f.Name())
		logPath := strings.TrimSuffix(walPath, ".wal") + ".log"

		data, err := os.ReadFile(walPath)
		if err != nil {
			continue
		}
		var good [][]byte
		corrupt := false
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if !json.Valid([]byte(line)) {
				corrupt = true
				continue
			}
			good = append(good, []byte(line))
		}
		if len(good) > 0 {
			lf, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				for _, line := range good {
					lf.Write(append(line, '\n'))
				}
				lf.Sync()
				lf.Close()
				slog.Info("event wal replayed", "path", logPath, "entries", len(good))
			}
		}
		if corrupt {
			quarantineWAL(walPath)
		} else {
			os.Remove(walPath)
		}
	}
}
