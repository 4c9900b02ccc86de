package file

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// saveJSON persists a document following the WAL protocol:
// write the payload to <path>.wal, write a temp file, atomically rename it
// over <path>, then delete the WAL. A crash at any point leaves either the
// old canonical file, or a WAL that recovery replays on the next start.
func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return saveJSONBytes(path, data)
}

func saveJSONBytes(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	walPath := path + ".wal"
	if err := writeFileSync(walPath, data); err != nil {
		return fmt.Errorf("write wal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false

	if err := os.Remove(walPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("wal cleanup failed", "path", walPath, "error", err)
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// loadJSON reads a canonical document, returning os.ErrNotExist when absent.
func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// recoverWALFile replays one runtime-state WAL: if the payload is valid JSON
// it becomes the canonical file; otherwise the WAL is set aside as
// *.corrupted so a later investigation can inspect it.
func recoverWALFile(walPath string) {
	canonical := strings.TrimSuffix(walPath, ".wal")
	data, err := os.ReadFile(walPath)
	if err != nil {
		slog.Warn("wal recovery: unreadable", "path", walPath, "error", err)
		return
	}
	if !json.Valid(data) {
		quarantineWAL(walPath)
		return
	}
	if err := writeFileSync(canonical, data); err != nil {
		slog.Warn("wal recovery: rewrite failed", "path", walPath, "error", err)
		return
	}
	os.Remove(walPath)
	slog.Info("wal recovered", "path", canonical)
}

func quarantineWAL(walPath string) {
	dst := fmt.Sprintf("%s.%d.corrupted", walPath, time.Now().UnixMilli())
	if err := os.Rename(walPath, dst); err != nil {
		slog.Warn("wal quarantine failed", "path", walPath, "error", err)
		return
	}
	slog.Warn("corrupted wal quarantined", "path", dst)
}
