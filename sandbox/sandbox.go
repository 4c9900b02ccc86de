// Package sandbox confines an agent's filesystem and process access to a
// working directory. The runtime consumes the contract; hosts may plug in
// container-backed implementations, and Local serves tests and single-host
// deployments.
package sandbox

import (
	"context"
	"io/fs"
	"time"
)

// FileInfo is the subset of stat data the runtime cares about.
type FileInfo struct {
	Path    string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	IsDir   bool
}

// ChangeEvent reports an external modification to a watched path.
type ChangeEvent struct {
	Path string
	Op   string // "write", "create", "remove", "rename", "chmod"
}

// ExecResult is the outcome of a confined process run.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Sandbox mediates all file and process access for one agent.
type Sandbox interface {
	// ResolvePath canonicalises a path relative to the sandbox root and
	// rejects escapes.
	ResolvePath(path string) (string, error)

	Stat(ctx context.Context, path string) (FileInfo, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error

	// Watch registers a change callback for a path. The returned cancel
	// func removes the watch. Implementations that cannot watch return
	// ErrWatchUnsupported.
	Watch(path string, fn func(ChangeEvent)) (cancel func(), err error)

	// Exec runs a command inside the sandbox working directory.
	Exec(ctx context.Context, name string, args ...string) (ExecResult, error)

	// Root returns the confinement directory.
	Root() string

	Close() error
}
