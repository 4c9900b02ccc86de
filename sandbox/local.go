package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWatchUnsupported is returned by sandboxes that cannot watch files.
var ErrWatchUnsupported = errors.New("sandbox: watching not supported")

// ErrOutsideRoot is returned when a path escapes the sandbox root.
var ErrOutsideRoot = errors.New("sandbox: path outside root")

// Local confines access to a host directory. File watches are backed by a
// single fsnotify watcher shared across paths.
type Local struct {
	root string

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	handlers map[string][]*watchHandle

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type watchHandle struct {
	fn func(ChangeEvent)
}

// NewLocal creates a sandbox rooted at dir, creating it if missing.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	return &Local{
		root:     abs,
		handlers: make(map[string][]*watchHandle),
		done:     make(chan struct{}),
	}, nil
}

func (l *Local) Root() string { return l.root }

func (l *Local) ResolvePath(path string) (string, error) {
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(l.root, p)
	}
	p = filepath.Clean(p)
	if p != l.root && !strings.HasPrefix(p, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return p, nil
}

func (l *Local) Stat(ctx context.Context, path string) (FileInfo, error) {
	p, err := l.ResolvePath(path)
	if err != nil {
		return FileInfo{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Path: p, Size: st.Size(), Mode: st.Mode(), ModTime: st.ModTime(), IsDir: st.IsDir()}, nil
}

func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	p, err := l.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (l *Local) WriteFile(ctx context.Context, path string, data []byte) error {
	p, err := l.ResolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// Watch registers fn for change events on path. Directories are watched
// directly; for files the parent directory is watched and events filtered,
// which keeps the watch alive across editors that replace-by-rename.
func (l *Local) Watch(path string, fn func(ChangeEvent)) (func(), error) {
	p, err := l.ResolvePath(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		l.watcher = w
		l.wg.Add(1)
		go l.dispatchLoop(w)
	}

	watchDir := p
	if st, err := os.Stat(p); err != nil || !st.IsDir() {
		watchDir = filepath.Dir(p)
	}
	if err := l.watcher.Add(watchDir); err != nil {
		return nil, fmt.Errorf("watch %s: %w", watchDir, err)
	}

	h := &watchHandle{fn: fn}
	l.handlers[p] = append(l.handlers[p], h)

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		hs := l.handlers[p]
		for i, cur := range hs {
			if cur == h {
				l.handlers[p] = append(hs[:i], hs[i+1:]...)
				break
			}
		}
		if len(l.handlers[p]) == 0 {
			delete(l.handlers, p)
		}
	}
	return cancel, nil
}

func (l *Local) dispatchLoop(w *fsnotify.Watcher) {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			l.dispatch(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("sandbox watcher error", "error", err)
		}
	}
}

func (l *Local) dispatch(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	op := opString(ev.Op)

	l.mu.Lock()
	var fns []func(ChangeEvent)
	for _, h := range l.handlers[path] {
		fns = append(fns, h.fn)
	}
	// Directory watches also receive events for entries under them.
	dir := filepath.Dir(path)
	for _, h := range l.handlers[dir] {
		fns = append(fns, h.fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(ChangeEvent{Path: path, Op: op})
	}
}

func opString(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	}
	return op.String()
}

func (l *Local) Exec(ctx context.Context, name string, args ...string) (ExecResult, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = l.root

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return res, err
	}
	return res, nil
}

func (l *Local) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		w := l.watcher
		l.watcher = nil
		l.handlers = make(map[string][]*watchHandle)
		l.mu.Unlock()
		if w != nil {
			err = w.Close()
		}
		l.wg.Wait()
	})
	return err
}

var _ Sandbox = (*Local)(nil)
