// Package filepool tracks per-file freshness for one agent: when a file was
// last read or edited, what its mtime was at that point, and whether it
// changed underneath the conversation since.
package filepool

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/strandlabs/strand/sandbox"
)

// Entry is the tracked state of one file.
type Entry struct {
	Path          string
	LastRead      time.Time
	LastEdit      time.Time
	LastReadMtime time.Time
	LastKnownMtime time.Time
}

// WriteCheck is the result of a freshness validation before a write.
type WriteCheck struct {
	IsFresh      bool
	LastRead     time.Time
	LastEdit     time.Time
	CurrentMtime time.Time
}

// Change is passed to the OnChange callback when a watched file is modified
// externally.
type Change struct {
	Path  string
	Op    string
	Mtime time.Time
}

// Pool tracks file freshness. Each agent owns one Pool.
type Pool struct {
	sb       sandbox.Sandbox
	watching bool

	// OnChange, when set, receives external modifications to tracked files.
	OnChange func(Change)

	mu       sync.Mutex
	entries  map[string]*Entry
	watchers map[string]func() // path → cancel
	creating map[string]chan struct{}
}

// New creates a pool over sb. When watch is true, tracked files get change
// watchers (if the sandbox supports them).
func New(sb sandbox.Sandbox, watch bool) *Pool {
	return &Pool{
		sb:       sb,
		watching: watch,
		entries:  make(map[string]*Entry),
		watchers: make(map[string]func()),
		creating: make(map[string]chan struct{}),
	}
}

// RecordRead marks path as read now, capturing its current mtime.
func (p *Pool) RecordRead(ctx context.Context, path string) error {
	canonical, mtime, err := p.statPath(ctx, path)
	if err != nil {
		return err
	}
	now := time.Now()

	p.mu.Lock()
	e := p.entry(canonical)
	e.LastRead = now
	e.LastReadMtime = mtime
	e.LastKnownMtime = mtime
	p.mu.Unlock()

	return p.ensureWatcher(canonical)
}

// RecordEdit marks path as edited now. An edit implies freshness: the agent
// just wrote the content, so the new mtime becomes the known-read baseline.
func (p *Pool) RecordEdit(ctx context.Context, path string) error {
	canonical, mtime, err := p.statPath(ctx, path)
	if err != nil {
		return err
	}
	now := time.Now()

	p.mu.Lock()
	e := p.entry(canonical)
	e.LastEdit = now
	e.LastRead = now
	e.LastReadMtime = mtime
	e.LastKnownMtime = mtime
	p.mu.Unlock()

	return p.ensureWatcher(canonical)
}

// ValidateWrite reports whether path may be overwritten: fresh iff it was
// read and its mtime has not moved since that read.
func (p *Pool) ValidateWrite(ctx context.Context, path string) (WriteCheck, error) {
	canonical, err := p.sb.ResolvePath(path)
	if err != nil {
		return WriteCheck{}, err
	}

	var current time.Time
	if st, err := p.sb.Stat(ctx, canonical); err == nil {
		current = st.ModTime
	} else {
		// A missing file is writable: nothing to clobber.
		return WriteCheck{IsFresh: true, CurrentMtime: time.Time{}}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[canonical]
	if !ok {
		return WriteCheck{IsFresh: false, CurrentMtime: current}, nil
	}
	fresh := !e.LastRead.IsZero() && current.Equal(e.LastReadMtime)
	return WriteCheck{
		IsFresh:      fresh,
		LastRead:     e.LastRead,
		LastEdit:     e.LastEdit,
		CurrentMtime: current,
	}, nil
}

// Accessed returns tracked entries ordered most-recently-touched first.
func (p *Pool) Accessed() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return lastTouch(out[i]).After(lastTouch(out[j]))
	})
	return out
}

func lastTouch(e Entry) time.Time {
	if e.LastEdit.After(e.LastRead) {
		return e.LastEdit
	}
	return e.LastRead
}

// Close cancels every watcher.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for path, cancel := range p.watchers {
		cancel()
		delete(p.watchers, path)
	}
}

func (p *Pool) entry(canonical string) *Entry {
	e, ok := p.entries[canonical]
	if !ok {
		e = &Entry{Path: canonical}
		p.entries[canonical] = e
	}
	return e
}

func (p *Pool) statPath(ctx context.Context, path string) (string, time.Time, error) {
	canonical, err := p.sb.ResolvePath(path)
	if err != nil {
		return "", time.Time{}, err
	}
	st, err := p.sb.Stat(ctx, canonical)
	if err != nil {
		return canonical, time.Time{}, nil
	}
	return canonical, st.ModTime, nil
}

// ensureWatcher registers a change watcher for canonical exactly once.
// Creation is serialised per path: a second caller arriving while the first
// is still registering waits for it instead of double-watching.
func (p *Pool) ensureWatcher(canonical string) error {
	if !p.watching {
		return nil
	}

	for {
		p.mu.Lock()
		if _, ok := p.watchers[canonical]; ok {
			p.mu.Unlock()
			return nil
		}
		if wait, inFlight := p.creating[canonical]; inFlight {
			p.mu.Unlock()
			<-wait
			continue
		}
		done := make(chan struct{})
		p.creating[canonical] = done
		p.mu.Unlock()

		cancel, err := p.sb.Watch(canonical, func(ev sandbox.ChangeEvent) {
			p.handleChange(ev)
		})

		p.mu.Lock()
		delete(p.creating, canonical)
		close(done)
		if err != nil {
			p.mu.Unlock()
			if errors.Is(err, sandbox.ErrWatchUnsupported) {
				return nil
			}
			slog.Warn("file watch failed", "path", canonical, "error", err)
			return nil
		}
		p.watchers[canonical] = cancel
		p.mu.Unlock()
		return nil
	}
}

func (p *Pool) handleChange(ev sandbox.ChangeEvent) {
	var mtime time.Time
	if st, err := p.sb.Stat(context.Background(), ev.Path); err == nil {
		mtime = st.ModTime
	}

	p.mu.Lock()
	e, tracked := p.entries[ev.Path]
	var external bool
	if tracked {
		external = !mtime.IsZero() && !mtime.Equal(e.LastKnownMtime)
		e.LastKnownMtime = mtime
	}
	onChange := p.OnChange
	p.mu.Unlock()

	if tracked && external && onChange != nil {
		onChange(Change{Path: ev.Path, Op: ev.Op, Mtime: mtime})
	}
}
