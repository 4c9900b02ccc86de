package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/strandlabs/strand/message"
	"github.com/strandlabs/strand/store"
)

// Snapshot captures an immutable copy of the conversation at the current
// safe fence point and persists it.
func (a *Agent) Snapshot(ctx context.Context, label string) (store.Snapshot, error) {
	a.mu.Lock()
	sfp := message.SafeFencePoint(a.messages)
	var msgs []message.Message
	if sfp >= 0 {
		msgs = message.CloneAll(a.messages[:sfp+1])
	}
	a.mu.Unlock()

	snap := store.Snapshot{
		ID:           SnapshotID(sfp),
		Messages:     msgs,
		LastSFPIndex: sfp,
		LastBookmark: a.bus.LastBookmark(),
		CreatedAt:    time.Now().UTC(),
	}
	if label != "" {
		snap.Metadata = map[string]any{"label": label}
	}
	if err := a.st.SaveSnapshot(ctx, a.id, snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}

// ForkOptions select what a fork starts from.
type ForkOptions struct {
	// SnapshotID forks from a stored snapshot instead of live state.
	SnapshotID string
}

// Fork creates a new agent seeded with this agent's conversation up to the
// safe fence point. The child id is "{parent}/fork:{epoch}" and its lineage
// records the ancestry.
func (a *Agent) Fork(ctx context.Context, opts ForkOptions) (*Agent, error) {
	var msgs []message.Message
	var sfp int

	if opts.SnapshotID != "" {
		snap, err := a.st.LoadSnapshot(ctx, a.id, opts.SnapshotID)
		if err != nil {
			return nil, fmt.Errorf("load snapshot %s: %w", opts.SnapshotID, err)
		}
		msgs = message.CloneAll(snap.Messages)
		sfp = snap.LastSFPIndex
	} else {
		a.mu.Lock()
		sfp = message.SafeFencePoint(a.messages)
		if sfp >= 0 {
			msgs = message.CloneAll(a.messages[:sfp+1])
		}
		a.mu.Unlock()
	}

	childID := ForkID(a.id, time.Now().UnixMilli())
	child, err := New(ctx, Options{
		ID:       childID,
		Template: a.template,
		Lineage:  append(append([]string(nil), a.lineage...), a.id),
	}, a.deps)
	if err != nil {
		return nil, fmt.Errorf("fork %s: %w", a.id, err)
	}

	child.mu.Lock()
	child.messages = msgs
	child.lastSfpIndex = sfp
	child.mu.Unlock()

	if err := child.persistMessages(ctx); err != nil {
		child.Close()
		return nil, fmt.Errorf("fork %s: persist: %w", a.id, err)
	}
	if err := child.persistInfo(ctx); err != nil {
		child.Close()
		return nil, fmt.Errorf("fork %s: persist info: %w", a.id, err)
	}
	return child, nil
}
