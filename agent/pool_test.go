package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/config"
	"github.com/strandlabs/strand/providers"
	"github.com/strandlabs/strand/store"
)

func newTestPool(t *testing.T, maxAgents int, turns ...[]providers.Chunk) (*Pool, Deps) {
	t.Helper()
	deps, _ := newTestDeps(t, providers.NewScripted(turns...))
	deps.Config.Pool.MaxAgents = maxAgents
	return NewPool(deps), deps
}

func TestPoolEnforcesMaxAgents(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	a1, err := p.Create(ctx, Options{})
	require.NoError(t, err)
	a2, err := p.Create(ctx, Options{})
	require.NoError(t, err)
	t.Cleanup(a1.Close)
	t.Cleanup(a2.Close)

	_, err = p.Create(ctx, Options{})
	var full *ErrPoolFull
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 2, full.Max)

	assert.Equal(t, 2, p.Size())
	assert.Len(t, p.List(), 2)

	got, ok := p.Get(a1.ID())
	require.True(t, ok)
	assert.Same(t, a1, got)
}

func TestPoolConcurrentCreatesNeverOvershoot(t *testing.T) {
	const limit = 2
	p, _ := newTestPool(t, limit)
	ctx := context.Background()

	// Capacity is claimed before the agent is built, so racing creations
	// cannot momentarily exceed the limit between check and register.
	var wg sync.WaitGroup
	created := make(chan *Agent, 16)
	var fullCount atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := p.Create(ctx, Options{})
			if err != nil {
				var full *ErrPoolFull
				assert.ErrorAs(t, err, &full)
				fullCount.Add(1)
				return
			}
			created <- a
		}()
	}
	wg.Wait()
	close(created)

	for a := range created {
		t.Cleanup(a.Close)
	}
	assert.Equal(t, limit, p.Size())
	assert.Equal(t, int32(16-limit), fullCount.Load())

	require.NoError(t, p.Delete(ctx, p.List()[0]))

	// A failed creation releases its slot for later callers.
	saved := p.deps
	bad := saved
	bad.Store = nil
	p.deps = bad
	_, err := p.Create(ctx, Options{})
	require.Error(t, err)
	p.deps = saved

	a, err := p.Create(ctx, Options{})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.Equal(t, limit, p.Size())
}

func TestPoolResumeReturnsLiveAgent(t *testing.T) {
	p, _ := newTestPool(t, 0)
	ctx := context.Background()

	a, err := p.Create(ctx, Options{})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	// Resuming an id that is already live is a no-op handing back the same
	// instance.
	again, err := p.Resume(ctx, a.ID(), ResumeOptions{Strategy: StrategyCrash})
	require.NoError(t, err)
	assert.Same(t, a, again)
}

func TestPoolDeleteRemovesPersistedState(t *testing.T) {
	p, deps := newTestPool(t, 0)
	ctx := context.Background()

	a, err := p.Create(ctx, Options{})
	require.NoError(t, err)
	id := a.ID()

	require.NoError(t, p.Delete(ctx, id))

	_, ok := p.Get(id)
	assert.False(t, ok)
	exists, err := deps.Store.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGracefulShutdownAndResumeFromShutdown(t *testing.T) {
	p, deps := newTestPool(t, 0)
	ctx := context.Background()

	a1, err := p.Create(ctx, Options{})
	require.NoError(t, err)
	a2, err := p.Create(ctx, Options{})
	require.NoError(t, err)
	ids := []string{a1.ID(), a2.ID()}

	report, err := p.GracefulShutdown(ctx, ShutdownOptions{
		Timeout:         time.Second,
		SaveRunningList: true,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, report.Completed)
	assert.Empty(t, report.Interrupted)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 0, p.Size())

	meta, err := deps.Store.LoadPoolMeta(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, meta.AgentIDs)
	assert.Equal(t, Version, meta.Version)
	assert.False(t, meta.ShutdownAt.IsZero())

	// A fresh pool over the same store brings everything back and clears
	// the record.
	p2 := NewPool(deps)
	resumed, failures := p2.ResumeFromShutdown(ctx, ResumeOptions{Strategy: StrategyManual})
	assert.Empty(t, failures)
	require.Len(t, resumed, 2)
	for _, a := range resumed {
		t.Cleanup(a.Close)
	}
	assert.ElementsMatch(t, ids, p2.List())

	_, err = deps.Store.LoadPoolMeta(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGracefulShutdownInterruptsStragglers(t *testing.T) {
	stall := &stallTool{started: make(chan struct{}, 1)}
	deps, _ := newTestDeps(t, providers.NewScripted(
		providers.ToolUseTurn("", "call_1", "stall", map[string]any{})))
	deps.Registry.MustRegister(stall)
	p := NewPool(deps)
	ctx := context.Background()

	a, err := p.Create(ctx, Options{})
	require.NoError(t, err)

	_, err = a.Send("go")
	require.NoError(t, err)
	select {
	case <-stall.started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}

	report, err := p.GracefulShutdown(ctx, ShutdownOptions{
		Timeout:        300 * time.Millisecond,
		ForceInterrupt: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID()}, report.Interrupted)

	recs, err := deps.Store.LoadToolCallRecords(ctx, a.ID())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, store.TerminalCallState(recs[0].State), "state %s", recs[0].State)
}

func TestPoolResumeAllCollectsFailures(t *testing.T) {
	p, deps := newTestPool(t, 0)
	ctx := context.Background()

	a, err := p.Create(ctx, Options{})
	require.NoError(t, err)
	id := a.ID()

	// A second persisted agent bound to a template nobody registered.
	orphan := NewID()
	require.NoError(t, deps.Store.SaveInfo(ctx, orphan, store.AgentInfo{
		AgentID:         orphan,
		TemplateID:      "gone",
		TemplateVersion: "1",
	}))
	deps2 := deps
	deps2.Templates = config.NewTemplateRegistry()
	p2 := NewPool(deps2)

	resumed, failures := p2.ResumeAll(ctx, ResumeOptions{Strategy: StrategyCrash})
	require.Len(t, resumed, 1)
	assert.Equal(t, id, resumed[0].ID())
	t.Cleanup(resumed[0].Close)

	require.Len(t, failures, 1)
	var re *ResumeError
	require.True(t, errors.As(failures[orphan], &re))
	assert.Equal(t, ErrTemplateNotFound, re.Code)

	a.Close()
}

func TestRoomRoutesMentions(t *testing.T) {
	p, _ := newTestPool(t, 0,
		providers.TextTurn("ack"), providers.TextTurn("ack"), providers.TextTurn("ack"))
	ctx := context.Background()

	coder, err := p.Create(ctx, Options{})
	require.NoError(t, err)
	reviewer, err := p.Create(ctx, Options{})
	require.NoError(t, err)
	t.Cleanup(coder.Close)
	t.Cleanup(reviewer.Close)

	room := NewRoom(p)
	room.Join("coder", coder.ID())
	room.Join("reviewer", reviewer.ID())
	assert.Len(t, room.Roles(), 2)

	delivered, err := room.Say("coder", "@reviewer please check the diff")
	require.NoError(t, err)
	assert.Equal(t, []string{"reviewer"}, delivered)

	require.Eventually(t, func() bool { return len(reviewer.Messages()) > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "[from @coder] @reviewer please check the diff", reviewer.Messages()[0].JoinedText())
	assert.Empty(t, coder.Messages(), "the sender gets nothing")

	// Self-mentions and unknown roles do not deliver.
	delivered, err = room.Say("coder", "@coder talking to myself, @nobody around")
	require.NoError(t, err)
	assert.Empty(t, delivered)

	_, err = room.Say("stranger", "@coder hello")
	assert.Error(t, err)

	room.Leave("reviewer")
	delivered, err = room.Say("coder", "@reviewer still there?")
	require.NoError(t, err)
	assert.Empty(t, delivered)
}

func TestSpawnSubAgentDepthBounds(t *testing.T) {
	deps, _ := newTestDeps(t, providers.NewScripted())
	ctx := context.Background()

	parent, err := New(ctx, Options{Template: config.AgentTemplate{
		Subagents: config.SubagentOptions{MaxDepth: 2},
	}}, deps)
	require.NoError(t, err)
	t.Cleanup(parent.Close)

	child, err := parent.SpawnSubAgent(ctx, SubAgentOptions{InheritConfig: true})
	require.NoError(t, err)
	t.Cleanup(child.Close)
	assert.Equal(t, []string{parent.ID()}, child.Info().Lineage)

	grandchild, err := child.SpawnSubAgent(ctx, SubAgentOptions{InheritConfig: true})
	require.NoError(t, err)
	t.Cleanup(grandchild.Close)

	_, err = grandchild.SpawnSubAgent(ctx, SubAgentOptions{InheritConfig: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depth exhausted")

	// A non-inheriting child cannot spawn at all.
	leaf, err := parent.SpawnSubAgent(ctx, SubAgentOptions{
		Template: config.AgentTemplate{ID: "leaf", Version: "1"},
	})
	require.NoError(t, err)
	t.Cleanup(leaf.Close)
	_, err = leaf.SpawnSubAgent(ctx, SubAgentOptions{InheritConfig: true})
	assert.Error(t, err)
}

func TestDelegateTask(t *testing.T) {
	deps, _ := newTestDeps(t, providers.NewScripted(providers.TextTurn("forty-two")))
	ctx := context.Background()

	parent, err := New(ctx, Options{Template: config.AgentTemplate{
		Subagents: config.SubagentOptions{MaxDepth: 1},
	}}, deps)
	require.NoError(t, err)
	t.Cleanup(parent.Close)

	answer, err := parent.DelegateTask(ctx, "what is the answer?", SubAgentOptions{InheritConfig: true})
	require.NoError(t, err)
	assert.Equal(t, "forty-two", answer)
}
