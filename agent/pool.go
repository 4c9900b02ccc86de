package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Pool manages a set of live agents over shared collaborators.
type Pool struct {
	deps      Deps
	maxAgents int

	mu       sync.Mutex
	agents   map[string]*Agent
	reserved int // slots claimed by in-flight Create/Fork/Resume
}

// NewPool creates a pool. maxAgents comes from deps.Config.Pool (0 means
// unbounded).
func NewPool(deps Deps) *Pool {
	max := 0
	if deps.Config != nil {
		max = deps.Config.Pool.MaxAgents
	}
	return &Pool{
		deps:      deps,
		maxAgents: max,
		agents:    make(map[string]*Agent),
	}
}

// ErrPoolFull is returned when maxAgents would be exceeded.
type ErrPoolFull struct{ Max int }

func (e *ErrPoolFull) Error() string {
	return fmt.Sprintf("agent pool full (max %d)", e.Max)
}

// Create builds a new agent and registers it.
func (p *Pool) Create(ctx context.Context, opts Options) (*Agent, error) {
	if err := p.reserve(); err != nil {
		return nil, err
	}
	a, err := New(ctx, opts, p.deps)
	if err != nil {
		p.release()
		return nil, err
	}
	p.register(a)
	return a, nil
}

// Get returns a live agent by id.
func (p *Pool) Get(id string) (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	return a, ok
}

// List returns the ids of live agents, sorted.
func (p *Pool) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Size returns the number of live agents.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// Fork forks a live agent and registers the child.
func (p *Pool) Fork(ctx context.Context, id string, opts ForkOptions) (*Agent, error) {
	parent, ok := p.Get(id)
	if !ok {
		return nil, fmt.Errorf("pool: agent %s not found", id)
	}
	if err := p.reserve(); err != nil {
		return nil, err
	}
	child, err := parent.Fork(ctx, opts)
	if err != nil {
		p.release()
		return nil, err
	}
	p.register(child)
	return child, nil
}

// Resume rehydrates a persisted agent into the pool.
func (p *Pool) Resume(ctx context.Context, id string, opts ResumeOptions) (*Agent, error) {
	if a, ok := p.Get(id); ok {
		return a, nil
	}
	if err := p.reserve(); err != nil {
		return nil, err
	}
	a, err := Resume(ctx, id, opts, p.deps)
	if err != nil {
		p.release()
		return nil, err
	}
	p.register(a)
	return a, nil
}

// ResumeAll resumes every persisted agent (subject to maxAgents). Individual
// failures are collected, not fatal.
func (p *Pool) ResumeAll(ctx context.Context, opts ResumeOptions) ([]*Agent, map[string]error) {
	ids, err := p.deps.Store.List(ctx, "")
	if err != nil {
		return nil, map[string]error{"": err}
	}
	var resumed []*Agent
	failures := make(map[string]error)
	for _, id := range ids {
		a, err := p.Resume(ctx, id, opts)
		if err != nil {
			failures[id] = err
			continue
		}
		resumed = append(resumed, a)
	}
	return resumed, failures
}

// Delete closes a live agent and removes its persisted state.
func (p *Pool) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	a, ok := p.agents[id]
	delete(p.agents, id)
	p.mu.Unlock()
	if ok {
		a.Close()
	}
	return p.deps.Store.Delete(ctx, id)
}

// Remove unregisters an agent without touching persisted state.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	a, ok := p.agents[id]
	delete(p.agents, id)
	p.mu.Unlock()
	if ok {
		a.Close()
	}
}

// reserve claims one capacity slot. The slot is held until register converts
// it into a live entry or release gives it back, so concurrent creations can
// never overshoot maxAgents.
func (p *Pool) reserve() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxAgents > 0 && len(p.agents)+p.reserved >= p.maxAgents {
		return &ErrPoolFull{Max: p.maxAgents}
	}
	p.reserved++
	return nil
}

func (p *Pool) release() {
	p.mu.Lock()
	p.reserved--
	p.mu.Unlock()
}

func (p *Pool) register(a *Agent) {
	p.mu.Lock()
	p.agents[a.ID()] = a
	p.reserved--
	p.mu.Unlock()
}
