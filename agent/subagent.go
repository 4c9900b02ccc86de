package agent

import (
	"context"
	"fmt"

	"github.com/strandlabs/strand/config"
)

// SubAgentOptions configure a spawned child.
type SubAgentOptions struct {
	Template config.AgentTemplate
	// InheritConfig copies the parent's template when Template is zero.
	// A child that does not inherit gets no further spawn depth.
	InheritConfig bool
}

// SpawnSubAgent creates a bounded-depth child agent sharing the parent's
// collaborators. Fails when the parent has no spawn depth left.
func (a *Agent) SpawnSubAgent(ctx context.Context, opts SubAgentOptions) (*Agent, error) {
	a.mu.Lock()
	depth := a.depthRemaining
	a.mu.Unlock()
	if depth <= 0 {
		return nil, fmt.Errorf("agent %s: subagent depth exhausted", a.id)
	}

	tpl := opts.Template
	childDepth := 0
	if opts.InheritConfig {
		if tpl.ID == "" {
			tpl = a.template
		}
		childDepth = depth - 1
	}

	child, err := New(ctx, Options{
		Template:       tpl,
		DepthRemaining: &childDepth,
		Lineage:        append(append([]string(nil), a.lineage...), a.id),
	}, a.deps)
	if err != nil {
		return nil, fmt.Errorf("spawn subagent: %w", err)
	}
	return child, nil
}

// DelegateTask spawns a child, runs one task to completion and tears the
// child down, returning its final answer.
func (a *Agent) DelegateTask(ctx context.Context, task string, opts SubAgentOptions) (string, error) {
	child, err := a.SpawnSubAgent(ctx, opts)
	if err != nil {
		return "", err
	}
	defer child.Close()

	res, err := child.Chat(ctx, task)
	if err != nil {
		return "", fmt.Errorf("delegated task: %w", err)
	}
	if res.Status == ChatPaused {
		return "", fmt.Errorf("delegated task: child %s paused awaiting approval", child.ID())
	}
	return res.Text, nil
}
