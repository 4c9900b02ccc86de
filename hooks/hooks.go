// Package hooks runs ordered lifecycle callbacks around model calls and tool
// executions. Hooks observe and may redirect the tool pipeline: a preTool
// hook can force an approval prompt, deny the call, or answer it outright.
package hooks

import (
	"context"

	"github.com/strandlabs/strand/message"
	"github.com/strandlabs/strand/tools"
)

// Decision kinds returned by preTool hooks.
const (
	Continue = "continue" // proceed with the pipeline
	AskKind  = "ask"      // force the approval flow
	DenyKind = "deny"     // reject the call
	Result   = "result"   // short-circuit with an outcome, skipping execution
)

// Decision is a preTool hook verdict.
type Decision struct {
	Kind       string
	Reason     string
	Meta       map[string]any
	ToolResult *tools.Outcome // set for Result, optional for Deny
}

// ModelTurn is the payload for preModel/postModel hooks. Hooks may mutate
// Messages in place (preModel) or inspect the assistant output (postModel).
type ModelTurn struct {
	AgentID  string
	Messages []message.Message
	System   string
	// Assistant is set for postModel only.
	Assistant *message.Message
}

// ToolCall is the payload for preTool hooks.
type ToolCall struct {
	AgentID string
	CallID  string
	Name    string
	Input   map[string]any
}

// ToolDone is the payload for postTool hooks; Outcome may be rewritten.
type ToolDone struct {
	AgentID string
	CallID  string
	Name    string
	Input   map[string]any
	Outcome *tools.Outcome
}

// Pipeline holds ordered hook slices. The zero value runs nothing.
type Pipeline struct {
	PreModel        []func(ctx context.Context, t *ModelTurn) error
	PostModel       []func(ctx context.Context, t *ModelTurn) error
	PreTool         []func(ctx context.Context, c *ToolCall) (*Decision, error)
	PostTool        []func(ctx context.Context, d *ToolDone) error
	MessagesChanged []func(agentID string, msgs []message.Message)
}

// RunPreModel runs preModel hooks in order, stopping at the first error.
func (p *Pipeline) RunPreModel(ctx context.Context, t *ModelTurn) error {
	for _, h := range p.PreModel {
		if err := h(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// RunPostModel runs postModel hooks in order, stopping at the first error.
func (p *Pipeline) RunPostModel(ctx context.Context, t *ModelTurn) error {
	for _, h := range p.PostModel {
		if err := h(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// RunPreTool runs preTool hooks in order. The first non-Continue decision
// wins; a nil decision counts as Continue.
func (p *Pipeline) RunPreTool(ctx context.Context, c *ToolCall) (*Decision, error) {
	for _, h := range p.PreTool {
		d, err := h(ctx, c)
		if err != nil {
			return nil, err
		}
		if d != nil && d.Kind != Continue && d.Kind != "" {
			return d, nil
		}
	}
	return &Decision{Kind: Continue}, nil
}

// RunPostTool runs postTool hooks in order; each may rewrite d.Outcome.
func (p *Pipeline) RunPostTool(ctx context.Context, d *ToolDone) error {
	for _, h := range p.PostTool {
		if err := h(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// NotifyMessagesChanged fans the current transcript out to observers.
func (p *Pipeline) NotifyMessagesChanged(agentID string, msgs []message.Message) {
	for _, h := range p.MessagesChanged {
		h(agentID, msgs)
	}
}
