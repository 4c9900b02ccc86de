package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/bus"
	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/message"
	"github.com/strandlabs/strand/permission"
	"github.com/strandlabs/strand/store"
	"github.com/strandlabs/strand/tools"
)

const defaultToolTimeout = 60 * time.Second

// executeToolCalls fans the tool_use blocks of one assistant turn through
// the runner and reassembles tool_result blocks in the original order.
func (a *Agent) executeToolCalls(ctx context.Context, uses []message.Block) []message.Block {
	results := make([]message.Block, len(uses))
	var wg sync.WaitGroup
	for i, use := range uses {
		wg.Add(1)
		go func(i int, use message.Block) {
			defer wg.Done()
			err := a.runner.Run(ctx, func(ctx context.Context) error {
				results[i] = a.processToolCall(ctx, use)
				return nil
			})
			if err != nil {
				// Cleared from the queue or cancelled before starting.
				results[i] = a.sealQueuedCall(use, err)
			}
		}(i, use)
	}
	wg.Wait()

	if err := a.persistRecords(ctx); err != nil {
		slog.Warn("persist tool records failed", "agent", a.id, "error", err)
	}
	return results
}

// sealQueuedCall answers a call that never got a permit.
func (a *Agent) sealQueuedCall(use message.Block, cause error) message.Block {
	msg := "Tool call was cancelled before execution started"
	if errors.Is(cause, tools.ErrCleared) {
		msg = "Tool call was dropped from the queue by an interrupt"
	}
	a.mu.Lock()
	if rec, ok := a.recordByID[use.ID]; ok && !store.TerminalCallState(rec.State) {
		rec.Transition(store.CallSealed, msg)
	}
	a.mu.Unlock()
	return message.ToolResult(use.ID, map[string]any{"ok": false, "error": msg}, true)
}

// processToolCall runs the full pipeline for one tool_use block and returns
// its tool_result.
func (a *Agent) processToolCall(ctx context.Context, use message.Block) message.Block {
	ctx, span := a.startToolSpan(ctx, use.Name, use.ID)
	defer span.End()

	rec := a.registerRecord(use)
	a.bus.EmitProgress(bus.EventToolStart, map[string]any{
		"call": recordSnapshot(rec),
	})

	var outcome *tools.Outcome
	started := time.Now()

	defer func() {
		a.finishRecord(rec, outcome, started)
		a.bus.EmitProgress(bus.EventToolEnd, map[string]any{
			"call": recordSnapshot(rec),
		})
		a.bp.Set(BPPostTool, "")
	}()

	tool, found := a.registry.Get(use.Name)
	if !found {
		outcome = tools.Fail(use.Name, tools.ErrTypeValidation, "Tool not found")
		return toolResultBlock(use.ID, outcome)
	}

	input := map[string]any{}
	if len(use.Input) > 0 {
		if err := json.Unmarshal(use.Input, &input); err != nil {
			outcome = tools.Fail(use.Name, tools.ErrTypeValidation, fmt.Sprintf("invalid tool input: %v", err))
			return toolResultBlock(use.ID, outcome)
		}
	}

	if err := a.registry.Validate(use.Name, input); err != nil {
		outcome = tools.Fail(use.Name, tools.ErrTypeValidation, err.Error())
		return toolResultBlock(use.ID, outcome)
	}

	needApproval := false
	switch a.perms.Evaluate(use.Name) {
	case permission.Deny:
		a.transitionRecord(rec, store.CallDenied, "denied by policy")
		rec.Approval = "deny"
		outcome = tools.Fail(use.Name, tools.ErrTypeLogical, "Tool call denied by permission policy")
		return toolResultBlock(use.ID, outcome)
	case permission.Ask:
		needApproval = true
	}

	decision, err := a.hooks.RunPreTool(ctx, &hooks.ToolCall{
		AgentID: a.id, CallID: use.ID, Name: use.Name, Input: input,
	})
	if err != nil {
		outcome = tools.Fail(use.Name, tools.ErrTypeException, fmt.Sprintf("preToolUse hook failed: %v", err))
		return toolResultBlock(use.ID, outcome)
	}
	switch decision.Kind {
	case hooks.AskKind:
		needApproval = true
	case hooks.DenyKind:
		a.transitionRecord(rec, store.CallDenied, "denied by hook: "+decision.Reason)
		rec.Approval = "deny"
		if decision.ToolResult != nil {
			outcome = decision.ToolResult
		} else {
			outcome = tools.Fail(use.Name, tools.ErrTypeLogical, "Tool call denied: "+decision.Reason)
		}
		return toolResultBlock(use.ID, outcome)
	case hooks.Result:
		a.transitionRecord(rec, store.CallCompleted, "answered by hook")
		outcome = decision.ToolResult
		if outcome == nil {
			outcome = tools.Ok(nil)
		}
		return toolResultBlock(use.ID, outcome)
	}

	if needApproval {
		allowed, note := a.awaitApproval(ctx, rec, use)
		if !allowed {
			a.transitionRecord(rec, store.CallDenied, note)
			rec.Approval = "deny"
			a.bp.Set(BPPostTool, "")
			outcome = tools.Fail(use.Name, tools.ErrTypeLogical, deniedMessage(note))
			return toolResultBlock(use.ID, outcome)
		}
		a.transitionRecord(rec, store.CallApproved, note)
		rec.Approval = "allow"
		a.bp.Set(BPPreTool, "")
	}

	outcome = a.executeTool(ctx, rec, tool, input)

	done := &hooks.ToolDone{
		AgentID: a.id, CallID: use.ID, Name: use.Name, Input: input, Outcome: outcome,
	}
	if err := a.hooks.RunPostTool(ctx, done); err != nil {
		slog.Warn("postToolUse hook failed", "agent", a.id, "tool", use.Name, "error", err)
	} else if done.Outcome != nil {
		outcome = done.Outcome
	}

	a.applyFileSideEffects(ctx, use.Name, input)
	return toolResultBlock(use.ID, outcome)
}

// executeTool runs the tool under its timeout with panic containment.
func (a *Agent) executeTool(ctx context.Context, rec *store.ToolCallRecord, tool tools.Tool, input map[string]any) (outcome *tools.Outcome) {
	timeout := defaultToolTimeout
	if ts, ok := tool.(tools.TimeoutSpec); ok && ts.TimeoutSeconds() > 0 {
		timeout = time.Duration(ts.TimeoutSeconds()) * time.Second
	} else if a.defaults.ToolTimeoutSeconds > 0 {
		timeout = time.Duration(a.defaults.ToolTimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := time.Now().UTC()
	a.mu.Lock()
	rec.StartedAt = &now
	a.mu.Unlock()
	a.transitionRecord(rec, store.CallExecuting, "")
	a.bp.Set(BPToolExecuting, "")

	defer func() {
		if r := recover(); r != nil {
			outcome = tools.Fail(rec.Name, tools.ErrTypeException, fmt.Sprintf("tool panicked: %v", r))
		}
	}()

	out, err := tool.Execute(execCtx, input)
	if err != nil {
		if execCtx.Err() != nil {
			return tools.Fail(rec.Name, tools.ErrTypeAborted, abortMessage(ctx, execCtx))
		}
		return tools.Fail(rec.Name, tools.ErrTypeException, err.Error())
	}
	if execCtx.Err() != nil && out == nil {
		return tools.Fail(rec.Name, tools.ErrTypeAborted, abortMessage(ctx, execCtx))
	}
	if out == nil {
		return tools.Ok(nil)
	}
	return out
}

func abortMessage(parent, exec context.Context) string {
	if parent.Err() != nil {
		return "Tool execution was cancelled"
	}
	if errors.Is(exec.Err(), context.DeadlineExceeded) {
		return "Tool execution timed out"
	}
	return "Tool execution was aborted"
}

func deniedMessage(note string) string {
	if note != "" {
		return "Tool call denied: " + note
	}
	return "Tool call denied by user"
}

// awaitApproval parks the call until Decide resolves it. The agent pauses so
// observers see AWAITING_APPROVAL while the question is open.
func (a *Agent) awaitApproval(ctx context.Context, rec *store.ToolCallRecord, use message.Block) (bool, string) {
	a.transitionRecord(rec, store.CallApprovalRequired, "")

	ap := &approval{
		id:     uuid.NewString(),
		callID: use.ID,
		ch:     make(chan approvalDecision, 1),
	}
	a.mu.Lock()
	a.approvals[ap.id] = ap
	a.mu.Unlock()

	a.setState(StatePaused)
	a.bp.Set(BPAwaitingApproval, "")
	a.bus.EmitControl(bus.EventPermissionRequired, map[string]any{
		"permission_id": ap.id,
		"call_id":       use.ID,
		"tool":          use.Name,
		"input":         json.RawMessage(use.Input),
	})

	defer a.setState(StateWorking)

	select {
	case d := <-ap.ch:
		return d.allow, d.note
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.approvals, ap.id)
		a.mu.Unlock()
		return false, "cancelled while awaiting approval"
	}
}

// applyFileSideEffects keeps the FilePool in sync with filesystem tools.
func (a *Agent) applyFileSideEffects(ctx context.Context, toolName string, input map[string]any) {
	if a.files == nil {
		return
	}
	path, _ := input["path"].(string)
	if path == "" {
		return
	}
	var err error
	switch toolName {
	case "fs_read":
		err = a.files.RecordRead(ctx, path)
	case "fs_write", "fs_edit", "fs_multi_edit":
		err = a.files.RecordEdit(ctx, path)
	}
	if err != nil {
		slog.Warn("file pool update failed", "agent", a.id, "tool", toolName, "path", path, "error", err)
	}
}

// registerRecord creates the PENDING record for a call.
func (a *Agent) registerRecord(use message.Block) *store.ToolCallRecord {
	input := map[string]any{}
	_ = json.Unmarshal(use.Input, &input)

	now := time.Now().UTC()
	rec := &store.ToolCallRecord{
		ID:        use.ID,
		Name:      use.Name,
		Input:     input,
		State:     store.CallPending,
		CreatedAt: now,
		UpdatedAt: now,
		AuditTrail: []store.AuditEntry{
			{State: store.CallPending, Timestamp: now},
		},
	}
	a.mu.Lock()
	a.records = append(a.records, rec)
	a.recordByID[use.ID] = rec
	a.mu.Unlock()
	return rec
}

func (a *Agent) transitionRecord(rec *store.ToolCallRecord, state, note string) {
	a.mu.Lock()
	rec.Transition(state, note)
	a.mu.Unlock()
}

// finishRecord moves the record to its terminal state and emits the
// completion events.
func (a *Agent) finishRecord(rec *store.ToolCallRecord, outcome *tools.Outcome, started time.Time) {
	a.mu.Lock()
	if store.TerminalCallState(rec.State) {
		a.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	rec.CompletedAt = &now
	rec.DurationMs = time.Since(started).Milliseconds()
	if outcome == nil {
		outcome = tools.Fail(rec.Name, tools.ErrTypeException, "tool produced no outcome")
	}
	if outcome.OK {
		rec.Result = outcome.Data
		rec.Transition(store.CallCompleted, "")
	} else {
		rec.Error = outcome.Error
		rec.IsError = true
		rec.Transition(store.CallFailed, outcome.Error)
	}
	failed := !outcome.OK
	a.mu.Unlock()

	if failed {
		a.bus.EmitProgress(bus.EventToolError, map[string]any{
			"call_id":   rec.ID,
			"tool":      rec.Name,
			"error":     outcome.Error,
			"errorType": outcome.ErrorType,
		})
	} else {
		a.bus.EmitMonitor(bus.EventToolExecuted, map[string]any{
			"call_id":     rec.ID,
			"tool":        rec.Name,
			"duration_ms": rec.DurationMs,
		})
	}
}

// recordSnapshot is the event payload shape for a record.
func recordSnapshot(rec *store.ToolCallRecord) map[string]any {
	return map[string]any{
		"id":    rec.ID,
		"name":  rec.Name,
		"input": rec.Input,
		"state": rec.State,
	}
}

// toolResultBlock builds the tool_result the model sees. Outcomes whose Data
// is itself an {ok, data} wrapper are unwrapped to avoid double nesting.
func toolResultBlock(toolUseID string, outcome *tools.Outcome) message.Block {
	if outcome == nil {
		outcome = tools.Fail("", tools.ErrTypeException, "missing outcome")
	}
	if m, ok := outcome.Data.(map[string]any); ok {
		if _, hasOK := m["ok"]; hasOK {
			if inner, hasData := m["data"]; hasData {
				outcome.Data = inner
			}
		}
	}
	return message.ToolResult(toolUseID, outcome, !outcome.OK)
}
