package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/strandlabs/strand/message"
	"github.com/strandlabs/strand/store"
)

// InterruptOptions annotate an interrupt.
type InterruptOptions struct {
	Note string
}

// Interrupt cancels in-flight tool calls, clears the runner queue, seals
// every unanswered tool_use and returns the agent to READY.
func (a *Agent) Interrupt(opts InterruptOptions) {
	note := opts.Note
	if note == "" {
		note = "Interrupted by user"
	}

	a.mu.Lock()
	a.interrupted = true
	cancel := a.stepCancel
	// Flush any decision waiters so awaitApproval unblocks as denied.
	for id, ap := range a.approvals {
		delete(a.approvals, id)
		select {
		case ap.ch <- approvalDecision{allow: false, note: note}:
		default:
		}
	}
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.runner.Clear()

	sealed := a.sealOpenCalls(note)
	if len(sealed) > 0 {
		if err := a.persistMessages(context.Background()); err != nil {
			slog.Warn("persist after interrupt failed", "agent", a.id, "error", err)
		}
		if err := a.persistRecords(context.Background()); err != nil {
			slog.Warn("persist records after interrupt failed", "agent", a.id, "error", err)
		}
	}

	a.setState(StateReady)
	a.bp.Set(BPReady, note)
}

// sealOpenCalls synthesises tool_results for every unanswered tool_use in
// the latest assistant message and transitions non-terminal records to
// SEALED. Returns the sealed call ids.
func (a *Agent) sealOpenCalls(cause string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sealOpenCallsLocked(cause)
}

func (a *Agent) sealOpenCallsLocked(cause string) []string {
	var sealed []string

	// Non-terminal records first: they exist even when the tool_use message
	// was already answered by a placeholder.
	for _, rec := range a.records {
		if store.TerminalCallState(rec.State) {
			continue
		}
		rec.Transition(store.CallSealed, sealMessage(rec.State, cause))
		sealed = append(sealed, rec.ID)
	}

	// Any assistant tool_use still missing its tool_result gets a synthetic
	// sealed answer so the conversation is quiescent again.
	var openBlocks []message.Block
	for i := len(a.messages) - 1; i >= 0; i-- {
		if a.messages[i].Role != message.RoleAssistant {
			continue
		}
		openBlocks = message.Unanswered(a.messages, i)
		break
	}
	if len(openBlocks) > 0 {
		results := make([]message.Block, 0, len(openBlocks))
		for _, use := range openBlocks {
			state := store.CallPending
			if rec, ok := a.recordByID[use.ID]; ok {
				// Last audit entry before SEALED names the interrupted state.
				if n := len(rec.AuditTrail); n >= 2 {
					state = rec.AuditTrail[n-2].State
				}
			} else {
				sealed = append(sealed, use.ID)
			}
			results = append(results, message.ToolResult(use.ID, map[string]any{
				"ok":    false,
				"error": sealMessage(state, cause),
			}, true))
		}
		a.messages = append(a.messages, message.Message{
			Role:    message.RoleUser,
			Content: results,
			Created: time.Now().UTC(),
		})
		a.lastSfpIndex = len(a.messages) - 1
	}
	return sealed
}

// sealMessage words the synthetic result by how far the call got.
func sealMessage(state, cause string) string {
	switch state {
	case store.CallApprovalRequired:
		return "Tool call was awaiting approval and was never decided. " + cause
	case store.CallApproved:
		return "Tool call was approved but never executed. " + cause
	case store.CallExecuting:
		return "Tool execution was interrupted before it completed; its real outcome is unknown. " + cause
	default:
		return "Tool call never started. " + cause
	}
}
