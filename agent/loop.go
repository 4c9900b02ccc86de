package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/strandlabs/strand/bus"
	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/message"
	"github.com/strandlabs/strand/providers"
)

// processingTimeout bounds how long a step may hold the processing slot
// before it is considered stuck and forcibly reset.
const processingTimeout = 5 * time.Minute

// compressedEventTail caps how many recent bus envelopes an archived history
// window carries.
const compressedEventTail = 200

// ensureProcessing starts the loop if idle. A live step just gets a
// pendingNextRound flag; a stuck one (over the timeout) is cancelled and the
// slot reclaimed.
func (a *Agent) ensureProcessing() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.processing {
		if time.Since(a.processingSince) <= processingTimeout {
			a.pendingNextRound = true
			a.mu.Unlock()
			return
		}
		// Stuck processor: cancel in-flight tools first, then reclaim.
		cancel := a.stepCancel
		elapsed := time.Since(a.processingSince)
		a.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		a.runner.Clear()
		a.bus.EmitMonitor(bus.EventError, map[string]any{
			"phase":      "processing",
			"error":      "processing timeout exceeded, restarting loop",
			"elapsed_ms": elapsed.Milliseconds(),
		})
		slog.Warn("stuck processor reset", "agent", a.id, "elapsed", elapsed)

		a.mu.Lock()
	}
	a.processing = true
	a.processingSince = time.Now()
	stepCtx, cancel := context.WithCancel(context.Background())
	a.stepCancel = cancel
	a.mu.Unlock()

	go a.runLoop(stepCtx)
}

func (a *Agent) runLoop(ctx context.Context) {
	defer func() {
		a.mu.Lock()
		a.processing = false
		a.stepCancel = nil
		pending := a.pendingNextRound
		a.pendingNextRound = false
		a.mu.Unlock()
		if pending {
			a.ensureProcessing()
		}
	}()

	for {
		cont, err := a.runStep(ctx)
		if err != nil {
			return
		}
		if cont {
			continue
		}
		a.mu.Lock()
		pending := a.pendingNextRound
		a.pendingNextRound = false
		a.mu.Unlock()
		if !pending {
			return
		}
	}
}

// runStep executes one think-act-observe cycle. It returns true when tool
// results were appended and the loop should immediately run again.
func (a *Agent) runStep(ctx context.Context) (cont bool, err error) {
	a.mu.Lock()
	if a.interrupted {
		a.interrupted = false
		a.mu.Unlock()
		return false, nil
	}
	if a.state != StateReady {
		a.mu.Unlock()
		return false, nil
	}
	a.mu.Unlock()

	a.setState(StateWorking)
	defer func() {
		a.setState(StateReady)
		a.bp.Set(BPReady, "")
	}()

	a.bp.Set(BPPreModel, "")
	a.queue.Flush()

	if err := a.maybeCompress(ctx); err != nil {
		slog.Warn("context compression failed", "agent", a.id, "error", err)
	}

	a.mu.Lock()
	msgs := message.CloneAll(a.messages)
	a.mu.Unlock()
	if len(msgs) == 0 {
		return false, nil
	}

	turn := &hooks.ModelTurn{AgentID: a.id, Messages: msgs, System: a.systemPrompt}
	if err := a.hooks.RunPreModel(ctx, turn); err != nil {
		a.emitStepError("pre_model", err)
		return false, err
	}

	a.bp.Set(BPStreamingModel, "")
	assistant, err := a.streamModel(ctx, turn.Messages, turn.System)
	if err != nil {
		a.emitStepError("model", err)
		return false, err
	}

	turn.Assistant = &assistant
	if err := a.hooks.RunPostModel(ctx, turn); err != nil {
		a.emitStepError("post_model", err)
		return false, err
	}

	a.mu.Lock()
	a.messages = append(a.messages, assistant)
	assistantIdx := len(a.messages) - 1
	snapshotMsgs := message.CloneAll(a.messages)
	a.mu.Unlock()
	a.hooks.NotifyMessagesChanged(a.id, snapshotMsgs)
	if err := a.persistMessages(ctx); err != nil {
		slog.Warn("persist messages failed", "agent", a.id, "error", err)
	}

	uses := assistant.ToolUses()
	if len(uses) > 0 {
		a.bp.Set(BPToolPending, "")
		results := a.executeToolCalls(ctx, uses)

		a.mu.Lock()
		// An interrupt may already have sealed some of these calls with
		// synthetic results; never answer a tool_use twice.
		answered := make(map[string]bool)
		for _, m := range a.messages[assistantIdx+1:] {
			for _, b := range m.Content {
				if b.Type == message.TypeToolResult {
					answered[b.ToolUseID] = true
				}
			}
		}
		kept := results[:0]
		for _, b := range results {
			if !answered[b.ToolUseID] {
				kept = append(kept, b)
			}
		}
		if len(kept) > 0 {
			a.messages = append(a.messages, message.Message{
				Role:    message.RoleUser,
				Content: kept,
				Created: time.Now().UTC(),
			})
			a.lastSfpIndex = len(a.messages) - 1
		}
		a.stepCount++
		a.mu.Unlock()

		if err := a.persistMessages(ctx); err != nil {
			slog.Warn("persist messages failed", "agent", a.id, "error", err)
		}
		if err := a.persistInfo(ctx); err != nil {
			slog.Warn("persist info failed", "agent", a.id, "error", err)
		}
		a.sched.NotifyStep()
		a.todos.NotifyStep(ctx)
		return true, nil
	}

	a.mu.Lock()
	a.lastSfpIndex = len(a.messages) - 1
	a.stepCount++
	reason := "completed"
	if a.interrupted {
		reason = "interrupted"
	}
	a.mu.Unlock()

	if err := a.persistInfo(ctx); err != nil {
		slog.Warn("persist info failed", "agent", a.id, "error", err)
	}
	a.bus.EmitProgress(bus.EventDone, map[string]any{"reason": reason})
	a.sched.NotifyStep()
	a.todos.NotifyStep(ctx)
	a.bus.EmitMonitor(bus.EventStepComplete, map[string]any{"step": a.StepCount()})
	return false, nil
}

func (a *Agent) emitStepError(phase string, err error) {
	a.bus.EmitMonitor(bus.EventError, map[string]any{
		"phase": phase,
		"error": err.Error(),
	})
}

// maybeCompress runs context compression when the transcript is over budget.
func (a *Agent) maybeCompress(ctx context.Context) error {
	a.mu.Lock()
	msgs := message.CloneAll(a.messages)
	a.mu.Unlock()

	analysis := a.cm.Analyze(msgs)
	if !analysis.ShouldCompress {
		return nil
	}

	a.bus.EmitMonitor(bus.EventContextCompression, map[string]any{
		"phase":  "start",
		"tokens": analysis.TotalTokens,
	})

	// The archived window carries the recent event tail so a later reader can
	// line the dropped transcript up against what happened on the bus.
	res, err := a.cm.Compress(ctx, a.id, msgs, a.bus.Recent(compressedEventTail), a.files, a.sb, a.st)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.messages = append([]message.Message{res.SummaryMessage}, res.Retained...)
	a.lastSfpIndex = message.SafeFencePoint(a.messages)
	a.mu.Unlock()

	if err := a.persistMessages(ctx); err != nil {
		return err
	}
	if err := a.persistInfo(ctx); err != nil {
		return err
	}
	a.bus.EmitMonitor(bus.EventContextCompression, map[string]any{
		"phase":  "end",
		"ratio":  res.Ratio,
		"window": res.WindowID,
	})
	return nil
}

// blockBuilder accumulates one streamed content block.
type blockBuilder struct {
	kind  string
	id    string
	name  string
	text  strings.Builder
	input strings.Builder
}

// streamModel consumes one model turn chunk-by-chunk, reconstructing the
// assistant message and emitting progress events per text block.
func (a *Agent) streamModel(ctx context.Context, msgs []message.Message, system string) (message.Message, error) {
	if a.provider == nil {
		return message.Message{}, fmt.Errorf("agent %s: no model provider", a.id)
	}

	ctx, span := a.startModelSpan(ctx)
	defer span.End()

	req := providers.Request{
		Messages:    msgs,
		System:      system,
		Tools:       a.allowedDefs(),
		Model:       a.modelName(),
		MaxTokens:   a.modelMaxTokens(),
		Temperature: a.defaults.Temperature,
	}

	blocks := make(map[int]*blockBuilder)
	var order []int

	if a.exposeThinking {
		a.bus.EmitProgress(bus.EventThinkChunkStart, nil)
	}

	err := a.provider.Stream(ctx, req, func(c providers.Chunk) error {
		switch c.Type {
		case providers.ChunkContentBlockStart:
			if c.Block == nil {
				return nil
			}
			bb := &blockBuilder{kind: c.Block.Type, id: c.Block.ID, name: c.Block.Name}
			blocks[c.Index] = bb
			order = append(order, c.Index)
			if bb.kind == "text" {
				a.bus.EmitProgress(bus.EventTextChunkStart, map[string]any{"index": c.Index})
			}
		case providers.ChunkContentBlockDelta:
			bb := blocks[c.Index]
			if bb == nil || c.Delta == nil {
				return nil
			}
			switch c.Delta.Type {
			case providers.DeltaText:
				bb.text.WriteString(c.Delta.Text)
				a.bus.EmitProgress(bus.EventTextChunk, map[string]any{
					"index": c.Index,
					"text":  c.Delta.Text,
				})
			case providers.DeltaInputJSON:
				bb.input.WriteString(c.Delta.PartialJSON)
			case providers.DeltaThinking:
				bb.text.WriteString(c.Delta.Thinking)
			}
		case providers.ChunkContentBlockStop:
			bb := blocks[c.Index]
			if bb != nil && bb.kind == "text" {
				a.bus.EmitProgress(bus.EventTextChunkEnd, map[string]any{"index": c.Index})
			}
		case providers.ChunkMessageDelta:
			if c.Usage != nil {
				recordTokenUsage(span, c.Usage.InputTokens, c.Usage.OutputTokens)
				a.bus.EmitMonitor(bus.EventTokenUsage, map[string]any{
					"input_tokens":  c.Usage.InputTokens,
					"output_tokens": c.Usage.OutputTokens,
				})
			}
		}
		return nil
	})

	if a.exposeThinking {
		a.bus.EmitProgress(bus.EventThinkChunkEnd, nil)
	}
	if err != nil {
		return message.Message{}, fmt.Errorf("model stream: %w", err)
	}

	sort.Ints(order)
	assistant := message.Message{Role: message.RoleAssistant, Created: time.Now().UTC()}
	for _, idx := range order {
		bb := blocks[idx]
		switch bb.kind {
		case "text":
			assistant.Content = append(assistant.Content, message.Text(bb.text.String()))
		case "thinking":
			assistant.Content = append(assistant.Content, message.Reasoning(bb.text.String()))
		case "tool_use":
			raw := json.RawMessage(bb.input.String())
			if len(raw) == 0 {
				raw = json.RawMessage(`{}`)
			}
			if !json.Valid(raw) {
				// Preserve a malformed stream rather than dropping the call;
				// schema validation fails it with a clear message.
				raw, _ = json.Marshal(map[string]any{"_raw": bb.input.String()})
			}
			assistant.Content = append(assistant.Content, message.ToolUse(bb.id, bb.name, raw))
		}
	}
	return assistant, nil
}

func (a *Agent) modelName() string {
	if a.template.Model.Model != "" {
		return a.template.Model.Model
	}
	if a.defaults.Model != "" {
		return a.defaults.Model
	}
	if a.provider != nil {
		return a.provider.DefaultModel()
	}
	return ""
}

func (a *Agent) modelMaxTokens() int {
	if a.template.Model.MaxTokens > 0 {
		return a.template.Model.MaxTokens
	}
	return a.defaults.MaxTokens
}
