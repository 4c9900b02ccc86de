// Package agent implements the stateful runtime around one conversation: the
// control loop that drives a model, the tool pipeline that mediates its
// calls, durable state and crash recovery, and the pool/room layers above
// single agents.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/strandlabs/strand/bus"
	"github.com/strandlabs/strand/config"
	"github.com/strandlabs/strand/filepool"
	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/message"
	"github.com/strandlabs/strand/permission"
	"github.com/strandlabs/strand/providers"
	"github.com/strandlabs/strand/sandbox"
	"github.com/strandlabs/strand/scheduler"
	"github.com/strandlabs/strand/store"
	"github.com/strandlabs/strand/todo"
	"github.com/strandlabs/strand/tools"
)

// Agent states.
const (
	StateReady   = "READY"
	StateWorking = "WORKING"
	StatePaused  = "PAUSED"
)

// Deps are the shared collaborators an agent is built from. One Deps value
// typically serves a whole pool.
type Deps struct {
	Store     store.Store
	Provider  providers.Provider
	Registry  *tools.Registry
	Hooks     *hooks.Pipeline
	Sandbox   sandbox.Sandbox
	Templates *config.TemplateRegistry
	Config    *config.Config
}

// Options configure one agent instance.
type Options struct {
	ID       string
	Template config.AgentTemplate
	// DepthRemaining bounds sub-agent spawning; nil uses the config default.
	DepthRemaining *int
	Lineage        []string
}

type approval struct {
	id     string
	callID string
	ch     chan approvalDecision
}

type approvalDecision struct {
	allow bool
	note  string
}

// Agent owns one conversation: its transcript, tool records, breakpoint and
// queue. All state transitions go through the agent's mutex; at most one
// runStep is active at a time.
type Agent struct {
	id       string
	template config.AgentTemplate
	defaults config.AgentDefaults
	ctxOpts  config.ContextOptions

	systemPrompt   string
	exposeThinking bool

	bus      *bus.EventBus
	st       store.Store
	provider providers.Provider
	registry *tools.Registry
	runner   *tools.Runner
	perms    *permission.Manager
	hooks    *hooks.Pipeline
	sb       sandbox.Sandbox
	files    *filepool.Pool
	todos    *todo.Service
	sched    *scheduler.Scheduler
	queue    *MessageQueue
	cm       *ContextManager
	deps     Deps

	mu               sync.Mutex
	state            string
	bp               *breakpointManager
	messages         []message.Message
	records          []*store.ToolCallRecord
	recordByID       map[string]*store.ToolCallRecord
	lastSfpIndex     int
	stepCount        int
	interrupted      bool
	processing       bool
	processingSince  time.Time
	pendingNextRound bool
	stepCancel       context.CancelFunc
	approvals        map[string]*approval
	depthRemaining   int
	lineage          []string
	createdAt        time.Time
	closed           bool
}

// New creates a fresh agent, persists its meta and seeds the system prompt
// with the tool manual.
func New(ctx context.Context, opts Options, deps Deps) (*Agent, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("agent: store required")
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	if deps.Hooks == nil {
		deps.Hooks = &hooks.Pipeline{}
	}
	if deps.Registry == nil {
		deps.Registry = tools.NewRegistry()
	}

	id := opts.ID
	if id == "" {
		id = NewID()
	}

	a, err := build(ctx, id, opts, deps, 0)
	if err != nil {
		return nil, err
	}
	if err := a.persistInfo(ctx); err != nil {
		return nil, fmt.Errorf("persist agent info: %w", err)
	}
	a.bus.EmitMonitor(bus.EventToolManualUpdated, map[string]any{
		"tools": a.registry.Names(),
	})
	return a, nil
}

// build wires an agent without touching persisted conversation state.
func build(ctx context.Context, id string, opts Options, deps Deps, startSeq uint64) (*Agent, error) {
	defaults := deps.Config.Defaults
	tpl := opts.Template

	depth := defaults.MaxSubagentDepth
	if tpl.Subagents.MaxDepth > 0 {
		depth = tpl.Subagents.MaxDepth
	}
	if opts.DepthRemaining != nil {
		depth = *opts.DepthRemaining
	}

	a := &Agent{
		id:             id,
		template:       tpl,
		defaults:       defaults,
		ctxOpts:        mergeContextOpts(deps.Config.Context, tpl.Context),
		exposeThinking: defaults.ExposeThinking,
		st:             deps.Store,
		provider:       deps.Provider,
		registry:       deps.Registry,
		runner:         tools.NewRunner(defaults.MaxToolConcurrency),
		perms:          permission.NewManager(effectivePolicy(tpl.Permission, defaults.PermissionMode)),
		hooks:          deps.Hooks,
		sb:             deps.Sandbox,
		deps:           deps,
		state:          StateReady,
		recordByID:     make(map[string]*store.ToolCallRecord),
		approvals:      make(map[string]*approval),
		lastSfpIndex:   -1,
		depthRemaining: depth,
		lineage:        append([]string(nil), opts.Lineage...),
		createdAt:      time.Now().UTC(),
	}

	a.bus = bus.New(bus.Config{AgentID: id, Store: deps.Store, StartSeq: startSeq})
	a.bp = newBreakpointManager(a.bus)
	a.cm = NewContextManager(a.ctxOpts)
	a.queue = newMessageQueue(a.appendUserMessage, a.ensureProcessing)
	a.sched = scheduler.New(a.bus)

	if a.sb != nil {
		a.files = filepool.New(a.sb, defaults.WatchFiles)
		a.files.OnChange = a.onFileChanged
	}

	todos, err := todo.NewService(ctx, id, deps.Store, a.bus, a.queue, tpl.Todo)
	if err != nil {
		return nil, err
	}
	a.todos = todos

	a.systemPrompt = buildSystemPrompt(tpl.SystemPrompt, a.allowedDefs())
	return a, nil
}

func mergeContextOpts(base, override config.ContextOptions) config.ContextOptions {
	out := base
	if override.MaxTokens > 0 {
		out.MaxTokens = override.MaxTokens
	}
	if override.CompressToTokens > 0 {
		out.CompressToTokens = override.CompressToTokens
	}
	if override.MultimodalRetention.KeepRecent > 0 {
		out.MultimodalRetention = override.MultimodalRetention
	}
	return out
}

func effectivePolicy(p permission.Policy, defaultMode string) permission.Policy {
	if p.Mode == "" {
		p.Mode = defaultMode
	}
	return p
}

// buildSystemPrompt appends the tool manual so the model knows its
// capabilities even when the host prompt says nothing about tools.
func buildSystemPrompt(base string, defs []providers.ToolDef) string {
	if len(defs) == 0 {
		return base
	}
	var b strings.Builder
	if base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}
	b.WriteString("# Available tools\n")
	for _, d := range defs {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	return b.String()
}

// allowedDefs filters registry definitions by the template's tool list.
func (a *Agent) allowedDefs() []providers.ToolDef {
	defs := a.registry.Defs()
	if len(a.template.Tools) == 0 {
		return defs
	}
	want := make(map[string]bool, len(a.template.Tools))
	for _, name := range a.template.Tools {
		want[name] = true
	}
	out := defs[:0:0]
	for _, d := range defs {
		if want[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Bus exposes the agent's event bus for subscriptions.
func (a *Agent) Bus() *bus.EventBus { return a.bus }

// Files exposes the agent's file pool (nil without a sandbox).
func (a *Agent) Files() *filepool.Pool { return a.files }

// Todos exposes the agent's todo service.
func (a *Agent) Todos() *todo.Service { return a.todos }

// Scheduler exposes the agent's trigger scheduler.
func (a *Agent) Scheduler() *scheduler.Scheduler { return a.sched }

// Status returns the current state (READY, WORKING, PAUSED).
func (a *Agent) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Breakpoint returns the current breakpoint.
func (a *Agent) Breakpoint() string { return a.bp.Current() }

// StepCount returns the number of completed steps.
func (a *Agent) StepCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stepCount
}

// Messages returns a deep copy of the transcript.
func (a *Agent) Messages() []message.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return message.CloneAll(a.messages)
}

// ToolCallRecords returns a copy of the tool call records.
func (a *Agent) ToolCallRecords() []store.ToolCallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]store.ToolCallRecord, len(a.records))
	for i, r := range a.records {
		out[i] = *r
	}
	return out
}

// Info assembles the persisted sidecar from live state.
func (a *Agent) Info() store.AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.infoLocked()
}

func (a *Agent) infoLocked() store.AgentInfo {
	model := store.ModelConfig{
		Provider:    a.defaults.Provider,
		Model:       a.defaults.Model,
		MaxTokens:   a.defaults.MaxTokens,
		Temperature: a.defaults.Temperature,
	}
	if a.template.Model.Provider != "" {
		model.Provider = a.template.Model.Provider
	}
	if a.template.Model.Model != "" {
		model.Model = a.template.Model.Model
	}
	if a.template.Model.MaxTokens > 0 {
		model.MaxTokens = a.template.Model.MaxTokens
	}

	sandboxDir := ""
	if a.sb != nil {
		sandboxDir = a.sb.Root()
	}
	return store.AgentInfo{
		AgentID:         a.id,
		TemplateID:      a.template.ID,
		TemplateVersion: a.template.Version,
		SandboxDir:      sandboxDir,
		Model:           model,
		Tools:           a.registry.Descriptors(),
		PermissionMode:  a.perms.Policy().Mode,
		TodoEnabled:     a.template.Todo.Enabled,
		SubagentDepth:   a.depthRemaining,
		MaxContext:      a.ctxOpts.MaxTokens,
		CreatedAt:       a.createdAt,
		Lineage:         append([]string(nil), a.lineage...),
		Breakpoint:      a.bp.Current(),
		LastBookmark:    a.bus.LastBookmark(),
		StepCount:       a.stepCount,
		LastSFPIndex:    a.lastSfpIndex,
	}
}

// Send queues user input and wakes the loop. Returns the message id.
func (a *Agent) Send(text string) (string, error) {
	return a.queue.Send(text, SendOptions{Kind: KindUser})
}

// appendUserMessage is the queue's delivery callback.
func (a *Agent) appendUserMessage(msg message.Message) error {
	a.mu.Lock()
	a.messages = append(a.messages, msg)
	msgs := message.CloneAll(a.messages)
	a.mu.Unlock()

	a.hooks.NotifyMessagesChanged(a.id, msgs)
	return a.st.SaveMessages(context.Background(), a.id, msgs)
}

// Chat statuses.
const (
	ChatOK     = "ok"
	ChatPaused = "paused"
)

// ChatResult is the outcome of one Chat turn.
type ChatResult struct {
	// Status is ChatOK when the turn ran to completion, ChatPaused when the
	// agent stopped on a tool approval.
	Status string
	// Text is the assistant text streamed before the turn ended.
	Text string
	// PermissionIDs lists the approvals awaiting Decide when Status is
	// ChatPaused.
	PermissionIDs []string
}

// Chat sends text and blocks until the turn completes or pauses. A paused
// result carries the permission ids to pass to Decide; the turn then resumes
// on its own and later text arrives through a bus subscription.
func (a *Agent) Chat(ctx context.Context, text string) (ChatResult, error) {
	sub := a.bus.Subscribe(
		[]bus.Channel{bus.ChannelProgress, bus.ChannelControl},
		bus.SubscribeOptions{})
	defer sub.Close()

	if _, err := a.Send(text); err != nil {
		return ChatResult{}, err
	}

	var out strings.Builder
	for {
		select {
		case <-ctx.Done():
			return ChatResult{Status: ChatOK, Text: out.String()}, ctx.Err()
		case env, ok := <-sub.Events():
			if !ok {
				return ChatResult{Status: ChatOK, Text: out.String()},
					fmt.Errorf("agent %s: event stream closed", a.id)
			}
			switch env.Event.Type {
			case bus.EventTextChunk:
				if s, ok := env.Event.Payload["text"].(string); ok {
					out.WriteString(s)
				}
			case bus.EventPermissionRequired:
				ids := a.PendingApprovals()
				if len(ids) == 0 {
					if pid, _ := env.Event.Payload["permission_id"].(string); pid != "" {
						ids = []string{pid}
					}
				}
				return ChatResult{Status: ChatPaused, Text: out.String(), PermissionIDs: ids}, nil
			case bus.EventDone:
				return ChatResult{Status: ChatOK, Text: out.String()}, nil
			}
		}
	}
}

// PendingApprovals returns the permission ids currently awaiting Decide,
// sorted.
func (a *Agent) PendingApprovals() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.approvals))
	for id := range a.approvals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ChatStream sends text and returns a progress subscription terminating at
// done. The caller owns the subscription and must Close it.
func (a *Agent) ChatStream(text string) (*bus.Subscription, error) {
	sub := a.bus.SubscribeProgress(bus.SubscribeOptions{})
	if _, err := a.Send(text); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// Complete is Chat with a background context.
func (a *Agent) Complete(text string) (ChatResult, error) {
	return a.Chat(context.Background(), text)
}

// Decide resolves a pending approval by permission id.
func (a *Agent) Decide(permissionID string, allow bool, note string) error {
	a.mu.Lock()
	ap, ok := a.approvals[permissionID]
	if ok {
		delete(a.approvals, permissionID)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s: no pending approval %s", a.id, permissionID)
	}

	decision := "deny"
	if allow {
		decision = "allow"
	}
	a.bus.EmitControl(bus.EventPermissionDecided, map[string]any{
		"permission_id": permissionID,
		"call_id":       ap.callID,
		"decision":      decision,
		"note":          note,
	})
	ap.ch <- approvalDecision{allow: allow, note: note}
	return nil
}

// onFileChanged translates FilePool change callbacks into a monitor event
// plus a reminder telling the model to re-read.
func (a *Agent) onFileChanged(ch filepool.Change) {
	a.bus.EmitMonitor(bus.EventFileChanged, map[string]any{
		"path":  ch.Path,
		"op":    ch.Op,
		"mtime": ch.Mtime,
	})
	_, err := a.queue.SendReminder(fmt.Sprintf(
		"The file %s was modified outside this conversation. Re-read it before relying on or editing its contents.", ch.Path))
	if err != nil {
		slog.Warn("file change reminder failed", "agent", a.id, "path", ch.Path, "error", err)
	}
}

func (a *Agent) setState(state string) {
	a.mu.Lock()
	prev := a.state
	a.state = state
	a.mu.Unlock()
	if prev != state {
		a.bus.EmitMonitor(bus.EventStateChanged, map[string]any{
			"previous": prev,
			"current":  state,
		})
	}
}

func (a *Agent) persistInfo(ctx context.Context) error {
	return a.st.SaveInfo(ctx, a.id, a.Info())
}

func (a *Agent) persistMessages(ctx context.Context) error {
	a.mu.Lock()
	msgs := message.CloneAll(a.messages)
	a.mu.Unlock()
	return a.st.SaveMessages(ctx, a.id, msgs)
}

func (a *Agent) persistRecords(ctx context.Context) error {
	return a.st.SaveToolCallRecords(ctx, a.id, a.ToolCallRecords())
}

// Close releases the agent's runtime resources. Persisted state remains.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	cancel := a.stepCancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.sched.Stop()
	if a.files != nil {
		a.files.Close()
	}
	a.bus.Close()
}
