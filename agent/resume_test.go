package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/config"
	"github.com/strandlabs/strand/message"
	"github.com/strandlabs/strand/providers"
	"github.com/strandlabs/strand/store"
)

// seedCrashedAgent persists the state a process would leave behind if it died
// mid tool call: an unanswered tool_use and an EXECUTING record.
func seedCrashedAgent(t *testing.T, deps Deps) string {
	t.Helper()
	ctx := context.Background()
	id := NewID()
	now := time.Now().UTC()

	info := store.AgentInfo{
		AgentID:      id,
		CreatedAt:    now.Add(-time.Hour),
		StepCount:    3,
		LastSFPIndex: 0,
		Breakpoint:   BPToolExecuting,
	}
	require.NoError(t, deps.Store.SaveInfo(ctx, id, info))

	input, _ := json.Marshal(map[string]any{"path": "out.txt", "content": "v1"})
	msgs := []message.Message{
		message.UserText("write out.txt"),
		{
			Role:    message.RoleAssistant,
			Content: []message.Block{message.ToolUse("call_9", "fs_write", input)},
			Created: now,
		},
	}
	require.NoError(t, deps.Store.SaveMessages(ctx, id, msgs))

	rec := store.ToolCallRecord{
		ID:        "call_9",
		Name:      "fs_write",
		State:     store.CallExecuting,
		CreatedAt: now,
		UpdatedAt: now,
		AuditTrail: []store.AuditEntry{
			{State: store.CallPending, Timestamp: now},
			{State: store.CallExecuting, Timestamp: now},
		},
	}
	require.NoError(t, deps.Store.SaveToolCallRecords(ctx, id, []store.ToolCallRecord{rec}))
	return id
}

func TestResumeCrashSealsExecutingCalls(t *testing.T) {
	deps, _ := newTestDeps(t, providers.NewScripted())
	id := seedCrashedAgent(t, deps)
	ctx := context.Background()

	a, err := Resume(ctx, id, ResumeOptions{Strategy: StrategyCrash}, deps)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	recs := a.ToolCallRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, store.CallSealed, recs[0].State)
	last := recs[0].AuditTrail[len(recs[0].AuditTrail)-1]
	assert.Equal(t, store.CallSealed, last.State)
	assert.Contains(t, last.Note, "interrupted before it completed")

	// The synthetic tool_result closes the conversation.
	msgs := a.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, message.RoleUser, msgs[2].Role)
	require.Len(t, msgs[2].Content, 1)
	assert.Equal(t, "call_9", msgs[2].Content[0].ToolUseID)
	assert.True(t, msgs[2].Content[0].IsError)
	assert.Empty(t, message.Unanswered(msgs, 1))

	assert.Equal(t, 3, a.StepCount())
	assert.Equal(t, StateReady, a.Status())

	// Sealing is persisted, so a second crash resume finds nothing open.
	persisted, err := deps.Store.LoadToolCallRecords(ctx, id)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, store.CallSealed, persisted[0].State)
}

func TestResumeManualLeavesRecordsAlone(t *testing.T) {
	deps, _ := newTestDeps(t, providers.NewScripted())
	id := seedCrashedAgent(t, deps)

	a, err := Resume(context.Background(), id, ResumeOptions{Strategy: StrategyManual}, deps)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	recs := a.ToolCallRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, store.CallExecuting, recs[0].State)
	assert.Len(t, a.Messages(), 2)
}

func TestResumeUnknownAgent(t *testing.T) {
	deps, _ := newTestDeps(t, providers.NewScripted())

	_, err := Resume(context.Background(), "agt:does-not-exist", ResumeOptions{}, deps)
	var re *ResumeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrAgentNotFound, re.Code)
}

func TestResumeTemplateChecks(t *testing.T) {
	deps, _ := newTestDeps(t, providers.NewScripted())
	ctx := context.Background()

	templates := config.NewTemplateRegistry()
	require.NoError(t, templates.Register(config.AgentTemplate{ID: "coder", Version: "2"}))
	deps.Templates = templates

	id := NewID()
	require.NoError(t, deps.Store.SaveInfo(ctx, id, store.AgentInfo{
		AgentID:         id,
		TemplateID:      "coder",
		TemplateVersion: "1",
	}))

	_, err := Resume(ctx, id, ResumeOptions{}, deps)
	var re *ResumeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrTemplateVersionMismatch, re.Code)

	a, err := Resume(ctx, id, ResumeOptions{IgnoreTemplateVersion: true}, deps)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.Equal(t, "2", a.template.Version)

	missing := NewID()
	require.NoError(t, deps.Store.SaveInfo(ctx, missing, store.AgentInfo{
		AgentID:    missing,
		TemplateID: "deleted-template",
	}))
	_, err = Resume(ctx, missing, ResumeOptions{}, deps)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrTemplateNotFound, re.Code)
}

func TestResumeAdHocAgentRebuildsTemplateFromMeta(t *testing.T) {
	deps, _ := newTestDeps(t, providers.NewScripted())
	ctx := context.Background()

	id := NewID()
	require.NoError(t, deps.Store.SaveInfo(ctx, id, store.AgentInfo{
		AgentID:        id,
		PermissionMode: "readonly",
	}))

	a, err := Resume(ctx, id, ResumeOptions{}, deps)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.Equal(t, "readonly", a.perms.Policy().Mode)
}

func TestResumeAutoRunPicksUpPendingInput(t *testing.T) {
	deps, _ := newTestDeps(t, providers.NewScripted(providers.TextTurn("resumed and answered")))
	ctx := context.Background()

	id := NewID()
	require.NoError(t, deps.Store.SaveInfo(ctx, id, store.AgentInfo{AgentID: id}))
	require.NoError(t, deps.Store.SaveMessages(ctx, id, []message.Message{
		message.UserText("still there?"),
	}))

	a, err := Resume(ctx, id, ResumeOptions{Strategy: StrategyManual, AutoRun: true}, deps)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.Eventually(t, func() bool {
		msgs := a.Messages()
		return len(msgs) == 2 && msgs[1].Role == message.RoleAssistant
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "resumed and answered", a.Messages()[1].JoinedText())
}

func TestResumeRequiresStore(t *testing.T) {
	_, err := Resume(context.Background(), "agt:x", ResumeOptions{}, Deps{})
	var re *ResumeError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, ErrCorruptedData, re.Code)
}
