package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/bus"
	"github.com/strandlabs/strand/config"
	"github.com/strandlabs/strand/message"
	"github.com/strandlabs/strand/providers"
	"github.com/strandlabs/strand/store"
	"github.com/strandlabs/strand/store/file"
)

func textMsg(role string, n int) message.Message {
	return message.Message{Role: role, Content: []message.Block{message.Text(strings.Repeat("x", n))}}
}

func TestAnalyzeEstimatesTokens(t *testing.T) {
	cm := NewContextManager(config.ContextOptions{MaxTokens: 100})

	msgs := []message.Message{textMsg(message.RoleUser, 400)}
	a := cm.Analyze(msgs)
	assert.Equal(t, 100, a.TotalTokens, "4 chars per token")
	assert.False(t, a.ShouldCompress, "exactly at budget is still fine")

	msgs = append(msgs, textMsg(message.RoleAssistant, 4))
	a = cm.Analyze(msgs)
	assert.Equal(t, 101, a.TotalTokens)
	assert.True(t, a.ShouldCompress)

	// Multimodal blocks cost a flat 500.
	img := message.Message{Role: message.RoleUser, Content: []message.Block{
		message.Image("", "https://example.com/a.png", "f1", "image/png"),
	}}
	a = cm.Analyze([]message.Message{img})
	assert.Equal(t, 500, a.TotalTokens)
}

func TestKeepCountFloorsAtSixtyPercent(t *testing.T) {
	msgs := make([]message.Message, 10)
	for i := range msgs {
		msgs[i] = textMsg(message.RoleUser, 400)
	}

	cm := NewContextManager(config.ContextOptions{MaxTokens: 100, CompressToTokens: 60})
	assert.Equal(t, 6, cm.keepCount(msgs, 1000), "compressTo/total below 0.6 floors at 0.6")

	cm = NewContextManager(config.ContextOptions{MaxTokens: 1000, CompressToTokens: 800})
	assert.Equal(t, 8, cm.keepCount(msgs, 1000), "compressTo/total above the floor wins")
}

func TestKeepCountWidensForMultimodal(t *testing.T) {
	msgs := make([]message.Message, 10)
	for i := range msgs {
		msgs[i] = textMsg(message.RoleUser, 400)
	}
	// The only image sits at the very start; retention must reach back to it.
	msgs[0] = message.Message{Role: message.RoleUser, Content: []message.Block{
		message.Image("", "", "f1", "image/png"),
	}}

	cm := NewContextManager(config.ContextOptions{
		MaxTokens:           100,
		CompressToTokens:    60,
		MultimodalRetention: config.MultimodalRetention{KeepRecent: 1},
	})
	assert.Equal(t, 10, cm.keepCount(msgs, 1000))
}

func TestCompressRetainsRecentImages(t *testing.T) {
	st, err := file.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	img := func(id string) message.Message {
		return message.Message{Role: message.RoleUser, Content: []message.Block{
			message.Image("", "", id, "image/png"),
		}}
	}
	msgs := make([]message.Message, 20)
	for i := range msgs {
		msgs[i] = textMsg(message.RoleUser, 400)
	}
	msgs[5], msgs[12], msgs[18] = img("f5"), img("f12"), img("f18")

	cm := NewContextManager(config.ContextOptions{
		MaxTokens:           1000,
		CompressToTokens:    600,
		MultimodalRetention: config.MultimodalRetention{KeepRecent: 2},
	})
	res, err := cm.Compress(context.Background(), "agt:x", msgs, nil, nil, nil, st)
	require.NoError(t, err)

	// The last two image-bearing messages (12 and 18) survive; the oldest
	// one at 5 is summarised away.
	var fileIDs []string
	for _, m := range res.Retained {
		for _, b := range m.Content {
			if b.IsMultimodal() {
				fileIDs = append(fileIDs, b.FileID)
			}
		}
	}
	assert.Equal(t, []string{"f12", "f18"}, fileIDs)
	assert.LessOrEqual(t, res.Removed, 12, "retention reaches back to message 12")
	assert.Contains(t, res.Summary, "image-summary")
}

func TestCompressArchivesWindowAndSummarizes(t *testing.T) {
	st, err := file.New(t.TempDir(), file.WithFlushInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	input, _ := json.Marshal(map[string]any{"path": "a.txt"})
	msgs := []message.Message{
		message.UserText(strings.Repeat("please look at the file. ", 40)),
		{
			Role:    message.RoleAssistant,
			Content: []message.Block{message.ToolUse("call_1", "fs_read", input)},
		},
		{
			Role:    message.RoleUser,
			Content: []message.Block{message.ToolResult("call_1", "file contents", false)},
		},
	}
	for i := 0; i < 9; i++ {
		msgs = append(msgs, textMsg(message.RoleAssistant, 200), textMsg(message.RoleUser, 200))
	}

	cm := NewContextManager(config.ContextOptions{MaxTokens: 100, CompressToTokens: 60})
	res, err := cm.Compress(ctx, "agt:x", msgs, nil, nil, nil, st)
	require.NoError(t, err)

	assert.Equal(t, len(msgs), res.Removed+len(res.Retained))
	assert.Greater(t, res.Removed, 0)
	assert.Less(t, res.Ratio, 1.0)

	text := res.SummaryMessage.JoinedText()
	assert.Equal(t, message.RoleSystem, res.SummaryMessage.Role)
	assert.True(t, strings.HasPrefix(text, "<context-summary timestamp="), "got %q", text[:60])
	assert.Contains(t, text, res.WindowID)
	assert.Contains(t, res.Summary, "[tool] fs_read")
	assert.Contains(t, res.Summary, "[result]")

	windows, err := st.LoadHistoryWindows(ctx, "agt:x")
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, res.WindowID, windows[0].ID)
	assert.Len(t, windows[0].Messages, len(msgs), "the archive keeps the full transcript")

	records, err := st.LoadCompressionRecords(ctx, "agt:x")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.WindowID, records[0].WindowID)
	assert.Equal(t, res.Removed, records[0].RemovedCount)
	assert.Equal(t, len(res.Retained), records[0].RetainedCount)
}

func TestCompressEmptyTranscript(t *testing.T) {
	cm := NewContextManager(config.ContextOptions{})
	_, err := cm.Compress(context.Background(), "agt:x", nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestCompressionTriggersDuringLoop(t *testing.T) {
	long := strings.Repeat("the build failed again with the same linker error. ", 30)
	a, deps, _ := newTestAgent(t, config.AgentTemplate{
		Context: config.ContextOptions{MaxTokens: 200, CompressToTokens: 120},
	},
		providers.TextTurn(long),
		providers.TextTurn("summarised and moving on"))

	sub := a.Bus().Subscribe([]bus.Channel{bus.ChannelMonitor},
		bus.SubscribeOptions{Kinds: []string{bus.EventContextCompression}})
	defer sub.Close()

	_, err := a.Chat(chatCtx(t), "first question")
	require.NoError(t, err)

	// The transcript is now over budget; the next step compresses before
	// calling the model.
	_, err = a.Chat(chatCtx(t), "second question")
	require.NoError(t, err)

	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case env := <-sub.Events():
			phase, _ := env.Event.Payload["phase"].(string)
			seen[phase] = true
		case <-deadline:
			t.Fatalf("compression events seen: %v", seen)
		}
	}
	assert.True(t, seen["start"] && seen["end"])

	msgs := a.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, message.RoleSystem, msgs[0].Role)
	assert.True(t, strings.HasPrefix(msgs[0].JoinedText(), "<context-summary"))

	windows, err := deps.Store.LoadHistoryWindows(context.Background(), a.ID())
	require.NoError(t, err)
	require.NotEmpty(t, windows)
	assert.NotEmpty(t, windows[0].Events, "the archive carries the recent event tail")
	records, err := deps.Store.LoadCompressionRecords(context.Background(), a.ID())
	require.NoError(t, err)
	assert.NotEmpty(t, records)

	info, err := deps.Store.LoadInfo(context.Background(), a.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, info.StepCount)
}

func TestSnapshotFilesDuringCompression(t *testing.T) {
	deps, _ := newTestDeps(t, providers.NewScripted())
	a, err := New(context.Background(), Options{}, deps)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	ctx := context.Background()

	require.NoError(t, deps.Sandbox.WriteFile(ctx, "notes.txt", []byte("remember this")))
	require.NoError(t, a.Files().RecordRead(ctx, "notes.txt"))

	msgs := []message.Message{
		textMsg(message.RoleUser, 800),
		textMsg(message.RoleAssistant, 800),
		textMsg(message.RoleUser, 10),
		textMsg(message.RoleAssistant, 10),
	}
	cm := NewContextManager(config.ContextOptions{MaxTokens: 100, CompressToTokens: 60})
	res, err := cm.Compress(ctx, a.ID(), msgs, nil, a.Files(), deps.Sandbox, deps.Store)
	require.NoError(t, err)
	require.NotNil(t, res)

	files, err := deps.Store.LoadRecoveredFiles(ctx, a.ID())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "remember this", files[0].Content)
	assert.False(t, files[0].Truncated)
}

// Compression math sanity: the retained tail plus summary should come in
// under the original estimate for a transcript dominated by old content.
func TestCompressionReducesTokenEstimate(t *testing.T) {
	st, err := file.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	msgs := make([]message.Message, 0, 20)
	for i := 0; i < 10; i++ {
		msgs = append(msgs, textMsg(message.RoleUser, 1000), textMsg(message.RoleAssistant, 1000))
	}
	cm := NewContextManager(config.ContextOptions{MaxTokens: 1000, CompressToTokens: 600})

	before := cm.Analyze(msgs).TotalTokens
	res, err := cm.Compress(context.Background(), "agt:x", msgs, nil, nil, nil, st)
	require.NoError(t, err)

	after := cm.Analyze(append([]message.Message{res.SummaryMessage}, res.Retained...)).TotalTokens
	assert.Less(t, after, before)
	var recorded store.CompressionRecord
	records, err := st.LoadCompressionRecords(context.Background(), "agt:x")
	require.NoError(t, err)
	require.Len(t, records, 1)
	recorded = records[0]
	assert.InDelta(t, float64(after)/float64(before), recorded.Ratio, 0.01)
}
