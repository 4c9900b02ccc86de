package agent

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/strandlabs/strand/bus"
	"github.com/strandlabs/strand/config"
	"github.com/strandlabs/strand/filepool"
	"github.com/strandlabs/strand/message"
	"github.com/strandlabs/strand/sandbox"
	"github.com/strandlabs/strand/store"
)

const (
	charsPerToken    = 4
	multimodalTokens = 500
	minKeepRatio     = 0.6
	summaryRecordMax = 500 // chars of summary kept in the CompressionRecord
	maxRecoveredFiles = 5
	recoveredFileMax  = 64 * 1024 // bytes per RecoveredFile snapshot
)

// ContextManager estimates transcript size and compresses old history into a
// summary message, archiving the full window first.
type ContextManager struct {
	opts config.ContextOptions
}

// NewContextManager applies defaults for unset options.
func NewContextManager(opts config.ContextOptions) *ContextManager {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 50000
	}
	if opts.CompressToTokens <= 0 {
		opts.CompressToTokens = opts.MaxTokens * 3 / 5
	}
	if opts.MultimodalRetention.KeepRecent <= 0 {
		opts.MultimodalRetention.KeepRecent = 3
	}
	return &ContextManager{opts: opts}
}

// Analysis is the result of a token estimate pass.
type Analysis struct {
	TotalTokens    int
	ShouldCompress bool
}

// Analyze estimates tokens: ~4 chars per token for text, a flat 500 for each
// multimodal block.
func (cm *ContextManager) Analyze(msgs []message.Message) Analysis {
	total := 0
	for _, m := range msgs {
		total += estimateMessage(m)
	}
	return Analysis{TotalTokens: total, ShouldCompress: total > cm.opts.MaxTokens}
}

func estimateMessage(m message.Message) int {
	tokens := 0
	for _, b := range m.Content {
		switch {
		case b.IsMultimodal():
			tokens += multimodalTokens
		case b.Type == message.TypeToolUse:
			tokens += (len(b.Name) + len(b.Input)) / charsPerToken
		case b.Type == message.TypeToolResult:
			tokens += len(b.Content) / charsPerToken
		default:
			tokens += len(b.Text) / charsPerToken
		}
	}
	return tokens
}

// CompressionResult reports one compression pass.
type CompressionResult struct {
	Summary   string
	SummaryMessage message.Message
	Retained  []message.Message
	Removed   int
	Ratio     float64
	WindowID  string
	RecordID  string
}

// Compress archives the full transcript as a HistoryWindow, summarises the
// older part, and returns the retained tail. The caller swaps its transcript
// for summaryMessage + retained.
func (cm *ContextManager) Compress(
	ctx context.Context,
	agentID string,
	msgs []message.Message,
	events []bus.Envelope,
	files *filepool.Pool,
	sb sandbox.Sandbox,
	st store.Store,
) (*CompressionResult, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("compress: empty transcript")
	}
	now := time.Now().UTC()
	analysis := cm.Analyze(msgs)

	windowID := fmt.Sprintf("window-%d", now.UnixMilli())
	window := store.HistoryWindow{
		ID:       windowID,
		Messages: message.CloneAll(msgs),
		Events:   events,
		Stats: map[string]any{
			"messages":    len(msgs),
			"totalTokens": analysis.TotalTokens,
		},
		Timestamp: now,
	}
	if err := st.SaveHistoryWindow(ctx, agentID, window); err != nil {
		return nil, fmt.Errorf("save history window: %w", err)
	}

	keep := cm.keepCount(msgs, analysis.TotalTokens)
	cut := len(msgs) - keep
	removed := msgs[:cut]
	retained := message.CloneAll(msgs[cut:])

	summary := summarizeRemoved(removed)
	summaryMsg := message.SystemText(fmt.Sprintf(
		"<context-summary timestamp=%q window=%q>\n%s\n</context-summary>",
		now.Format(time.RFC3339), windowID, summary))

	recovered := cm.snapshotFiles(ctx, agentID, files, sb, st, now)

	ratio := 1.0
	if analysis.TotalTokens > 0 {
		after := cm.Analyze(append([]message.Message{summaryMsg}, retained...))
		ratio = float64(after.TotalTokens) / float64(analysis.TotalTokens)
	}

	recordID := fmt.Sprintf("compression-%d", now.UnixMilli())
	record := store.CompressionRecord{
		ID:             recordID,
		WindowID:       windowID,
		Summary:        truncate(summary, summaryRecordMax),
		Ratio:          ratio,
		RemovedCount:   len(removed),
		RetainedCount:  len(retained),
		RecoveredFiles: recovered,
		Timestamp:      now,
	}
	if err := st.SaveCompressionRecord(ctx, agentID, record); err != nil {
		return nil, fmt.Errorf("save compression record: %w", err)
	}

	return &CompressionResult{
		Summary:        summary,
		SummaryMessage: summaryMsg,
		Retained:       retained,
		Removed:        len(removed),
		Ratio:          ratio,
		WindowID:       windowID,
		RecordID:       recordID,
	}, nil
}

// keepCount picks how many trailing messages survive, then widens the window
// until the last N multimodal-bearing messages are inside it.
func (cm *ContextManager) keepCount(msgs []message.Message, totalTokens int) int {
	frac := minKeepRatio
	if totalTokens > 0 {
		if r := float64(cm.opts.CompressToTokens) / float64(totalTokens); r > frac {
			frac = r
		}
	}
	keep := int(math.Ceil(float64(len(msgs)) * frac))
	if keep < 1 {
		keep = 1
	}
	if keep > len(msgs) {
		keep = len(msgs)
	}

	// Widen for multimodal retention.
	want := cm.opts.MultimodalRetention.KeepRecent
	seen := 0
	for i := len(msgs) - 1; i >= 0 && seen < want; i-- {
		if msgs[i].HasMultimodal() {
			seen++
			if need := len(msgs) - i; need > keep {
				keep = need
			}
		}
	}
	return keep
}

func summarizeRemoved(removed []message.Message) string {
	var b strings.Builder
	for i, m := range removed {
		fmt.Fprintf(&b, "[%d] %s:\n", i, m.Role)
		for _, blk := range m.Content {
			switch blk.Type {
			case message.TypeText, message.TypeReasoning:
				fmt.Fprintf(&b, "  %s\n", truncate(blk.Text, 200))
			case message.TypeToolUse:
				fmt.Fprintf(&b, "  [tool] %s(%s)\n", blk.Name, truncate(string(blk.Input), 100))
			case message.TypeToolResult:
				fmt.Fprintf(&b, "  [result] %s\n", truncate(string(blk.Content), 100))
			case message.TypeImage, message.TypeAudio, message.TypeFile:
				note := blk.URL
				if note == "" {
					note = blk.FileID
				}
				fmt.Fprintf(&b, "  [image-summary id=%s mime=%s note=source=%s]\n", blk.FileID, blk.MimeType, note)
			}
		}
	}
	return b.String()
}

// snapshotFiles saves up to 5 most recently accessed files so content the
// summary dropped can still be recovered.
func (cm *ContextManager) snapshotFiles(
	ctx context.Context,
	agentID string,
	files *filepool.Pool,
	sb sandbox.Sandbox,
	st store.Store,
	now time.Time,
) []string {
	if files == nil || sb == nil {
		return nil
	}
	var ids []string
	for i, entry := range files.Accessed() {
		if i >= maxRecoveredFiles {
			break
		}
		data, err := sb.ReadFile(ctx, entry.Path)
		if err != nil {
			continue
		}
		truncated := false
		if len(data) > recoveredFileMax {
			data = data[:recoveredFileMax]
			truncated = true
		}
		rf := store.RecoveredFile{
			ID:        fmt.Sprintf("recovered-%d-%d", now.UnixMilli(), i),
			Path:      entry.Path,
			Content:   string(data),
			Mtime:     entry.LastKnownMtime,
			SavedAt:   now,
			Truncated: truncated,
		}
		if err := st.SaveRecoveredFile(ctx, agentID, rf); err != nil {
			continue
		}
		ids = append(ids, rf.ID)
	}
	return ids
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
