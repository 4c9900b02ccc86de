// Package providers defines the model provider contract the agent loop
// consumes. Concrete HTTP clients (Anthropic, OpenAI, ...) live in host
// programs; this package carries only the wire-neutral chunk shapes and a
// scripted provider for tests.
package providers

import (
	"context"

	"github.com/strandlabs/strand/message"
)

// Chunk type discriminators.
const (
	ChunkContentBlockStart = "content_block_start"
	ChunkContentBlockDelta = "content_block_delta"
	ChunkContentBlockStop  = "content_block_stop"
	ChunkMessageDelta      = "message_delta"
)

// Delta type discriminators inside content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaThinking  = "thinking_delta"
)

// BlockStart opens a content block at an index.
type BlockStart struct {
	Type string `json:"type"` // "text", "tool_use", "thinking"
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Delta carries an incremental piece of an open block.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
}

// Usage reports token consumption for a model turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chunk is one streamed piece of a model response. Exactly one of Block,
// Delta or Usage is set depending on Type.
type Chunk struct {
	Type  string      `json:"type"`
	Index int         `json:"index,omitempty"`
	Block *BlockStart `json:"content_block,omitempty"`
	Delta *Delta      `json:"delta,omitempty"`
	Usage *Usage      `json:"usage,omitempty"`
}

// ToolDef describes a tool exposed to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Request is the input for one model turn.
type Request struct {
	Messages    []message.Message `json:"messages"`
	System      string            `json:"system,omitempty"`
	Tools       []ToolDef         `json:"tools,omitempty"`
	Model       string            `json:"model,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
}

// Provider streams model responses chunk by chunk. Stream calls onChunk for
// every chunk in order; returning an error from onChunk aborts the stream.
// Implementations must honor ctx cancellation between chunks.
type Provider interface {
	Stream(ctx context.Context, req Request, onChunk func(Chunk) error) error
	Name() string
	DefaultModel() string
}
