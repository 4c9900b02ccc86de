package message

import (
	"encoding/json"
	"time"
)

// Roles for conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Block types.
const (
	TypeText       = "text"
	TypeReasoning  = "reasoning"
	TypeImage      = "image"
	TypeAudio      = "audio"
	TypeFile       = "file"
	TypeToolUse    = "tool_use"
	TypeToolResult = "tool_result"
)

// Block is one content block inside a message. The Type field selects which
// of the remaining fields are meaningful; unused fields stay zero and are
// omitted from JSON.
type Block struct {
	Type string `json:"type"`

	// text, reasoning
	Text string `json:"text,omitempty"`

	// image, audio, file
	Data     string `json:"data,omitempty"`    // base64 payload
	URL      string `json:"url,omitempty"`     // remote reference
	FileID   string `json:"file_id,omitempty"` // provider file handle
	MimeType string `json:"mime_type,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Message is one conversation entry: an ordered sequence of content blocks.
type Message struct {
	Role     string         `json:"role"`
	Content  []Block        `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Created  time.Time      `json:"created,omitempty"`
}

func Text(s string) Block      { return Block{Type: TypeText, Text: s} }
func Reasoning(s string) Block { return Block{Type: TypeReasoning, Text: s} }

func Image(data, url, fileID, mime string) Block {
	return Block{Type: TypeImage, Data: data, URL: url, FileID: fileID, MimeType: mime}
}

func ToolUse(id, name string, input json.RawMessage) Block {
	return Block{Type: TypeToolUse, ID: id, Name: name, Input: input}
}

// ToolResult builds a tool_result block. content must be JSON-serializable;
// marshal errors degrade to a quoted error string so the conversation never
// carries an unencodable block.
func ToolResult(toolUseID string, content any, isError bool) Block {
	raw, err := json.Marshal(content)
	if err != nil {
		raw, _ = json.Marshal(map[string]any{"ok": false, "error": err.Error()})
		isError = true
	}
	return Block{Type: TypeToolResult, ToolUseID: toolUseID, Content: raw, IsError: isError}
}

// IsMultimodal reports whether the block carries binary media.
func (b Block) IsMultimodal() bool {
	switch b.Type {
	case TypeImage, TypeAudio, TypeFile:
		return true
	}
	return false
}

// UserText builds a user message with a single text block.
func UserText(s string) Message {
	return Message{Role: RoleUser, Content: []Block{Text(s)}, Created: time.Now().UTC()}
}

// SystemText builds a system message with a single text block.
func SystemText(s string) Message {
	return Message{Role: RoleSystem, Content: []Block{Text(s)}, Created: time.Now().UTC()}
}

// JoinedText concatenates the text blocks of a message.
func (m Message) JoinedText() string {
	var out string
	for _, b := range m.Content {
		if b.Type == TypeText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks of a message in order.
func (m Message) ToolUses() []Block {
	var uses []Block
	for _, b := range m.Content {
		if b.Type == TypeToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// HasMultimodal reports whether any block carries media.
func (m Message) HasMultimodal() bool {
	for _, b := range m.Content {
		if b.IsMultimodal() {
			return true
		}
	}
	return false
}

// Clone deep-copies a message so snapshots never alias live state.
func (m Message) Clone() Message {
	out := m
	out.Content = make([]Block, len(m.Content))
	for i, b := range m.Content {
		nb := b
		if b.Input != nil {
			nb.Input = append(json.RawMessage(nil), b.Input...)
		}
		if b.Content != nil {
			nb.Content = append(json.RawMessage(nil), b.Content...)
		}
		out.Content[i] = nb
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// CloneAll deep-copies a slice of messages.
func CloneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Unanswered returns the tool_use blocks of msgs[idx] that have no matching
// tool_result in any later message.
func Unanswered(msgs []Message, idx int) []Block {
	if idx < 0 || idx >= len(msgs) {
		return nil
	}
	answered := map[string]bool{}
	for _, m := range msgs[idx+1:] {
		for _, b := range m.Content {
			if b.Type == TypeToolResult {
				answered[b.ToolUseID] = true
			}
		}
	}
	var open []Block
	for _, b := range msgs[idx].ToolUses() {
		if !answered[b.ID] {
			open = append(open, b)
		}
	}
	return open
}

// SafeFencePoint returns the index of the last user or assistant message with
// no unresolved tool_use, or -1 when no such message exists. Forks and
// snapshots restart from here.
func SafeFencePoint(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		if len(Unanswered(msgs, i)) == 0 {
			return i
		}
	}
	return -1
}
