package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Scripted replays pre-recorded turns, one per Stream call. It exists for
// tests and offline tooling: script the model's side of a conversation and
// drive the full loop without a network.
type Scripted struct {
	mu    sync.Mutex
	turns [][]Chunk
	next  int

	// OnRequest, when set, observes each request before its turn plays.
	OnRequest func(Request)
}

// NewScripted builds a provider that plays the given turns in order.
func NewScripted(turns ...[]Chunk) *Scripted {
	return &Scripted{turns: turns}
}

// Enqueue appends another scripted turn.
func (s *Scripted) Enqueue(turn []Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
}

func (s *Scripted) Name() string         { return "scripted" }
func (s *Scripted) DefaultModel() string { return "scripted-1" }

func (s *Scripted) Stream(ctx context.Context, req Request, onChunk func(Chunk) error) error {
	s.mu.Lock()
	if s.next >= len(s.turns) {
		s.mu.Unlock()
		return fmt.Errorf("scripted provider: no turn queued for request %d", s.next)
	}
	turn := s.turns[s.next]
	s.next++
	observe := s.OnRequest
	s.mu.Unlock()

	if observe != nil {
		observe(req)
	}
	for _, c := range turn {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return nil
}

// TextTurn scripts a turn that streams text in the given pieces and closes
// with token usage.
func TextTurn(pieces ...string) []Chunk {
	turn := []Chunk{{Type: ChunkContentBlockStart, Index: 0, Block: &BlockStart{Type: "text"}}}
	for _, p := range pieces {
		turn = append(turn, Chunk{Type: ChunkContentBlockDelta, Index: 0, Delta: &Delta{Type: DeltaText, Text: p}})
	}
	turn = append(turn,
		Chunk{Type: ChunkContentBlockStop, Index: 0},
		Chunk{Type: ChunkMessageDelta, Usage: &Usage{InputTokens: 10, OutputTokens: 5}},
	)
	return turn
}

// ToolUseTurn scripts a turn with optional leading text followed by one
// tool_use block whose input JSON streams in two halves.
func ToolUseTurn(text, id, name string, input map[string]any) []Chunk {
	var turn []Chunk
	idx := 0
	if text != "" {
		turn = append(turn,
			Chunk{Type: ChunkContentBlockStart, Index: idx, Block: &BlockStart{Type: "text"}},
			Chunk{Type: ChunkContentBlockDelta, Index: idx, Delta: &Delta{Type: DeltaText, Text: text}},
			Chunk{Type: ChunkContentBlockStop, Index: idx},
		)
		idx++
	}
	raw, _ := json.Marshal(input)
	half := len(raw) / 2
	turn = append(turn,
		Chunk{Type: ChunkContentBlockStart, Index: idx, Block: &BlockStart{Type: "tool_use", ID: id, Name: name}},
		Chunk{Type: ChunkContentBlockDelta, Index: idx, Delta: &Delta{Type: DeltaInputJSON, PartialJSON: string(raw[:half])}},
		Chunk{Type: ChunkContentBlockDelta, Index: idx, Delta: &Delta{Type: DeltaInputJSON, PartialJSON: string(raw[half:])}},
		Chunk{Type: ChunkContentBlockStop, Index: idx},
		Chunk{Type: ChunkMessageDelta, Usage: &Usage{InputTokens: 20, OutputTokens: 15}},
	)
	return turn
}

var _ Provider = (*Scripted)(nil)
