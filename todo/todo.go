// Package todo keeps an agent's ordered task list and nudges the model to
// maintain it via periodic reminders.
package todo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/strandlabs/strand/bus"
	"github.com/strandlabs/strand/store"
)

// Sender injects reminder messages into the agent's queue.
// *agent.MessageQueue satisfies it.
type Sender interface {
	SendReminder(text string) (string, error)
}

// Options tune reminder behavior.
type Options struct {
	Enabled bool `json:"enabled"`
	// RemindEverySteps injects a reminder after this many completed steps
	// with pending items and no list update. 0 disables reminders.
	RemindEverySteps int `json:"remindEverySteps,omitempty"`
}

// Service is the per-agent todo manager.
type Service struct {
	agentID string
	store   store.Store
	bus     *bus.EventBus
	sender  Sender
	opts    Options

	mu               sync.Mutex
	items            []store.TodoItem
	stepsSinceUpdate int
}

// NewService loads the persisted list and returns a manager.
func NewService(ctx context.Context, agentID string, st store.Store, b *bus.EventBus, sender Sender, opts Options) (*Service, error) {
	items, err := st.LoadTodos(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load todos: %w", err)
	}
	return &Service{
		agentID: agentID,
		store:   st,
		bus:     b,
		sender:  sender,
		opts:    opts,
		items:   items,
	}, nil
}

// List returns a copy of the current items in order.
func (s *Service) List() []store.TodoItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.TodoItem, len(s.items))
	copy(out, s.items)
	return out
}

// Replace swaps the whole list and persists it. The model usually manages
// the list wholesale through this.
func (s *Service) Replace(ctx context.Context, items []store.TodoItem) error {
	s.mu.Lock()
	s.items = items
	s.stepsSinceUpdate = 0
	s.mu.Unlock()
	return s.store.SaveTodos(ctx, s.agentID, items)
}

// Update rewrites the item whose ID matches, keeping list order, and
// persists the result.
func (s *Service) Update(ctx context.Context, item store.TodoItem) error {
	s.mu.Lock()
	idx := -1
	for i, it := range s.items {
		if it.ID == item.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("todo: no item %q", item.ID)
	}
	s.items[idx] = item
	s.stepsSinceUpdate = 0
	items := make([]store.TodoItem, len(s.items))
	copy(items, s.items)
	s.mu.Unlock()
	return s.store.SaveTodos(ctx, s.agentID, items)
}

// Delete removes the item with the given id and persists the result.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := -1
	for i, it := range s.items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("todo: no item %q", id)
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	s.stepsSinceUpdate = 0
	items := make([]store.TodoItem, len(s.items))
	copy(items, s.items)
	s.mu.Unlock()
	return s.store.SaveTodos(ctx, s.agentID, items)
}

// NotifyStep is called after each completed agent step. When the list has
// pending work and has gone unreviewed for the configured step count, a
// reminder is queued and a reminder_sent monitor event emitted.
func (s *Service) NotifyStep(ctx context.Context) {
	if !s.opts.Enabled || s.opts.RemindEverySteps <= 0 || s.sender == nil {
		return
	}

	s.mu.Lock()
	s.stepsSinceUpdate++
	due := s.stepsSinceUpdate >= s.opts.RemindEverySteps && s.pendingLocked() > 0
	if due {
		s.stepsSinceUpdate = 0
	}
	text := s.reminderTextLocked()
	s.mu.Unlock()

	if !due {
		return
	}
	if _, err := s.sender.SendReminder(text); err != nil {
		return
	}
	if s.bus != nil {
		s.bus.EmitMonitor(bus.EventReminderSent, map[string]any{
			"kind": "todo",
		})
	}
}

func (s *Service) pendingLocked() int {
	n := 0
	for _, it := range s.items {
		if it.Status != store.TodoCompleted {
			n++
		}
	}
	return n
}

func (s *Service) reminderTextLocked() string {
	var b strings.Builder
	b.WriteString("Your todo list has unfinished items:\n")
	for _, it := range s.items {
		if it.Status == store.TodoCompleted {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s\n", it.Status, it.Title)
	}
	b.WriteString("Update the list as you make progress.")
	return b.String()
}
