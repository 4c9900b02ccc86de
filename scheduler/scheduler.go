// Package scheduler fires agent triggers: fixed intervals, step-count
// milestones, and cron expressions. Every firing emits a scheduler_triggered
// monitor event; hosts subscribe and decide what the trigger means.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/strandlabs/strand/bus"
)

// Trigger kinds.
const (
	KindInterval = "interval"
	KindSteps    = "steps"
	KindCron     = "cron"
)

// Trigger is one registered schedule.
type Trigger struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Every   time.Duration  `json:"every,omitempty"`     // interval
	Steps   int            `json:"steps,omitempty"`     // fire every N completed steps
	Expr    string         `json:"expr,omitempty"`      // cron expression
	Payload map[string]any `json:"payload,omitempty"`   // forwarded in the event
	lastRun time.Time
}

// Scheduler owns the triggers of one agent.
type Scheduler struct {
	bus  *bus.EventBus
	cron *gronx.Gronx

	mu       sync.Mutex
	triggers map[string]*Trigger
	steps    int

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a scheduler emitting on b. Call Start to begin the clock loop;
// step triggers work without it.
func New(b *bus.EventBus) *Scheduler {
	return &Scheduler{
		bus:      b,
		cron:     gronx.New(),
		triggers: make(map[string]*Trigger),
		done:     make(chan struct{}),
	}
}

// Add registers or replaces a trigger. Cron expressions are validated.
func (s *Scheduler) Add(t Trigger) error {
	if t.Kind == KindCron && !s.cron.IsValid(t.Expr) {
		return &BadExprError{Expr: t.Expr}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.lastRun = time.Now()
	s.triggers[t.ID] = &t
	return nil
}

// Remove drops a trigger by id.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, id)
}

// BadExprError reports an invalid cron expression.
type BadExprError struct{ Expr string }

func (e *BadExprError) Error() string { return "scheduler: invalid cron expression: " + e.Expr }

// Start runs the clock loop until ctx is done or Stop is called. Interval and
// cron triggers are checked once per second.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case now := <-ticker.C:
				s.tick(now)
			}
		}
	}()
}

// Stop halts the clock loop.
func (s *Scheduler) Stop() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	var fired []*Trigger
	for _, t := range s.triggers {
		switch t.Kind {
		case KindInterval:
			if t.Every > 0 && now.Sub(t.lastRun) >= t.Every {
				t.lastRun = now
				fired = append(fired, t)
			}
		case KindCron:
			due, err := s.cron.IsDue(t.Expr, now)
			if err != nil {
				slog.Warn("cron check failed", "trigger", t.ID, "expr", t.Expr, "error", err)
				continue
			}
			// At 1s resolution a due minute would fire repeatedly;
			// suppress refires inside the same minute.
			if due && now.Sub(t.lastRun) >= time.Minute {
				t.lastRun = now
				fired = append(fired, t)
			}
		}
	}
	s.mu.Unlock()

	for _, t := range fired {
		s.fire(t, nil)
	}
}

// NotifyStep advances the step counter and fires due step triggers.
func (s *Scheduler) NotifyStep() {
	s.mu.Lock()
	s.steps++
	steps := s.steps
	var fired []*Trigger
	for _, t := range s.triggers {
		if t.Kind == KindSteps && t.Steps > 0 && steps%t.Steps == 0 {
			fired = append(fired, t)
		}
	}
	s.mu.Unlock()

	for _, t := range fired {
		s.fire(t, map[string]any{"step": steps})
	}
}

func (s *Scheduler) fire(t *Trigger, extra map[string]any) {
	payload := map[string]any{
		"trigger_id": t.ID,
		"kind":       t.Kind,
	}
	for k, v := range t.Payload {
		payload[k] = v
	}
	for k, v := range extra {
		payload[k] = v
	}
	if s.bus != nil {
		s.bus.EmitMonitor(bus.EventSchedulerTriggered, payload)
	}
}
