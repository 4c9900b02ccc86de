package bus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	ringRetain     = 5000
	ringMax        = 10000
	retryBufferCap = 1000
)

// EventBus publishes envelopes for one agent on three logical channels,
// fans them out to subscribers, keeps an in-memory ring for fast replay and
// persists every entry through the backing store. Persistence failures of
// critical events land in a bounded retry buffer drained in the background.
type EventBus struct {
	agentID string
	store   EventStore

	mu         sync.Mutex
	nextSeq    uint64
	nextCursor uint64
	ring       []Envelope
	subs       map[int]*Subscription
	nextSubID  int

	persistQ   []Envelope
	persistSig chan struct{}

	retryMu sync.Mutex
	retry   []Envelope

	limiter *rate.Limiter
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// Config configures a new EventBus.
type Config struct {
	AgentID string
	Store   EventStore // nil disables persistence and store-backed replay
	// StartSeq seeds the bookmark counter so a resumed agent keeps emitting
	// above the last persisted sequence.
	StartSeq uint64
}

func New(cfg Config) *EventBus {
	b := &EventBus{
		agentID:    cfg.AgentID,
		store:      cfg.Store,
		nextSeq:    cfg.StartSeq,
		nextCursor: 0,
		subs:       make(map[int]*Subscription),
		persistSig: make(chan struct{}, 1),
		limiter:    rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		done:       make(chan struct{}),
	}
	if b.store != nil {
		b.wg.Add(2)
		go b.persistLoop()
		go b.retryLoop()
	}
	return b
}

// Close stops background persistence and closes every subscription. Pending
// persist queue entries are flushed before returning.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	for _, s := range subs {
		s.Close()
	}
}

// EmitProgress publishes an event on the progress channel.
func (b *EventBus) EmitProgress(eventType string, payload map[string]any) Envelope {
	return b.emit(Event{Channel: ChannelProgress, Type: eventType, Payload: payload})
}

// EmitControl publishes an event on the control channel.
func (b *EventBus) EmitControl(eventType string, payload map[string]any) Envelope {
	return b.emit(Event{Channel: ChannelControl, Type: eventType, Payload: payload})
}

// EmitMonitor publishes an event on the monitor channel.
func (b *EventBus) EmitMonitor(eventType string, payload map[string]any) Envelope {
	return b.emit(Event{Channel: ChannelMonitor, Type: eventType, Payload: payload})
}

// LastBookmark returns the most recently issued bookmark. Zero Seq means
// nothing has been emitted yet.
func (b *EventBus) LastBookmark() Bookmark {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ring) == 0 {
		return Bookmark{Seq: b.nextSeq}
	}
	return b.ring[len(b.ring)-1].Bookmark
}

// Recent returns up to max of the newest ring envelopes, oldest first.
// max <= 0 returns the whole ring.
func (b *EventBus) Recent(max int) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.ring)
	if max > 0 && n > max {
		n = max
	}
	out := make([]Envelope, n)
	copy(out, b.ring[len(b.ring)-n:])
	return out
}

// Cursor returns the per-process event ordinal.
func (b *EventBus) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextCursor
}

func (b *EventBus) emit(ev Event) Envelope {
	b.mu.Lock()
	b.nextSeq++
	b.nextCursor++
	env := Envelope{
		Cursor:   b.nextCursor,
		Bookmark: Bookmark{Seq: b.nextSeq, Timestamp: time.Now().UTC()},
		Event:    ev,
	}

	b.ring = append(b.ring, env)
	if len(b.ring) > ringMax {
		trimmed := make([]Envelope, ringRetain)
		copy(trimmed, b.ring[len(b.ring)-ringRetain:])
		b.ring = trimmed
	}

	for _, sub := range b.subs {
		sub.offer(env)
	}

	if b.store != nil && !b.closed {
		b.persistQ = append(b.persistQ, env)
		select {
		case b.persistSig <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
	return env
}

// persistLoop drains the persist queue in emission order so store appends
// stay FIFO per channel even though emission never blocks on IO.
func (b *EventBus) persistLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.persistSig:
		case <-b.done:
			b.drainPersistQueue()
			return
		}
		b.drainPersistQueue()
	}
}

func (b *EventBus) drainPersistQueue() {
	for {
		b.mu.Lock()
		if len(b.persistQ) == 0 {
			b.mu.Unlock()
			return
		}
		batch := b.persistQ
		b.persistQ = nil
		b.mu.Unlock()

		for _, env := range batch {
			if err := b.store.AppendEvent(context.Background(), b.agentID, env); err != nil {
				b.persistFailed(env, err)
			}
		}
	}
}

func (b *EventBus) persistFailed(env Envelope, err error) {
	if !Critical(env.Event.Type) {
		slog.Warn("event persistence failed", "agent", b.agentID, "type", env.Event.Type, "seq", env.Bookmark.Seq, "error", err)
		return
	}

	b.retryMu.Lock()
	if len(b.retry) >= retryBufferCap {
		dropped := b.retry[0]
		b.retry = b.retry[1:]
		slog.Warn("retry buffer full, dropping oldest critical event",
			"agent", b.agentID, "dropped_type", dropped.Event.Type, "dropped_seq", dropped.Bookmark.Seq)
	}
	b.retry = append(b.retry, env)
	b.retryMu.Unlock()

	b.EmitMonitor(EventStorageFailure, map[string]any{
		"failed_type": env.Event.Type,
		"seq":         env.Bookmark.Seq,
		"error":       err.Error(),
	})
}

// retryLoop re-attempts persistence of buffered critical events, paced by the
// rate limiter so a dead store is not hammered.
func (b *EventBus) retryLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-time.After(100 * time.Millisecond):
		}

		for {
			b.retryMu.Lock()
			if len(b.retry) == 0 {
				b.retryMu.Unlock()
				break
			}
			env := b.retry[0]
			b.retryMu.Unlock()

			if err := b.limiter.Wait(context.Background()); err != nil {
				return
			}
			if err := b.store.AppendEvent(context.Background(), b.agentID, env); err != nil {
				break // store still failing, keep buffer ordered
			}
			b.retryMu.Lock()
			b.retry = b.retry[1:]
			b.retryMu.Unlock()
		}
	}
}

// RetryBacklog reports the number of critical events awaiting re-persistence.
func (b *EventBus) RetryBacklog() int {
	b.retryMu.Lock()
	defer b.retryMu.Unlock()
	return len(b.retry)
}

// SubscribeOptions narrow a subscription.
type SubscribeOptions struct {
	// Since replays every persisted envelope with Bookmark.Seq > Since.Seq
	// before live delivery begins.
	Since *Bookmark
	// Kinds filters by event type; empty means all.
	Kinds []string
}

// Subscribe registers a subscriber on the given channels. Replayed entries
// (when Since is set) are queued ahead of live events with no duplicates and
// no gaps. The caller must drain Events() and call Close() when done.
func (b *EventBus) Subscribe(channels []Channel, opts SubscribeOptions) *Subscription {
	chanSet := make(map[Channel]bool, len(channels))
	for _, c := range channels {
		chanSet[c] = true
	}
	var kindSet map[string]bool
	if len(opts.Kinds) > 0 {
		kindSet = make(map[string]bool, len(opts.Kinds))
		for _, k := range opts.Kinds {
			kindSet[k] = true
		}
	}

	sub := newSubscription(b, chanSet, kindSet)

	b.mu.Lock()
	defer b.mu.Unlock()

	if opts.Since != nil {
		for _, env := range b.replayLocked(opts.Since.Seq, channels) {
			sub.offer(env)
		}
	}

	b.nextSubID++
	sub.id = b.nextSubID
	b.subs[sub.id] = sub
	return sub
}

// SubscribeProgress is a convenience for progress-only subscriptions.
func (b *EventBus) SubscribeProgress(opts SubscribeOptions) *Subscription {
	return b.Subscribe([]Channel{ChannelProgress}, opts)
}

// replayLocked merges store-backed and ring entries above sinceSeq, deduped
// by sequence and ordered. Called with b.mu held so no live emission can
// interleave between replay collection and subscriber registration.
func (b *EventBus) replayLocked(sinceSeq uint64, channels []Channel) []Envelope {
	merged := make(map[uint64]Envelope)

	if b.store != nil {
		stored, err := b.store.ReadEvents(context.Background(), b.agentID, sinceSeq, channels)
		if err != nil {
			slog.Warn("replay: store read failed, falling back to ring", "agent", b.agentID, "error", err)
		} else {
			for _, env := range stored {
				if env.Bookmark.Seq > sinceSeq {
					merged[env.Bookmark.Seq] = env
				}
			}
		}
	}

	want := make(map[Channel]bool, len(channels))
	for _, c := range channels {
		want[c] = true
	}
	for _, env := range b.ring {
		if env.Bookmark.Seq > sinceSeq && want[env.Event.Channel] {
			merged[env.Bookmark.Seq] = env
		}
	}

	out := make([]Envelope, 0, len(merged))
	for _, env := range merged {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bookmark.Seq < out[j].Bookmark.Seq })
	return out
}

func (b *EventBus) unsubscribe(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
