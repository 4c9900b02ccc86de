package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory EventStore that can be toggled to fail appends.
type memStore struct {
	mu     sync.Mutex
	fail   bool
	events []Envelope
}

func (m *memStore) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func (m *memStore) AppendEvent(_ context.Context, _ string, env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("store down")
	}
	m.events = append(m.events, env)
	return nil
}

func (m *memStore) ReadEvents(_ context.Context, _ string, sinceSeq uint64, channels []Channel) ([]Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[Channel]bool, len(channels))
	for _, c := range channels {
		want[c] = true
	}
	var out []Envelope
	for _, env := range m.events {
		if env.Bookmark.Seq > sinceSeq && (len(channels) == 0 || want[env.Event.Channel]) {
			out = append(out, env)
		}
	}
	return out, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// collect drains n envelopes from a subscription or fails the test.
func collect(t *testing.T, sub *Subscription, n int) []Envelope {
	t.Helper()
	var got []Envelope
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d of %d envelopes", len(got), n)
			}
			got = append(got, env)
		case <-deadline:
			t.Fatalf("timed out after %d of %d envelopes", len(got), n)
		}
	}
	return got
}

func TestEmitAssignsMonotonicBookmarks(t *testing.T) {
	b := New(Config{AgentID: "a1"})
	defer b.Close()

	var last Envelope
	for i := 0; i < 50; i++ {
		env := b.EmitProgress(EventTextChunk, map[string]any{"i": i})
		if i > 0 {
			require.Equal(t, last.Bookmark.Seq+1, env.Bookmark.Seq, "seq must be strictly increasing")
			require.Equal(t, last.Cursor+1, env.Cursor, "cursor advances in lockstep")
			require.False(t, env.Bookmark.Timestamp.Before(last.Bookmark.Timestamp))
		}
		last = env
	}
	assert.Equal(t, uint64(50), b.LastBookmark().Seq)
	assert.Equal(t, uint64(50), b.Cursor())
}

func TestStartSeqResumesAboveOldBookmarks(t *testing.T) {
	b := New(Config{AgentID: "a1", StartSeq: 100})
	defer b.Close()

	env := b.EmitMonitor(EventStateChanged, nil)
	assert.Equal(t, uint64(101), env.Bookmark.Seq)
	assert.Equal(t, uint64(1), env.Cursor, "cursor is per-process and restarts at 1")
}

func TestRecentReturnsNewestTail(t *testing.T) {
	b := New(Config{AgentID: "a1"})
	defer b.Close()

	assert.Empty(t, b.Recent(10))

	for i := 0; i < 20; i++ {
		b.EmitProgress(EventTextChunk, map[string]any{"i": i})
	}

	tail := b.Recent(5)
	require.Len(t, tail, 5)
	for i, env := range tail {
		assert.Equal(t, 15+i, env.Event.Payload["i"], "oldest first within the tail")
	}

	assert.Len(t, b.Recent(0), 20, "non-positive max returns everything")
	assert.Len(t, b.Recent(100), 20)
}

func TestSubscriberSeesLiveEventsInOrder(t *testing.T) {
	b := New(Config{AgentID: "a1"})
	defer b.Close()

	sub := b.SubscribeProgress(SubscribeOptions{})
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.EmitProgress(EventTextChunk, map[string]any{"i": i})
		b.EmitMonitor(EventStepComplete, nil) // different channel, filtered out
	}

	got := collect(t, sub, 10)
	for i, env := range got {
		assert.Equal(t, ChannelProgress, env.Event.Channel)
		assert.Equal(t, i, env.Event.Payload["i"])
	}
}

func TestKindFilter(t *testing.T) {
	b := New(Config{AgentID: "a1"})
	defer b.Close()

	sub := b.Subscribe([]Channel{ChannelProgress}, SubscribeOptions{Kinds: []string{EventDone}})
	defer sub.Close()

	b.EmitProgress(EventTextChunk, nil)
	b.EmitProgress(EventTextChunkEnd, nil)
	b.EmitProgress(EventDone, map[string]any{"reason": "completed"})

	got := collect(t, sub, 1)
	assert.Equal(t, EventDone, got[0].Event.Type)
}

func TestReplayFromBookmarkHasNoGapsOrDuplicates(t *testing.T) {
	st := &memStore{}
	b := New(Config{AgentID: "a1", Store: st})
	defer b.Close()

	var mark Bookmark
	for i := 0; i < 20; i++ {
		env := b.EmitProgress(EventTextChunk, map[string]any{"i": i})
		if i == 9 {
			mark = env.Bookmark
		}
	}

	sub := b.SubscribeProgress(SubscribeOptions{Since: &mark})
	defer sub.Close()

	// Live events after subscribing must follow the replayed tail seamlessly.
	for i := 20; i < 25; i++ {
		b.EmitProgress(EventTextChunk, map[string]any{"i": i})
	}

	got := collect(t, sub, 15)
	for i, env := range got {
		require.Equal(t, mark.Seq+uint64(i)+1, env.Bookmark.Seq,
			"replay + live must be contiguous from the bookmark")
	}
}

func TestReplayMergesStoreAndRing(t *testing.T) {
	st := &memStore{}
	// Seed the store with history from a "previous process".
	old := New(Config{AgentID: "a1", Store: st})
	for i := 0; i < 5; i++ {
		old.EmitProgress(EventTextChunk, map[string]any{"i": i})
	}
	old.Close() // flushes the persist queue
	require.Equal(t, 5, st.count())

	b := New(Config{AgentID: "a1", Store: st, StartSeq: 5})
	defer b.Close()
	b.EmitProgress(EventTextChunk, map[string]any{"i": 5})

	sub := b.SubscribeProgress(SubscribeOptions{Since: &Bookmark{Seq: 0}})
	defer sub.Close()

	got := collect(t, sub, 6)
	for i, env := range got {
		assert.Equal(t, uint64(i+1), env.Bookmark.Seq)
	}
}

func TestRingTrimKeepsRecentTail(t *testing.T) {
	b := New(Config{AgentID: "a1"})
	defer b.Close()

	total := ringMax + 1
	for i := 0; i < total; i++ {
		b.EmitProgress(EventTextChunk, nil)
	}

	// With no store, replay is ring-only: after the trim only the most
	// recent ringRetain entries survive.
	sub := b.SubscribeProgress(SubscribeOptions{Since: &Bookmark{Seq: 0}})
	defer sub.Close()

	got := collect(t, sub, ringRetain)
	assert.Equal(t, uint64(total-ringRetain+1), got[0].Bookmark.Seq)
	assert.Equal(t, uint64(total), got[ringRetain-1].Bookmark.Seq)
}

func TestCriticalEventsRetryAfterStorageFailure(t *testing.T) {
	st := &memStore{}
	st.setFail(true)

	b := New(Config{AgentID: "a1", Store: st})
	defer b.Close()

	monitor := b.Subscribe([]Channel{ChannelMonitor}, SubscribeOptions{Kinds: []string{EventStorageFailure}})
	defer monitor.Close()

	b.EmitProgress(EventDone, map[string]any{"reason": "completed"})

	// The failed critical append must surface as a storage_failure event
	// and land in the retry buffer.
	failures := collect(t, monitor, 1)
	assert.Equal(t, EventDone, failures[0].Event.Payload["failed_type"])
	require.Eventually(t, func() bool { return b.RetryBacklog() > 0 },
		2*time.Second, 10*time.Millisecond)

	// Once the store recovers the buffer drains.
	st.setFail(false)
	require.Eventually(t, func() bool { return b.RetryBacklog() == 0 },
		5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return st.count() >= 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestNonCriticalFailuresAreDropped(t *testing.T) {
	st := &memStore{}
	st.setFail(true)

	b := New(Config{AgentID: "a1", Store: st})
	defer b.Close()

	b.EmitProgress(EventTextChunk, nil)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, b.RetryBacklog(), "text chunks are not retried")
}

func TestCloseIsIdempotentAndClosesSubscribers(t *testing.T) {
	b := New(Config{AgentID: "a1"})
	sub := b.SubscribeProgress(SubscribeOptions{})

	b.Close()
	b.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok, "events channel closes with the bus")
}

func TestEmitNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := New(Config{AgentID: "a1"})
	defer b.Close()

	sub := b.SubscribeProgress(SubscribeOptions{})
	defer sub.Close()

	// Nobody drains sub; emission must still complete promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.EmitProgress(EventTextChunk, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on an undrained subscriber")
	}
}
