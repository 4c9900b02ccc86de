package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/filepool"
	"github.com/strandlabs/strand/sandbox"
)

type echoTool struct{ name string }

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echoes its input back" }
func (t *echoTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":  map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer", "minimum": 0},
		},
		"required": []any{"text"},
	}
}
func (t *echoTool) Execute(ctx context.Context, input map[string]any) (*Outcome, error) {
	return Ok(input["text"]), nil
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&echoTool{name: "echo"})

	tests := []struct {
		name    string
		input   map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"text": "hi"}, false},
		{"valid with count", map[string]any{"text": "hi", "count": 3}, false},
		{"missing required", map[string]any{"count": 3}, true},
		{"wrong type", map[string]any{"text": 42}, true},
		{"violates minimum", map[string]any{"text": "hi", "count": -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate("echo", tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Error(t, r.Validate("unknown", map[string]any{}), "unregistered tool")
}

func TestRegistryDefsAreSorted(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&echoTool{name: "zeta"})
	r.MustRegister(&echoTool{name: "alpha"})

	defs := r.Defs()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[1].Name)
	assert.Equal(t, []string{"alpha", "zeta"}, r.Names())
}

func TestFailClassifiesRetryability(t *testing.T) {
	assert.True(t, Fail("fs_read", ErrTypeRuntime, "io error").Retryable)
	assert.True(t, Fail("fs_read", ErrTypeAborted, "timed out").Retryable)
	assert.False(t, Fail("fs_read", ErrTypeValidation, "bad input").Retryable)
	assert.False(t, Fail("fs_read", ErrTypeLogical, "precondition").Retryable)

	out := Fail("fs_write", ErrTypeLogical, "stale file")
	assert.NotEmpty(t, out.Recommendations)
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	r := NewRunner(2)

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Run(context.Background(), func(ctx context.Context) error {
				cur := atomic.AddInt64(&active, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt64(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestRunnerClearDropsQueuedOnly(t *testing.T) {
	r := NewRunner(1)

	started := make(chan struct{})
	release := make(chan struct{})
	var runningErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runningErr = r.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// This one queues behind the permit holder.
	queuedErr := make(chan error, 1)
	go func() {
		queuedErr <- r.Run(context.Background(), func(ctx context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	r.Clear()

	select {
	case err := <-queuedErr:
		assert.ErrorIs(t, err, ErrCleared)
	case <-time.After(2 * time.Second):
		t.Fatal("queued task not dropped by Clear")
	}

	close(release)
	wg.Wait()
	assert.NoError(t, runningErr, "the running task must finish normally")

	// The runner accepts new work after a clear.
	assert.NoError(t, r.Run(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestRunnerHonorsCallerContext(t *testing.T) {
	r := NewRunner(1)

	release := make(chan struct{})
	go r.Run(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	time.Sleep(10 * time.Millisecond)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := r.Run(ctx, func(ctx context.Context) error { return nil })
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func newFsFixture(t *testing.T) (sandbox.Sandbox, *filepool.Pool, string) {
	t.Helper()
	dir := t.TempDir()
	sb, err := sandbox.NewLocal(dir)
	require.NoError(t, err)
	t.Cleanup(func() { sb.Close() })
	pool := filepool.New(sb, false)
	t.Cleanup(pool.Close)
	return sb, pool, dir
}

func TestFsReadWriteEdit(t *testing.T) {
	sb, pool, dir := newFsFixture(t)
	ctx := context.Background()

	write := &FsWrite{SB: sb, Pool: pool}
	read := &FsRead{SB: sb}
	edit := &FsEdit{SB: sb, Pool: pool}

	out, err := write.Execute(ctx, map[string]any{"path": "hello.txt", "content": "hello world"})
	require.NoError(t, err)
	require.True(t, out.OK)
	require.NoError(t, pool.RecordEdit(ctx, "hello.txt"))

	out, err = read.Execute(ctx, map[string]any{"path": "hello.txt"})
	require.NoError(t, err)
	require.True(t, out.OK)
	assert.Equal(t, "hello world", out.Data)

	out, err = edit.Execute(ctx, map[string]any{
		"path": "hello.txt", "old_string": "world", "new_string": "strand",
	})
	require.NoError(t, err)
	require.True(t, out.OK)

	data, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello strand", string(data))
}

func TestFsWriteRejectsStaleFile(t *testing.T) {
	sb, pool, dir := newFsFixture(t)
	ctx := context.Background()

	// File exists but was never read through the pool.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("v1"), 0o644))

	write := &FsWrite{SB: sb, Pool: pool}
	out, err := write.Execute(ctx, map[string]any{"path": "a.txt", "content": "v2"})
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, ErrTypeLogical, out.ErrorType)
	assert.NotEmpty(t, out.Recommendations)
}

func TestFsEditRequiresUniqueMatch(t *testing.T) {
	sb, pool, _ := newFsFixture(t)
	ctx := context.Background()

	write := &FsWrite{SB: sb, Pool: pool}
	_, err := write.Execute(ctx, map[string]any{"path": "a.txt", "content": "x x"})
	require.NoError(t, err)
	require.NoError(t, pool.RecordEdit(ctx, "a.txt"))

	edit := &FsEdit{SB: sb, Pool: pool}

	out, err := edit.Execute(ctx, map[string]any{"path": "a.txt", "old_string": "x", "new_string": "y"})
	require.NoError(t, err)
	assert.False(t, out.OK, "ambiguous old_string must be rejected")

	out, err = edit.Execute(ctx, map[string]any{"path": "a.txt", "old_string": "zzz", "new_string": "y"})
	require.NoError(t, err)
	assert.False(t, out.OK, "absent old_string must be rejected")
}

func TestFsReadMissingFile(t *testing.T) {
	sb, _, _ := newFsFixture(t)
	read := &FsRead{SB: sb}

	out, err := read.Execute(context.Background(), map[string]any{"path": "nope.txt"})
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, ErrTypeRuntime, out.ErrorType)
	assert.True(t, out.Retryable)
}

func TestRecommendVariesByErrorType(t *testing.T) {
	validation := Recommend(ErrTypeValidation, "fs_write")
	logical := Recommend(ErrTypeLogical, "fs_write")
	assert.NotEmpty(t, validation)
	assert.NotEmpty(t, logical)
	assert.NotEqual(t, validation, logical)
}
