package pg

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

// lockKey maps an agent id onto the 64-bit advisory lock space.
func lockKey(agentID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(agentID))
	return int64(h.Sum64())
}

// AcquireAgentLock takes a session-level advisory lock for one agent so that
// only one process runs it at a time. The returned release func unlocks and
// gives the connection back to the pool. Acquisition gives up after timeout.
func (s *Store) AcquireAgentLock(ctx context.Context, agentID string, timeout time.Duration) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}

	key := lockKey(agentID)
	deadline := time.Now().Add(timeout)
	for {
		var got bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
			conn.Release()
			return nil, fmt.Errorf("advisory lock %s: %w", agentID, err)
		}
		if got {
			break
		}
		if time.Now().After(deadline) {
			conn.Release()
			return nil, fmt.Errorf("advisory lock %s: timed out after %s", agentID, timeout)
		}
		select {
		case <-ctx.Done():
			conn.Release()
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	release := func() {
		// Best effort: releasing the connection alone would also drop a
		// session lock, but unlock explicitly so the conn returns clean.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, nil
}
