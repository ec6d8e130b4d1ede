package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := NewRedisStoreFromClient(context.Background(), client)
	require.NoError(t, err)
	return store
}

func TestAcquireLockIsReentrantForSameOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "pickup:lock:Q1", "task-1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireLock(ctx, "pickup:lock:Q1", "task-1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "re-acquisition by the same owner must succeed")

	ok, err = s.AcquireLock(ctx, "pickup:lock:Q1", "task-2", 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok, "a different owner must not acquire a held lock")
}

func TestRenewLockOwnerMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireLock(ctx, "endnode:lock:C1", "task-1", 5*time.Second)
	require.NoError(t, err)

	renewed, err := s.RenewLock(ctx, "endnode:lock:C1", "task-2", 5*time.Second)
	require.NoError(t, err)
	require.False(t, renewed)

	renewed, err = s.RenewLock(ctx, "endnode:lock:C1", "task-1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, renewed)
}

func TestReleaseLockOnlyByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireLock(ctx, "pickup:lock:Q2", "task-1", 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseLock(ctx, "pickup:lock:Q2", "task-2"))
	owner, err := s.GetLockOwner(ctx, "pickup:lock:Q2")
	require.NoError(t, err)
	require.Equal(t, "task-1", owner, "release by a non-owner must be a no-op")

	require.NoError(t, s.ReleaseLock(ctx, "pickup:lock:Q2", "task-1"))
	owner, err = s.GetLockOwner(ctx, "pickup:lock:Q2")
	require.NoError(t, err)
	require.Equal(t, "", owner)
}

func TestListAndSortedSetPrimitives(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RPush(ctx, "task:staging_queue", "batch-1"))
	require.NoError(t, s.RPush(ctx, "task:staging_queue", "batch-2"))
	n, err := s.LLen(ctx, "task:staging_queue")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	val, found, err := s.LPop(ctx, "task:staging_queue")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "batch-1", val)

	require.NoError(t, s.ZAdd(ctx, "shuttle:global_task_queue", 100, "task-a"))
	require.NoError(t, s.ZAdd(ctx, "shuttle:global_task_queue", 50, "task-b"))
	member, score, found, err := s.ZPopMin(ctx, "shuttle:global_task_queue")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "task-b", member)
	require.Equal(t, float64(50), score)
}

func TestReservationAcquireRenewRelease(t *testing.T) {
	s := newTestStore(t)
	res := NewReservation(s)
	ctx := context.Background()

	ok, err := res.Acquire(ctx, "row:direction:F1:2", "shuttle-1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	held, err := res.IsHeldBy(ctx, "row:direction:F1:2", "shuttle-1")
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, res.ReleaseIfOwner(ctx, "row:direction:F1:2", "shuttle-1"))
	owner, err := res.Owner(ctx, "row:direction:F1:2")
	require.NoError(t, err)
	require.Equal(t, "", owner)
}
