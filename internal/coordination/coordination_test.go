package coordination

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/shuttlecore/core/internal/kvstore"
)

func newTestStore(t *testing.T) kvstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := kvstore.NewRedisStoreFromClient(context.Background(), client)
	require.NoError(t, err)
	return store
}

func TestLeaderElectorAcquiresAndElects(t *testing.T) {
	store := newTestStore(t)
	el := New(store, "node-a", 200*time.Millisecond)

	elected := make(chan struct{}, 1)
	el.SetCallbacks(func(ctx context.Context) {
		elected <- struct{}{}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	el.Start(ctx)
	t.Cleanup(cancel)

	select {
	case <-elected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for election")
	}

	require.True(t, el.IsLeader())
	require.Equal(t, int64(1), el.GetState().CurrentEpoch)

	epoch, ok := GetEpochFromContext(el.FencedContext())
	require.True(t, ok)
	require.Equal(t, int64(1), epoch)
}

func TestLeaderElectorSecondNodeDoesNotElectWhileFirstHoldsLease(t *testing.T) {
	store := newTestStore(t)
	first := New(store, "node-a", 500*time.Millisecond)

	elected := make(chan struct{}, 1)
	first.SetCallbacks(func(ctx context.Context) { elected <- struct{}{} }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	first.Start(ctx)
	t.Cleanup(cancel)

	select {
	case <-elected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first node's election")
	}

	second := New(store, "node-b", 500*time.Millisecond)
	acquired, err := second.acquire(context.Background())
	require.NoError(t, err)
	require.False(t, acquired)
}

func TestLeaderElectorStopReleasesLease(t *testing.T) {
	store := newTestStore(t)
	el := New(store, "node-a", 200*time.Millisecond)

	elected := make(chan struct{}, 1)
	el.SetCallbacks(func(ctx context.Context) { elected <- struct{}{} }, nil)
	ctx := context.Background()
	el.Start(ctx)

	select {
	case <-elected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for election")
	}

	el.Stop()
	owner, err := store.GetLockOwner(context.Background(), leaderLockKey)
	require.NoError(t, err)
	require.Empty(t, owner)
}

func TestLockJanitorFencesStaleEpochLock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Incr(ctx, epochKey)
	require.NoError(t, err)
	_, err = store.Incr(ctx, epochKey)
	require.NoError(t, err)

	acquired, err := store.AcquireLock(ctx, "shuttlefleet:lock:row:F1:2", `{"node_id":"stale","epoch":1,"req_id":"r1"}`, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	j := NewLockJanitor(store, 10*time.Millisecond)
	j.sweep(ctx)

	owner, err := store.GetLockOwner(ctx, "shuttlefleet:lock:row:F1:2")
	require.NoError(t, err)
	require.Empty(t, owner)
}

func TestLockJanitorLeavesCurrentEpochLockAlone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	epoch, err := store.Incr(ctx, epochKey)
	require.NoError(t, err)

	val := `{"node_id":"node-a","epoch":` + strconv.FormatInt(epoch, 10) + `,"req_id":"r1"}`
	acquired, err := store.AcquireLock(ctx, "shuttlefleet:lock:row:F1:2", val, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	j := NewLockJanitor(store, 10*time.Millisecond)
	j.sweep(ctx)

	owner, err := store.GetLockOwner(ctx, "shuttlefleet:lock:row:F1:2")
	require.NoError(t, err)
	require.Equal(t, val, owner)
}
