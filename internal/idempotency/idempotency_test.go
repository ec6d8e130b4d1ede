package idempotency

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/shuttlecore/core/internal/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv, err := kvstore.NewRedisStoreFromClient(context.Background(), client)
	require.NoError(t, err)
	return New(kv)
}

func TestExecuteRunsHandlerOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var calls int32
	fn := func(ctx context.Context) (Response, error) {
		atomic.AddInt32(&calls, 1)
		return Response{StatusCode: 201, Body: []byte(`{"ok":true}`)}, nil
	}

	resp1, err := s.Execute(ctx, "auto-mode", "key-1", fn)
	require.NoError(t, err)
	require.Equal(t, 201, resp1.StatusCode)

	resp2, err := s.Execute(ctx, "auto-mode", "key-1", fn)
	require.NoError(t, err)
	require.Equal(t, resp1.Body, resp2.Body)

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExecuteDistinctKeysRunIndependently(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var calls int32
	fn := func(ctx context.Context) (Response, error) {
		atomic.AddInt32(&calls, 1)
		return Response{StatusCode: 200}, nil
	}

	_, err := s.Execute(ctx, "auto-mode", "key-a", fn)
	require.NoError(t, err)
	_, err = s.Execute(ctx, "auto-mode", "key-b", fn)
	require.NoError(t, err)

	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestWaitForResultReturnsOnceLockHolderStores(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acquired, err := s.store.AcquireLock(ctx, lockKey("key-1"), "key-1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.storeResult(ctx, "key-1", Response{StatusCode: 202})
	}()

	resp, err := s.waitForResult(ctx, "auto-mode", "key-1")
	require.NoError(t, err)
	require.Equal(t, 202, resp.StatusCode)
}
