package traffic

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/shuttlecore/core/internal/kvstore"
)

func newTestCenter(t *testing.T) (*Center, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := kvstore.NewRedisStoreFromClient(context.Background(), client)
	require.NoError(t, err)
	return New(store), mr
}

func TestSaveAndGetPathRoundTrip(t *testing.T) {
	c, _ := newTestCenter(t)
	ctx := context.Background()

	steps := []Step{{Qr: "A", Direction: 1, Action: ActionNone}, {Qr: "B", Direction: 1, Action: ActionPickUp}}
	require.NoError(t, c.SavePath(ctx, "shuttle-1", steps, Meta{TaskID: "t1", IsCarrying: true}))

	entry, found, err := c.GetPath(ctx, "shuttle-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "t1", entry.Meta.TaskID)
	require.Len(t, entry.Steps, 2)
}

func TestDeletePathIsIdempotent(t *testing.T) {
	c, _ := newTestCenter(t)
	ctx := context.Background()

	require.NoError(t, c.DeletePath(ctx, "shuttle-404"))
	require.NoError(t, c.SavePath(ctx, "shuttle-1", []Step{{Qr: "A"}}, Meta{}))
	require.NoError(t, c.DeletePath(ctx, "shuttle-1"))
	require.NoError(t, c.DeletePath(ctx, "shuttle-1"))

	_, found, err := c.GetPath(ctx, "shuttle-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDetectTrafficFlowCorridorsRequiresTwoShuttlesAndDominance(t *testing.T) {
	c, _ := newTestCenter(t)
	ctx := context.Background()

	require.NoError(t, c.SavePath(ctx, "shuttle-1", []Step{{Qr: "X0001Y0001", Direction: 1}}, Meta{}))
	require.NoError(t, c.SavePath(ctx, "shuttle-2", []Step{{Qr: "X0001Y0001", Direction: 1}}, Meta{}))
	require.NoError(t, c.SavePath(ctx, "shuttle-3", []Step{{Qr: "X0001Y0001", Direction: 3}}, Meta{}))

	corridors, err := c.DetectTrafficFlowCorridors(ctx)
	require.NoError(t, err)
	corridor, ok := corridors["X0001Y0001"]
	require.True(t, ok)
	require.Equal(t, Direction(1), corridor.DominantDirection)
	require.Equal(t, 3, corridor.ShuttleCount)
	require.True(t, corridor.IsHighTraffic)
}

func TestJanitorEvictsStaleEntries(t *testing.T) {
	c, _ := newTestCenter(t)
	ctx := context.Background()

	require.NoError(t, c.SavePath(ctx, "shuttle-1", []Step{{Qr: "A"}}, Meta{}))

	stale := Entry{
		ShuttleID: "shuttle-1",
		Steps:     []Step{{Qr: "A"}},
		Timestamp: time.Now().Add(-DefaultTTL - time.Minute),
		TTL:       DefaultTTL,
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, c.store.Set(ctx, pathKey("shuttle-1"), string(data), time.Hour))

	j := NewJanitor(c, time.Millisecond)
	j.sweep(ctx)

	_, found, err := c.GetPath(ctx, "shuttle-1")
	require.NoError(t, err)
	require.False(t, found)
}
