package occupancy

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/shuttlecore/core/internal/kvstore"
)

func newTestMap(t *testing.T) *Map {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := kvstore.NewRedisStoreFromClient(context.Background(), client)
	require.NoError(t, err)
	return New(store)
}

func TestBlockAndUnblockNode(t *testing.T) {
	m := newTestMap(t)
	ctx := context.Background()

	require.NoError(t, m.BlockNode(ctx, "X0001Y0001", "shuttle-1"))
	occupant, err := m.OccupantOf(ctx, "X0001Y0001")
	require.NoError(t, err)
	require.Equal(t, "shuttle-1", occupant)

	require.NoError(t, m.UnblockNode(ctx, "X0001Y0001"))
	occupant, err = m.OccupantOf(ctx, "X0001Y0001")
	require.NoError(t, err)
	require.Equal(t, "", occupant)
}

func TestHandleShuttleMoveUnblocksThenBlocks(t *testing.T) {
	m := newTestMap(t)
	ctx := context.Background()

	require.NoError(t, m.BlockNode(ctx, "A", "shuttle-1"))
	require.NoError(t, m.HandleShuttleMove(ctx, "shuttle-1", "A", "B"))

	occA, err := m.OccupantOf(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, "", occA)

	occB, err := m.OccupantOf(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, "shuttle-1", occB)
}

func TestAllOccupiedNodesSnapshot(t *testing.T) {
	m := newTestMap(t)
	ctx := context.Background()

	require.NoError(t, m.BlockNode(ctx, "A", "shuttle-1"))
	require.NoError(t, m.BlockNode(ctx, "B", "shuttle-2"))

	snapshot, err := m.AllOccupiedNodes(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"A": "shuttle-1", "B": "shuttle-2"}, snapshot)
}
