package taskscheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/shuttlecore/core/internal/catalog"
	"github.com/shuttlecore/core/internal/kvstore"
	"github.com/shuttlecore/core/internal/rowdirection"
	"github.com/shuttlecore/core/internal/staging"
)

type noActiveTasks struct{}

func (noActiveTasks) HasActivePalletID(ctx context.Context, palletID string) (bool, error) {
	return false, nil
}

func newHarness(t *testing.T) (kvstore.Store, *catalog.MemoryGateway) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := kvstore.NewRedisStoreFromClient(context.Background(), client)
	require.NoError(t, err)

	cat := catalog.NewMemoryGateway()
	cat.SeedCell(catalog.Cell{ID: "pickup-1", Qr: "PICKUP1", FloorID: "F1", RackID: "R1", CellType: catalog.CellPickup})
	cat.SeedCell(catalog.Cell{ID: "s1", Qr: "S1", FloorID: "F1", RackID: "R1", Row: 2, Col: 1, CellType: catalog.CellStorage})
	cat.SeedCell(catalog.Cell{ID: "s2", Qr: "S2", FloorID: "F1", RackID: "R1", Row: 2, Col: 2, CellType: catalog.CellStorage})
	return store, cat
}

func idGenSeq(prefix string) IDGenerator {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func TestTickLocksEndpointAndRegistersTask(t *testing.T) {
	store, cat := newHarness(t)
	ctx := context.Background()

	pipeline := staging.New(store, cat, noActiveTasks{}, idGenSeq("batch-"))
	result, err := pipeline.AutoMode(ctx, []staging.AutoModeRequest{
		{RackID: "R1", PalletType: "euro", ListItem: []string{"PAL-1"}},
	})
	require.NoError(t, err)
	require.Len(t, result.BatchIDs, 1)

	tasks := NewStore(store)
	worker := New(store, cat, rowdirection.New(store), pipeline, tasks, idGenSeq("task-"))

	require.NoError(t, worker.Tick(ctx))

	got, found, err := tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, "PAL-1", got.ItemInfo)
	require.Contains(t, []string{"S1", "S2"}, got.EndQr)

	lockedCellID := "s1"
	if got.EndQr == "S2" {
		lockedCellID = "s2"
	}
	owner, err := store.GetLockOwner(ctx, endpointLockKey(lockedCellID))
	require.NoError(t, err)
	require.Equal(t, "task-1", owner)
}

func TestTickSkipsReentrantTicks(t *testing.T) {
	store, cat := newHarness(t)
	ctx := context.Background()

	pipeline := staging.New(store, cat, noActiveTasks{}, idGenSeq("batch-"))
	tasks := NewStore(store)
	worker := New(store, cat, rowdirection.New(store), pipeline, tasks, idGenSeq("task-"))

	worker.ticking = 1
	require.NoError(t, worker.Tick(ctx))
	count, found, err := store.Get(ctx, "stats:active_shuttles")
	_ = count
	require.False(t, found)
	require.NoError(t, err)
}

func TestActiveShuttleCounterRoundTrips(t *testing.T) {
	store, _ := newHarness(t)
	ctx := context.Background()

	n, err := IncrActiveShuttles(ctx, store)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	count, err := ActiveShuttleCount(ctx, store)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	_, err = DecrActiveShuttles(ctx, store)
	require.NoError(t, err)
	count, err = ActiveShuttleCount(ctx, store)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestPopPendingAndReinsertPreservesScore(t *testing.T) {
	store, _ := newHarness(t)
	ctx := context.Background()
	tasks := NewStore(store)

	require.NoError(t, tasks.Register(ctx, Task{TaskID: "t1", Status: StatusPending, Timestamp: time.Unix(100, 0)}))

	taskID, score, found, err := tasks.PopPending(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "t1", taskID)
	require.Equal(t, float64(100), score)

	require.NoError(t, tasks.ReinsertPending(ctx, taskID, score))
	taskID2, score2, found2, err := tasks.PopPending(ctx)
	require.NoError(t, err)
	require.True(t, found2)
	require.Equal(t, "t1", taskID2)
	require.Equal(t, float64(100), score2)
}
