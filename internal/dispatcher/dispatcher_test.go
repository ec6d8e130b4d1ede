package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/shuttlecore/core/internal/bus"
	"github.com/shuttlecore/core/internal/catalog"
	"github.com/shuttlecore/core/internal/kvstore"
	"github.com/shuttlecore/core/internal/mission"
	"github.com/shuttlecore/core/internal/occupancy"
	"github.com/shuttlecore/core/internal/shuttlestate"
	"github.com/shuttlecore/core/internal/taskscheduler"
	"github.com/shuttlecore/core/internal/traffic"
)

func newHarness(t *testing.T) (*Dispatcher, *taskscheduler.Store, *shuttlestate.Cache, *bus.InMemoryBus) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := kvstore.NewRedisStoreFromClient(context.Background(), client)
	require.NoError(t, err)

	cat := catalog.NewMemoryGateway()
	cat.SeedCell(catalog.Cell{ID: "pickup-1", Qr: "PICKUP1", FloorID: "F1", RackID: "R1", Col: 5, Row: 1, CellType: catalog.CellPickup,
		DirectionType: []catalog.Direction{catalog.DirUp, catalog.DirDown, catalog.DirLeft, catalog.DirRight}})
	cat.SeedCell(catalog.Cell{ID: "near", Qr: "NEAR", FloorID: "F1", RackID: "R1", Col: 5, Row: 2, CellType: catalog.CellAisle,
		DirectionType: []catalog.Direction{catalog.DirUp, catalog.DirDown, catalog.DirLeft, catalog.DirRight}})
	cat.SeedCell(catalog.Cell{ID: "far", Qr: "FAR", FloorID: "F1", RackID: "R1", Col: 50, Row: 50, CellType: catalog.CellAisle,
		DirectionType: []catalog.Direction{catalog.DirUp, catalog.DirDown, catalog.DirLeft, catalog.DirRight}})
	cat.SeedCell(catalog.Cell{ID: "isolated", Qr: "ISOLATED", FloorID: "F1", RackID: "R1", Col: 99, Row: 99, CellType: catalog.CellAisle})
	cat.SeedFloor(catalog.Floor{FloorID: "F1", RackID: "R1", FloorOrder: 1})

	shuttles := shuttlestate.New(store, 10*time.Second)
	occ := occupancy.New(store)
	center := traffic.New(store)
	lifters := mission.NewMemoryLifterGateway()
	coordinator := mission.New(cat, occ, center, shuttles, lifters, store, nil)
	memBus := bus.NewInMemoryBus()
	tasks := taskscheduler.NewStore(store)

	d := New(store, cat, shuttles, tasks, coordinator, memBus)
	return d, tasks, shuttles, memBus
}

func TestTickDispatchesToNearestIdleShuttle(t *testing.T) {
	d, tasks, shuttles, memBus := newHarness(t)
	ctx := context.Background()

	_, err := shuttles.UpdateFromTelemetry(ctx, "near-shuttle", shuttlestate.Telemetry{
		CurrentQr: "NEAR", CurrentFloorID: "F1", ShuttleStatus: shuttlestate.StatusIdle,
	})
	require.NoError(t, err)
	_, err = shuttles.UpdateFromTelemetry(ctx, "far-shuttle", shuttlestate.Telemetry{
		CurrentQr: "FAR", CurrentFloorID: "F1", ShuttleStatus: shuttlestate.StatusIdle,
	})
	require.NoError(t, err)

	var delivered mission.Mission
	sub, err := memBus.Subscribe("shuttle/handle/near-shuttle", func(e bus.Event) {
		m, decErr := bus.Decode[mission.Mission](e.Payload)
		require.NoError(t, decErr)
		delivered = m
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, tasks.Register(ctx, taskscheduler.Task{
		TaskID: "task-1", Status: taskscheduler.StatusPending,
		PickupQr: "PICKUP1", PickupFloorID: "F1", EndQr: "S1", ItemInfo: "PAL-1",
		Timestamp: time.Now(),
	}))

	require.NoError(t, d.Tick(ctx))

	task, found, err := tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, taskscheduler.StatusAssigned, task.Status)
	require.Equal(t, "near-shuttle", task.AssignedShuttleID)
	require.NotZero(t, delivered.TotalStep)
	require.Equal(t, mission.OnArrivalPickupComplete, delivered.Meta.OnArrival)
}

// TestTickFailsTaskAndReleasesLockWhenUnreachable guards against the
// lock-leak/orphaned-task bug: when the only idle shuttle sits on a cell
// with no route to the pickup node, CalculateNextSegment returns
// ErrNoPathFound after already holding the pickup lock. Tick must release
// that lock and mark the task StatusFailed instead of leaving it stuck at
// StatusPending with the lock leaking for its full TTL.
func TestTickFailsTaskAndReleasesLockWhenUnreachable(t *testing.T) {
	d, tasks, shuttles, _ := newHarness(t)
	ctx := context.Background()

	_, err := shuttles.UpdateFromTelemetry(ctx, "stranded-shuttle", shuttlestate.Telemetry{
		CurrentQr: "ISOLATED", CurrentFloorID: "F1", ShuttleStatus: shuttlestate.StatusIdle,
	})
	require.NoError(t, err)

	require.NoError(t, tasks.Register(ctx, taskscheduler.Task{
		TaskID: "task-1", Status: taskscheduler.StatusPending,
		PickupQr: "PICKUP1", PickupFloorID: "F1", EndQr: "S1",
		Timestamp: time.Now(),
	}))

	require.NoError(t, d.Tick(ctx))

	task, found, err := tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, taskscheduler.StatusFailed, task.Status)

	locked, err := d.store.AcquireLock(ctx, pickupLockKey("PICKUP1"), "someone-else", time.Second)
	require.NoError(t, err)
	require.True(t, locked, "pickup lock must be released once the task is marked failed")
}

func TestTickReinsertsWhenNoIdleShuttle(t *testing.T) {
	d, tasks, _, _ := newHarness(t)
	ctx := context.Background()

	require.NoError(t, tasks.Register(ctx, taskscheduler.Task{
		TaskID: "task-1", Status: taskscheduler.StatusPending,
		PickupQr: "PICKUP1", PickupFloorID: "F1", EndQr: "S1",
		Timestamp: time.Now(),
	}))

	require.NoError(t, d.Tick(ctx))

	taskID, _, found, err := tasks.PopPending(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "task-1", taskID)
}
