package conflict

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/shuttlecore/core/internal/bus"
	"github.com/shuttlecore/core/internal/catalog"
	"github.com/shuttlecore/core/internal/config"
	"github.com/shuttlecore/core/internal/events"
	"github.com/shuttlecore/core/internal/kvstore"
	"github.com/shuttlecore/core/internal/mission"
	"github.com/shuttlecore/core/internal/occupancy"
	"github.com/shuttlecore/core/internal/shuttlestate"
	"github.com/shuttlecore/core/internal/taskscheduler"
	"github.com/shuttlecore/core/internal/traffic"
)

func allDirs() []catalog.Direction {
	return []catalog.Direction{catalog.DirUp, catalog.DirDown, catalog.DirLeft, catalog.DirRight}
}

func newTestResolver(t *testing.T) (*Resolver, kvstore.Store, *shuttlestate.Cache, *taskscheduler.Store, *occupancy.Map, *bus.InMemoryBus) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := kvstore.NewRedisStoreFromClient(context.Background(), client)
	require.NoError(t, err)

	cat := catalog.NewMemoryGateway()
	cat.SeedCell(catalog.Cell{ID: "a1", Qr: "A1", FloorID: "F1", RackID: "R1", Col: 1, Row: 1, CellType: catalog.CellAisle, DirectionType: allDirs()})
	cat.SeedCell(catalog.Cell{ID: "a2", Qr: "A2", FloorID: "F1", RackID: "R1", Col: 1, Row: 2, CellType: catalog.CellAisle, DirectionType: allDirs()})
	cat.SeedCell(catalog.Cell{ID: "park1", Qr: "PARK1", FloorID: "F1", RackID: "R1", Col: 2, Row: 1, CellType: catalog.CellAisle, DirectionType: allDirs()})
	cat.SeedFloor(catalog.Floor{FloorID: "F1", RackID: "R1", FloorOrder: 1})

	shuttles := shuttlestate.New(store, 10*time.Second)
	occ := occupancy.New(store)
	center := traffic.New(store)
	tasks := taskscheduler.NewStore(store)
	memBus := bus.NewInMemoryBus()

	racks := map[string]config.RackTopology{
		"R1": {ParkingNodes: []string{"PARK1"}},
	}
	r := New(store, cat, occ, shuttles, center, tasks, memBus, racks, nil)
	return r, store, shuttles, tasks, occ, memBus
}

func TestResolveSendsLowerPriorityShuttleToParking(t *testing.T) {
	r, store, shuttles, tasks, _, memBus := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, tasks.Register(ctx, taskscheduler.Task{
		TaskID: "task-empty", Status: taskscheduler.StatusInProgress,
		Timestamp: time.Now(),
	}))
	_, err := shuttles.UpdateFromTelemetry(ctx, "blocker", shuttlestate.Telemetry{
		CurrentQr: "A1", CurrentFloorID: "F1", ShuttleStatus: shuttlestate.StatusNormal,
		TaskID: "task-empty", PackageStatus: 0,
	})
	require.NoError(t, err)

	require.NoError(t, tasks.Register(ctx, taskscheduler.Task{
		TaskID: "task-carrying", Status: taskscheduler.StatusInProgress,
		Timestamp: time.Now(),
	}))
	_, err = shuttles.UpdateFromTelemetry(ctx, "waiter", shuttlestate.Telemetry{
		CurrentQr: "A2", CurrentFloorID: "F1", ShuttleStatus: shuttlestate.StatusWaiting,
		TaskID: "task-carrying", PackageStatus: 1, TargetQr: "A1",
	})
	require.NoError(t, err)

	var delivered MoveCommand
	sub, err := memBus.Subscribe("shuttle/handle/blocker", func(e bus.Event) {
		cmd, decErr := bus.Decode[MoveCommand](e.Payload)
		require.NoError(t, decErr)
		delivered = cmd
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, r.Resolve(ctx, events.ConflictRequest{
		ShuttleID: "waiter", WaitingAt: "A2", TargetNode: "A1", BlockedBy: "blocker",
	}))

	require.Equal(t, "MOVE_TO_PARKING", delivered.Action)
	require.Equal(t, "PARK1", delivered.Destination)

	count, found, err := store.Get(ctx, parkingUsedCounterKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", count)

	raw, found, err := store.Get(ctx, waitRecordKey("blocker"))
	require.NoError(t, err)
	require.True(t, found)
	require.NotEmpty(t, raw)

	raw, found, err = store.Get(ctx, waitRecordKey("waiter"))
	require.NoError(t, err)
	require.True(t, found)
	require.NotEmpty(t, raw)
}

func TestResolveNoBlockerDoesNothing(t *testing.T) {
	r, _, _, _, _, _ := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, r.Resolve(ctx, events.ConflictRequest{
		ShuttleID: "waiter", WaitingAt: "A2", TargetNode: "UNKNOWN",
	}))
}

func TestAcceptanceLimitGrowsWithAttemptsAndWait(t *testing.T) {
	base := acceptanceLimit(waitRecord{IsCarrying: false, Attempt: 0, WaitingSince: time.Now()})
	require.InDelta(t, 2.0, base, 0.001)

	withRetry := acceptanceLimit(waitRecord{IsCarrying: false, Attempt: 2, WaitingSince: time.Now()})
	require.InDelta(t, 3.0, withRetry, 0.001)

	carrying := acceptanceLimit(waitRecord{IsCarrying: true, Attempt: 0, WaitingSince: time.Now()})
	require.InDelta(t, 1.4, carrying, 0.001)

	aged := acceptanceLimit(waitRecord{IsCarrying: false, Attempt: 0, WaitingSince: time.Now().Add(-16 * time.Second)})
	require.InDelta(t, 2.5, aged, 0.001)
}

func TestPollWaitsReroutesWhenPathBecomesClear(t *testing.T) {
	r, store, shuttles, _, _, memBus := newTestResolver(t)
	ctx := context.Background()

	_, err := shuttles.UpdateFromTelemetry(ctx, "waiter", shuttlestate.Telemetry{
		CurrentQr: "A2", CurrentFloorID: "F1", ShuttleStatus: shuttlestate.StatusWaiting,
	})
	require.NoError(t, err)

	var delivered mission.Mission
	sub, err := memBus.Subscribe("shuttle/handle/waiter", func(e bus.Event) {
		m, decErr := bus.Decode[mission.Mission](e.Payload)
		require.NoError(t, decErr)
		delivered = m
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, r.enterWait(ctx, "waiter", "A1"))
	rec := waitRecord{}
	raw, found, err := store.Get(ctx, waitRecordKey("waiter"))
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	rec.NextCheckAt = time.Now().Add(-time.Second)
	rec.OriginalPathLength = 1
	require.NoError(t, r.saveWaitRecord(ctx, rec))

	r.pollWaits(ctx)

	_, found, err = store.Get(ctx, waitRecordKey("waiter"))
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, 1, delivered.TotalStep)
}
