package mission

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/shuttlecore/core/internal/catalog"
	"github.com/shuttlecore/core/internal/kvstore"
	"github.com/shuttlecore/core/internal/occupancy"
	"github.com/shuttlecore/core/internal/shuttlestate"
	"github.com/shuttlecore/core/internal/traffic"
)

var allDirs = []catalog.Direction{catalog.DirUp, catalog.DirDown, catalog.DirLeft, catalog.DirRight}

func seedTwoFloorWarehouse(cat *catalog.MemoryGateway) {
	cat.SeedCell(catalog.Cell{ID: "c1", Qr: "Q1", Col: 1, Row: 1, FloorID: "F1", RackID: "R1", CellType: catalog.CellAisle, DirectionType: allDirs})
	cat.SeedCell(catalog.Cell{ID: "c2", Qr: "Q2", Col: 2, Row: 1, FloorID: "F1", RackID: "R1", CellType: catalog.CellAisle, DirectionType: allDirs})
	cat.SeedCell(catalog.Cell{ID: "c3", Qr: "Q3", Col: 3, Row: 1, FloorID: "F1", RackID: "R1", CellType: catalog.CellLifter, DirectionType: allDirs})

	cat.SeedCell(catalog.Cell{ID: "c4", Qr: "L1", Col: 1, Row: 1, FloorID: "F2", RackID: "R1", CellType: catalog.CellLifter, DirectionType: allDirs})
	cat.SeedCell(catalog.Cell{ID: "c5", Qr: "Q4", Col: 2, Row: 1, FloorID: "F2", RackID: "R1", CellType: catalog.CellAisle, DirectionType: allDirs})
	cat.SeedCell(catalog.Cell{ID: "c6", Qr: "Q5", Col: 3, Row: 1, FloorID: "F2", RackID: "R1", CellType: catalog.CellStorage, DirectionType: allDirs})

	cat.SeedFloor(catalog.Floor{FloorID: "F1", RackID: "R1", FloorOrder: 1, Name: "Ground"})
	cat.SeedFloor(catalog.Floor{FloorID: "F2", RackID: "R1", FloorOrder: 2, Name: "Mezzanine"})
}

func newTestCoordinator(t *testing.T) (*Coordinator, *MemoryLifterGateway) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := kvstore.NewRedisStoreFromClient(context.Background(), client)
	require.NoError(t, err)

	cat := catalog.NewMemoryGateway()
	seedTwoFloorWarehouse(cat)

	occ := occupancy.New(store)
	center := traffic.New(store)
	shuttles := shuttlestate.New(store, shuttlestate.LivenessTTL)
	lifters := NewMemoryLifterGateway()

	coord := New(cat, occ, center, shuttles, lifters, store, nil)
	return coord, lifters
}

func TestCalculateNextSegmentSameFloorPickup(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Shuttles.UpdateFromTelemetry(ctx, "S1", shuttlestate.Telemetry{
		CurrentQr:      "Q1",
		CurrentFloorID: "F1",
	})
	require.NoError(t, err)

	m, waiting, err := coord.CalculateNextSegment(ctx, "S1", "Q2", "F1", Options{
		OnArrival:  OnArrivalPickupComplete,
		IsCarrying: false,
		TaskID:     "T1",
	})
	require.NoError(t, err)
	require.Nil(t, waiting)
	require.NotNil(t, m)
	require.Equal(t, 1, m.TotalStep)
	last := m.Steps[len(m.Steps)-1]
	require.Equal(t, "Q2", last.Qr)
	require.Equal(t, traffic.ActionPickUp, last.Action)
	require.Equal(t, OnArrivalPickupComplete, m.Meta.OnArrival)
}

func TestCalculateNextSegmentCrossFloorWaitsForLifter(t *testing.T) {
	coord, lifters := newTestCoordinator(t)
	ctx := context.Background()

	lifters.SeedLifter("c3", "F2", LifterMoving)

	_, err := coord.Shuttles.UpdateFromTelemetry(ctx, "S1", shuttlestate.Telemetry{
		CurrentQr:      "Q1",
		CurrentFloorID: "F1",
	})
	require.NoError(t, err)

	m, waiting, err := coord.CalculateNextSegment(ctx, "S1", "Q5", "F2", Options{
		OnArrival:  OnArrivalTaskComplete,
		IsCarrying: true,
		TaskID:     "T2",
	})
	require.NoError(t, err)
	require.Nil(t, m)
	require.NotNil(t, waiting)
	require.Equal(t, OnArrivalWaitingForLifter, waiting.Mission.Meta.OnArrival)

	saved, found, err := coord.GetWaitState(ctx, "S1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "c3", saved.LifterID)
	require.Equal(t, "F1", saved.BoardingFloorID)
	require.Equal(t, "Q5", saved.FinalTargetQr)

	require.NoError(t, coord.ClearWaitState(ctx, "S1"))
	_, found, err = coord.GetWaitState(ctx, "S1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCalculateNextSegmentCrossFloorProceedsWhenLifterReady(t *testing.T) {
	coord, lifters := newTestCoordinator(t)
	ctx := context.Background()

	lifters.SeedLifter("c3", "F1", LifterIdle)

	_, err := coord.Shuttles.UpdateFromTelemetry(ctx, "S1", shuttlestate.Telemetry{
		CurrentQr:      "Q1",
		CurrentFloorID: "F1",
	})
	require.NoError(t, err)

	m, waiting, err := coord.CalculateNextSegment(ctx, "S1", "Q5", "F2", Options{
		OnArrival:  OnArrivalTaskComplete,
		IsCarrying: true,
		TaskID:     "T3",
	})
	require.NoError(t, err)
	require.Nil(t, waiting)
	require.NotNil(t, m)
	last := m.Steps[len(m.Steps)-1]
	require.Equal(t, "Q3", last.Qr)
	require.Equal(t, traffic.ActionStopAtNode, last.Action)
	require.Equal(t, OnArrivalArrivedAtLifter, m.Meta.OnArrival)

	entry, found, err := coord.Traffic.GetPath(ctx, "S1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "T3", entry.Meta.TaskID)
}
