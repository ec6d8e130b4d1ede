package pathfinder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shuttlecore/core/internal/catalog"
	"github.com/shuttlecore/core/internal/traffic"
)

func straightLineCells() []catalog.Cell {
	allDirs := []catalog.Direction{catalog.DirUp, catalog.DirDown, catalog.DirLeft, catalog.DirRight}
	return []catalog.Cell{
		{ID: "c1", Qr: "Q1", Col: 1, Row: 1, CellType: catalog.CellAisle, DirectionType: allDirs},
		{ID: "c2", Qr: "Q2", Col: 2, Row: 1, CellType: catalog.CellAisle, DirectionType: allDirs},
		{ID: "c3", Qr: "Q3", Col: 3, Row: 1, CellType: catalog.CellStorage, DirectionType: allDirs},
	}
}

func TestPlanFindsStraightLinePath(t *testing.T) {
	steps, err := Plan(Request{
		Cells:       straightLineCells(),
		StartQr:     "Q1",
		GoalQr:      "Q3",
		FinalAction: traffic.ActionDropOff,
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, "Q2", steps[0].Qr)
	require.Equal(t, traffic.ActionNone, steps[0].Action)
	require.Equal(t, "Q3", steps[1].Qr)
	require.Equal(t, traffic.ActionDropOff, steps[1].Action)
}

func TestPlanFailsWhenGoalUnreachable(t *testing.T) {
	cells := straightLineCells()
	_, err := Plan(Request{
		Cells:   cells,
		StartQr: "Q1",
		GoalQr:  "Q404",
	})
	require.Error(t, err)
}

func TestPlanRetriesWithoutAvoidOnSecondPass(t *testing.T) {
	cells := straightLineCells()
	steps, err := Plan(Request{
		Cells:   cells,
		StartQr: "Q1",
		GoalQr:  "Q3",
		Avoid:   map[string]bool{"Q2": true},
	})
	require.NoError(t, err, "second pass with avoid cleared must still find the only path")
	require.Len(t, steps, 2)
}

func TestPlanHasBoxCellBlocksCarryingShuttleUnlessGoal(t *testing.T) {
	cells := straightLineCells()
	cells[1].HasBox = true // Q2 has a box

	_, err := Plan(Request{
		Cells:      cells,
		StartQr:    "Q1",
		GoalQr:     "Q3",
		IsCarrying: true,
	})
	require.Error(t, err, "a carrying shuttle cannot pass through a cell with a box")

	steps, err := Plan(Request{
		Cells:      cells,
		StartQr:    "Q1",
		GoalQr:     "Q2",
		IsCarrying: true,
	})
	require.NoError(t, err, "the goal cell itself is reachable even with a box")
	require.Len(t, steps, 1)
}

func TestPlanStartEqualsGoalProducesSingleStepPath(t *testing.T) {
	cells := straightLineCells()
	steps, err := Plan(Request{
		Cells:       cells,
		StartQr:     "Q1",
		GoalQr:      "Q1",
		FinalAction: traffic.ActionPickUp,
	})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, "Q1", steps[0].Qr)
	require.Equal(t, traffic.ActionPickUp, steps[0].Action)
}

func TestPlanOppositeDirectionTrafficAddsPenaltyButStillRoutes(t *testing.T) {
	cells := straightLineCells()
	steps, err := Plan(Request{
		Cells:   cells,
		StartQr: "Q1",
		GoalQr:  "Q3",
		Occupants: map[string][]Occupant{
			"Q2": {{ShuttleID: "other", Direction: catalog.DirLeft, IsCarrying: true}},
		},
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
}
