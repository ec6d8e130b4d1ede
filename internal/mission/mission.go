// Package mission is the Mission Coordinator: it converts a
// (shuttle, finalTarget) pair into a single-floor path segment, inserting
// lifter waits whenever the segment crosses floors.
package mission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shuttlecore/core/internal/catalog"
	"github.com/shuttlecore/core/internal/config"
	"github.com/shuttlecore/core/internal/coreerrors"
	"github.com/shuttlecore/core/internal/kvstore"
	"github.com/shuttlecore/core/internal/occupancy"
	"github.com/shuttlecore/core/internal/pathfinder"
	"github.com/shuttlecore/core/internal/shuttlestate"
	"github.com/shuttlecore/core/internal/traffic"
)

// OnArrival is the caller-selected event fired when a mission's last step
// completes.
type OnArrival string

const (
	OnArrivalPickupComplete   OnArrival = "PICKUP_COMPLETE"
	OnArrivalTaskComplete     OnArrival = "TASK_COMPLETE"
	OnArrivalArrivedAtLifter  OnArrival = "ARRIVED_AT_LIFTER"
	OnArrivalWaitingForLifter OnArrival = "WAITING_FOR_LIFTER"
)

// Options carries the caller's intent for this segment.
type Options struct {
	OnArrival  OnArrival
	IsCarrying bool
	TaskID     string
	PickupQr   string
	EndQr      string
	ItemInfo   string
}

// Meta is the mission payload's metadata block.
type Meta struct {
	TaskID             string    `json:"taskId"`
	OnArrival          OnArrival `json:"onArrival"`
	Step               int       `json:"step"`
	FinalTargetQr      string    `json:"finalTargetQr"`
	FinalTargetFloorID string    `json:"finalTargetFloorId"`
	PickupQr           string    `json:"pickupQr"`
	EndQr              string    `json:"endQr"`
	ItemInfo           string    `json:"itemInfo"`
	IsCarrying         bool      `json:"isCarrying"`
}

// Mission is a single-floor path segment ready to publish to a shuttle.
type Mission struct {
	TotalStep             int            `json:"totalStep"`
	Steps                 []traffic.Step `json:"steps"`
	RunningPathSimulation  []string       `json:"running_path_simulation"`
	Meta                   Meta           `json:"meta"`
}

// WaitingForLifter is returned in place of a Mission when the lifter isn't
// ready, carrying enough state for the lifter-ready poller to resume.
type WaitingForLifter struct {
	Mission   Mission
	WaitState WaitState
}

// WaitState describes a parked shuttle's resume path once its lifter
// reaches the boarding floor.
type WaitState struct {
	ShuttleID          string         `json:"shuttleId"`
	LifterID           string         `json:"lifterId"`
	WaitQr             string         `json:"waitQr"`
	BoardingFloorID    string         `json:"boardingFloorId"`
	ResumeSteps        []traffic.Step `json:"resumeSteps"`
	FinalTargetQr      string         `json:"finalTargetQr"`
	FinalTargetFloorID string         `json:"finalTargetFloorId"`
	Opts               Options        `json:"opts"`
}

// LifterNode is a floor's designated lifter cell, reusing the config
// package's topology-file shape.
type LifterNode = config.LifterNode

func waitStateKey(shuttleID string) string {
	return fmt.Sprintf("shuttle:wait_lifter:%s", shuttleID)
}

func marshalWaitState(state WaitState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalWaitState(raw string) (*WaitState, error) {
	var state WaitState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Coordinator implements calculateNextSegment.
type Coordinator struct {
	Catalog    catalog.Gateway
	Occupancy  *occupancy.Map
	Traffic    *traffic.Center
	Shuttles   *shuttlestate.Cache
	Lifters    LifterGateway
	Store      kvstore.Store
	// LifterTopology is the designated lifter per floor, loaded from the
	// lifter config file; floors absent here fall back to a catalog lookup.
	LifterTopology map[string]LifterNode
}

// New constructs a Mission Coordinator.
func New(cat catalog.Gateway, occ *occupancy.Map, center *traffic.Center, shuttles *shuttlestate.Cache, lifters LifterGateway, store kvstore.Store, lifterTopology map[string]LifterNode) *Coordinator {
	return &Coordinator{
		Catalog:        cat,
		Occupancy:      occ,
		Traffic:        center,
		Shuttles:       shuttles,
		Lifters:        lifters,
		Store:          store,
		LifterTopology: lifterTopology,
	}
}

func (c *Coordinator) resolveLifterNode(ctx context.Context, floorID string) (*LifterNode, error) {
	if node, ok := c.LifterTopology[floorID]; ok {
		return &node, nil
	}
	cell, err := c.Catalog.GetLifterNode(ctx, floorID)
	if err != nil {
		return nil, err
	}
	if cell == nil {
		return nil, &coreerrors.NotFoundError{Kind: "lifterNode", ID: floorID}
	}
	return &LifterNode{LifterID: cell.ID, Qr: cell.Qr}, nil
}

// CalculateNextSegment resolves the shuttle's current position, decides
// whether this segment stays on-floor or must first reach a lifter, plans
// the route, and either returns a ready Mission or a WaitingForLifter.
func (c *Coordinator) CalculateNextSegment(ctx context.Context, shuttleID, finalTargetQr, finalTargetFloorID string, opts Options) (*Mission, *WaitingForLifter, error) {
	state, found, err := c.Shuttles.Get(ctx, shuttleID)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, &coreerrors.NotFoundError{Kind: "shuttle", ID: shuttleID}
	}

	currentCell, err := c.Catalog.GetCellByQr(ctx, state.CurrentQr, state.CurrentFloorID)
	if err != nil {
		return nil, nil, err
	}
	currentFloorID := currentCell.FloorID

	var segmentTargetQr, segmentFloorID string
	var onArrival OnArrival
	var lastAction traffic.Action

	sameFloor := currentFloorID == finalTargetFloorID
	if sameFloor {
		segmentTargetQr = finalTargetQr
		segmentFloorID = finalTargetFloorID
		onArrival = opts.OnArrival
		if opts.IsCarrying {
			lastAction = traffic.ActionDropOff
		} else {
			lastAction = traffic.ActionPickUp
		}
	} else {
		lifterNode, err := c.resolveLifterNode(ctx, currentFloorID)
		if err != nil {
			return nil, nil, err
		}
		segmentTargetQr = lifterNode.Qr
		segmentFloorID = currentFloorID
		onArrival = OnArrivalArrivedAtLifter
		lastAction = traffic.ActionStopAtNode
	}

	steps, err := c.planSegment(ctx, shuttleID, segmentFloorID, state.CurrentQr, segmentTargetQr, opts.IsCarrying, lastAction)
	if err != nil {
		return nil, nil, err
	}

	if !sameFloor {
		waiting, err := c.checkLifterReadiness(ctx, shuttleID, currentCell, steps, finalTargetQr, finalTargetFloorID, opts)
		if err != nil {
			return nil, nil, err
		}
		if waiting != nil {
			return nil, waiting, nil
		}
	}

	if err := c.Traffic.SavePath(ctx, shuttleID, steps, traffic.Meta{
		TaskID:     opts.TaskID,
		IsCarrying: opts.IsCarrying,
		EndQr:      opts.EndQr,
		EndFloorID: finalTargetFloorID,
		PathLength: len(steps),
	}); err != nil {
		return nil, nil, err
	}

	return buildMission(steps, onArrival, finalTargetQr, finalTargetFloorID, opts), nil, nil
}

func (c *Coordinator) planSegment(ctx context.Context, shuttleID, floorID, startQr, goalQr string, isCarrying bool, finalAction traffic.Action) ([]traffic.Step, error) {
	cells, err := c.Catalog.ListCellsOnFloor(ctx, floorID)
	if err != nil {
		return nil, err
	}

	occupants, corridors, avoid, err := c.buildTrafficContext(ctx, shuttleID, startQr, goalQr)
	if err != nil {
		return nil, err
	}

	return pathfinder.Plan(pathfinder.Request{
		Cells:       cells,
		StartQr:     startQr,
		GoalQr:      goalQr,
		IsCarrying:  isCarrying,
		Avoid:       avoid,
		Occupants:   occupants,
		Corridors:   corridors,
		FinalAction: finalAction,
	})
}

func (c *Coordinator) buildTrafficContext(ctx context.Context, excludeShuttleID, startQr, goalQr string) (map[string][]pathfinder.Occupant, map[string]traffic.Corridor, map[string]bool, error) {
	paths, err := c.Traffic.AllActivePaths(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	occupants := make(map[string][]pathfinder.Occupant)
	for shuttleID, entry := range paths {
		if shuttleID == excludeShuttleID {
			continue
		}
		for _, step := range entry.Steps {
			occupants[step.Qr] = append(occupants[step.Qr], pathfinder.Occupant{
				ShuttleID:  shuttleID,
				Direction:  step.Direction,
				IsCarrying: entry.Meta.IsCarrying,
			})
		}
	}

	corridors, err := c.Traffic.DetectTrafficFlowCorridors(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	occupied, err := c.Occupancy.AllOccupiedNodes(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	avoid := make(map[string]bool, len(occupied))
	for qr, holder := range occupied {
		if holder != excludeShuttleID {
			avoid[qr] = true
		}
	}
	delete(avoid, startQr)
	delete(avoid, goalQr)

	return occupants, corridors, avoid, nil
}

// checkLifterReadiness scans a cross-floor segment's steps for a lifter
// node. If the shuttle already stands on one, or none appears in the
// steps, no wait is needed. Otherwise it checks the lifter's readiness and
// either proceeds or parks the shuttle with a persisted WaitState.
func (c *Coordinator) checkLifterReadiness(ctx context.Context, shuttleID string, currentCell *catalog.Cell, steps []traffic.Step, finalTargetQr, finalTargetFloorID string, opts Options) (*WaitingForLifter, error) {
	if currentCell.CellType == catalog.CellLifter {
		return nil, nil
	}

	lifterStepIndex := -1
	var lifterQr string
	for i, step := range steps {
		cell, err := c.Catalog.GetCellByQr(ctx, step.Qr, currentCell.FloorID)
		if err != nil {
			continue
		}
		if cell.CellType == catalog.CellLifter {
			lifterStepIndex = i
			lifterQr = step.Qr
			break
		}
	}
	if lifterStepIndex == -1 {
		return nil, nil
	}

	lifterNode, err := c.resolveLifterNode(ctx, currentCell.FloorID)
	if err != nil {
		return nil, err
	}

	boardingFloor := currentCell.FloorID
	lifterFloor, err := c.Lifters.CurrentFloor(ctx, lifterNode.LifterID)
	if err != nil {
		return nil, err
	}
	status, err := c.Lifters.Status(ctx, lifterNode.LifterID)
	if err != nil {
		return nil, err
	}
	if lifterFloor == boardingFloor && status == LifterIdle {
		return nil, nil
	}

	if err := c.Lifters.CommandToFloor(ctx, lifterNode.LifterID, boardingFloor); err != nil {
		return nil, err
	}

	waitQr := lifterQr
	resumeSteps := steps[lifterStepIndex:]
	if lifterStepIndex > 0 {
		waitQr = steps[lifterStepIndex-1].Qr
		resumeSteps = steps[lifterStepIndex:]
	}

	state := WaitState{
		ShuttleID:          shuttleID,
		LifterID:           lifterNode.LifterID,
		WaitQr:             waitQr,
		BoardingFloorID:    boardingFloor,
		ResumeSteps:        resumeSteps,
		FinalTargetQr:      finalTargetQr,
		FinalTargetFloorID: finalTargetFloorID,
		Opts:               opts,
	}
	if err := c.saveWaitState(ctx, state); err != nil {
		return nil, err
	}

	waitSteps := steps[:lifterStepIndex]
	if lifterStepIndex == 0 {
		waitSteps = nil
	}
	mission := buildMission(waitSteps, OnArrivalWaitingForLifter, finalTargetQr, finalTargetFloorID, opts)
	return &WaitingForLifter{Mission: *mission, WaitState: state}, nil
}

func (c *Coordinator) saveWaitState(ctx context.Context, state WaitState) error {
	data, err := marshalWaitState(state)
	if err != nil {
		return err
	}
	return c.Store.Set(ctx, waitStateKey(state.ShuttleID), data, 0)
}

// GetWaitState returns a shuttle's persisted lifter wait, if any.
func (c *Coordinator) GetWaitState(ctx context.Context, shuttleID string) (*WaitState, bool, error) {
	raw, found, err := c.Store.Get(ctx, waitStateKey(shuttleID))
	if err != nil || !found {
		return nil, false, err
	}
	state, err := unmarshalWaitState(raw)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// ClearWaitState removes a shuttle's persisted lifter wait once resumed.
func (c *Coordinator) ClearWaitState(ctx context.Context, shuttleID string) error {
	return c.Store.Del(ctx, waitStateKey(shuttleID))
}

func buildMission(steps []traffic.Step, onArrival OnArrival, finalTargetQr, finalTargetFloorID string, opts Options) *Mission {
	qrs := make([]string, len(steps))
	for i, s := range steps {
		qrs[i] = s.Qr
	}
	return &Mission{
		TotalStep:             len(steps),
		Steps:                 steps,
		RunningPathSimulation: qrs,
		Meta: Meta{
			TaskID:             opts.TaskID,
			OnArrival:          onArrival,
			Step:               0,
			FinalTargetQr:      finalTargetQr,
			FinalTargetFloorID: finalTargetFloorID,
			PickupQr:           opts.PickupQr,
			EndQr:              opts.EndQr,
			ItemInfo:           opts.ItemInfo,
			IsCarrying:         opts.IsCarrying,
		},
	}
}
