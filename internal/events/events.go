// Package events is the Event Listener: the task state machine driven by
// the shuttle-events and lifter-events channels. It is the only writer of
// node occupation, and the sole place a task transitions between
// lifecycle states once the Dispatcher has assigned it.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/shuttlecore/core/internal/bus"
	"github.com/shuttlecore/core/internal/catalog"
	"github.com/shuttlecore/core/internal/config"
	"github.com/shuttlecore/core/internal/coreerrors"
	"github.com/shuttlecore/core/internal/kvstore"
	"github.com/shuttlecore/core/internal/mission"
	"github.com/shuttlecore/core/internal/occupancy"
	"github.com/shuttlecore/core/internal/rowdirection"
	"github.com/shuttlecore/core/internal/shuttlestate"
	"github.com/shuttlecore/core/internal/staging"
	"github.com/shuttlecore/core/internal/taskscheduler"
	"github.com/shuttlecore/core/internal/timeline"
	"github.com/shuttlecore/core/internal/traffic"
)

const (
	shuttleEventsTopic = "shuttle/events"
	lifterEventsTopic  = "lifter:events"
)

// ShuttleEvent is the flattened envelope for every shuttle-events message;
// only the fields relevant to Type are populated.
type ShuttleEvent struct {
	Type         string `json:"type"`
	ShuttleID    string `json:"shuttleId"`
	TaskID       string `json:"taskId"`
	InitialNode  string `json:"initialNode"`
	PreviousNode string `json:"previousNode"`
	CurrentNode  string `json:"currentNode"`
	LifterID     string `json:"lifterId"`
	Floor        string `json:"floor"`
	WaitingAt    string `json:"waitingAt"`
	TargetNode   string `json:"targetNode"`
	BlockedBy    string `json:"blockedBy"`
}

const (
	TypeShuttleInitialized = "shuttle-initialized"
	TypeShuttleMoved       = "shuttle-moved"
	TypeShuttleTaskStarted = "shuttle-task-started"
	TypePickupComplete     = "PICKUP_COMPLETE"
	TypeArrivedAtLifter    = "ARRIVED_AT_LIFTER"
	TypeWaitingForLifter   = "WAITING_FOR_LIFTER"
	TypeTaskComplete       = "TASK_COMPLETE"
	TypeShuttleWaiting     = "shuttle-waiting"
)

// LifterEvent is the internal lifter-events channel envelope.
type LifterEvent struct {
	Type     string `json:"type"`
	LifterID string `json:"lifterId"`
	FloorID  string `json:"floorId"`
}

const (
	LifterEventArrived = "LIFTER_ARRIVED"
	LifterEventMoving  = "LIFTER_MOVING"
)

// Kicker lets the Event Listener nudge the Dispatcher without importing
// it directly.
type Kicker interface {
	Kick()
}

// ConflictRequest is handed to the Conflict Resolver on shuttle-waiting.
type ConflictRequest struct {
	ShuttleID  string
	WaitingAt  string
	TargetNode string
	BlockedBy  string
}

// ConflictResolver is the Pillar 3 collaborator invoked on shuttle-waiting.
type ConflictResolver interface {
	Resolve(ctx context.Context, req ConflictRequest) error
}

func waitingLifterSetKey(floorID string) string {
	return fmt.Sprintf("waiting:lifter:%s", floorID)
}

func lifterRideKey(shuttleID string) string {
	return fmt.Sprintf("shuttle:lifter_ride:%s", shuttleID)
}

// lifterRide is persisted when a shuttle reports ARRIVED_AT_LIFTER and is
// commanded onward; the lifter-events listener resumes it once the lifter
// reports arrival at the target floor.
type lifterRide struct {
	ShuttleID          string         `json:"shuttleId"`
	LifterID           string         `json:"lifterId"`
	FinalTargetQr      string         `json:"finalTargetQr"`
	FinalTargetFloorID string         `json:"finalTargetFloorId"`
	Opts               mission.Options `json:"opts"`
}

// Listener is the Redis/bus-backed Event Listener.
type Listener struct {
	store      kvstore.Store
	catalog    catalog.Gateway
	occupancy  *occupancy.Map
	shuttles   *shuttlestate.Cache
	traffic    *traffic.Center
	tasks      *taskscheduler.Store
	staging    *staging.Pipeline
	rowManager *rowdirection.Manager
	mission    *mission.Coordinator
	lifters    mission.LifterGateway
	bus        bus.ShuttleBus
	racks      map[string]config.RackTopology
	dispatcher Kicker
	conflict   ConflictResolver
	timeline   *timeline.Store
}

// New constructs an Event Listener.
func New(
	store kvstore.Store,
	cat catalog.Gateway,
	occ *occupancy.Map,
	shuttles *shuttlestate.Cache,
	center *traffic.Center,
	tasks *taskscheduler.Store,
	pipeline *staging.Pipeline,
	rowManager *rowdirection.Manager,
	coordinator *mission.Coordinator,
	lifters mission.LifterGateway,
	shuttleBus bus.ShuttleBus,
	racks map[string]config.RackTopology,
	dispatcher Kicker,
	conflict ConflictResolver,
	timelineStore *timeline.Store,
) *Listener {
	return &Listener{
		store:      store,
		catalog:    cat,
		occupancy:  occ,
		shuttles:   shuttles,
		traffic:    center,
		tasks:      tasks,
		staging:    pipeline,
		rowManager: rowManager,
		mission:    coordinator,
		lifters:    lifters,
		bus:        shuttleBus,
		racks:      racks,
		dispatcher: dispatcher,
		conflict:   conflict,
		timeline:   timelineStore,
	}
}

func (l *Listener) record(taskID, stage, shuttleID string) {
	if l.timeline == nil {
		return
	}
	l.timeline.Record(timeline.Event{TaskID: taskID, Stage: stage, ShuttleID: shuttleID})
}

// Subscribe wires the listener onto both event channels.
func (l *Listener) Subscribe() error {
	if _, err := l.bus.Subscribe(shuttleEventsTopic, l.handleShuttleEvent); err != nil {
		return err
	}
	if _, err := l.bus.Subscribe(lifterEventsTopic, l.handleLifterEvent); err != nil {
		return err
	}
	return nil
}

func (l *Listener) handleShuttleEvent(e bus.Event) {
	var evt ShuttleEvent
	if err := json.Unmarshal(e.Payload, &evt); err != nil {
		log.Printf("events: malformed shuttle event dropped: %v", err)
		return
	}
	ctx := context.Background()
	var err error
	switch evt.Type {
	case TypeShuttleInitialized:
		err = l.handleShuttleInitialized(ctx, evt)
	case TypeShuttleMoved:
		err = l.handleShuttleMoved(ctx, evt)
	case TypeShuttleTaskStarted:
		err = l.handleShuttleTaskStarted(ctx, evt)
	case TypePickupComplete:
		err = l.handlePickupComplete(ctx, evt)
	case TypeArrivedAtLifter:
		err = l.handleArrivedAtLifter(ctx, evt)
	case TypeWaitingForLifter:
		err = l.handleWaitingForLifter(ctx, evt)
	case TypeTaskComplete:
		err = l.handleTaskComplete(ctx, evt)
	case TypeShuttleWaiting:
		err = l.handleShuttleWaiting(ctx, evt)
	default:
		log.Printf("events: unknown shuttle event type %q dropped", evt.Type)
		return
	}
	if err != nil {
		log.Printf("events: handling %s failed: %v", evt.Type, err)
	}
}

func (l *Listener) handleLifterEvent(e bus.Event) {
	var evt LifterEvent
	if err := json.Unmarshal(e.Payload, &evt); err != nil {
		log.Printf("events: malformed lifter event dropped: %v", err)
		return
	}
	if evt.Type != LifterEventArrived {
		return
	}
	if err := l.handleLifterArrived(context.Background(), evt); err != nil {
		log.Printf("events: handling lifter arrival failed: %v", err)
	}
}

func (l *Listener) handleShuttleInitialized(ctx context.Context, evt ShuttleEvent) error {
	if evt.InitialNode == "" {
		return nil
	}
	return l.occupancy.BlockNode(ctx, evt.InitialNode, evt.ShuttleID)
}

// handleShuttleMoved updates node occupation and evaluates the two-stage
// pickup-lock release: the lock is released only once the shuttle clears
// the rack's safety exit node after completing pickup while carrying.
func (l *Listener) handleShuttleMoved(ctx context.Context, evt ShuttleEvent) error {
	if err := l.occupancy.HandleShuttleMove(ctx, evt.ShuttleID, evt.PreviousNode, evt.CurrentNode); err != nil {
		return err
	}

	state, found, err := l.shuttles.Get(ctx, evt.ShuttleID)
	if err != nil || !found || state.TaskID == "" {
		return err
	}
	task, found, err := l.tasks.Get(ctx, state.TaskID)
	if err != nil || !found || !task.PickupCompleted || !state.IsCarrying {
		return err
	}
	rack, ok := l.racks[task.RackID]
	if !ok || evt.CurrentNode != rack.SafetyNodeExit {
		return nil
	}

	if err := l.store.ReleaseLock(ctx, fmt.Sprintf("pickup:lock:%s", task.PickupQr), task.TaskID); err != nil {
		return err
	}
	task.PickupCompleted = false
	return l.tasks.Save(ctx, *task)
}

func (l *Listener) handleShuttleTaskStarted(ctx context.Context, evt ShuttleEvent) error {
	task, found, err := l.tasks.Get(ctx, evt.TaskID)
	if err != nil || !found {
		return err
	}
	if task.Status != taskscheduler.StatusAssigned {
		return &coreerrors.StateInconsistency{Context: "events.shuttle-task-started", Detail: fmt.Sprintf("task %s not in assigned state", evt.TaskID)}
	}
	task.Status = taskscheduler.StatusInProgress
	return l.tasks.Save(ctx, *task)
}

func (l *Listener) handlePickupComplete(ctx context.Context, evt ShuttleEvent) error {
	if evt.TaskID == "" {
		return &coreerrors.ValidationError{Field: "taskId", Reason: "required on PICKUP_COMPLETE"}
	}
	task, found, err := l.tasks.Get(ctx, evt.TaskID)
	if err != nil {
		return err
	}
	if !found {
		return &coreerrors.NotFoundError{Kind: "task", ID: evt.TaskID}
	}

	task.PickupCompleted = true
	if err := l.tasks.Save(ctx, *task); err != nil {
		return err
	}
	l.record(task.TaskID, timeline.StagePickupComplete, evt.ShuttleID)

	if err := l.evaluateRowCoordination(ctx, *task, evt.ShuttleID); err != nil {
		log.Printf("events: row coordination for task %s: %v", task.TaskID, err)
	}

	m, waiting, err := l.mission.CalculateNextSegment(ctx, evt.ShuttleID, task.EndQr, task.TargetFloor, mission.Options{
		OnArrival:  mission.OnArrivalTaskComplete,
		IsCarrying: true,
		TaskID:     task.TaskID,
		PickupQr:   task.PickupQr,
		EndQr:      task.EndQr,
		ItemInfo:   task.ItemInfo,
	})
	if err != nil {
		return l.failTask(ctx, task, err)
	}
	return l.publishMission(ctx, evt.ShuttleID, m, waiting)
}

// failTask marks task StatusFailed and releases its endpoint lock once
// the Mission Coordinator can't route it even after retrying without
// avoidance, or the segment referenced a vanished cell/shuttle. Any
// other error is left to the caller's own log-and-continue handling —
// the task stays in flight for the next event to retry.
func (l *Listener) failTask(ctx context.Context, task *taskscheduler.Task, cause error) error {
	var notFound *coreerrors.NotFoundError
	terminal := errors.Is(cause, coreerrors.ErrNoPathFound) ||
		errors.Is(cause, coreerrors.ErrPathReconstructionError) ||
		errors.As(cause, &notFound)
	if !terminal {
		return cause
	}

	lockKey := fmt.Sprintf("endnode:lock:%s", task.EndQr)
	if relErr := l.store.ReleaseLock(ctx, lockKey, task.TaskID); relErr != nil {
		log.Printf("events: releasing %s for failed task %s: %v", lockKey, task.TaskID, relErr)
	}
	task.Status = taskscheduler.StatusFailed
	if err := l.tasks.Save(ctx, *task); err != nil {
		return fmt.Errorf("marking task %s failed after %v: %w", task.TaskID, cause, err)
	}
	return cause
}

func (l *Listener) evaluateRowCoordination(ctx context.Context, task taskscheduler.Task, shuttleID string) error {
	pickupCell, err := l.catalog.GetCellByQr(ctx, task.PickupQr, task.PickupFloorID)
	if err != nil {
		return err
	}
	dir := rowdirection.InferDirection(task.EndCol, pickupCell.Col)
	_, err = l.rowManager.LockRowDirection(ctx, task.TargetFloor, task.TargetRow, dir, shuttleID)
	if err != nil {
		return err
	}
	l.record(task.TaskID, timeline.StageRowDirectionLocked, shuttleID)
	return nil
}

// handleArrivedAtLifter fires once a shuttle physically reaches a ready
// lifter: it commands the lifter onward and parks a resume record for
// the lifter-events listener to pick up once the car arrives.
func (l *Listener) handleArrivedAtLifter(ctx context.Context, evt ShuttleEvent) error {
	state, found, err := l.shuttles.Get(ctx, evt.ShuttleID)
	if err != nil || !found || state.TaskID == "" {
		return err
	}
	task, found, err := l.tasks.Get(ctx, state.TaskID)
	if err != nil || !found {
		return err
	}

	lifterID := evt.LifterID
	if lifterID == "" {
		cell, err := l.catalog.GetCellByQr(ctx, evt.CurrentNode, state.CurrentFloorID)
		if err == nil && cell != nil {
			lifterID = cell.ID
		}
	}
	if lifterID == "" {
		return &coreerrors.StateInconsistency{Context: "events.ARRIVED_AT_LIFTER", Detail: "no lifterId in event or current cell"}
	}

	if err := l.lifters.CommandToFloor(ctx, lifterID, task.TargetFloor); err != nil {
		return err
	}
	l.record(task.TaskID, timeline.StageArrivedAtLifter, evt.ShuttleID)

	ride := lifterRide{
		ShuttleID:          evt.ShuttleID,
		LifterID:           lifterID,
		FinalTargetQr:      task.EndQr,
		FinalTargetFloorID: task.TargetFloor,
		Opts: mission.Options{
			OnArrival:  mission.OnArrivalTaskComplete,
			IsCarrying: task.IsCarrying,
			TaskID:     task.TaskID,
			PickupQr:   task.PickupQr,
			EndQr:      task.EndQr,
			ItemInfo:   task.ItemInfo,
		},
	}
	data, err := json.Marshal(ride)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, lifterRideKey(evt.ShuttleID), string(data), 0)
}

// handleLifterArrived resumes every shuttle riding this lifter to the
// floor it just reached.
func (l *Listener) handleLifterArrived(ctx context.Context, evt LifterEvent) error {
	keys, err := l.store.ScanKeys(ctx, "shuttle:lifter_ride:*")
	if err != nil {
		return err
	}
	for _, key := range keys {
		raw, found, err := l.store.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var ride lifterRide
		if err := json.Unmarshal([]byte(raw), &ride); err != nil {
			continue
		}
		if ride.LifterID != evt.LifterID || ride.FinalTargetFloorID != evt.FloorID {
			continue
		}
		if err := l.store.Del(ctx, key); err != nil {
			return err
		}
		m, waiting, err := l.mission.CalculateNextSegment(ctx, ride.ShuttleID, ride.FinalTargetQr, ride.FinalTargetFloorID, ride.Opts)
		if err != nil {
			log.Printf("events: resume after lifter arrival for %s: %v", ride.ShuttleID, err)
			continue
		}
		if err := l.publishMission(ctx, ride.ShuttleID, m, waiting); err != nil {
			log.Printf("events: publish resumed mission for %s: %v", ride.ShuttleID, err)
		}
	}
	return nil
}

// handleWaitingForLifter parks a shuttle in the per-floor waiting set and
// resumes it immediately if the lifter already happens to be idle there.
func (l *Listener) handleWaitingForLifter(ctx context.Context, evt ShuttleEvent) error {
	if err := l.store.SAdd(ctx, waitingLifterSetKey(evt.Floor), evt.ShuttleID); err != nil {
		return err
	}
	l.record(evt.TaskID, timeline.StageWaitingForLifter, evt.ShuttleID)

	state, found, err := l.mission.GetWaitState(ctx, evt.ShuttleID)
	if err != nil || !found {
		return err
	}
	floor, err := l.lifters.CurrentFloor(ctx, state.LifterID)
	if err != nil {
		return err
	}
	status, err := l.lifters.Status(ctx, state.LifterID)
	if err != nil {
		return err
	}
	if floor != state.BoardingFloorID || status != mission.LifterIdle {
		return nil
	}
	return l.resumeWaitingShuttle(ctx, *state)
}

func (l *Listener) resumeWaitingShuttle(ctx context.Context, state mission.WaitState) error {
	if err := l.store.SRem(ctx, waitingLifterSetKey(state.BoardingFloorID), state.ShuttleID); err != nil {
		return err
	}
	if err := l.mission.ClearWaitState(ctx, state.ShuttleID); err != nil {
		return err
	}
	m := mission.Mission{
		TotalStep:             len(state.ResumeSteps),
		Steps:                 state.ResumeSteps,
		RunningPathSimulation: qrsOf(state.ResumeSteps),
		Meta: mission.Meta{
			TaskID:             state.Opts.TaskID,
			OnArrival:          mission.OnArrivalArrivedAtLifter,
			FinalTargetQr:      state.FinalTargetQr,
			FinalTargetFloorID: state.FinalTargetFloorID,
			PickupQr:           state.Opts.PickupQr,
			EndQr:              state.Opts.EndQr,
			ItemInfo:           state.Opts.ItemInfo,
			IsCarrying:         state.Opts.IsCarrying,
		},
	}
	return l.bus.Publish(ctx, fmt.Sprintf("shuttle/handle/%s", state.ShuttleID), m)
}

func qrsOf(steps []traffic.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Qr
	}
	return out
}

// handleTaskComplete closes out a task: marks the endpoint cell occupied,
// releases locks, advances the batch counters, and kicks the Dispatcher.
func (l *Listener) handleTaskComplete(ctx context.Context, evt ShuttleEvent) error {
	if evt.TaskID == "" {
		return &coreerrors.ValidationError{Field: "taskId", Reason: "required on TASK_COMPLETE"}
	}
	task, found, err := l.tasks.Get(ctx, evt.TaskID)
	if err != nil {
		return err
	}
	if !found {
		return &coreerrors.NotFoundError{Kind: "task", ID: evt.TaskID}
	}

	if err := l.catalog.SetCellBox(ctx, task.EndQr, task.TargetFloor, true, task.ItemInfo); err != nil {
		return err
	}
	if err := l.store.ReleaseLock(ctx, fmt.Sprintf("endnode:lock:%s", task.EndQr), task.TaskID); err != nil {
		return err
	}

	remaining, err := l.staging.AdvanceProcessedItems(ctx, task.BatchID)
	if err != nil {
		return err
	}
	if remaining <= 0 {
		if err := l.rowManager.ClearRowDirectionLock(ctx, task.TargetFloor, task.TargetRow); err != nil {
			return err
		}
		if err := l.staging.ProcessBatchRow(ctx, task.BatchID); err != nil {
			return err
		}
	}
	if err := l.rowManager.ReleaseShuttleFromRow(ctx, task.TargetFloor, task.TargetRow, evt.ShuttleID); err != nil {
		return err
	}

	if _, err := taskscheduler.DecrActiveShuttles(ctx, l.store); err != nil {
		return err
	}
	if err := l.traffic.DeletePath(ctx, evt.ShuttleID); err != nil {
		return err
	}
	if err := l.tasks.Delete(ctx, *task); err != nil {
		return err
	}
	l.record(task.TaskID, timeline.StageTaskComplete, evt.ShuttleID)

	if l.dispatcher != nil {
		l.dispatcher.Kick()
	}
	return nil
}

func (l *Listener) handleShuttleWaiting(ctx context.Context, evt ShuttleEvent) error {
	if l.conflict == nil {
		return nil
	}
	return l.conflict.Resolve(ctx, ConflictRequest{
		ShuttleID:  evt.ShuttleID,
		WaitingAt:  evt.WaitingAt,
		TargetNode: evt.TargetNode,
		BlockedBy:  evt.BlockedBy,
	})
}

func (l *Listener) publishMission(ctx context.Context, shuttleID string, m *mission.Mission, waiting *mission.WaitingForLifter) error {
	var payload any
	if waiting != nil {
		payload = waiting.Mission
	} else {
		payload = *m
	}
	return l.bus.Publish(ctx, fmt.Sprintf("shuttle/handle/%s", shuttleID), payload)
}
