// Package conflict is the Conflict Resolver (Pillar 3): invoked whenever a
// shuttle reports it is blocked, it compares task priority against the
// blocker, makes the lower-priority side yield by parking or backtracking,
// and drives an escalating-reroute wait loop for whichever side is left
// standing still.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/shuttlecore/core/internal/bus"
	"github.com/shuttlecore/core/internal/catalog"
	"github.com/shuttlecore/core/internal/config"
	"github.com/shuttlecore/core/internal/events"
	"github.com/shuttlecore/core/internal/kvstore"
	"github.com/shuttlecore/core/internal/mission"
	"github.com/shuttlecore/core/internal/occupancy"
	"github.com/shuttlecore/core/internal/pathfinder"
	"github.com/shuttlecore/core/internal/shuttlestate"
	"github.com/shuttlecore/core/internal/taskscheduler"
	"github.com/shuttlecore/core/internal/timeline"
	"github.com/shuttlecore/core/internal/traffic"
)

// Tunables for the yield/parking search and the escalating-reroute chain.
const (
	ParkingSearchRadius = 2
	BacktrackMaxSteps   = 5
	FirstCheckDelay     = 5 * time.Second
	RetrySpacing        = 10 * time.Second
	MaxRetries          = 5
	EmergencyThreshold  = 45 * time.Second
	PollInterval        = 1 * time.Second
)

const (
	parkingUsedCounterKey   = "stats:conflicts:parking_used"
	backtrackUsedCounterKey = "stats:conflicts:backtrack_used"
)

func waitRecordKey(shuttleID string) string {
	return fmt.Sprintf("conflict:wait:%s", shuttleID)
}

// MoveCommand is the wire shape for MOVE_TO_PARKING / BACKTRACK commands.
type MoveCommand struct {
	Action      string         `json:"action"`
	Path        []traffic.Step `json:"path"`
	Destination string         `json:"destination"`
	Reason      string         `json:"reason"`
	OnArrival   string         `json:"onArrival,omitempty"`
}

// waitRecord is the persisted state of a shuttle parked in the
// escalating-reroute chain.
type waitRecord struct {
	ShuttleID          string          `json:"shuttleId"`
	TargetQr           string          `json:"targetQr"`
	TargetFloorID      string          `json:"targetFloorId"`
	IsCarrying         bool            `json:"isCarrying"`
	OriginalPathLength int             `json:"originalPathLength"`
	WaitingSince       time.Time       `json:"waitingSince"`
	Attempt            int             `json:"attempt"`
	NextCheckAt        time.Time       `json:"nextCheckAt"`
	Escalated          bool            `json:"escalated"`
	TaskID             string          `json:"taskId"`
	PickupQr           string          `json:"pickupQr"`
	EndQr              string          `json:"endQr"`
	ItemInfo           string          `json:"itemInfo"`
	OnArrival          mission.OnArrival `json:"onArrival"`
}

// priorityKey orders two competing shuttles: carrying beats empty; within
// the same carry flag, the earlier task (lower taskId / earlier timestamp)
// wins; shuttleId breaks remaining ties.
type priorityKey struct {
	Carrying  bool
	Timestamp int64
	TaskID    string
	ShuttleID string
}

func higherPriority(a, b priorityKey) bool {
	if a.Carrying != b.Carrying {
		return a.Carrying
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if a.TaskID != b.TaskID {
		return a.TaskID < b.TaskID
	}
	return a.ShuttleID < b.ShuttleID
}

// Resolver implements events.ConflictResolver.
type Resolver struct {
	store     kvstore.Store
	catalog   catalog.Gateway
	occupancy *occupancy.Map
	shuttles  *shuttlestate.Cache
	traffic   *traffic.Center
	tasks     *taskscheduler.Store
	bus       bus.ShuttleBus
	racks     map[string]config.RackTopology
	timeline  *timeline.Store
}

// New constructs a Conflict Resolver.
func New(
	store kvstore.Store,
	cat catalog.Gateway,
	occ *occupancy.Map,
	shuttles *shuttlestate.Cache,
	center *traffic.Center,
	tasks *taskscheduler.Store,
	shuttleBus bus.ShuttleBus,
	racks map[string]config.RackTopology,
	timelineStore *timeline.Store,
) *Resolver {
	return &Resolver{
		store:     store,
		catalog:   cat,
		occupancy: occ,
		shuttles:  shuttles,
		traffic:   center,
		tasks:     tasks,
		bus:       shuttleBus,
		racks:     racks,
		timeline:  timelineStore,
	}
}

func (r *Resolver) record(taskID, stage, shuttleID string) {
	if r.timeline == nil {
		return
	}
	r.timeline.Record(timeline.Event{TaskID: taskID, Stage: stage, ShuttleID: shuttleID})
}

// Stats is a snapshot of yield-strategy usage and the current wait queue
// depth, read by the operator dashboard and /fleet/conflicts/stats.
type Stats struct {
	ParkingUsed   int64 `json:"parkingUsed"`
	BacktrackUsed int64 `json:"backtrackUsed"`
	ActiveWaits   int64 `json:"activeWaits"`
	Escalated     int64 `json:"escalated"`
}

// GetStats reads the parking/backtrack counters and scans the active
// wait records to report how many are currently escalated.
func (r *Resolver) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if raw, found, err := r.store.Get(ctx, parkingUsedCounterKey); err != nil {
		return stats, err
	} else if found {
		stats.ParkingUsed, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw, found, err := r.store.Get(ctx, backtrackUsedCounterKey); err != nil {
		return stats, err
	} else if found {
		stats.BacktrackUsed, _ = strconv.ParseInt(raw, 10, 64)
	}

	keys, err := r.store.ScanKeys(ctx, "conflict:wait:*")
	if err != nil {
		return stats, err
	}
	stats.ActiveWaits = int64(len(keys))
	for _, key := range keys {
		raw, found, err := r.store.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var rec waitRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.Escalated {
			stats.Escalated++
		}
	}
	return stats, nil
}

// Resolve implements Step A (identify blocker) and Step B (priority
// comparison) of the conflict protocol, then dispatches into Step C/D.
func (r *Resolver) Resolve(ctx context.Context, req events.ConflictRequest) error {
	blockerID, found, err := r.identifyBlocker(ctx, req)
	if err != nil {
		return err
	}
	if !found {
		// The waiter simply waits in place; nothing more to resolve.
		return nil
	}

	waiterPriority, err := r.priorityOf(ctx, req.ShuttleID)
	if err != nil {
		return err
	}
	blockerPriority, err := r.priorityOf(ctx, blockerID)
	if err != nil {
		return err
	}

	if higherPriority(waiterPriority, blockerPriority) {
		if err := r.yield(ctx, blockerID); err != nil {
			return err
		}
		return r.enterWait(ctx, req.ShuttleID, req.TargetNode)
	}
	return r.yield(ctx, req.ShuttleID)
}

func (r *Resolver) identifyBlocker(ctx context.Context, req events.ConflictRequest) (string, bool, error) {
	if req.BlockedBy != "" {
		return req.BlockedBy, true, nil
	}
	if req.TargetNode != "" {
		holder, err := r.occupancy.OccupantOf(ctx, req.TargetNode)
		if err != nil {
			return "", false, err
		}
		if holder != "" && holder != req.ShuttleID {
			return holder, true, nil
		}
	}
	states, err := r.shuttles.ListAll(ctx)
	if err != nil {
		return "", false, err
	}
	for _, s := range states {
		if s.ID != req.ShuttleID && s.CurrentQr == req.TargetNode {
			return s.ID, true, nil
		}
	}
	return "", false, nil
}

func (r *Resolver) priorityOf(ctx context.Context, shuttleID string) (priorityKey, error) {
	pk := priorityKey{ShuttleID: shuttleID}
	state, found, err := r.shuttles.Get(ctx, shuttleID)
	if err != nil || !found {
		return pk, err
	}
	pk.Carrying = state.IsCarrying
	if state.TaskID == "" {
		return pk, nil
	}
	task, found, err := r.tasks.Get(ctx, state.TaskID)
	if err != nil || !found {
		return pk, err
	}
	pk.TaskID = task.TaskID
	pk.Timestamp = task.Timestamp.Unix()
	return pk, nil
}

// yield runs Step C for shuttleID: try parking, then backtracking, then
// simply waiting in place, parking/backtrack both proceeding into Step D.
func (r *Resolver) yield(ctx context.Context, shuttleID string) error {
	state, found, err := r.shuttles.Get(ctx, shuttleID)
	if err != nil || !found {
		return err
	}
	cell, err := r.catalog.GetCellByQr(ctx, state.CurrentQr, state.CurrentFloorID)
	if err != nil {
		return err
	}
	r.record(state.TaskID, timeline.StageConflictYielded, shuttleID)

	if parkingQr, path, ok, err := r.findParking(ctx, shuttleID, cell); err != nil {
		return err
	} else if ok {
		if err := r.publishCommand(ctx, shuttleID, MoveCommand{
			Action: "MOVE_TO_PARKING", Path: path, Destination: parkingQr,
			Reason: "yielding to higher-priority task",
		}); err != nil {
			return err
		}
		if _, err := r.store.Incr(ctx, parkingUsedCounterKey); err != nil {
			return err
		}
		return r.enterWait(ctx, shuttleID, state.TargetQr)
	}

	if path, ok, err := r.findBacktrack(ctx, shuttleID, state, cell); err != nil {
		return err
	} else if ok {
		destination := cell.Qr
		if len(path) > 0 {
			destination = path[len(path)-1].Qr
		}
		if err := r.publishCommand(ctx, shuttleID, MoveCommand{
			Action: "BACKTRACK", Path: path, Destination: destination,
			Reason: "yielding to higher-priority task",
		}); err != nil {
			return err
		}
		if _, err := r.store.Incr(ctx, backtrackUsedCounterKey); err != nil {
			return err
		}
		return r.enterWait(ctx, shuttleID, state.TargetQr)
	}

	return r.enterWait(ctx, shuttleID, state.TargetQr)
}

// findParking looks for an unoccupied parking node of the shuttle's current
// rack within ParkingSearchRadius that is actually reachable.
func (r *Resolver) findParking(ctx context.Context, shuttleID string, cell *catalog.Cell) (string, []traffic.Step, bool, error) {
	rack, ok := r.racks[cell.RackID]
	if !ok {
		return "", nil, false, nil
	}
	for _, pqr := range rack.ParkingNodes {
		if pqr == cell.Qr {
			continue
		}
		pcell, err := r.catalog.GetCellByQr(ctx, pqr, cell.FloorID)
		if err != nil {
			continue
		}
		if manhattan(cell, pcell) > ParkingSearchRadius {
			continue
		}
		occupant, err := r.occupancy.OccupantOf(ctx, pqr)
		if err != nil {
			return "", nil, false, err
		}
		if occupant != "" {
			continue
		}
		path, err := r.planTo(ctx, shuttleID, cell.FloorID, cell.Qr, pqr, false)
		if err != nil {
			continue
		}
		return pqr, path, true, nil
	}
	return "", nil, false, nil
}

// findBacktrack walks the shuttle's own active path backwards from its
// current position, up to BacktrackMaxSteps hops, for the first node that
// is unoccupied and either sits next to a parking node or is itself a
// plain aisle cell safe to wait at.
func (r *Resolver) findBacktrack(ctx context.Context, shuttleID string, state *shuttlestate.State, currentCell *catalog.Cell) ([]traffic.Step, bool, error) {
	entry, found, err := r.traffic.GetPath(ctx, shuttleID)
	if err != nil || !found || len(entry.Steps) < 2 {
		return nil, false, err
	}
	currentIndex := state.CurrentStep
	if currentIndex <= 0 || currentIndex > len(entry.Steps) {
		return nil, false, nil
	}
	maxBack := currentIndex - 1
	if maxBack > BacktrackMaxSteps {
		maxBack = BacktrackMaxSteps
	}
	rack := r.racks[currentCell.RackID]

	for back := 1; back <= maxBack; back++ {
		idx := currentIndex - 1 - back
		candidateQr := entry.Steps[idx].Qr

		occupant, err := r.occupancy.OccupantOf(ctx, candidateQr)
		if err != nil {
			return nil, false, err
		}
		if occupant != "" && occupant != shuttleID {
			continue
		}

		candidateCell, err := r.catalog.GetCellByQr(ctx, candidateQr, currentCell.FloorID)
		if err != nil {
			continue
		}
		safe := candidateCell.CellType == catalog.CellAisle
		nearParking := false
		for _, pqr := range rack.ParkingNodes {
			pcell, err := r.catalog.GetCellByQr(ctx, pqr, currentCell.FloorID)
			if err == nil && manhattan(candidateCell, pcell) <= 1 {
				nearParking = true
				break
			}
		}
		if !safe && !nearParking {
			continue
		}

		reversed := make([]traffic.Step, 0, back)
		for i := currentIndex - 2; i >= idx; i-- {
			reversed = append(reversed, traffic.Step{
				Qr:        entry.Steps[i].Qr,
				Direction: entry.Steps[i+1].Direction.Opposite(),
				Action:    traffic.ActionNone,
			})
		}
		return reversed, true, nil
	}
	return nil, false, nil
}

func (r *Resolver) publishCommand(ctx context.Context, shuttleID string, cmd MoveCommand) error {
	return r.bus.Publish(ctx, fmt.Sprintf("shuttle/handle/%s", shuttleID), cmd)
}

// enterWait persists Step D's waiting record, stamping waiting_since=now
// and scheduling the first timeout check at FirstCheckDelay.
func (r *Resolver) enterWait(ctx context.Context, shuttleID, targetQr string) error {
	state, found, err := r.shuttles.Get(ctx, shuttleID)
	if err != nil || !found {
		return err
	}

	rec := waitRecord{
		ShuttleID:     shuttleID,
		TargetQr:      targetQr,
		TargetFloorID: state.CurrentFloorID,
		IsCarrying:    state.IsCarrying,
		WaitingSince:  time.Now(),
		NextCheckAt:   time.Now().Add(FirstCheckDelay),
		OnArrival:     mission.OnArrivalPickupComplete,
	}
	if state.IsCarrying {
		rec.OnArrival = mission.OnArrivalTaskComplete
	}
	if entry, found, err := r.traffic.GetPath(ctx, shuttleID); err == nil && found {
		rec.OriginalPathLength = len(entry.Steps)
	}
	if state.TaskID != "" {
		if task, found, err := r.tasks.Get(ctx, state.TaskID); err == nil && found {
			rec.TaskID = task.TaskID
			rec.PickupQr = task.PickupQr
			rec.EndQr = task.EndQr
			rec.ItemInfo = task.ItemInfo
		}
	}
	return r.saveWaitRecord(ctx, rec)
}

func (r *Resolver) saveWaitRecord(ctx context.Context, rec waitRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, waitRecordKey(rec.ShuttleID), string(data), 0)
}

func (r *Resolver) clearWaitRecord(ctx context.Context, shuttleID string) error {
	return r.store.Del(ctx, waitRecordKey(shuttleID))
}

// Run drives Step D's escalating-reroute poll loop until ctx is cancelled.
func (r *Resolver) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollWaits(ctx)
		}
	}
}

func (r *Resolver) pollWaits(ctx context.Context) {
	keys, err := r.store.ScanKeys(ctx, "conflict:wait:*")
	if err != nil {
		log.Printf("conflict: scan waits failed: %v", err)
		return
	}
	now := time.Now()
	for _, key := range keys {
		raw, found, err := r.store.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var rec waitRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.Escalated || rec.NextCheckAt.After(now) {
			continue
		}
		if err := r.processWait(ctx, rec); err != nil {
			log.Printf("conflict: processing wait for %s: %v", rec.ShuttleID, err)
		}
	}
}

// processWait evaluates one timeout check of Step D's acceptance formula.
func (r *Resolver) processWait(ctx context.Context, rec waitRecord) error {
	elapsed := time.Since(rec.WaitingSince)
	emergency := elapsed >= EmergencyThreshold

	if !emergency && rec.Attempt >= MaxRetries {
		log.Printf("conflict: escalating wait for shuttle %s after %d retries", rec.ShuttleID, rec.Attempt)
		rec.Escalated = true
		r.record(rec.TaskID, timeline.StageConflictEscalated, rec.ShuttleID)
		return r.saveWaitRecord(ctx, rec)
	}

	accepted, err := r.attemptReroute(ctx, rec, emergency)
	if err != nil {
		return err
	}
	if accepted {
		return nil
	}

	rec.Attempt++
	rec.NextCheckAt = time.Now().Add(RetrySpacing)
	return r.saveWaitRecord(ctx, rec)
}

// attemptReroute recomputes a path from the shuttle's current position to
// its original target and, if it passes the acceptance-limit test (or
// emergency overrides it), publishes it and clears the wait.
func (r *Resolver) attemptReroute(ctx context.Context, rec waitRecord, emergency bool) (bool, error) {
	state, found, err := r.shuttles.Get(ctx, rec.ShuttleID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, r.clearWaitRecord(ctx, rec.ShuttleID)
	}

	path, err := r.planTo(ctx, rec.ShuttleID, rec.TargetFloorID, state.CurrentQr, rec.TargetQr, rec.IsCarrying)
	if err != nil {
		return false, nil
	}

	if !emergency && rec.OriginalPathLength > 0 {
		limit := acceptanceLimit(rec)
		if float64(len(path)) > float64(rec.OriginalPathLength)*limit {
			return false, nil
		}
	}

	if err := r.traffic.SavePath(ctx, rec.ShuttleID, path, traffic.Meta{
		TaskID: rec.TaskID, IsCarrying: rec.IsCarrying, EndQr: rec.EndQr,
		EndFloorID: rec.TargetFloorID, PathLength: len(path),
	}); err != nil {
		return false, err
	}

	m := buildReroutedMission(path, rec)
	if err := r.bus.Publish(ctx, fmt.Sprintf("shuttle/handle/%s", rec.ShuttleID), m); err != nil {
		return false, err
	}
	r.record(rec.TaskID, timeline.StageConflictResolved, rec.ShuttleID)
	return true, r.clearWaitRecord(ctx, rec.ShuttleID)
}

// acceptanceLimit computes the path-length-increase ceiling per the
// escalating tiers: a carrying-vs-empty base, +50% per retry attempt,
// and +50% per full 15s of accumulated wait.
func acceptanceLimit(rec waitRecord) float64 {
	limit := 2.0
	if rec.IsCarrying {
		limit = 1.4
	}
	limit += 0.5 * float64(rec.Attempt)
	elapsed := time.Since(rec.WaitingSince)
	limit += 0.5 * float64(int(elapsed/(15*time.Second)))
	return limit
}

func buildReroutedMission(path []traffic.Step, rec waitRecord) mission.Mission {
	qrs := make([]string, len(path))
	for i, s := range path {
		qrs[i] = s.Qr
	}
	return mission.Mission{
		TotalStep:             len(path),
		Steps:                 path,
		RunningPathSimulation: qrs,
		Meta: mission.Meta{
			TaskID:             rec.TaskID,
			OnArrival:          rec.OnArrival,
			FinalTargetQr:      rec.TargetQr,
			FinalTargetFloorID: rec.TargetFloorID,
			PickupQr:           rec.PickupQr,
			EndQr:              rec.EndQr,
			ItemInfo:           rec.ItemInfo,
			IsCarrying:         rec.IsCarrying,
		},
	}
}

// planTo runs one traffic-aware A* call from startQr to goalQr on floorID,
// mirroring the Mission Coordinator's own (unexported) traffic-context
// assembly since that helper isn't part of its public surface.
func (r *Resolver) planTo(ctx context.Context, excludeShuttleID, floorID, startQr, goalQr string, isCarrying bool) ([]traffic.Step, error) {
	cells, err := r.catalog.ListCellsOnFloor(ctx, floorID)
	if err != nil {
		return nil, err
	}

	paths, err := r.traffic.AllActivePaths(ctx)
	if err != nil {
		return nil, err
	}
	occupants := make(map[string][]pathfinder.Occupant)
	for shuttleID, entry := range paths {
		if shuttleID == excludeShuttleID {
			continue
		}
		for _, step := range entry.Steps {
			occupants[step.Qr] = append(occupants[step.Qr], pathfinder.Occupant{
				ShuttleID: shuttleID, Direction: step.Direction, IsCarrying: entry.Meta.IsCarrying,
			})
		}
	}

	corridors, err := r.traffic.DetectTrafficFlowCorridors(ctx)
	if err != nil {
		return nil, err
	}

	occupied, err := r.occupancy.AllOccupiedNodes(ctx)
	if err != nil {
		return nil, err
	}
	avoid := make(map[string]bool, len(occupied))
	for qr, holder := range occupied {
		if holder != excludeShuttleID {
			avoid[qr] = true
		}
	}
	delete(avoid, startQr)
	delete(avoid, goalQr)

	return pathfinder.Plan(pathfinder.Request{
		Cells: cells, StartQr: startQr, GoalQr: goalQr, IsCarrying: isCarrying,
		Avoid: avoid, Occupants: occupants, Corridors: corridors,
		FinalAction: traffic.ActionStopAtNode,
	})
}

func manhattan(a, b *catalog.Cell) int {
	return absInt(a.Col-b.Col) + absInt(a.Row-b.Row)
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
