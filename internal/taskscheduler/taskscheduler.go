// Package taskscheduler is the Scheduler Worker: every cycle it pops one
// staged task, confirms its row assignment, locks a concrete endpoint
// cell, and registers the resulting concrete Task for the Dispatcher to
// pick up.
package taskscheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shuttlecore/core/internal/catalog"
	"github.com/shuttlecore/core/internal/coreerrors"
	"github.com/shuttlecore/core/internal/kvstore"
	"github.com/shuttlecore/core/internal/rowdirection"
	"github.com/shuttlecore/core/internal/staging"
)

// Status is a concrete Task's lifecycle state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAssigned         Status = "assigned"
	StatusInProgress       Status = "in_progress"
	StatusWaitingForLifter Status = "waiting_for_lifter"
	StatusCompleted        Status = "completed"
	// StatusFailed is terminal: the task is retained for inspection, not
	// retried automatically, once the Mission Coordinator or Event
	// Listener gives up on it (see coreerrors.NotFoundError,
	// coreerrors.ErrNoPathFound, coreerrors.ErrPathReconstructionError).
	StatusFailed Status = "failed"
)

// EndpointLockTTL bounds how long a locked storage cell can sit unclaimed.
const EndpointLockTTL = 300 * time.Second

const pendingSetKey = "task:pending"
const activePalletIDsKey = "task:active_pallet_ids"
const activeShuttleCounterKey = "stats:active_shuttles"

func taskKey(taskID string) string {
	return fmt.Sprintf("shuttle:task:%s", taskID)
}

func endpointLockKey(cellID string) string {
	return fmt.Sprintf("endnode:lock:%s", cellID)
}

// Task is a concrete, endpoint-committed unit of work.
type Task struct {
	TaskID            string
	Status            Status
	BatchID           string
	PalletType        string
	RackID            string
	TargetRow         string
	TargetFloor       string
	PickupQr          string
	PickupFloorID     string
	ItemInfo          string
	EndQr             string
	EndCol            int
	EndRow            int
	AssignedShuttleID string
	PickupCompleted   bool
	IsCarrying        bool
	Timestamp         time.Time
}

func encodeTask(t Task) map[string]string {
	return map[string]string{
		"taskId":            t.TaskID,
		"status":            string(t.Status),
		"batchId":           t.BatchID,
		"palletType":        t.PalletType,
		"rackId":            t.RackID,
		"targetRow":         t.TargetRow,
		"targetFloor":       t.TargetFloor,
		"pickupQr":          t.PickupQr,
		"pickupFloorId":     t.PickupFloorID,
		"itemInfo":          t.ItemInfo,
		"endQr":             t.EndQr,
		"endCol":            strconv.Itoa(t.EndCol),
		"endRow":            strconv.Itoa(t.EndRow),
		"assignedShuttleId": t.AssignedShuttleID,
		"pickupCompleted":   strconv.FormatBool(t.PickupCompleted),
		"isCarrying":        strconv.FormatBool(t.IsCarrying),
		"timestamp":         strconv.FormatInt(t.Timestamp.Unix(), 10),
	}
}

func decodeTask(f map[string]string) Task {
	endCol, _ := strconv.Atoi(f["endCol"])
	endRow, _ := strconv.Atoi(f["endRow"])
	ts, _ := strconv.ParseInt(f["timestamp"], 10, 64)
	return Task{
		TaskID:            f["taskId"],
		Status:            Status(f["status"]),
		BatchID:           f["batchId"],
		PalletType:        f["palletType"],
		RackID:            f["rackId"],
		TargetRow:         f["targetRow"],
		TargetFloor:       f["targetFloor"],
		PickupQr:          f["pickupQr"],
		PickupFloorID:     f["pickupFloorId"],
		ItemInfo:          f["itemInfo"],
		EndQr:             f["endQr"],
		EndCol:            endCol,
		EndRow:            endRow,
		AssignedShuttleID: f["assignedShuttleId"],
		PickupCompleted:   f["pickupCompleted"] == "true",
		IsCarrying:        f["isCarrying"] == "true",
		Timestamp:         time.Unix(ts, 0),
	}
}

// Store is the Redis-backed task registry, shared by the Dispatcher, the
// Event Listener, and the Staging Pipeline's duplicate check.
type Store struct {
	store kvstore.Store
}

// NewStore wraps a Store as a task registry.
func NewStore(store kvstore.Store) *Store {
	return &Store{store: store}
}

// Register persists a new task, hashes it for lookup, and enqueues it
// onto the pending sorted set ordered by its timestamp.
func (s *Store) Register(ctx context.Context, t Task) error {
	if err := s.store.HSet(ctx, taskKey(t.TaskID), encodeTask(t)); err != nil {
		return err
	}
	if err := s.store.ZAdd(ctx, pendingSetKey, float64(t.Timestamp.Unix()), t.TaskID); err != nil {
		return err
	}
	if t.ItemInfo != "" {
		if err := s.store.SAdd(ctx, activePalletIDsKey, t.ItemInfo); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a task by id.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, bool, error) {
	fields, err := s.store.HGetAll(ctx, taskKey(taskID))
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	task := decodeTask(fields)
	return &task, true, nil
}

// Save overwrites a task's hash in place.
func (s *Store) Save(ctx context.Context, t Task) error {
	return s.store.HSet(ctx, taskKey(t.TaskID), encodeTask(t))
}

// PopPending removes and returns the lowest-timestamp pending task id
// (the store's sorted set has no non-destructive peek), along with its
// original score so the Dispatcher can reinsert it unchanged if this
// tick can't commit to it.
func (s *Store) PopPending(ctx context.Context) (taskID string, score float64, found bool, err error) {
	return s.store.ZPopMin(ctx, pendingSetKey)
}

// ReinsertPending pushes a task back onto the pending set at its
// original score, preserving FIFO order when a dispatch attempt fails.
func (s *Store) ReinsertPending(ctx context.Context, taskID string, score float64) error {
	return s.store.ZAdd(ctx, pendingSetKey, score, taskID)
}

// Delete removes a completed task's hash and its active-pallet-id index
// entry.
func (s *Store) Delete(ctx context.Context, t Task) error {
	if t.ItemInfo != "" {
		if err := s.store.SRem(ctx, activePalletIDsKey, t.ItemInfo); err != nil {
			return err
		}
	}
	return s.store.Del(ctx, taskKey(t.TaskID))
}

// ListAll scans every concrete task hash, used by the operator dashboard
// and the read-only fleet-status HTTP surface.
func (s *Store) ListAll(ctx context.Context) ([]Task, error) {
	keys, err := s.store.ScanKeys(ctx, "shuttle:task:*")
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(keys))
	for _, key := range keys {
		fields, err := s.store.HGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, decodeTask(fields))
	}
	return out, nil
}

// HasActivePalletID implements staging.ActiveTaskChecker.
func (s *Store) HasActivePalletID(ctx context.Context, palletID string) (bool, error) {
	ids, err := s.store.SMembers(ctx, activePalletIDsKey)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == palletID {
			return true, nil
		}
	}
	return false, nil
}

// IncrActiveShuttles and DecrActiveShuttles maintain the shared
// active-shuttle counter the Dispatcher updates and the Scheduler Worker
// reads to decide single- vs multi-shuttle row coordination.
func IncrActiveShuttles(ctx context.Context, store kvstore.Store) (int64, error) {
	return store.Incr(ctx, activeShuttleCounterKey)
}

func DecrActiveShuttles(ctx context.Context, store kvstore.Store) (int64, error) {
	return store.Decr(ctx, activeShuttleCounterKey)
}

func ActiveShuttleCount(ctx context.Context, store kvstore.Store) (int64, error) {
	raw, found, err := store.Get(ctx, activeShuttleCounterKey)
	if err != nil || !found {
		return 0, err
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n, nil
}

// IDGenerator produces unique task ids.
type IDGenerator func() string

// Worker is the periodic, self-skipping Scheduler Worker.
type Worker struct {
	store      kvstore.Store
	catalog    catalog.Gateway
	rowManager *rowdirection.Manager
	staging    *staging.Pipeline
	tasks      *Store
	idGen      IDGenerator

	ticking int32 // guards against re-entrant ticks, CAS'd via atomic
}

// New constructs a Scheduler Worker.
func New(store kvstore.Store, cat catalog.Gateway, rowManager *rowdirection.Manager, pipeline *staging.Pipeline, tasks *Store, idGen IDGenerator) *Worker {
	return &Worker{store: store, catalog: cat, rowManager: rowManager, staging: pipeline, tasks: tasks, idGen: idGen}
}

// Run drives the 5 s scheduler loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				log.Printf("taskscheduler: tick failed: %v", err)
			}
		}
	}
}

// Tick runs one scheduler cycle, skipping entirely if the previous tick
// is still in flight.
func (w *Worker) Tick(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&w.ticking, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&w.ticking, 0)

	task, found, err := w.staging.PopStagedTask(ctx)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	if procErr := w.processStagedTask(ctx, task); procErr != nil {
		// A vanished cell/floor reference is transient from the Scheduler's
		// perspective: the catalog may settle by next cycle, so re-queue
		// rather than dropping the row on the floor.
		var notFound *coreerrors.NotFoundError
		if errors.As(procErr, &notFound) {
			log.Printf("taskscheduler: %v, requeuing staged row for batch %s", procErr, task.BatchID)
		}
		if reqErr := w.staging.RequeueStagedTask(ctx, *task); reqErr != nil {
			return fmt.Errorf("processing failed (%w) and requeue failed: %v", procErr, reqErr)
		}
		return procErr
	}
	return nil
}

func (w *Worker) processStagedTask(ctx context.Context, staged *staging.StagedTask) error {
	activeShuttles, err := ActiveShuttleCount(ctx, w.store)
	if err != nil {
		return err
	}

	targetRow := staged.TargetRow
	var rowFilter *int
	if activeShuttles >= 2 {
		assigned, err := w.rowManager.AssignRow(ctx, staged.BatchID, staged.TargetRow)
		if err != nil {
			return err
		}
		targetRow = assigned
		if n, convErr := strconv.Atoi(targetRow); convErr == nil {
			rowFilter = &n
		}
	}

	candidates, err := w.catalog.ListAvailableCells(ctx, staged.TargetFloor, staged.PalletType, rowFilter)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return w.staging.RequeueStagedTask(ctx, *staged)
	}

	taskID := w.idGen()
	for _, cell := range candidates {
		ok, err := w.store.AcquireLock(ctx, endpointLockKey(cell.ID), taskID, EndpointLockTTL)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		t := Task{
			TaskID:        taskID,
			Status:        StatusPending,
			BatchID:       staged.BatchID,
			PalletType:    staged.PalletType,
			RackID:        staged.RackID,
			TargetRow:     targetRow,
			TargetFloor:   staged.TargetFloor,
			PickupQr:      staged.PickupQr,
			PickupFloorID: staged.PickupFloorID,
			ItemInfo:      staged.ItemInfo,
			EndQr:         cell.Qr,
			EndCol:        cell.Col,
			EndRow:        cell.Row,
			Timestamp:     time.Now(),
		}
		return w.tasks.Register(ctx, t)
	}

	return w.staging.RequeueStagedTask(ctx, *staged)
}
