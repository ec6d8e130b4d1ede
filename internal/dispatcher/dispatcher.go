// Package dispatcher is the FIFO Dispatcher: it peeks the oldest pending
// task, locks its pickup node, picks the nearest idle shuttle, and
// publishes the move-to-pickup mission.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/shuttlecore/core/internal/bus"
	"github.com/shuttlecore/core/internal/catalog"
	"github.com/shuttlecore/core/internal/coreerrors"
	"github.com/shuttlecore/core/internal/kvstore"
	"github.com/shuttlecore/core/internal/mission"
	"github.com/shuttlecore/core/internal/shuttlestate"
	"github.com/shuttlecore/core/internal/taskscheduler"
)

// PickupLockTTL bounds how long a pickup node may be reserved for one task.
const PickupLockTTL = 300 * time.Second

// PublishRetryInterval and PublishRetryTimeout bound the mission-ack
// retry loop kicked off after each publish.
const (
	PublishRetryInterval = 500 * time.Millisecond
	PublishRetryTimeout  = 30 * time.Second
)

func pickupLockKey(pickupQr string) string {
	return fmt.Sprintf("pickup:lock:%s", pickupQr)
}

func shuttleHandleTopic(shuttleID string) string {
	return fmt.Sprintf("shuttle/handle/%s", shuttleID)
}

// Dispatcher is the periodic + event-kicked FIFO Dispatcher.
type Dispatcher struct {
	store    kvstore.Store
	catalog  catalog.Gateway
	shuttles *shuttlestate.Cache
	tasks    *taskscheduler.Store
	mission  *mission.Coordinator
	bus      bus.ShuttleBus
	kick     chan struct{}
	ticking  int32
}

// New constructs a Dispatcher.
func New(store kvstore.Store, cat catalog.Gateway, shuttles *shuttlestate.Cache, tasks *taskscheduler.Store, coordinator *mission.Coordinator, shuttleBus bus.ShuttleBus) *Dispatcher {
	return &Dispatcher{
		store:    store,
		catalog:  cat,
		shuttles: shuttles,
		tasks:    tasks,
		mission:  coordinator,
		bus:      shuttleBus,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests an out-of-band tick (1 s after completions/lock-releases),
// coalescing with any already-pending kick.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run drives the 5 s periodic loop plus event-triggered kicks until ctx
// is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.safeTick(ctx)
		case <-d.kick:
			time.Sleep(1 * time.Second)
			d.safeTick(ctx)
		}
	}
}

func (d *Dispatcher) safeTick(ctx context.Context) {
	if err := d.Tick(ctx); err != nil {
		log.Printf("dispatcher: tick failed: %v", err)
	}
}

// Tick runs one dispatch cycle: pop the oldest pending task, lock its
// pickup node, pick the nearest idle shuttle, and publish its mission.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.ticking, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&d.ticking, 0)

	taskID, score, found, err := d.tasks.PopPending(ctx)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	task, found, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !found {
		// The task hash vanished (e.g. cancelled); the pending entry is
		// already gone, nothing left to reinsert.
		return nil
	}

	locked, err := d.store.AcquireLock(ctx, pickupLockKey(task.PickupQr), taskID, PickupLockTTL)
	if err != nil {
		return err
	}
	if !locked {
		return d.tasks.ReinsertPending(ctx, taskID, score)
	}

	shuttleID, ok, err := d.pickNearestIdleShuttle(ctx, task.PickupQr, task.PickupFloorID)
	if err != nil {
		return d.failOrReinsert(ctx, task, score, err)
	}
	if !ok {
		if relErr := d.store.ReleaseLock(ctx, pickupLockKey(task.PickupQr), taskID); relErr != nil {
			return relErr
		}
		return d.tasks.ReinsertPending(ctx, taskID, score)
	}

	m, waiting, err := d.mission.CalculateNextSegment(ctx, shuttleID, task.PickupQr, task.PickupFloorID, mission.Options{
		OnArrival:  mission.OnArrivalPickupComplete,
		IsCarrying: false,
		TaskID:     taskID,
		PickupQr:   task.PickupQr,
		EndQr:      task.EndQr,
		ItemInfo:   task.ItemInfo,
	})
	if err != nil {
		return d.failOrReinsert(ctx, task, score, err)
	}

	var payload any
	if waiting != nil {
		payload = waiting.Mission
	} else {
		payload = *m
	}
	if err := d.bus.Publish(ctx, shuttleHandleTopic(shuttleID), payload); err != nil {
		return d.failOrReinsert(ctx, task, score, err)
	}
	go d.confirmDelivery(shuttleID, taskID, payload)

	task.Status = taskscheduler.StatusAssigned
	task.AssignedShuttleID = shuttleID
	if err := d.tasks.Save(ctx, *task); err != nil {
		return err
	}
	if _, err := taskscheduler.IncrActiveShuttles(ctx, d.store); err != nil {
		return err
	}
	return nil
}

// failOrReinsert releases the pickup lock this tick holds on task and,
// per cause's kind, either retains the task as StatusFailed (a vanished
// cell/shuttle or a pathfinding failure that retrying without avoidance
// already couldn't fix won't resolve itself) or reinserts it onto the
// pending set for the next tick to retry. Called only once the pickup
// lock has actually been acquired, so it is always this tick's to
// release; failing to do so would otherwise orphan the task at
// StatusPending with the lock leaking for its full TTL.
func (d *Dispatcher) failOrReinsert(ctx context.Context, task *taskscheduler.Task, score float64, cause error) error {
	lockKey := pickupLockKey(task.PickupQr)
	if relErr := d.store.ReleaseLock(ctx, lockKey, task.TaskID); relErr != nil {
		log.Printf("dispatcher: releasing %s after %v: %v", lockKey, cause, relErr)
	}

	var notFound *coreerrors.NotFoundError
	terminal := errors.Is(cause, coreerrors.ErrNoPathFound) ||
		errors.Is(cause, coreerrors.ErrPathReconstructionError) ||
		errors.As(cause, &notFound)
	if !terminal {
		if reqErr := d.tasks.ReinsertPending(ctx, task.TaskID, score); reqErr != nil {
			return fmt.Errorf("reinserting task %s after %v: %w", task.TaskID, cause, reqErr)
		}
		return cause
	}

	task.Status = taskscheduler.StatusFailed
	if saveErr := d.tasks.Save(ctx, *task); saveErr != nil {
		return fmt.Errorf("marking task %s failed after %v: %w", task.TaskID, cause, saveErr)
	}
	return cause
}

// pickNearestIdleShuttle enumerates live shuttle states, keeps the IDLE
// ones, and returns the same-floor minimum Manhattan-distance winner
// (stable tie-break: first seen in enumeration order). Cross-floor
// shuttles are treated as infinitely far for dispatch selection — their
// first hop is a lifter segment the Mission Coordinator handles once
// assigned.
func (d *Dispatcher) pickNearestIdleShuttle(ctx context.Context, pickupQr, pickupFloorID string) (string, bool, error) {
	states, err := d.shuttles.ListAll(ctx)
	if err != nil {
		return "", false, err
	}

	pickupCell, err := d.catalog.GetCellByQr(ctx, pickupQr, pickupFloorID)
	if err != nil {
		return "", false, err
	}

	best := ""
	bestDist := math.MaxInt32
	for _, state := range states {
		if state.ShuttleStatus != shuttlestate.StatusIdle {
			continue
		}
		if state.CurrentFloorID != pickupFloorID {
			continue
		}
		cell, err := d.catalog.GetCellByQr(ctx, state.CurrentQr, state.CurrentFloorID)
		if err != nil {
			continue
		}
		dist := manhattan(cell.Col, cell.Row, pickupCell.Col, pickupCell.Row)
		if dist < bestDist {
			bestDist = dist
			best = state.ID
		}
	}
	return best, best != "", nil
}

func manhattan(col1, row1, col2, row2 int) int {
	return absInt(col1-col2) + absInt(row1-row2)
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// confirmDelivery retries the publish every PublishRetryInterval until
// the shuttle acknowledges (reports commandComplete=0, or a non-IDLE
// status while executing this taskId, or simply leaves IDLE) or
// PublishRetryTimeout elapses.
func (d *Dispatcher) confirmDelivery(shuttleID, taskID string, payload any) {
	ctx := context.Background()
	deadline := time.Now().Add(PublishRetryTimeout)
	ticker := time.NewTicker(PublishRetryInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		<-ticker.C
		state, found, err := d.shuttles.Get(ctx, shuttleID)
		if err != nil {
			log.Printf("dispatcher: confirmDelivery(%s): %v", shuttleID, err)
			continue
		}
		if !found {
			continue
		}
		if state.CommandComplete == 0 {
			return
		}
		if state.TaskID == taskID && state.ShuttleStatus != shuttlestate.StatusIdle {
			return
		}
		if state.ShuttleStatus != shuttlestate.StatusIdle {
			return
		}
		if err := d.bus.Publish(ctx, shuttleHandleTopic(shuttleID), payload); err != nil {
			log.Printf("dispatcher: retrying publish to %s: %v", shuttleID, err)
		}
	}
	log.Printf("dispatcher: mission to shuttle %s (task %s) unacknowledged after %s", shuttleID, taskID, PublishRetryTimeout)
}
