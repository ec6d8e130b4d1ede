// Package staging is the Staging Pipeline: it ingests inbound requests,
// batches items by rack/palletType, and pushes staged tasks into the
// staging list one storage row at a time for the Scheduler Worker to
// consume.
package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/shuttlecore/core/internal/catalog"
	"github.com/shuttlecore/core/internal/coreerrors"
	"github.com/shuttlecore/core/internal/kvstore"
)

// BatchStatus is a Master Batch's lifecycle stage.
type BatchStatus string

const (
	BatchPending       BatchStatus = "pending"
	BatchProcessingRow BatchStatus = "processing_row"
	BatchCompleted     BatchStatus = "completed"
)

// BatchTTL bounds a Master Batch's lifetime in the store.
const BatchTTL = time.Hour

// RowRetryDelay is how long processBatchRow waits before retrying when no
// candidate cells are available yet.
const RowRetryDelay = 10 * time.Second

const stagingQueueKey = "task:staging_queue"
const stagingPalletIDsKey = "task:staging_queue:pallet_ids"
const inboundQueueKey = "shuttle:inbound_pallet_queue"
const inboundPalletIDsKey = "shuttle:inbound_pallet_queue:pallet_ids"

func masterBatchKey(batchID string) string {
	return fmt.Sprintf("batch:master:%s", batchID)
}

func processedItemsKey(batchID string) string {
	return fmt.Sprintf("batch:%s:processed_items", batchID)
}

func rowCounterKey(batchID string) string {
	return fmt.Sprintf("batch:%s:row_counter", batchID)
}

// AutoModeRequest is one ingestion request: a rack, a pallet type, and the
// items to store.
type AutoModeRequest struct {
	RackID     string
	PalletType string
	ListItem   []string
}

// AutoModeError reports one rejected item.
type AutoModeError struct {
	PalletID string `json:"palletId"`
	Reason   string `json:"reason"`
}

// AutoModeResult is autoMode's response payload.
type AutoModeResult struct {
	BatchIDs     []string        `json:"batchIds"`
	TotalBatches int             `json:"totalBatches"`
	Errors       []AutoModeError `json:"errors,omitempty"`
}

// MasterBatch tracks one ingestion group sharing rack, palletType, and a
// row assignment.
type MasterBatch struct {
	BatchID        string      `json:"batchId"`
	RackID         string      `json:"rackId"`
	PalletType     string      `json:"palletType"`
	PickupQr       string      `json:"pickupQr"`
	PickupFloorID  string      `json:"pickupFloorId"`
	Items          []string    `json:"items"`
	TotalItems     int         `json:"totalItems"`
	ProcessedItems int         `json:"processedItems"`
	CurrentRow     string      `json:"currentRow,omitempty"`
	Status         BatchStatus `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// StagedTask lives only in the staging list until the Scheduler Worker
// pops it.
type StagedTask struct {
	BatchID       string `json:"batchId"`
	PickupQr      string `json:"pickupQr"`
	PickupFloorID string `json:"pickupFloorId"`
	ItemInfo      string `json:"itemInfo"`
	PalletType    string `json:"palletType"`
	RackID        string `json:"rackId"`
	TargetRow     string `json:"targetRow"`
	TargetFloor   string `json:"targetFloor"`
}

// ActiveTaskChecker reports whether a palletId is already committed to a
// live concrete task, satisfied by the task scheduler's task store.
type ActiveTaskChecker interface {
	HasActivePalletID(ctx context.Context, palletID string) (bool, error)
}

// Pipeline is the Redis-backed Staging Pipeline.
type Pipeline struct {
	store    kvstore.Store
	catalog  catalog.Gateway
	tasks    ActiveTaskChecker
	idGen    func() string
	retryDue map[string]*time.Timer
}

// New constructs a Staging Pipeline. idGen generates batch ids; pass nil
// to use a monotonically-incrementing default.
func New(store kvstore.Store, cat catalog.Gateway, tasks ActiveTaskChecker, idGen func() string) *Pipeline {
	if idGen == nil {
		idGen = defaultIDGen()
	}
	return &Pipeline{store: store, catalog: cat, tasks: tasks, idGen: idGen, retryDue: make(map[string]*time.Timer)}
}

func defaultIDGen() func() string {
	var n int64
	return func() string {
		n++
		return fmt.Sprintf("batch-%d-%d", time.Now().UnixNano(), n)
	}
}

// AutoMode validates and batches a set of ingestion requests, rejecting
// duplicate palletIds per-item while letting the surviving items form a
// new batch per request.
func (p *Pipeline) AutoMode(ctx context.Context, requests []AutoModeRequest) (AutoModeResult, error) {
	result := AutoModeResult{}

	for _, req := range requests {
		if req.RackID == "" || req.PalletType == "" || len(req.ListItem) == 0 {
			return result, &coreerrors.ValidationError{Field: "request", Reason: "rackId, palletType, and a non-empty listItem are required"}
		}

		pickup, err := p.catalog.GetPickupNode(ctx, req.RackID)
		if err != nil {
			return result, err
		}
		if pickup.RackID != req.RackID {
			return result, &coreerrors.StateInconsistency{Context: "staging.AutoMode", Detail: fmt.Sprintf("pickup node %s belongs to rack %s, not %s", pickup.Qr, pickup.RackID, req.RackID)}
		}

		var surviving []string
		for _, palletID := range req.ListItem {
			dup, err := p.isDuplicate(ctx, palletID)
			if err != nil {
				return result, err
			}
			if dup {
				result.Errors = append(result.Errors, AutoModeError{PalletID: palletID, Reason: "duplicate"})
				continue
			}
			surviving = append(surviving, palletID)
		}
		if len(surviving) == 0 {
			continue
		}

		batchID := p.idGen()
		batch := MasterBatch{
			BatchID:       batchID,
			RackID:        req.RackID,
			PalletType:    req.PalletType,
			PickupQr:      pickup.Qr,
			PickupFloorID: pickup.FloorID,
			Items:         surviving,
			TotalItems:    len(surviving),
			Status:        BatchPending,
			CreatedAt:     time.Now(),
		}
		if err := p.saveMasterBatch(ctx, batch); err != nil {
			return result, err
		}
		if err := p.store.Set(ctx, processedItemsKey(batchID), "0", BatchTTL); err != nil {
			return result, err
		}

		if err := p.ProcessBatchRow(ctx, batchID); err != nil {
			return result, err
		}

		result.BatchIDs = append(result.BatchIDs, batchID)
		result.TotalBatches++
	}

	return result, nil
}

func (p *Pipeline) isDuplicate(ctx context.Context, palletID string) (bool, error) {
	inbound, err := p.store.SMembers(ctx, inboundPalletIDsKey)
	if err != nil {
		return false, err
	}
	if containsString(inbound, palletID) {
		return true, nil
	}
	staged, err := p.store.SMembers(ctx, stagingPalletIDsKey)
	if err != nil {
		return false, err
	}
	if containsString(staged, palletID) {
		return true, nil
	}
	if p.tasks != nil {
		active, err := p.tasks.HasActivePalletID(ctx, palletID)
		if err != nil {
			return false, err
		}
		if active {
			return true, nil
		}
	}
	cell, err := p.catalog.FindCellByPalletID(ctx, palletID)
	if err != nil {
		return false, err
	}
	return cell != nil, nil
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// ProcessBatchRow loads the batch, stages one row's worth of items into
// the staging list, and marks the batch completed once every item has
// been staged. If no candidate storage cells are available yet it retries
// after RowRetryDelay.
func (p *Pipeline) ProcessBatchRow(ctx context.Context, batchID string) error {
	batch, found, err := p.getMasterBatch(ctx, batchID)
	if err != nil || !found {
		return err
	}

	// processed_items is the atomic source of truth (kept current by
	// AdvanceProcessedItems' INCR); batch.ProcessedItems is only a cache and
	// must never drive the remaining-items slice directly, or concurrent
	// TASK_COMPLETE events on the same row can re-stage completed items.
	processed, err := p.processedCount(ctx, batchID)
	if err != nil {
		return err
	}
	if processed > len(batch.Items) {
		processed = len(batch.Items)
	}
	batch.ProcessedItems = processed

	remaining := batch.Items[processed:]
	if len(remaining) == 0 {
		batch.Status = BatchCompleted
		return p.saveMasterBatch(ctx, batch)
	}

	cells, err := p.catalog.ListAvailableCells(ctx, batch.PickupFloorID, batch.PalletType, nil)
	if err != nil {
		return err
	}
	if len(cells) == 0 {
		p.scheduleRetry(ctx, batchID)
		return nil
	}

	targetRow := fmt.Sprintf("%d", cells[0].Row)
	nodeCount := len(cells)
	itemsToPush := len(remaining)
	if nodeCount < itemsToPush {
		itemsToPush = nodeCount
	}

	for i := 0; i < itemsToPush; i++ {
		task := StagedTask{
			BatchID:       batchID,
			PickupQr:      batch.PickupQr,
			PickupFloorID: batch.PickupFloorID,
			ItemInfo:      remaining[i],
			PalletType:    batch.PalletType,
			RackID:        batch.RackID,
			TargetRow:     targetRow,
			TargetFloor:   batch.PickupFloorID,
		}
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if err := p.store.LPush(ctx, stagingQueueKey, string(data)); err != nil {
			return err
		}
		if err := p.store.SAdd(ctx, stagingPalletIDsKey, remaining[i]); err != nil {
			return err
		}
	}

	if err := p.store.Set(ctx, rowCounterKey(batchID), fmt.Sprintf("%d", itemsToPush), BatchTTL); err != nil {
		return err
	}
	batch.CurrentRow = targetRow
	batch.Status = BatchProcessingRow
	return p.saveMasterBatch(ctx, batch)
}

// processedCount reads the atomic processed_items counter, the source of
// truth for how many of a batch's items have completed.
func (p *Pipeline) processedCount(ctx context.Context, batchID string) (int, error) {
	raw, found, err := p.store.Get(ctx, processedItemsKey(batchID))
	if err != nil || !found {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Pipeline) scheduleRetry(ctx context.Context, batchID string) {
	if t, ok := p.retryDue[batchID]; ok {
		t.Stop()
	}
	p.retryDue[batchID] = time.AfterFunc(RowRetryDelay, func() {
		if err := p.ProcessBatchRow(context.Background(), batchID); err != nil {
			log.Printf("staging: retry processBatchRow(%s): %v", batchID, err)
		}
	})
}

func (p *Pipeline) saveMasterBatch(ctx context.Context, batch MasterBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, masterBatchKey(batch.BatchID), string(data), BatchTTL)
}

func (p *Pipeline) getMasterBatch(ctx context.Context, batchID string) (MasterBatch, bool, error) {
	raw, found, err := p.store.Get(ctx, masterBatchKey(batchID))
	if err != nil || !found {
		return MasterBatch{}, false, err
	}
	var batch MasterBatch
	if err := json.Unmarshal([]byte(raw), &batch); err != nil {
		return MasterBatch{}, false, err
	}
	return batch, true, nil
}

// GetMasterBatch exposes the current batch snapshot for callers outside
// the pipeline (dashboard, TASK_COMPLETE handler).
func (p *Pipeline) GetMasterBatch(ctx context.Context, batchID string) (MasterBatch, bool, error) {
	return p.getMasterBatch(ctx, batchID)
}

// AdvanceProcessedItems atomically increments a batch's processed_items
// counter (the source of truth) and decrements its row_counter, called by
// the Event Listener on TASK_COMPLETE. Returns the row_counter's new value.
func (p *Pipeline) AdvanceProcessedItems(ctx context.Context, batchID string) (int64, error) {
	processed, err := p.store.Incr(ctx, processedItemsKey(batchID))
	if err != nil {
		return 0, err
	}
	remaining, err := p.store.Decr(ctx, rowCounterKey(batchID))
	if err != nil {
		return 0, err
	}
	batch, found, err := p.getMasterBatch(ctx, batchID)
	if err != nil {
		return remaining, err
	}
	if found {
		// Set, don't increment: processed is already the atomic counter's
		// post-INCR value, so writing it directly can't lose a concurrent
		// update the way batch.ProcessedItems++ on a racy cached read could.
		batch.ProcessedItems = int(processed)
		if err := p.saveMasterBatch(ctx, batch); err != nil {
			return remaining, err
		}
	}
	return remaining, nil
}

// PopStagedTask right-pops one staged task from the queue, the Scheduler
// Worker's entry point into the staging list.
func (p *Pipeline) PopStagedTask(ctx context.Context) (*StagedTask, bool, error) {
	raw, found, err := p.store.RPop(ctx, stagingQueueKey)
	if err != nil || !found {
		return nil, false, err
	}
	var task StagedTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, false, err
	}
	if err := p.store.SRem(ctx, stagingPalletIDsKey, task.ItemInfo); err != nil {
		return nil, false, err
	}
	return &task, true, nil
}

// RequeueStagedTask left-pushes a staged task back onto the head of the
// queue, preserving at-least-once delivery when the Scheduler Worker
// cannot place it this cycle.
func (p *Pipeline) RequeueStagedTask(ctx context.Context, task StagedTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := p.store.LPush(ctx, stagingQueueKey, string(data)); err != nil {
		return err
	}
	return p.store.SAdd(ctx, stagingPalletIDsKey, task.ItemInfo)
}

// IsDuplicatePallet reports whether a palletId is already known to the
// inbound queue, the staging list, an active task, or the catalog, for
// the /register endpoint's 409-on-duplicate check.
func (p *Pipeline) IsDuplicatePallet(ctx context.Context, palletID string) (bool, error) {
	return p.isDuplicate(ctx, palletID)
}

// RegisterInbound records a pallet on the inbound queue, for the
// /register ingestion endpoint's duplicate tracking.
func (p *Pipeline) RegisterInbound(ctx context.Context, palletID string) error {
	if err := p.store.LPush(ctx, inboundQueueKey, palletID); err != nil {
		return err
	}
	return p.store.SAdd(ctx, inboundPalletIDsKey, palletID)
}
