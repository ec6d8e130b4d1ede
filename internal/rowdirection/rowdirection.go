// Package rowdirection is the Row Direction Manager & Coordination: once
// two or more shuttles are active, every storage row becomes one-way
// until its holder set empties, and a batch's row assignment is pinned so
// every shuttle serving that batch converges on the same row.
package rowdirection

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shuttlecore/core/internal/kvstore"
)

// Direction is a row's one-way traversal direction.
type Direction int

const (
	DirLTR Direction = 1
	DirRTL Direction = 2
)

// BatchRowTTL is how long a batch's row pin survives.
const BatchRowTTL = time.Hour

func directionKey(floorID, row string) string {
	return fmt.Sprintf("row:direction:%s:%s", floorID, row)
}

func holdersKey(floorID, row string) string {
	return fmt.Sprintf("row:direction:%s:%s:holders", floorID, row)
}

func batchRowKey(batchID string) string {
	return fmt.Sprintf("row_coordination:batch:%s", batchID)
}

// Manager is the Redis-backed Row Direction Manager.
type Manager struct {
	store kvstore.Store
}

// New wraps a Store as a Row Direction Manager.
func New(store kvstore.Store) *Manager {
	return &Manager{store: store}
}

// GetRowDirection returns the row's current locked direction, or
// found=false if the row has no active direction.
func (m *Manager) GetRowDirection(ctx context.Context, floorID, row string) (Direction, bool, error) {
	raw, found, err := m.store.Get(ctx, directionKey(floorID, row))
	if err != nil || !found {
		return 0, false, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, nil
	}
	return Direction(n), true, nil
}

// LockRowDirection succeeds if the row has no direction yet, or its
// direction already matches dir; it then adds shuttleID to the holder set.
func (m *Manager) LockRowDirection(ctx context.Context, floorID, row string, dir Direction, shuttleID string) (bool, error) {
	existing, found, err := m.GetRowDirection(ctx, floorID, row)
	if err != nil {
		return false, err
	}
	if found && existing != dir {
		return false, nil
	}
	if !found {
		if err := m.store.Set(ctx, directionKey(floorID, row), strconv.Itoa(int(dir)), 0); err != nil {
			return false, err
		}
	}
	if err := m.store.SAdd(ctx, holdersKey(floorID, row), shuttleID); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseShuttleFromRow removes shuttleID from the row's holder set,
// clearing the direction record once the set empties.
func (m *Manager) ReleaseShuttleFromRow(ctx context.Context, floorID, row, shuttleID string) error {
	if err := m.store.SRem(ctx, holdersKey(floorID, row), shuttleID); err != nil {
		return err
	}
	holders, err := m.store.SMembers(ctx, holdersKey(floorID, row))
	if err != nil {
		return err
	}
	if len(holders) == 0 {
		return m.store.Del(ctx, directionKey(floorID, row))
	}
	return nil
}

// ClearRowDirectionLock force-clears a row's direction and holder set,
// used at batch-row transitions regardless of current holders.
func (m *Manager) ClearRowDirectionLock(ctx context.Context, floorID, row string) error {
	return m.store.Del(ctx, directionKey(floorID, row), holdersKey(floorID, row))
}

// Holders returns the current holder set for a row.
func (m *Manager) Holders(ctx context.Context, floorID, row string) ([]string, error) {
	return m.store.SMembers(ctx, holdersKey(floorID, row))
}

// AssignRow pins batchID to row with a 1h TTL if no assignment exists yet,
// and returns the (possibly pre-existing) pinned row.
func (m *Manager) AssignRow(ctx context.Context, batchID, row string) (string, error) {
	existing, found, err := m.store.Get(ctx, batchRowKey(batchID))
	if err != nil {
		return "", err
	}
	if found {
		return existing, nil
	}
	if err := m.store.Set(ctx, batchRowKey(batchID), row, BatchRowTTL); err != nil {
		return "", err
	}
	return row, nil
}

// GetAssignedRow returns a batch's pinned row, if any.
func (m *Manager) GetAssignedRow(ctx context.Context, batchID string) (string, bool, error) {
	return m.store.Get(ctx, batchRowKey(batchID))
}

// InferDirection picks a fresh row's direction by comparing the
// destination column against the pickup column: end left of pickup means
// right-to-left traversal, otherwise left-to-right.
func InferDirection(endCol, pickupCol int) Direction {
	if endCol < pickupCol {
		return DirRTL
	}
	return DirLTR
}
