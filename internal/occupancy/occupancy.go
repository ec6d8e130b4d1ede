// Package occupancy is the Node Occupation Map: which QR is physically held
// by which shuttle, updated on every movement event and consulted by the
// pathfinder as a dynamic obstacle set.
package occupancy

import (
	"context"
	"fmt"

	"github.com/shuttlecore/core/internal/kvstore"
)

func occupiedKey(qr string) string {
	return fmt.Sprintf("node:%s:occupied_by", qr)
}

// Map tracks qr -> shuttleId occupation in the shared store.
type Map struct {
	store kvstore.Store
}

// New wraps a Store as a Node Occupation Map.
func New(store kvstore.Store) *Map {
	return &Map{store: store}
}

// BlockNode marks qr as occupied by shuttleID.
func (m *Map) BlockNode(ctx context.Context, qr, shuttleID string) error {
	return m.store.Set(ctx, occupiedKey(qr), shuttleID, 0)
}

// UnblockNode clears qr's occupation, regardless of current holder.
func (m *Map) UnblockNode(ctx context.Context, qr string) error {
	return m.store.Del(ctx, occupiedKey(qr))
}

// OccupantOf returns the shuttleId occupying qr, or "" if free.
func (m *Map) OccupantOf(ctx context.Context, qr string) (string, error) {
	val, found, err := m.store.Get(ctx, occupiedKey(qr))
	if err != nil || !found {
		return "", err
	}
	return val, nil
}

// HandleShuttleMove unblocks prevQr then blocks curQr, in that order, so a
// shuttle moving onto its own previously-held node never self-conflicts.
// Best-effort: a crash between the two calls leaves prevQr free and curQr
// newly blocked, which is the safe failure mode.
func (m *Map) HandleShuttleMove(ctx context.Context, shuttleID, prevQr, curQr string) error {
	if prevQr != "" {
		if err := m.UnblockNode(ctx, prevQr); err != nil {
			return err
		}
	}
	if curQr != "" {
		if err := m.BlockNode(ctx, curQr, shuttleID); err != nil {
			return err
		}
	}
	return nil
}

// AllOccupiedNodes returns a snapshot of qr -> shuttleId used by the
// pathfinder as a dynamic obstacle set.
func (m *Map) AllOccupiedNodes(ctx context.Context) (map[string]string, error) {
	keys, err := m.store.ScanKeys(ctx, "node:*:occupied_by")
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		qr, ok := parseOccupiedKey(key)
		if !ok {
			continue
		}
		val, found, err := m.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			out[qr] = val
		}
	}
	return out, nil
}

func parseOccupiedKey(key string) (string, bool) {
	const prefix = "node:"
	const suffix = ":occupied_by"
	if len(key) <= len(prefix)+len(suffix) {
		return "", false
	}
	if key[:len(prefix)] != prefix || key[len(key)-len(suffix):] != suffix {
		return "", false
	}
	return key[len(prefix) : len(key)-len(suffix)], true
}
