package coordination

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/shuttlecore/core/internal/kvstore"
)

// LockJanitor periodically fences locks whose recorded epoch has fallen
// behind the current leader-election epoch. Redis's own TTL already expires
// a lock physically; the janitor exists for the case a lock's owning
// process died between its last renew and TTL expiry but a newer epoch has
// since been minted, so the stale metadata is worth logging even though the
// lock itself will vanish on its own.
type LockJanitor struct {
	store    kvstore.Store
	interval time.Duration
}

// NewLockJanitor builds a janitor sweeping on the given interval.
func NewLockJanitor(store kvstore.Store, interval time.Duration) *LockJanitor {
	return &LockJanitor{store: store, interval: interval}
}

// Start runs the sweep loop in the background until ctx is cancelled.
func (j *LockJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *LockJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *LockJanitor) sweep(ctx context.Context) {
	raw, found, err := j.store.Get(ctx, epochKey)
	if err != nil {
		log.Printf("coordination: janitor failed to read epoch: %v", err)
		return
	}
	if !found {
		return
	}
	currentEpoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}

	keys, err := j.store.ScanKeys(ctx, "shuttlefleet:lock:*")
	if err != nil {
		log.Printf("coordination: janitor scan failed: %v", err)
		return
	}

	for _, key := range keys {
		owner, err := j.store.GetLockOwner(ctx, key)
		if err != nil || owner == "" {
			continue
		}
		var meta LockMetadata
		if err := json.Unmarshal([]byte(owner), &meta); err != nil {
			continue
		}
		if meta.Epoch < currentEpoch {
			log.Printf("coordination: janitor fencing lock %s (epoch %d < current %d)", key, meta.Epoch, currentEpoch)
			if err := j.store.ReleaseLock(ctx, key, owner); err != nil {
				log.Printf("coordination: janitor failed to release fenced lock %s: %v", key, err)
			}
		}
	}
}
