package kvstore

import (
	"context"
	"time"
)

// Reservation is the single-owner distributed lock service over the Store's
// string-key lock primitives. Mutual exclusion is enforced among distinct
// owners; a crashed holder's lock expires via TTL, so this is best-effort,
// not fair.
type Reservation struct {
	store Store
}

// NewReservation wraps a Store with lock-specific naming.
func NewReservation(store Store) *Reservation {
	return &Reservation{store: store}
}

// Acquire attempts to take the lock. Re-acquisition by the same owner
// succeeds and refreshes the TTL.
func (r *Reservation) Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	return r.store.AcquireLock(ctx, key, ownerID, ttl)
}

// Renew extends the TTL if held by ownerID.
func (r *Reservation) Renew(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	return r.store.RenewLock(ctx, key, ownerID, ttl)
}

// ReleaseIfOwner deletes the lock only if held by ownerID, a no-op
// otherwise.
func (r *Reservation) ReleaseIfOwner(ctx context.Context, key, ownerID string) error {
	return r.store.ReleaseLock(ctx, key, ownerID)
}

// Release unconditionally deletes the lock, safe to call on a missing key.
func (r *Reservation) Release(ctx context.Context, key string) error {
	return r.store.Del(ctx, key)
}

// Owner returns the current holder, or "" if the lock is free.
func (r *Reservation) Owner(ctx context.Context, key string) (string, error) {
	return r.store.GetLockOwner(ctx, key)
}

// IsHeldBy reports whether key is currently held by ownerID.
func (r *Reservation) IsHeldBy(ctx context.Context, key, ownerID string) (bool, error) {
	owner, err := r.Owner(ctx, key)
	if err != nil {
		return false, err
	}
	return owner == ownerID, nil
}
