// Package coordination elects a single leader among redundant control-plane
// processes and fences stale locks behind a monotonic epoch, so the periodic
// loops (scheduler worker, dispatcher, traffic janitor, lifter poller) run on
// exactly one node at a time even across a Redis flush or network partition.
package coordination

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shuttlecore/core/internal/kvstore"
	"github.com/shuttlecore/core/internal/observability"
)

const (
	leaderLockKey = "shuttlefleet:lock:leader"
	epochKey      = "shuttlefleet:leader_election:epoch"
)

// LockMetadata is the JSON value stored under the leader lock. Readers
// compare it by exact string equality (kvstore's lock scripts do this),
// which doubles as a lease-ownership fingerprint across renew/release.
type LockMetadata struct {
	NodeID    string    `json:"node_id"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"req_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LeaderState is a snapshot of a LeaderElector for dashboards/health checks.
type LeaderState struct {
	IsLeader     bool   `json:"is_leader"`
	CurrentEpoch int64  `json:"current_epoch"`
	Transitions  int64  `json:"transitions"`
	NodeID       string `json:"node_id"`
}

type fencingKey string

const fencingEpochKey fencingKey = "fencing_epoch"

// GetEpochFromContext extracts the fencing epoch a FencedContext carries.
func GetEpochFromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(fencingEpochKey)
	if v == nil {
		return 0, false
	}
	epoch, ok := v.(int64)
	return epoch, ok
}

// LeaderElector holds a Redis lease (internal/kvstore's AcquireLock/RenewLock/
// ReleaseLock primitives) guarded by a durable fencing epoch taken from the
// same store's atomic INCR, so a lock reacquired after a Redis flush still
// gets a token higher than anything issued before the flush.
type LeaderElector struct {
	store   kvstore.Store
	nodeID  string
	ttl     time.Duration
	onLost  func()
	onElect func(context.Context)

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	leaderCtx    context.Context
	leaderCancel context.CancelFunc
	stepDownTime time.Time
	transitions  int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a LeaderElector that has not yet started campaigning.
func New(store kvstore.Store, nodeID string, ttl time.Duration) *LeaderElector {
	ctx, cancel := context.WithCancel(context.Background())
	return &LeaderElector{
		store:  store,
		nodeID: nodeID,
		ttl:    ttl,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetCallbacks registers hooks invoked on leadership acquisition and loss.
// onElected receives a FencedContext cancelled the instant leadership drops.
func (l *LeaderElector) SetCallbacks(onElected func(context.Context), onLost func()) {
	l.onElect = onElected
	l.onLost = onLost
}

// Start begins the acquire/renew campaign loop in the background.
func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

// Stop ends the campaign and releases the lease if held.
func (l *LeaderElector) Stop() {
	l.cancel()
	if l.IsLeader() {
		l.release()
	}
}

// IsLeader reports whether this node currently holds the lease.
func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// FencedContext returns a context valid only while this node is leader,
// carrying the fencing epoch for GetEpochFromContext.
func (l *LeaderElector) FencedContext() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderCtx
}

// GetState snapshots elector state for operator dashboards.
func (l *LeaderElector) GetState() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{
		IsLeader:     l.isLeader,
		CurrentEpoch: l.currentEpoch,
		Transitions:  l.transitions,
		NodeID:       l.nodeID,
	}
}

func (l *LeaderElector) loop(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					log.Printf("coordination: renew failed (%d/%d): %v", renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						log.Printf("coordination: too many renew failures, stepping down")
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	epoch, err := l.store.Incr(ctx, epochKey)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	if l.currentEpoch > 0 && epoch > l.currentEpoch+1 {
		log.Printf("coordination: epoch jumped from %d to %d, possible partition recovery", l.currentEpoch, epoch)
		observability.LeadershipTransitions.WithLabelValues(l.nodeID, "epoch_drift").Inc()
	}
	l.currentEpoch = epoch
	l.mu.Unlock()

	now := time.Now()
	meta := LockMetadata{
		NodeID:    l.nodeID,
		Epoch:     epoch,
		ReqID:     uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(raw)

	acquired, err := l.store.AcquireLock(ctx, leaderLockKey, val, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return l.store.RenewLock(ctx, leaderLockKey, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.store.ReleaseLock(ctx, leaderLockKey, val); err != nil {
		log.Printf("coordination: release failed: %v", err)
	}
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.leaderCtx = context.WithValue(ctx, fencingEpochKey, l.currentEpoch)
	l.transitions++

	if !l.stepDownTime.IsZero() {
		observability.LeadershipTransitionDuration.Observe(time.Since(l.stepDownTime).Seconds())
		l.stepDownTime = time.Time{}
	}
	epoch := l.currentEpoch
	leaderCtx := l.leaderCtx
	l.mu.Unlock()

	log.Printf("coordination: node %s elected leader (epoch %d)", l.nodeID, epoch)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	observability.LeadershipEpoch.WithLabelValues(l.nodeID).Set(float64(epoch))
	observability.LeaderStatus.Set(1)

	if l.onElect != nil {
		go l.onElect(leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	l.stepDownTime = time.Now()
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	log.Printf("coordination: node %s lost leadership", l.nodeID)
	if l.onLost != nil {
		l.onLost()
	}
}
