// Package shuttlestate is the Shuttle State Cache: per-shuttle live state
// (position, status, carrying flag, current task), mutated only by the
// telemetry handler and expiring via TTL if a shuttle stops reporting.
package shuttlestate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shuttlecore/core/internal/kvstore"
)

// Status mirrors the shuttle's self-reported operating mode.
type Status int

const (
	StatusError     Status = 1
	StatusPicking   Status = 2
	StatusDropping  Status = 3
	StatusWheelsUp  Status = 4
	StatusWheelsDown Status = 5
	StatusSlow      Status = 6
	StatusNormal    Status = 7
	StatusIdle      Status = 8
	StatusWaiting   Status = 9
)

// LivenessTTL is the default TTL applied to every state write; a shuttle
// that stops reporting telemetry simply disappears from the cache.
const LivenessTTL = 10 * time.Second

// State is a shuttle's live snapshot. Invariant: IsCarrying == (PackageStatus == 1).
type State struct {
	ID                  string
	IP                  string
	CurrentQr           string
	CurrentFloorID      string
	ShuttleStatus       Status
	CommandComplete     int
	PackageStatus       int
	PalletLiftingStatus int
	CurrentStep         int
	MissionCompleted    bool
	TaskID              string
	TargetQr            string
	IsCarrying          bool
	LastUpdate          time.Time
}

// Telemetry is the partial update a shuttle reports; zero-valued fields
// (except booleans, which are always authoritative) overwrite the cache.
type Telemetry struct {
	IP                  string
	CurrentQr           string
	CurrentFloorID      string
	ShuttleStatus       Status
	CommandComplete     int
	PackageStatus       int
	PalletLiftingStatus int
	CurrentStep         int
	MissionCompleted    bool
	TaskID              string
	TargetQr            string
}

func stateKey(id string) string { return fmt.Sprintf("shuttle:state:%s", id) }

// Cache is the Redis-backed Shuttle State Cache.
type Cache struct {
	store kvstore.Store
	ttl   time.Duration
}

// New wraps a Store; ttl defaults to LivenessTTL when zero.
func New(store kvstore.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = LivenessTTL
	}
	return &Cache{store: store, ttl: ttl}
}

// UpdateFromTelemetry merges a telemetry snapshot into the cache, creating
// the shuttle's entry on its first report, and refreshes the liveness TTL.
// This is the only writer of shuttle state per the cache's design.
func (c *Cache) UpdateFromTelemetry(ctx context.Context, id string, t Telemetry) (*State, error) {
	s := &State{
		ID:                  id,
		IP:                  t.IP,
		CurrentQr:           t.CurrentQr,
		CurrentFloorID:      t.CurrentFloorID,
		ShuttleStatus:       t.ShuttleStatus,
		CommandComplete:     t.CommandComplete,
		PackageStatus:       t.PackageStatus,
		PalletLiftingStatus: t.PalletLiftingStatus,
		CurrentStep:         t.CurrentStep,
		MissionCompleted:    t.MissionCompleted,
		TaskID:              t.TaskID,
		TargetQr:            t.TargetQr,
		IsCarrying:          t.PackageStatus == 1,
		LastUpdate:          time.Now(),
	}

	if err := c.store.HSet(ctx, stateKey(id), encodeState(s)); err != nil {
		return nil, err
	}
	if err := c.store.Expire(ctx, stateKey(id), c.ttl); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the shuttle's cached state, or found=false if it has never
// reported or its liveness TTL has lapsed.
func (c *Cache) Get(ctx context.Context, id string) (*State, bool, error) {
	fields, err := c.store.HGetAll(ctx, stateKey(id))
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	s := decodeState(id, fields)
	return s, true, nil
}

// Delete removes a shuttle's cached state immediately.
func (c *Cache) Delete(ctx context.Context, id string) error {
	return c.store.Del(ctx, stateKey(id))
}

// ListAll scans every live (non-expired) shuttle state, used by the
// Dispatcher to enumerate idle shuttles and by the dashboard.
func (c *Cache) ListAll(ctx context.Context) ([]*State, error) {
	keys, err := c.store.ScanKeys(ctx, "shuttle:state:*")
	if err != nil {
		return nil, err
	}
	out := make([]*State, 0, len(keys))
	for _, key := range keys {
		id := key[len("shuttle:state:"):]
		state, found, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, state)
		}
	}
	return out, nil
}

func encodeState(s *State) map[string]string {
	carrying := "0"
	if s.IsCarrying {
		carrying = "1"
	}
	completed := "0"
	if s.MissionCompleted {
		completed = "1"
	}
	return map[string]string{
		"ip":                    s.IP,
		"currentQr":             s.CurrentQr,
		"currentFloorId":        s.CurrentFloorID,
		"shuttleStatus":         strconv.Itoa(int(s.ShuttleStatus)),
		"commandComplete":       strconv.Itoa(s.CommandComplete),
		"packageStatus":         strconv.Itoa(s.PackageStatus),
		"palletLiftingStatus":   strconv.Itoa(s.PalletLiftingStatus),
		"currentStep":           strconv.Itoa(s.CurrentStep),
		"missionCompleted":      completed,
		"taskId":                s.TaskID,
		"targetQr":              s.TargetQr,
		"isCarrying":            carrying,
		"lastUpdate":            strconv.FormatInt(s.LastUpdate.UnixMilli(), 10),
	}
}

func decodeState(id string, f map[string]string) *State {
	return &State{
		ID:                  id,
		IP:                  f["ip"],
		CurrentQr:           f["currentQr"],
		CurrentFloorID:      f["currentFloorId"],
		ShuttleStatus:       Status(atoi(f["shuttleStatus"])),
		CommandComplete:     atoi(f["commandComplete"]),
		PackageStatus:       atoi(f["packageStatus"]),
		PalletLiftingStatus: atoi(f["palletLiftingStatus"]),
		CurrentStep:         atoi(f["currentStep"]),
		MissionCompleted:    f["missionCompleted"] == "1",
		TaskID:              f["taskId"],
		TargetQr:            f["targetQr"],
		IsCarrying:          f["isCarrying"] == "1",
		LastUpdate:          time.UnixMilli(int64(atoi64(f["lastUpdate"]))),
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
