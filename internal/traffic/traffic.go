// Package traffic is the Path Cache / Traffic Center (Pillar 1): the
// authoritative global view of every shuttle's active path, plus corridor
// detection used by the pathfinder's traffic-aware cost function.
package traffic

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/shuttlecore/core/internal/catalog"
	"github.com/shuttlecore/core/internal/kvstore"
)

// Direction reuses the catalog's direction encoding so steps, occupants,
// and corridors all speak the same type.
type Direction = catalog.Direction

// Action is the terminal behavior of a path's last step.
type Action string

const (
	ActionNone       Action = "NO_ACTION"
	ActionPickUp     Action = "PICK_UP"
	ActionDropOff    Action = "DROP_OFF"
	ActionStopAtNode Action = "STOP_AT_NODE"
)

// Step is one hop of a computed path.
type Step struct {
	Qr        string    `json:"qr"`
	Direction Direction `json:"direction"`
	Action    Action    `json:"action"`
}

// Meta is the path's task context, carried alongside the step list.
type Meta struct {
	TaskID      string `json:"taskId"`
	IsCarrying  bool   `json:"isCarrying"`
	Priority    int    `json:"priority"`
	EndQr       string `json:"endQr"`
	EndFloorID  string `json:"endFloorId"`
	PathLength  int    `json:"pathLength"`
}

// Entry is one shuttle's active path record.
type Entry struct {
	ShuttleID string        `json:"shuttleId"`
	Steps     []Step        `json:"steps"`
	Meta      Meta          `json:"meta"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether timestamp+ttl has passed as of now.
func (e *Entry) Expired(now time.Time) bool {
	return e.Timestamp.Add(e.TTL).Before(now)
}

// DefaultTTL is the active-path lifetime per the spec's key layout.
const DefaultTTL = 600 * time.Second

func pathKey(shuttleID string) string {
	return fmt.Sprintf("shuttle:active_path:%s", shuttleID)
}

// Corridor describes a QR through which ≥2 distinct shuttles' active paths
// pass, with one direction dominant.
type Corridor struct {
	Qr               string
	DominantDirection Direction
	ShuttleCount      int
	IsHighTraffic     bool
}

// Center is the Redis-backed Path Cache / Traffic Center.
type Center struct {
	store kvstore.Store
}

// New wraps a Store as a traffic center.
func New(store kvstore.Store) *Center {
	return &Center{store: store}
}

// SavePath overwrites shuttleId's prior entry, stamping timestamp=now and
// the default 10-minute TTL.
func (c *Center) SavePath(ctx context.Context, shuttleID string, steps []Step, meta Meta) error {
	entry := Entry{
		ShuttleID: shuttleID,
		Steps:     steps,
		Meta:      meta,
		Timestamp: time.Now(),
		TTL:       DefaultTTL,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, pathKey(shuttleID), string(data), DefaultTTL)
}

// GetPath returns shuttleId's active path, or found=false if absent or
// expired.
func (c *Center) GetPath(ctx context.Context, shuttleID string) (*Entry, bool, error) {
	raw, found, err := c.store.Get(ctx, pathKey(shuttleID))
	if err != nil || !found {
		return nil, false, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, err
	}
	if entry.Expired(time.Now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

// DeletePath removes shuttleId's active path. Idempotent.
func (c *Center) DeletePath(ctx context.Context, shuttleID string) error {
	return c.store.Del(ctx, pathKey(shuttleID))
}

// AllActivePaths returns every unexpired path entry, keyed by shuttleId.
func (c *Center) AllActivePaths(ctx context.Context) (map[string]*Entry, error) {
	keys, err := c.store.ScanKeys(ctx, "shuttle:active_path:*")
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Entry, len(keys))
	now := time.Now()
	for _, key := range keys {
		raw, found, err := c.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.Expired(now) {
			continue
		}
		out[entry.ShuttleID] = &entry
	}
	return out, nil
}

// DetectTrafficFlowCorridors aggregates all active paths' step directions
// per QR. A QR with ≥2 distinct shuttles passing through becomes a
// corridor if one direction accounts for ≥70% of the votes.
func (c *Center) DetectTrafficFlowCorridors(ctx context.Context) (map[string]Corridor, error) {
	paths, err := c.AllActivePaths(ctx)
	if err != nil {
		return nil, err
	}

	type vote struct {
		shuttles  map[string]bool
		byDirection map[Direction]int
	}
	votes := make(map[string]*vote)

	for shuttleID, entry := range paths {
		for _, step := range entry.Steps {
			v, ok := votes[step.Qr]
			if !ok {
				v = &vote{shuttles: make(map[string]bool), byDirection: make(map[Direction]int)}
				votes[step.Qr] = v
			}
			v.shuttles[shuttleID] = true
			v.byDirection[step.Direction]++
		}
	}

	out := make(map[string]Corridor)
	for qr, v := range votes {
		if len(v.shuttles) < 2 {
			continue
		}
		total := 0
		var dominant Direction
		best := 0
		for dir, n := range v.byDirection {
			total += n
			if n > best {
				best = n
				dominant = dir
			}
		}
		if total == 0 || float64(best)/float64(total) < 0.7 {
			continue
		}
		count := len(v.shuttles)
		out[qr] = Corridor{
			Qr:                qr,
			DominantDirection: dominant,
			ShuttleCount:      count,
			IsHighTraffic:     count >= 3,
		}
	}
	return out, nil
}

// Janitor periodically evicts stale path entries, the way the teacher's
// coordination.LockJanitor reclaims stale locks.
type Janitor struct {
	center   *Center
	interval time.Duration
}

// NewJanitor constructs a path-cache eviction janitor; interval defaults to
// 30s, the spec's auto-cleanup cadence.
func NewJanitor(center *Center, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Janitor{center: center, interval: interval}
}

// Start runs the eviction loop in a new goroutine until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *Janitor) loop(ctx context.Context) {
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

func (j *Janitor) sweep(ctx context.Context) {
	keys, err := j.center.store.ScanKeys(ctx, "shuttle:active_path:*")
	if err != nil {
		log.Printf("traffic janitor: scan failed: %v", err)
		return
	}
	now := time.Now()
	for _, key := range keys {
		raw, found, err := j.center.store.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.Expired(now) {
			if err := j.center.store.Del(ctx, key); err != nil {
				log.Printf("traffic janitor: evict %s: %v", key, err)
			}
		}
	}
}
