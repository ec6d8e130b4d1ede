package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shuttlecore/core/internal/coordination"
	"github.com/shuttlecore/core/internal/timeline"
)

// handleFleetShuttles lists every live shuttle state for operator tooling.
func (a *API) handleFleetShuttles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	shuttles, err := a.shuttles.ListAll(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, shuttles)
}

// handleFleetTasks lists every concrete in-flight task.
func (a *API) handleFleetTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tasks, err := a.tasks.ListAll(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleFleetPaths lists every active planned path.
func (a *API) handleFleetPaths(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	paths, err := a.traffic.AllActivePaths(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, paths)
}

// handleFleetConflictStats reports yield-strategy usage and active waits.
func (a *API) handleFleetConflictStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.conflict == nil {
		writeJSON(w, http.StatusOK, map[string]int{})
		return
	}
	stats, err := a.conflict.GetStats(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleFleetTimeline returns the recorded task lifecycle events, optionally
// filtered by taskId or shuttleId query parameters.
func (a *API) handleFleetTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.timeline == nil {
		writeJSON(w, http.StatusOK, []timeline.Event{})
		return
	}
	if taskID := r.URL.Query().Get("taskId"); taskID != "" {
		writeJSON(w, http.StatusOK, a.timeline.EventsForTask(taskID))
		return
	}
	if shuttleID := r.URL.Query().Get("shuttleId"); shuttleID != "" {
		writeJSON(w, http.StatusOK, a.timeline.EventsForShuttle(shuttleID))
		return
	}
	writeJSON(w, http.StatusOK, a.timeline.All())
}

// handleHealthz is the liveness probe.
func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// DashboardSnapshot is the payload broadcast to every connected operator
// dashboard websocket client once a second.
type DashboardSnapshot struct {
	ShuttleCount int                      `json:"shuttleCount"`
	TaskCount    int                      `json:"taskCount"`
	ActivePaths  int                      `json:"activePaths"`
	Conflicts    map[string]int64         `json:"conflicts,omitempty"`
	Leadership   *coordination.LeaderState `json:"leadership,omitempty"`
	Timestamp    int64                    `json:"timestamp"`
}

// Snapshot implements fleetws.SnapshotSource by collecting a fresh summary
// from every live component.
func (a *API) Snapshot(ctx context.Context) (any, error) {
	shuttles, err := a.shuttles.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := a.tasks.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	paths, err := a.traffic.AllActivePaths(ctx)
	if err != nil {
		return nil, err
	}

	snap := DashboardSnapshot{
		ShuttleCount: len(shuttles),
		TaskCount:    len(tasks),
		ActivePaths:  len(paths),
		Timestamp:    time.Now().Unix(),
	}
	if a.conflict != nil {
		if stats, err := a.conflict.GetStats(ctx); err == nil {
			snap.Conflicts = map[string]int64{
				"parkingUsed":   stats.ParkingUsed,
				"backtrackUsed": stats.BacktrackUsed,
				"activeWaits":   stats.ActiveWaits,
				"escalated":     stats.Escalated,
			}
		}
	}
	if a.elector != nil {
		state := a.elector.GetState()
		snap.Leadership = &state
	}
	return snap, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleDashboardStream upgrades to a websocket and registers the
// connection with the dashboard hub until the client disconnects.
func (a *API) handleDashboardStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}
	a.wsHub.Register(conn)
	defer a.wsHub.Unregister(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
