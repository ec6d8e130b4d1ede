// Package api is the HTTP surface: ingestion (POST /auto-mode, POST
// /register), the read-only fleet-status endpoints for operators, the
// Prometheus and liveness endpoints, and the dashboard websocket upgrade.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/shuttlecore/core/internal/conflict"
	"github.com/shuttlecore/core/internal/coordination"
	"github.com/shuttlecore/core/internal/fleetws"
	"github.com/shuttlecore/core/internal/idempotency"
	"github.com/shuttlecore/core/internal/middleware"
	"github.com/shuttlecore/core/internal/observability"
	"github.com/shuttlecore/core/internal/shuttlestate"
	"github.com/shuttlecore/core/internal/staging"
	"github.com/shuttlecore/core/internal/taskscheduler"
	"github.com/shuttlecore/core/internal/timeline"
	"github.com/shuttlecore/core/internal/traffic"
)

const idempotencyHeader = "X-Shuttle-Idempotency-Key"

// API wires every domain component into an HTTP handler set.
type API struct {
	staging  *staging.Pipeline
	tasks    *taskscheduler.Store
	shuttles *shuttlestate.Cache
	traffic  *traffic.Center
	conflict *conflict.Resolver
	elector  *coordination.LeaderElector
	timeline *timeline.Store

	idempotency *idempotency.Store
	wsHub       *fleetws.Hub

	ingestLimiter *rate.Limiter
}

// New constructs the HTTP API. conflict, elector, and timelineStore may be
// nil; every handler that reads them degrades gracefully.
func New(
	stagingPipeline *staging.Pipeline,
	tasks *taskscheduler.Store,
	shuttles *shuttlestate.Cache,
	center *traffic.Center,
	conflictResolver *conflict.Resolver,
	elector *coordination.LeaderElector,
	idempotencyStore *idempotency.Store,
	timelineStore *timeline.Store,
) *API {
	a := &API{
		staging:     stagingPipeline,
		tasks:       tasks,
		shuttles:    shuttles,
		traffic:     center,
		conflict:    conflictResolver,
		elector:     elector,
		timeline:    timelineStore,
		idempotency: idempotencyStore,
		// Allow 50 ingestion requests/sec, burst 100 — storm protection for
		// /auto-mode and /register the way api.go throttles heartbeats.
		ingestLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
	a.wsHub = fleetws.New(a)
	return a
}

// WebsocketHub exposes the dashboard hub so main can run it alongside the
// other background loops.
func (a *API) WebsocketHub() *fleetws.Hub {
	return a.wsHub
}

// responseRecorder captures a handler's response so it can be cached by
// the idempotency layer and (on an out-of-band replay) re-emitted as-is.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays a cached response for a repeated
// X-Shuttle-Idempotency-Key instead of re-running next. The first caller
// to hold the key's lock writes through rec directly; any caller that
// only observes a cached/replayed result writes it out explicitly.
func (a *API) withIdempotency(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if key == "" || a.idempotency == nil {
			next(w, r)
			return
		}

		ran := false
		resp, err := a.idempotency.Execute(r.Context(), route, key, func(ctx context.Context) (idempotency.Response, error) {
			ran = true
			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next(rec, r.WithContext(ctx))
			return idempotency.Response{StatusCode: rec.statusCode, Body: rec.body, Headers: flattenHeader(rec.Header())}, nil
		})
		if err != nil {
			log.Printf("api: idempotent execute for %s failed: %v", route, err)
			if !ran {
				http.Error(w, "request already in flight, try again", http.StatusConflict)
			}
			return
		}
		if ran {
			return
		}
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	}
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// writeRateLimitError answers 429 with a jittered Retry-After, matching
// the teacher's storm-protection response.
func writeRateLimitError(w http.ResponseWriter) {
	observability.APIRateLimited.Inc()
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response failed: %v", err)
	}
}

// Routes assembles the full handler chain (CORS -> Auth -> RequireRole)
// for every endpoint, mirroring control_plane/main.go's http.Handle
// registration style on a dedicated ServeMux instead of DefaultServeMux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	public := func(h http.HandlerFunc) http.Handler {
		return middleware.CORS(h)
	}
	operator := func(h http.HandlerFunc) http.Handler {
		return middleware.CORS(middleware.Auth(h))
	}

	mux.Handle("/auto-mode", operator(a.withIdempotency("auto-mode", a.handleAutoMode)))
	mux.Handle("/register", operator(a.withIdempotency("register", a.handleRegister)))

	mux.Handle("/fleet/shuttles", operator(a.handleFleetShuttles))
	mux.Handle("/fleet/tasks", operator(a.handleFleetTasks))
	mux.Handle("/fleet/paths", operator(a.handleFleetPaths))
	mux.Handle("/fleet/conflicts/stats", operator(a.handleFleetConflictStats))
	mux.Handle("/fleet/timeline", operator(a.handleFleetTimeline))
	mux.Handle("/fleet/dashboard/ws", operator(a.handleDashboardStream))

	mux.Handle("/healthz", public(a.handleHealthz))
	mux.Handle("/metrics", observability.Handler())

	return mux
}
