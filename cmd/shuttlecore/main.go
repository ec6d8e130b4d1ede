// Command shuttlecore is the control-plane process: it wires every domain
// package into the Redis-backed coordination spine, starts the leader-gated
// periodic loops, and serves the HTTP ingestion/fleet-status/dashboard
// surface, the way control_plane/main.go composes FluxForge's scheduler,
// reconciler, and API into one process.
package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shuttlecore/core/internal/api"
	"github.com/shuttlecore/core/internal/bus"
	"github.com/shuttlecore/core/internal/catalog"
	"github.com/shuttlecore/core/internal/config"
	"github.com/shuttlecore/core/internal/conflict"
	"github.com/shuttlecore/core/internal/coordination"
	"github.com/shuttlecore/core/internal/dispatcher"
	"github.com/shuttlecore/core/internal/events"
	"github.com/shuttlecore/core/internal/idempotency"
	"github.com/shuttlecore/core/internal/kvstore"
	"github.com/shuttlecore/core/internal/mission"
	"github.com/shuttlecore/core/internal/occupancy"
	"github.com/shuttlecore/core/internal/rowdirection"
	"github.com/shuttlecore/core/internal/shuttlestate"
	"github.com/shuttlecore/core/internal/staging"
	"github.com/shuttlecore/core/internal/taskscheduler"
	"github.com/shuttlecore/core/internal/timeline"
	"github.com/shuttlecore/core/internal/traffic"
)

func nextTaskID() string {
	return "task-" + uuid.NewString()
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	racks, err := config.LoadRackTopology(cfg.RackConfigPath)
	if err != nil {
		log.Fatalf("failed to load rack topology: %v", err)
	}
	lifterTopology, err := config.LoadLifterTopology(cfg.LifterConfigPath)
	if err != nil {
		log.Fatalf("failed to load lifter topology: %v", err)
	}

	redisStore, err := kvstore.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	log.Printf("connected to Redis at %s", cfg.RedisAddr)

	var cat catalog.Gateway
	if cfg.CatalogDSN != "" {
		pg, err := catalog.NewPostgresGateway(ctx, cfg.CatalogDSN)
		if err != nil {
			log.Fatalf("failed to connect to catalog database: %v", err)
		}
		cat = pg
		log.Println("using Postgres catalog gateway")
	} else {
		cat = catalog.NewMemoryGateway()
		log.Println("CATALOG_DSN unset, using in-memory catalog gateway")
	}

	shuttleBus := bus.NewLogBus()
	defer shuttleBus.Close()

	occ := occupancy.New(redisStore)
	shuttles := shuttlestate.New(redisStore, cfg.ShuttleLivenessTTL)
	center := traffic.New(redisStore)
	rowManager := rowdirection.New(redisStore)
	tasks := taskscheduler.NewStore(redisStore)
	timelineStore := timeline.New()

	// The PLC/actuator driver behind LifterGateway is out of this core's
	// scope; MemoryLifterGateway stands in until a real driver is wired up.
	lifters := mission.NewMemoryLifterGateway()
	coordinator := mission.New(cat, occ, center, shuttles, lifters, redisStore, lifterTopology)

	stagingPipeline := staging.New(redisStore, cat, tasks, nextTaskID)

	schedulerWorker := taskscheduler.New(redisStore, cat, rowManager, stagingPipeline, tasks, nextTaskID)
	dispatch := dispatcher.New(redisStore, cat, shuttles, tasks, coordinator, shuttleBus)

	conflictResolver := conflict.New(redisStore, cat, occ, shuttles, center, tasks, shuttleBus, racks, timelineStore)

	listener := events.New(
		redisStore, cat, occ, shuttles, center, tasks, stagingPipeline,
		rowManager, coordinator, lifters, shuttleBus, racks,
		dispatch, conflictResolver, timelineStore,
	)
	if err := listener.Subscribe(); err != nil {
		log.Fatalf("failed to subscribe event listener to bus: %v", err)
	}

	pathJanitor := traffic.NewJanitor(center, 30*time.Second)
	lockJanitor := coordination.NewLockJanitor(redisStore, 60*time.Second)
	lockJanitor.Start(ctx)

	nodeID := "node-" + uuid.NewString()
	elector := coordination.New(redisStore, nodeID, 30*time.Second)
	elector.SetCallbacks(
		func(leaderCtx context.Context) {
			log.Println("elected leader, starting periodic loops")
			go schedulerWorker.Run(leaderCtx)
			go dispatch.Run(leaderCtx)
			pathJanitor.Start(leaderCtx)
			go conflictResolver.Run(leaderCtx)
		},
		func() {
			log.Println("lost leadership, periodic loops will stop with their fenced context")
		},
	)
	elector.Start(ctx)

	idemStore := idempotency.New(redisStore)

	fleetAPI := api.New(stagingPipeline, tasks, shuttles, center, conflictResolver, elector, idemStore, timelineStore)
	go fleetAPI.WebsocketHub().Run(ctx)

	log.Printf("shuttlecore listening on %s", cfg.Port)
	if err := http.ListenAndServe(cfg.Port, fleetAPI.Routes()); err != nil {
		log.Fatalf("http server exited: %v", err)
	}
}
