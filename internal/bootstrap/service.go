package bootstrap

import (
	"context"
	"runtime"
	"time"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/common/mlog"
	"github.com/flowkit/queryserver/internal/adapters/http/in"
	"github.com/flowkit/queryserver/internal/adapters/mongodb"
	"github.com/flowkit/queryserver/internal/adapters/postgres/cache"
	"github.com/flowkit/queryserver/internal/adapters/postgres/warehouse"
	"github.com/flowkit/queryserver/internal/adapters/rabbitmq"
	"github.com/flowkit/queryserver/internal/adapters/redis"
	"github.com/flowkit/queryserver/internal/domain/statemachine"
	"github.com/flowkit/queryserver/internal/protocol"
	"github.com/flowkit/queryserver/internal/scheduler"
	"github.com/flowkit/queryserver/internal/services/querykind"
	"github.com/flowkit/queryserver/pkg/mcircuitbreaker"
)

// Service is the application glue where we put all top level components to
// be used (spec.md §4: C1-C7 wired end to end).
type Service struct {
	*Server
	Scheduler *scheduler.Scheduler
	mlog.Logger
}

// Run starts the application: the gateway's HTTP listener and the
// scheduler's worker pool, as independent Launcher apps (common/app.go),
// matching the teacher's multi-App bootstrap.Service convention.
func (s *Service) Run() {
	common.NewLauncher(
		common.WithLogger(s.Logger),
		common.RunApp("HTTP Gateway", s.Server),
		common.RunApp("Scheduler", schedulerApp{s.Scheduler}),
	).Run()
}

// schedulerApp adapts scheduler.Scheduler.Run's context-based signature to
// the common.App interface the Launcher drives.
type schedulerApp struct {
	sched *scheduler.Scheduler
}

func (a schedulerApp) Run(l *common.Launcher) error {
	return a.sched.Run(context.Background())
}

// InitServers builds every C1-C7 component from Config and wires them
// into a Service (spec.md §4, SPEC_FULL.md §3 domain stack).
func InitServers() (*Service, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	logger := InitLogger()

	cfg.applyDefaults(runtime.NumCPU())

	conn := cfg.newConnections(logger)
	telemetry := cfg.newTelemetry()

	stateStoreClient, err := conn.redis.GetDB(context.Background())
	if err != nil {
		return nil, err
	}

	stateStore := redis.NewStateStore(stateStoreClient, logger)
	sm := statemachine.New(stateStore)

	cacheRepo := cache.NewRepository(conn.warehouse, logger)
	wh := warehouse.New(conn.warehouse, logger)

	kinds := querykind.Default()

	breaker := mcircuitbreaker.New("warehouse",
		uint32(cfg.BreakerConsecutiveFailures),
		time.Duration(cfg.BreakerOpenSeconds)*time.Second,
		logger)

	lifecycle := rabbitmq.NewPublisher(conn.rabbitmq)
	audit := mongodb.NewAuditTrail(conn.mongo)

	sched := scheduler.New(sm, cacheRepo, wh, kinds, breaker, lifecycle, audit, logger, scheduler.Config{
		WorkerPoolSize: cfg.WorkerPoolSize,
		Schema:         cfg.WarehouseSchema,
	})

	proto := protocol.New(kinds, sched, cacheRepo)

	gateway := in.New(proto, wh, cfg.newClaimsMiddleware(), logger, 0)

	server := NewServer(cfg, gateway, logger, telemetry)

	return &Service{
		Server:    server,
		Scheduler: sched,
		Logger:    logger,
	}, nil
}
