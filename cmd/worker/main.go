// Command worker runs one Execution Worker (C6) node: it consumes tasks
// from the Task Queue, drives the engine, and applies debug-mode commands.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/flowexec/internal/commandbus"
	"github.com/R3E-Network/flowexec/internal/engine"
	"github.com/R3E-Network/flowexec/internal/eventbus"
	"github.com/R3E-Network/flowexec/internal/execsvc"
	"github.com/R3E-Network/flowexec/internal/metrics"
	"github.com/R3E-Network/flowexec/internal/queue"
	"github.com/R3E-Network/flowexec/internal/store"
	"github.com/R3E-Network/flowexec/internal/sweeper"
	"github.com/R3E-Network/flowexec/internal/worker"
	"github.com/R3E-Network/flowexec/pkg/config"
	"github.com/R3E-Network/flowexec/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides defaults; other env vars are ignored, DATABASE_URL still applies)")
	workerID := flag.String("worker-id", "", "worker identity (defaults to config/env WORKER_ID, then hostname)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if path := strings.TrimSpace(*configPath); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log_ := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	id := strings.TrimSpace(*workerID)
	if id == "" {
		id = strings.TrimSpace(cfg.Worker.ID)
	}
	if id == "" {
		if host, err := os.Hostname(); err == nil {
			id = "worker-" + host
		} else {
			id = "worker-unknown"
		}
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()

	st := store.NewPostgresStore(db, log_)
	if err := st.EnsureSchema(rootCtx); err != nil {
		log.Fatalf("ensure store schema: %v", err)
	}

	m := metrics.New("flowexec-worker")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	claimTimeout := time.Duration(cfg.Worker.ClaimTimeoutMs) * time.Millisecond
	q := queue.NewRedisStreamQueue(redisClient, cfg.EventBus.PartitionCount, claimTimeout, m, log_)

	cb := commandbus.NewRedisCommandBus(rootCtx, redisClient, m, log_)
	defer cb.Close()

	eb, err := eventbus.NewPostgresEventBus(db, cfg.Database.ConnectionString(), cfg.EventBus.PartitionCount,
		time.Duration(cfg.EventBus.IdleTimeoutMs)*time.Millisecond, m, log_)
	if err != nil {
		log.Fatalf("construct event bus: %v", err)
	}
	defer eb.Close()
	if err := eb.EnsureSchema(rootCtx); err != nil {
		log.Fatalf("ensure event bus schema: %v", err)
	}

	// The graph engine, flow storage, and node registry are external
	// collaborators this module only consumes through interfaces; wiring a
	// concrete engine/flow-loader implementation here is out of scope.
	engines := engine.NewFakeEngineFactory()
	flows := engine.NewFakeFlowLoader()
	registry := engine.NewFakeNodeRegistry()

	svc := execsvc.New(st, q, eb, engines, flows, registry, log_)

	workerCfg := worker.DefaultConfig(id)
	workerCfg.ClaimTimeout = claimTimeout
	workerCfg.HeartbeatInterval = time.Duration(cfg.Worker.HeartbeatIntervalMs) * time.Millisecond

	w := worker.New(workerCfg, st, q, cb, svc, flows, m, log_)

	go func() {
		if err := w.Run(rootCtx); err != nil {
			log_.WithError(err).Error("worker: run exited with error")
		}
	}()

	// The worker is the natural owner of the recovery sweeper: it already
	// holds the store/queue/metrics handles C7 needs, and crash recovery for
	// executions this process's peers abandoned belongs next to the control
	// loop that claims them.
	var sweep *sweeper.Sweeper
	if cfg.Recovery.Enabled {
		sweep = sweeper.New(sweeper.Config{
			ScanInterval:    time.Duration(cfg.Recovery.ScanIntervalMs) * time.Millisecond,
			MaxFailureCount: cfg.Recovery.MaxFailureCount,
		}, st, q, m, log_)
		if err := sweep.Start(rootCtx); err != nil {
			log.Fatalf("start recovery sweeper: %v", err)
		}
	}

	log_.WithField("worker_id", id).Info("worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log_.Info("worker shutting down")
	if sweep != nil {
		sweep.Stop()
	}
	w.Stop()
	cancel()
}
