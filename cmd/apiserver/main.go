// Command apiserver runs the thin HTTP demonstration front door over the
// coordination plane: createExecution/listExecutions/getExecution/
// sendCommand/subscribeToEvents.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/flowexec/internal/apiserver"
	"github.com/R3E-Network/flowexec/internal/commandbus"
	"github.com/R3E-Network/flowexec/internal/engine"
	"github.com/R3E-Network/flowexec/internal/eventbus"
	"github.com/R3E-Network/flowexec/internal/execsvc"
	"github.com/R3E-Network/flowexec/internal/metrics"
	"github.com/R3E-Network/flowexec/internal/queue"
	"github.com/R3E-Network/flowexec/internal/store"
	"github.com/R3E-Network/flowexec/pkg/config"
	"github.com/R3E-Network/flowexec/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	configPath := flag.String("config", "", "path to a YAML config file")
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

	m := metrics.New("flowexec-apiserver")

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

	engines := engine.NewFakeEngineFactory()
	flows := engine.NewFakeFlowLoader()
	registry := engine.NewFakeNodeRegistry()
	svc := execsvc.New(st, q, eb, engines, flows, registry, log_)

	srv := apiserver.New(svc, st, eb, cb, log_)

	listenAddr := strings.TrimSpace(*addr)
	if listenAddr == "" {
		if cfg.Server.Port != 0 {
			host := strings.TrimSpace(cfg.Server.Host)
			if host == "" {
				host = "0.0.0.0"
			}
			listenAddr = fmt.Sprintf("%s:%d", host, cfg.Server.Port)
		} else {
			listenAddr = ":8080"
		}
	}

	httpServer := &http.Server{Addr: listenAddr, Handler: srv}

	go func() {
		log_.WithField("addr", listenAddr).Info("apiserver listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("apiserver: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}
