// Package sweeper implements the Recovery Sweeper (C7): a periodic job that
// expires stale claims and republishes abandoned executions, up to a
// per-execution failure cap.
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/flowexec/internal/domain"
	"github.com/R3E-Network/flowexec/internal/metrics"
	"github.com/R3E-Network/flowexec/internal/queue"
	"github.com/R3E-Network/flowexec/internal/store"
	"github.com/R3E-Network/flowexec/pkg/logger"
)

// Config tunes the sweeper's cadence and safety cap.
type Config struct {
	ScanInterval    time.Duration
	MaxFailureCount int
	ListBatchSize   int
}

// DefaultConfig returns the sweeper's standard scan cadence and limits.
func DefaultConfig() Config {
	return Config{ScanInterval: 30 * time.Second, MaxFailureCount: 5, ListBatchSize: 100}
}

// Sweeper periodically expires stale claims and republishes abandoned,
// non-terminal, unclaimed executions. Grounded on robfig/cron/v3, the same
// scheduling library the rest of the pack reaches for background jobs.
type Sweeper struct {
	cfg     Config
	store   store.ExecutionStore
	queue   queue.TaskQueue
	metrics *metrics.Metrics
	log     *logger.Logger

	cron       *cron.Cron
	entryID    cron.EntryID
	failCounts map[string]int
}

// New constructs a Sweeper. failCounts are not persisted separately —
// the sweeper tracks attempted recoveries in-process for MaxFailureCount;
// a restart resets the count, an accepted trade-off given the cost of a
// shared counter store for a value this cheap to rebuild.
func New(cfg Config, st store.ExecutionStore, q queue.TaskQueue, m *metrics.Metrics, log *logger.Logger) *Sweeper {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultConfig().ScanInterval
	}
	if cfg.MaxFailureCount <= 0 {
		cfg.MaxFailureCount = DefaultConfig().MaxFailureCount
	}
	if cfg.ListBatchSize <= 0 {
		cfg.ListBatchSize = DefaultConfig().ListBatchSize
	}
	if log == nil {
		log = logger.NewDefault("sweeper")
	}
	return &Sweeper{
		cfg:        cfg,
		store:      st,
		queue:      q,
		metrics:    m,
		log:        log,
		cron:       cron.New(),
		failCounts: make(map[string]int),
	}
}

// Start schedules the periodic sweep. Use a "@every" spec since the
// interval is a config value, not a calendar expression.
func (s *Sweeper) Start(ctx context.Context) error {
	spec := "@every " + s.cfg.ScanInterval.String()
	id, err := s.cron.AddFunc(spec, func() { s.sweepOnce(ctx) })
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler, waiting for any in-flight sweep.
func (s *Sweeper) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	expired, err := s.store.ExpireOldClaims(ctx)
	if err != nil {
		s.log.WithError(err).Error("sweeper: expire old claims failed")
		return
	}
	if expired > 0 {
		s.log.WithField("count", expired).Info("sweeper: expired stale claims")
	}
	if s.metrics != nil && expired > 0 {
		s.metrics.ClaimExpiredTotal.Add(float64(expired))
	}

	executions, err := s.store.ListNonTerminalUnclaimed(ctx, s.cfg.ListBatchSize)
	if err != nil {
		s.log.WithError(err).Error("sweeper: list non-terminal unclaimed failed")
		return
	}

	for _, exec := range executions {
		s.recover(ctx, exec)
	}
}

func (s *Sweeper) recover(ctx context.Context, exec *domain.Execution) {
	count := s.failCounts[exec.ID] + 1
	s.failCounts[exec.ID] = count

	if count > s.cfg.MaxFailureCount {
		now := time.Now().UTC()
		if _, err := s.store.UpdateExecutionStatus(ctx, store.StatusUpdate{
			ExecutionID:  exec.ID,
			Status:       domain.StatusFailed,
			ErrorMessage: "recovery sweeper exceeded max failure count",
			CompletedAt:  &now,
		}); err != nil {
			s.log.WithField("execution_id", exec.ID).WithError(err).Error("sweeper: mark failed after max recoveries failed")
		}
		delete(s.failCounts, exec.ID)
		return
	}

	deadWorker := "unknown"
	if claim, err := s.store.GetClaimForExecution(ctx, exec.ID); err == nil && claim != nil {
		deadWorker = claim.WorkerID
	}

	task := &domain.Task{
		ExecutionID:    exec.ID,
		FlowID:         exec.FlowID,
		Timestamp:      time.Now().UTC(),
		ExecutionDepth: exec.ExecutionDepth,
		RetryCount:     count,
		RetryHistory: []domain.RetryAttempt{{
			Attempt:   count,
			Error:     "recovery sweeper: claim expired, worker " + deadWorker + " presumed crashed",
			Timestamp: time.Now().UTC(),
			WorkerID:  deadWorker,
		}},
	}
	task.ApplyDefaults()
	if err := s.queue.PublishTask(ctx, task); err != nil {
		s.log.WithField("execution_id", exec.ID).WithError(err).Error("sweeper: republish failed")
		return
	}
	if s.metrics != nil {
		s.metrics.RecoveredTotal.Inc()
	}
	s.log.WithField("execution_id", exec.ID).WithField("attempt", count).Info("sweeper: republished abandoned execution")
}
