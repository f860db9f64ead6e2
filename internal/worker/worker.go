// Package worker implements the Execution Worker (C6): the control loop
// that claims tasks, drives the engine, and handles debug-mode commands.
// Structurally modeled on the system/events RequestRouter/
// Dispatcher worker-pool pattern (fixed goroutine pool, guarded running
// flag, stopCh/doneCh shutdown), generalized to per-partition consumer
// goroutines pulling from the Task Queue.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/flowexec/internal/commandbus"
	"github.com/R3E-Network/flowexec/internal/domain"
	"github.com/R3E-Network/flowexec/internal/engine"
	"github.com/R3E-Network/flowexec/internal/execsvc"
	"github.com/R3E-Network/flowexec/internal/metrics"
	"github.com/R3E-Network/flowexec/internal/queue"
	"github.com/R3E-Network/flowexec/internal/resilience"
	"github.com/R3E-Network/flowexec/internal/store"
	"github.com/R3E-Network/flowexec/pkg/logger"
)

// Config tunes the worker's claim/heartbeat behaviour.
type Config struct {
	WorkerID          string
	ConsumerGroup     string
	ClaimTimeout      time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns sensible defaults for a single worker instance.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:          workerID,
		ConsumerGroup:     "flowexec-workers",
		ClaimTimeout:      30 * time.Second,
		HeartbeatInterval: 5 * time.Second,
	}
}

// Worker is the Execution Worker.
type Worker struct {
	cfg     Config
	store   store.ExecutionStore
	queue   queue.TaskQueue
	cmdbus  commandbus.CommandBus
	svc     *execsvc.Service
	flows   engine.FlowLoader
	metrics *metrics.Metrics
	log     *logger.Logger

	mu      sync.Mutex
	active  map[string]*activeExecution
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type activeExecution struct {
	abort           context.CancelFunc
	cmdCancel       context.CancelFunc
	heartbeatCancel context.CancelFunc
	engine          engine.ExecutionEngine
}

// New constructs a Worker.
func New(cfg Config, st store.ExecutionStore, q queue.TaskQueue, cb commandbus.CommandBus, svc *execsvc.Service, flows engine.FlowLoader, m *metrics.Metrics, log *logger.Logger) *Worker {
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval > cfg.ClaimTimeout/3 {
		if cfg.ClaimTimeout > 0 {
			cfg.HeartbeatInterval = cfg.ClaimTimeout / 3
		} else {
			cfg.HeartbeatInterval = 5 * time.Second
		}
	}
	if log == nil {
		log = logger.NewDefault("worker")
	}
	return &Worker{
		cfg:    cfg,
		store:  st,
		queue:  q,
		cmdbus: cb,
		svc:    svc,
		flows:  flows,
		metrics: m,
		log:    log,
		active: make(map[string]*activeExecution),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run starts consuming tasks, reconnecting with exponential backoff (base
// 1s, cap 32s, max 10 attempts) on transport loss. Every reconnect attempt
// first releases every execution this worker currently holds, so recovery
// can pick them up. Run blocks until ctx is cancelled or reconnection gives
// up.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker: already running")
	}
	w.running = true
	w.mu.Unlock()
	defer close(w.doneCh)

	reconnectCfg := resilience.RetryConfig{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     32 * time.Second,
		Multiplier:   2,
	}

	return resilience.Retry(ctx, reconnectCfg, func() error {
		w.releaseAllActive(ctx)
		err := w.queue.ConsumeTasks(ctx, w.cfg.ConsumerGroup, w.cfg.WorkerID, w.handleTask)
		if err != nil {
			w.log.WithField("worker_id", w.cfg.WorkerID).WithError(err).Warn("worker: consume tasks failed, reconnecting")
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		}
	})
}

// Stop signals the worker to stop consuming and waits for Run to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.running {
		close(w.stopCh)
	}
	w.mu.Unlock()
	<-w.doneCh
}

func (w *Worker) releaseAllActive(ctx context.Context) {
	w.mu.Lock()
	ids := make([]string, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		if err := w.store.ReleaseExecution(ctx, id, w.cfg.WorkerID); err != nil {
			w.log.WithField("execution_id", id).WithError(err).Warn("worker: release on reconnect failed")
		}
		w.forget(id)
	}
}

func (w *Worker) track(executionID string, ae *activeExecution) {
	w.mu.Lock()
	w.active[executionID] = ae
	w.mu.Unlock()
}

func (w *Worker) forget(executionID string) {
	w.mu.Lock()
	delete(w.active, executionID)
	w.mu.Unlock()
}

// handleTask is the worker's claim/run/settle control loop, invoked once per
// delivered task.
func (w *Worker) handleTask(ctx context.Context, task *domain.Task, dc queue.DeliveryContext) error {
	// Step 1: defaults.
	task.ApplyDefaults()

	// Step 2: lookup.
	exec, err := w.store.Get(ctx, task.ExecutionID)
	if err == store.ErrNotFound {
		return dc.CommitOffset(ctx)
	}
	if err != nil {
		return err
	}

	// Step 3: terminal short-circuit.
	if exec.Status.Terminal() {
		return dc.CommitOffset(ctx)
	}

	// Step 4: claim.
	claimed, err := w.store.ClaimExecution(ctx, task.ExecutionID, w.cfg.WorkerID, w.cfg.ClaimTimeout)
	if err != nil {
		return err
	}
	if !claimed {
		return dc.CommitOffset(ctx)
	}

	// Step 5: commit offset immediately after successful claim.
	if err := dc.CommitOffset(ctx); err != nil {
		w.log.WithField("execution_id", task.ExecutionID).WithError(err).Error("worker: commit offset after claim failed")
	}
	if w.metrics != nil {
		w.metrics.ClaimAttemptsTotal.WithLabelValues("worker", "claimed").Inc()
	}

	execCtx, abort := context.WithCancel(ctx)
	lostOwnership := make(chan struct{})

	heartbeatCtx, heartbeatCancel := context.WithCancel(ctx)
	go w.heartbeat(heartbeatCtx, task.ExecutionID, abort, lostOwnership)

	// Build the engine instance before tracking the execution as active, so
	// the debugger it exposes is reachable from applyCommand for the whole
	// time the execution is claimed, not just while it is running.
	flow, ok, err := w.flows.LoadFlow(execCtx, task.FlowID)
	if err != nil || !ok {
		heartbeatCancel()
		if err == nil {
			// A missing flow is not retried: with the budget spent, fail
			// marks the execution Failed directly.
			task.RetryCount = task.MaxRetries
		}
		w.fail(ctx, task, "flow not found", "")
		return nil
	}

	inst, err := w.svc.CreateExecutionInstance(execCtx, task, flow)
	if err != nil {
		heartbeatCancel()
		w.fail(ctx, task, err.Error(), "")
		return nil
	}

	cmdCtx, cmdCancel := context.WithCancel(ctx)
	if task.Debug {
		go w.handleCommands(cmdCtx, task.ExecutionID, abort)
	}

	w.track(task.ExecutionID, &activeExecution{abort: abort, cmdCancel: cmdCancel, heartbeatCancel: heartbeatCancel, engine: inst.Engine})
	defer func() {
		heartbeatCancel()
		cmdCancel()
		w.forget(task.ExecutionID)
	}()

	select {
	case <-lostOwnership:
		// Step 6 consequence: we no longer own the claim. Stop without
		// touching status or republishing — the new owner or the recovery
		// sweeper handles it.
		abort()
		return nil
	default:
	}

	w.runExecution(execCtx, task, inst, lostOwnership)
	return nil
}

func (w *Worker) heartbeat(ctx context.Context, executionID string, abort context.CancelFunc, lostOwnership chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.store.ExtendClaim(ctx, executionID, w.cfg.WorkerID, w.cfg.ClaimTimeout)
			if err != nil {
				w.log.WithField("execution_id", executionID).WithError(err).Warn("worker: extend claim failed")
				continue
			}
			if !ok {
				if w.metrics != nil {
					w.metrics.HeartbeatFailures.Inc()
				}
				abort()
				select {
				case <-lostOwnership:
				default:
					close(lostOwnership)
				}
				return
			}
		}
	}
}

func (w *Worker) handleCommands(ctx context.Context, executionID string, abort context.CancelFunc) {
	sub, err := w.cmdbus.SubscribeToCommands(ctx, executionID)
	if err != nil {
		w.log.WithField("execution_id", executionID).WithError(err).Warn("worker: subscribe to commands failed")
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-sub.Commands:
			if !ok {
				return
			}
			w.applyCommand(ctx, executionID, cmd, abort)
		}
	}
}

// applyCommand re-verifies ownership before acting: every command is
// preceded by fetching the claim and confirming (workerId == ours &&
// status == active).
func (w *Worker) applyCommand(ctx context.Context, executionID string, cmd domain.Command, abort context.CancelFunc) {
	claim, err := w.store.GetClaimForExecution(ctx, executionID)
	if err != nil || claim.WorkerID != w.cfg.WorkerID || claim.Status != domain.ClaimActive {
		if w.metrics != nil {
			w.metrics.CommandsIgnoredTotal.WithLabelValues("worker", "not_owner").Inc()
		}
		return
	}

	w.mu.Lock()
	ae, ok := w.active[executionID]
	w.mu.Unlock()
	if !ok {
		if w.metrics != nil {
			w.metrics.CommandsIgnoredTotal.WithLabelValues("worker", "unknown").Inc()
		}
		return
	}

	now := time.Now().UTC()
	switch cmd.Command {
	case domain.CommandStop:
		ae.engine.Debugger().Stop()
		abort()
		_, _ = w.store.UpdateExecutionStatus(ctx, store.StatusUpdate{ExecutionID: executionID, Status: domain.StatusStopped, CompletedAt: &now})
		_ = w.store.ReleaseExecution(ctx, executionID, w.cfg.WorkerID)
		if w.metrics != nil {
			w.metrics.ExecutionsTotal.WithLabelValues("worker", string(domain.StatusStopped)).Inc()
		}
	case domain.CommandPause:
		ae.engine.Debugger().Pause()
		_, _ = w.store.UpdateExecutionStatus(ctx, store.StatusUpdate{ExecutionID: executionID, Status: domain.StatusPaused})
	case domain.CommandResume, domain.CommandStart:
		ae.engine.Debugger().Continue()
		_, _ = w.store.UpdateExecutionStatus(ctx, store.StatusUpdate{ExecutionID: executionID, Status: domain.StatusRunning})
	case domain.CommandStep:
		ae.engine.Debugger().Step()
	default:
		w.log.WithField("execution_id", executionID).WithField("command", cmd.Command).Warn("worker: ignoring unknown command")
		if w.metrics != nil {
			w.metrics.CommandsIgnoredTotal.WithLabelValues("worker", "unknown_command").Inc()
		}
		return
	}
	if w.metrics != nil {
		w.metrics.CommandsAppliedTotal.WithLabelValues("worker", string(cmd.Command)).Inc()
	}
}

// runExecution covers steps 7-12: run the already-built instance and
// resolve success/failure, including retry-by-republish. The flow load and
// instance construction happen earlier in handleTask, so the engine's
// debugger is reachable from applyCommand for the instance's whole
// lifetime.
func (w *Worker) runExecution(ctx context.Context, task *domain.Task, inst *execsvc.Instance, lostOwnership chan struct{}) {
	executionID := task.ExecutionID

	now := time.Now().UTC()
	if _, err := w.store.UpdateExecutionStatus(ctx, store.StatusUpdate{ExecutionID: executionID, Status: domain.StatusRunning, StartedAt: &now}); err != nil {
		w.fail(ctx, task, err.Error(), "")
		return
	}

	execErr := inst.Engine.Execute(ctx, func(error) {})
	_ = inst.CleanupEventHandling(ctx)

	select {
	case <-lostOwnership:
		return
	default:
	}

	if execErr == nil {
		completedAt := time.Now().UTC()
		if _, err := w.store.UpdateExecutionStatus(ctx, store.StatusUpdate{ExecutionID: executionID, Status: domain.StatusCompleted, CompletedAt: &completedAt}); err != nil {
			w.log.WithField("execution_id", executionID).WithError(err).Error("worker: completed status update failed")
		}
		_ = w.store.ReleaseExecution(ctx, executionID, w.cfg.WorkerID)
		if w.metrics != nil {
			w.metrics.ExecutionsTotal.WithLabelValues("worker", string(domain.StatusCompleted)).Inc()
		}
		return
	}

	w.fail(ctx, task, execErr.Error(), "")
}

// fail implements step 12's failure path: release, re-verify ownership,
// then retry-by-republish or terminal Failed.
func (w *Worker) fail(ctx context.Context, task *domain.Task, errMsg, errNodeID string) {
	executionID := task.ExecutionID

	if err := w.store.ReleaseExecution(ctx, executionID, w.cfg.WorkerID); err != nil {
		w.log.WithField("execution_id", executionID).WithError(err).Warn("worker: release on failure path failed")
	}

	claim, err := w.store.GetClaimForExecution(ctx, executionID)
	if err == nil && claim.WorkerID != w.cfg.WorkerID {
		// Ownership already moved on; someone else (or recovery) owns this
		// execution now. Do not retry.
		return
	}

	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		delay := task.RetryDelay()
		task.RetryHistory = append(task.RetryHistory, domain.RetryAttempt{
			Attempt:   task.RetryCount,
			Error:     errMsg,
			Timestamp: time.Now().UTC(),
			WorkerID:  w.cfg.WorkerID,
		})

		if _, err := w.store.UpdateExecutionStatus(ctx, store.StatusUpdate{
			ExecutionID:  executionID,
			Status:       domain.StatusCreated,
			ErrorMessage: errMsg,
			ErrorNodeID:  errNodeID,
		}); err != nil {
			w.log.WithField("execution_id", executionID).WithError(err).Error("worker: retry status update failed")
		}
		if w.metrics != nil {
			w.metrics.RetriesTotal.WithLabelValues("worker", "execution_error").Inc()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := w.queue.PublishTask(ctx, task); err != nil {
			w.log.WithField("execution_id", executionID).WithError(err).Error("worker: republish on retry failed")
		}
		return
	}

	completedAt := time.Now().UTC()
	if _, err := w.store.UpdateExecutionStatus(ctx, store.StatusUpdate{
		ExecutionID:  executionID,
		Status:       domain.StatusFailed,
		ErrorMessage: errMsg,
		ErrorNodeID:  errNodeID,
		CompletedAt:  &completedAt,
	}); err != nil {
		w.log.WithField("execution_id", executionID).WithError(err).Error("worker: terminal failed status update failed")
	}
	if w.metrics != nil {
		w.metrics.ExecutionsTotal.WithLabelValues("worker", string(domain.StatusFailed)).Inc()
	}
}
