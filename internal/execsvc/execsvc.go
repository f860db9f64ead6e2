// Package execsvc implements the Execution Service (C5): creating
// executions, and assembling the per-execution engine instance the worker
// drives, with its event tap wired to the Event Bus.
package execsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/flowexec/internal/domain"
	"github.com/R3E-Network/flowexec/internal/engine"
	"github.com/R3E-Network/flowexec/internal/eventbus"
	"github.com/R3E-Network/flowexec/internal/queue"
	"github.com/R3E-Network/flowexec/internal/store"
	"github.com/R3E-Network/flowexec/pkg/logger"
)

// CreateParams are the caller-supplied inputs to CreateExecution.
type CreateParams struct {
	FlowID            string
	ParentExecutionID string
	RootExecutionID   string
	ExecutionDepth    int
	Integrations      map[string]any
	MaxRetries        int
	RetryDelayMs      int
	Debug             bool
}

// Service is the Execution Service: it owns execution creation and instance
// assembly, wrapping the external ExecutionEngine/FlowLoader capabilities.
type Service struct {
	store    store.ExecutionStore
	queue    queue.TaskQueue
	events   eventbus.EventBus
	engines  engine.EngineFactory
	flows    engine.FlowLoader
	registry engine.NodeRegistry
	log      *logger.Logger
}

// New constructs a Service wired to its dependencies.
func New(st store.ExecutionStore, q queue.TaskQueue, eb eventbus.EventBus, engines engine.EngineFactory, flows engine.FlowLoader, registry engine.NodeRegistry, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("execsvc")
	}
	return &Service{store: st, queue: q, events: eb, engines: engines, flows: flows, registry: registry, log: log}
}

// CreateExecution validates inputs, writes a Created row, and publishes the
// initial task. Returns the new executionId.
func (s *Service) CreateExecution(ctx context.Context, p CreateParams) (string, error) {
	if p.FlowID == "" {
		return "", fmt.Errorf("execsvc: flowId is required")
	}

	id := uuid.NewString()
	root := p.RootExecutionID
	if root == "" {
		root = id
	}

	exec := &domain.Execution{
		ID:                id,
		FlowID:            p.FlowID,
		Status:            domain.StatusCreated,
		ParentExecutionID: p.ParentExecutionID,
		RootExecutionID:   root,
		ExecutionDepth:    p.ExecutionDepth,
		Integrations:      p.Integrations,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.Create(ctx, exec); err != nil {
		return "", fmt.Errorf("execsvc: create execution row: %w", err)
	}

	task := &domain.Task{
		ExecutionID:    id,
		FlowID:         p.FlowID,
		Timestamp:      time.Now().UTC(),
		MaxRetries:     p.MaxRetries,
		RetryDelayMs:   p.RetryDelayMs,
		Debug:          p.Debug,
		ExecutionDepth: p.ExecutionDepth,
		Integrations:   p.Integrations,
	}
	task.ApplyDefaults()

	if err := s.queue.PublishTask(ctx, task); err != nil {
		return "", fmt.Errorf("execsvc: publish initial task: %w", err)
	}

	return id, nil
}

// Instance is the handle the worker drives: the engine, its abort
// controller, and the cleanup hook that must run on every exit path before
// a terminal status becomes observable.
type Instance struct {
	Engine engine.ExecutionEngine
	Abort  context.CancelFunc

	eventBus    eventbus.EventBus
	executionID string
	drained     chan struct{}
}

// CreateExecutionInstance constructs the engine for task against flow, and
// wires its event emission to the Event Bus via a background tap goroutine.
// abortCtx is the context the engine observes for cancellation; cancelling
// it (via the returned Abort) must unblock Execute within a bounded time.
func (s *Service) CreateExecutionInstance(ctx context.Context, task *domain.Task, flow *engine.Flow) (*Instance, error) {
	abortCtx, abort := context.WithCancel(ctx)

	eng, err := s.engines.New(abortCtx, flow, s.registry, task)
	if err != nil {
		abort()
		return nil, fmt.Errorf("execsvc: construct engine: %w", err)
	}

	inst := &Instance{
		Engine:      eng,
		Abort:       abort,
		eventBus:    s.events,
		executionID: task.ExecutionID,
		drained:     make(chan struct{}),
	}

	go inst.tap(ctx)

	return inst, nil
}

// tap drains Engine.Events() and forwards each to the Event Bus, assigning
// the next index per event. It exits when the engine closes its events
// channel, which happens after Execute returns.
func (inst *Instance) tap(ctx context.Context) {
	defer close(inst.drained)
	for ev := range inst.Engine.Events() {
		ev.ExecutionID = inst.executionID
		idx, err := inst.eventBus.NextIndex(ctx, inst.executionID)
		if err == nil {
			ev.Index = idx
		}
		_ = inst.eventBus.PublishEvent(ctx, ev)
	}
}

// CleanupEventHandling drains and flushes pending event publishes. It must
// be called on every exit path (success, exception, cancellation) and must
// finish before the caller updates the execution status to terminal.
func (inst *Instance) CleanupEventHandling(ctx context.Context) error {
	select {
	case <-inst.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
