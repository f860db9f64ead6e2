package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/flowexec/internal/commandbus"
	"github.com/R3E-Network/flowexec/internal/domain"
	"github.com/R3E-Network/flowexec/internal/engine"
	"github.com/R3E-Network/flowexec/internal/eventbus"
	"github.com/R3E-Network/flowexec/internal/execsvc"
	"github.com/R3E-Network/flowexec/internal/queue"
	"github.com/R3E-Network/flowexec/internal/store"
)

// --- in-memory fakes ---

type memStore struct {
	mu     sync.Mutex
	execs  map[string]*domain.Execution
	claims map[string]*domain.Claim
}

func newMemStore() *memStore {
	return &memStore{execs: make(map[string]*domain.Execution), claims: make(map[string]*domain.Claim)}
}

func (s *memStore) Create(ctx context.Context, exec *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[exec.ID]; ok {
		return store.ErrConflict
	}
	cp := *exec
	s.execs[exec.ID] = &cp
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) UpdateExecutionStatus(ctx context.Context, upd store.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[upd.ExecutionID]
	if !ok {
		return false, store.ErrNotFound
	}
	if !domain.CanTransition(e.Status, upd.Status) && !(upd.Status == domain.StatusCreated && domain.ValidateRetryReset(e.Status)) {
		return false, nil
	}
	e.Status = upd.Status
	if upd.ErrorMessage != "" {
		e.ErrorMessage = upd.ErrorMessage
	}
	if upd.ErrorNodeID != "" {
		e.ErrorNodeID = upd.ErrorNodeID
	}
	if upd.StartedAt != nil {
		e.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		e.CompletedAt = upd.CompletedAt
	}
	return true, nil
}

func (s *memStore) ClaimExecution(ctx context.Context, executionID, workerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	c, ok := s.claims[executionID]
	if !ok || c.Status != domain.ClaimActive || c.ExpiresAt.Before(now) {
		s.claims[executionID] = &domain.Claim{ExecutionID: executionID, WorkerID: workerID, Status: domain.ClaimActive, ExpiresAt: now.Add(ttl), HeartbeatAt: now}
		return true, nil
	}
	return false, nil
}

func (s *memStore) ExtendClaim(ctx context.Context, executionID, workerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[executionID]
	if !ok || c.WorkerID != workerID || c.Status != domain.ClaimActive {
		return false, nil
	}
	c.ExpiresAt = time.Now().Add(ttl)
	c.HeartbeatAt = time.Now()
	return true, nil
}

func (s *memStore) ReleaseExecution(ctx context.Context, executionID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[executionID]; ok && c.WorkerID == workerID {
		c.Status = domain.ClaimReleased
	}
	return nil
}

func (s *memStore) ExpireOldClaims(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *memStore) GetClaimForExecution(ctx context.Context, executionID string) (*domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[executionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) ListNonTerminalUnclaimed(ctx context.Context, limit int) ([]*domain.Execution, error) {
	return nil, nil
}

type memQueue struct {
	mu        sync.Mutex
	published []*domain.Task
}

func (q *memQueue) PublishTask(ctx context.Context, task *domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *task
	q.published = append(q.published, &cp)
	return nil
}
func (q *memQueue) ConsumeTasks(ctx context.Context, group, consumer string, handler queue.Handler) error {
	return nil
}
func (q *memQueue) StopConsuming(ctx context.Context) error { return nil }
func (q *memQueue) Close() error                            { return nil }

type noopCommandBus struct{}

func (noopCommandBus) PublishCommand(ctx context.Context, cmd domain.Command) error { return nil }
func (noopCommandBus) SubscribeToCommands(ctx context.Context, executionID string) (*commandbus.Subscription, error) {
	ch := make(chan domain.Command)
	return &commandbus.Subscription{Commands: ch}, nil
}
func (noopCommandBus) Close() error { return nil }

type memEventBus struct {
	mu     sync.Mutex
	events map[string][]domain.Event
}

func newMemEventBus() *memEventBus { return &memEventBus{events: make(map[string][]domain.Event)} }

func (b *memEventBus) PublishEvent(ctx context.Context, event domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
	return nil
}
func (b *memEventBus) NextIndex(ctx context.Context, executionID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.events[executionID])), nil
}
func (b *memEventBus) SubscribeToEvents(ctx context.Context, executionID string, fromIndex int64, cfg eventbus.BatchConfig) (*eventbus.Subscription, error) {
	return nil, errors.New("not implemented")
}
func (b *memEventBus) EarlySkippedCount() int64 { return 0 }
func (b *memEventBus) Close() error             { return nil }

func newTestWorker(t *testing.T, st *memStore, q *memQueue, flows *engine.FakeFlowLoader, engines *engine.FakeEngineFactory) *Worker {
	t.Helper()
	eb := newMemEventBus()
	registry := engine.NewFakeNodeRegistry()
	svc := execsvc.New(st, q, eb, engines, flows, registry, nil)
	cfg := DefaultConfig("worker-1")
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ClaimTimeout = time.Second
	return New(cfg, st, q, noopCommandBus{}, svc, flows, nil, nil)
}

func TestHandleTask_SuccessPath(t *testing.T) {
	st := newMemStore()
	st.execs["exec-1"] = &domain.Execution{ID: "exec-1", FlowID: "flow-1", Status: domain.StatusCreated}

	flows := engine.NewFakeFlowLoader()
	flows.Put(&engine.Flow{ID: "flow-1"})

	engines := engine.NewFakeEngineFactory()
	engines.Script("exec-1", engine.NewFakeEngine("exec-1", []domain.Event{{Type: domain.EventFlowStarted}}, nil))

	q := &memQueue{}
	w := newTestWorker(t, st, q, flows, engines)

	task := &domain.Task{ExecutionID: "exec-1", FlowID: "flow-1"}
	committed := false
	dc := queue.DeliveryContext{CommitOffset: func(ctx context.Context) error { committed = true; return nil }}

	if err := w.handleTask(context.Background(), task, dc); err != nil {
		t.Fatalf("handleTask: %v", err)
	}
	if !committed {
		t.Fatal("expected offset to be committed")
	}

	exec, err := st.Get(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exec.Status != domain.StatusCompleted {
		t.Fatalf("expected Completed, got %s", exec.Status)
	}
}

func TestHandleTask_FailureRetriesThenFails(t *testing.T) {
	st := newMemStore()
	st.execs["exec-2"] = &domain.Execution{ID: "exec-2", FlowID: "flow-1", Status: domain.StatusCreated}

	flows := engine.NewFakeFlowLoader()
	flows.Put(&engine.Flow{ID: "flow-1"})

	q := &memQueue{}

	// MaxRetries 1: first attempt fails and republishes, second attempt
	// (simulated by directly invoking handleTask again with the republished
	// task) exhausts retries and goes Failed.
	engines := engine.NewFakeEngineFactory()
	engines.Script("exec-2", engine.NewFakeEngine("exec-2", nil, errors.New("boom")))

	w := newTestWorker(t, st, q, flows, engines)

	task := &domain.Task{ExecutionID: "exec-2", FlowID: "flow-1", MaxRetries: 1, RetryDelayMs: 1}
	task.ApplyDefaults()
	dc := queue.DeliveryContext{CommitOffset: func(ctx context.Context) error { return nil }}

	if err := w.handleTask(context.Background(), task, dc); err != nil {
		t.Fatalf("handleTask: %v", err)
	}

	if len(q.published) != 1 {
		t.Fatalf("expected one republish, got %d", len(q.published))
	}
	exec, _ := st.Get(context.Background(), "exec-2")
	if exec.Status != domain.StatusCreated {
		t.Fatalf("expected Created after first retry, got %s", exec.Status)
	}

	// Second delivery: republished task now has RetryCount=1 == MaxRetries.
	republished := q.published[0]
	engines.Script("exec-2", engine.NewFakeEngine("exec-2", nil, errors.New("boom again")))
	if err := w.handleTask(context.Background(), republished, dc); err != nil {
		t.Fatalf("handleTask (retry): %v", err)
	}

	exec, _ = st.Get(context.Background(), "exec-2")
	if exec.Status != domain.StatusFailed {
		t.Fatalf("expected Failed after exhausting retries, got %s", exec.Status)
	}
}

func TestApplyCommand_DrivesDebugger(t *testing.T) {
	st := newMemStore()
	st.execs["exec-3"] = &domain.Execution{ID: "exec-3", FlowID: "flow-1", Status: domain.StatusRunning}
	if _, err := st.ClaimExecution(context.Background(), "exec-3", "worker-1", time.Minute); err != nil {
		t.Fatalf("ClaimExecution: %v", err)
	}

	q := &memQueue{}
	flows := engine.NewFakeFlowLoader()
	engines := engine.NewFakeEngineFactory()
	w := newTestWorker(t, st, q, flows, engines)

	fakeEngine := engine.NewFakeEngine("exec-3", nil, nil)
	ctx, abort := context.WithCancel(context.Background())
	defer abort()
	w.track("exec-3", &activeExecution{abort: abort, engine: fakeEngine})
	defer w.forget("exec-3")

	debugger := fakeEngine.Debugger().(*engine.FakeDebugger)

	w.applyCommand(ctx, "exec-3", domain.Command{Command: domain.CommandPause}, abort)
	if debugger.Paused != 1 {
		t.Fatalf("expected Pause to reach the debugger, got %d", debugger.Paused)
	}
	exec, _ := st.Get(ctx, "exec-3")
	if exec.Status != domain.StatusPaused {
		t.Fatalf("expected Paused, got %s", exec.Status)
	}

	w.applyCommand(ctx, "exec-3", domain.Command{Command: domain.CommandStep}, abort)
	if debugger.Stepped != 1 {
		t.Fatalf("expected Step to reach the debugger, got %d", debugger.Stepped)
	}

	w.applyCommand(ctx, "exec-3", domain.Command{Command: domain.CommandResume}, abort)
	if debugger.Continued != 1 {
		t.Fatalf("expected Resume to reach the debugger, got %d", debugger.Continued)
	}
	exec, _ = st.Get(ctx, "exec-3")
	if exec.Status != domain.StatusRunning {
		t.Fatalf("expected Running after resume, got %s", exec.Status)
	}

	w.applyCommand(ctx, "exec-3", domain.Command{Command: domain.CommandStop}, abort)
	if debugger.Stopped != 1 {
		t.Fatalf("expected Stop to reach the debugger, got %d", debugger.Stopped)
	}
	exec, _ = st.Get(ctx, "exec-3")
	if exec.Status != domain.StatusStopped {
		t.Fatalf("expected Stopped, got %s", exec.Status)
	}
}

func TestApplyCommand_IgnoresWhenNotOwner(t *testing.T) {
	st := newMemStore()
	st.execs["exec-4"] = &domain.Execution{ID: "exec-4", FlowID: "flow-1", Status: domain.StatusRunning}
	if _, err := st.ClaimExecution(context.Background(), "exec-4", "worker-other", time.Minute); err != nil {
		t.Fatalf("ClaimExecution: %v", err)
	}

	q := &memQueue{}
	flows := engine.NewFakeFlowLoader()
	engines := engine.NewFakeEngineFactory()
	w := newTestWorker(t, st, q, flows, engines)

	fakeEngine := engine.NewFakeEngine("exec-4", nil, nil)
	ctx, abort := context.WithCancel(context.Background())
	defer abort()
	w.track("exec-4", &activeExecution{abort: abort, engine: fakeEngine})
	defer w.forget("exec-4")

	debugger := fakeEngine.Debugger().(*engine.FakeDebugger)
	w.applyCommand(ctx, "exec-4", domain.Command{Command: domain.CommandPause}, abort)
	if debugger.Paused != 0 {
		t.Fatalf("expected command to be ignored when another worker owns the claim, got %d pauses", debugger.Paused)
	}
}

func TestHandleTask_UnknownExecutionCommitsAndReturns(t *testing.T) {
	st := newMemStore()
	q := &memQueue{}
	flows := engine.NewFakeFlowLoader()
	engines := engine.NewFakeEngineFactory()
	w := newTestWorker(t, st, q, flows, engines)

	committed := false
	dc := queue.DeliveryContext{CommitOffset: func(ctx context.Context) error { committed = true; return nil }}
	task := &domain.Task{ExecutionID: "missing", FlowID: "flow-1"}

	if err := w.handleTask(context.Background(), task, dc); err != nil {
		t.Fatalf("handleTask: %v", err)
	}
	if !committed {
		t.Fatal("expected poison task to be committed")
	}
}
