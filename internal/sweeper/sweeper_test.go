package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/flowexec/internal/domain"
	"github.com/R3E-Network/flowexec/internal/queue"
	"github.com/R3E-Network/flowexec/internal/store"
)

type fakeStore struct {
	unclaimed   []*domain.Execution
	expired     int
	statusCalls []store.StatusUpdate
	claim       *domain.Claim
}

func (s *fakeStore) Create(ctx context.Context, exec *domain.Execution) error { return nil }
func (s *fakeStore) Get(ctx context.Context, id string) (*domain.Execution, error) {
	return nil, store.ErrNotFound
}
func (s *fakeStore) UpdateExecutionStatus(ctx context.Context, upd store.StatusUpdate) (bool, error) {
	s.statusCalls = append(s.statusCalls, upd)
	return true, nil
}
func (s *fakeStore) ClaimExecution(ctx context.Context, executionID, workerID string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (s *fakeStore) ExtendClaim(ctx context.Context, executionID, workerID string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (s *fakeStore) ReleaseExecution(ctx context.Context, executionID, workerID string) error {
	return nil
}
func (s *fakeStore) ExpireOldClaims(ctx context.Context) (int, error) { return s.expired, nil }
func (s *fakeStore) GetClaimForExecution(ctx context.Context, executionID string) (*domain.Claim, error) {
	if s.claim == nil {
		return nil, store.ErrNotFound
	}
	return s.claim, nil
}
func (s *fakeStore) ListNonTerminalUnclaimed(ctx context.Context, limit int) ([]*domain.Execution, error) {
	return s.unclaimed, nil
}

type fakeQueue struct {
	published []*domain.Task
}

func (q *fakeQueue) PublishTask(ctx context.Context, task *domain.Task) error {
	q.published = append(q.published, task)
	return nil
}
func (q *fakeQueue) ConsumeTasks(ctx context.Context, group, consumer string, handler queue.Handler) error {
	return nil
}
func (q *fakeQueue) StopConsuming(ctx context.Context) error { return nil }
func (q *fakeQueue) Close() error                            { return nil }

func TestSweepOnceRepublishesUnclaimedExecutions(t *testing.T) {
	st := &fakeStore{
		expired:   2,
		unclaimed: []*domain.Execution{{ID: "exec-1", FlowID: "flow-1", Status: domain.StatusRunning}},
		claim:     &domain.Claim{ExecutionID: "exec-1", WorkerID: "worker-1", Status: domain.ClaimExpired},
	}
	q := &fakeQueue{}
	s := New(DefaultConfig(), st, q, nil, nil)

	s.sweepOnce(context.Background())

	if len(q.published) != 1 {
		t.Fatalf("expected 1 republish, got %d", len(q.published))
	}
	task := q.published[0]
	if task.ExecutionID != "exec-1" {
		t.Fatalf("unexpected republished execution: %s", task.ExecutionID)
	}
	if task.RetryCount < 1 {
		t.Fatalf("expected RetryCount >= 1, got %d", task.RetryCount)
	}
	if len(task.RetryHistory) == 0 {
		t.Fatalf("expected at least one RetryHistory entry")
	}
	found := false
	for _, h := range task.RetryHistory {
		if h.WorkerID == "worker-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected RetryHistory to mention worker-1, got %+v", task.RetryHistory)
	}
}

func TestRecoverMarksFailedAfterMaxFailureCount(t *testing.T) {
	st := &fakeStore{}
	q := &fakeQueue{}
	cfg := DefaultConfig()
	cfg.MaxFailureCount = 2
	s := New(cfg, st, q, nil, nil)

	exec := &domain.Execution{ID: "exec-1", FlowID: "flow-1"}
	s.recover(context.Background(), exec)
	s.recover(context.Background(), exec)
	s.recover(context.Background(), exec)

	if len(q.published) != 2 {
		t.Fatalf("expected 2 republishes before giving up, got %d", len(q.published))
	}
	if len(st.statusCalls) != 1 || st.statusCalls[0].Status != domain.StatusFailed {
		t.Fatalf("expected exactly one Failed status update, got %+v", st.statusCalls)
	}
}
