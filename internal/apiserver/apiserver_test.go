package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

type fakeStore struct {
	execs map[string]*domain.Execution
}

func (s *fakeStore) Create(ctx context.Context, exec *domain.Execution) error {
	s.execs[exec.ID] = exec
	return nil
}
func (s *fakeStore) Get(ctx context.Context, id string) (*domain.Execution, error) {
	e, ok := s.execs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}
func (s *fakeStore) UpdateExecutionStatus(ctx context.Context, upd store.StatusUpdate) (bool, error) {
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
func (s *fakeStore) ExpireOldClaims(ctx context.Context) (int, error) { return 0, nil }
func (s *fakeStore) GetClaimForExecution(ctx context.Context, executionID string) (*domain.Claim, error) {
	return nil, store.ErrNotFound
}
func (s *fakeStore) ListNonTerminalUnclaimed(ctx context.Context, limit int) ([]*domain.Execution, error) {
	return nil, nil
}

type fakeQueue struct{}

func (fakeQueue) PublishTask(ctx context.Context, task *domain.Task) error { return nil }
func (fakeQueue) ConsumeTasks(ctx context.Context, group, consumer string, handler queue.Handler) error {
	return nil
}
func (fakeQueue) StopConsuming(ctx context.Context) error { return nil }
func (fakeQueue) Close() error                            { return nil }

type fakeEventBus struct{}

func (fakeEventBus) PublishEvent(ctx context.Context, event domain.Event) error { return nil }
func (fakeEventBus) NextIndex(ctx context.Context, executionID string) (int64, error) {
	return 0, nil
}
func (fakeEventBus) SubscribeToEvents(ctx context.Context, executionID string, fromIndex int64, cfg eventbus.BatchConfig) (*eventbus.Subscription, error) {
	ch := make(chan []domain.Event)
	close(ch)
	return &eventbus.Subscription{Batches: ch}, nil
}
func (fakeEventBus) EarlySkippedCount() int64 { return 0 }
func (fakeEventBus) Close() error             { return nil }

type fakeCommandBus struct {
	published []domain.Command
}

func (b *fakeCommandBus) PublishCommand(ctx context.Context, cmd domain.Command) error {
	b.published = append(b.published, cmd)
	return nil
}
func (b *fakeCommandBus) SubscribeToCommands(ctx context.Context, executionID string) (*commandbus.Subscription, error) {
	return nil, nil
}
func (b *fakeCommandBus) Close() error { return nil }

func newTestServer() (*Server, *fakeStore, *fakeCommandBus) {
	st := &fakeStore{execs: make(map[string]*domain.Execution)}
	q := fakeQueue{}
	eb := fakeEventBus{}
	cb := &fakeCommandBus{}
	svc := execsvc.New(st, q, eb, engine.NewFakeEngineFactory(), engine.NewFakeFlowLoader(), engine.NewFakeNodeRegistry(), nil)
	return New(svc, st, eb, cb, nil), st, cb
}

func TestCreateAndGetExecution(t *testing.T) {
	s, _, _ := newTestServer()

	body, _ := json.Marshal(createExecutionRequest{FlowID: "flow-1"})
	req := httptest.NewRequest(http.MethodPost, "/executions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	id := resp["executionId"]
	if id == "" {
		t.Fatal("expected non-empty executionId")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/executions/"+id, nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	s, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/executions/missing", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSendCommandPublishes(t *testing.T) {
	s, st, cb := newTestServer()
	st.execs["exec-1"] = &domain.Execution{ID: "exec-1", FlowID: "flow-1"}

	body, _ := json.Marshal(sendCommandRequest{ID: "cmd-1", Command: string(domain.CommandPause)})
	req := httptest.NewRequest(http.MethodPost, "/executions/exec-1/commands", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(cb.published) != 1 || cb.published[0].Command != domain.CommandPause {
		t.Fatalf("expected one PAUSE command published, got %+v", cb.published)
	}
}
