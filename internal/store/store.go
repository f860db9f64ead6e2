// Package store implements the Execution Store (C1): the durable,
// atomically-mutated registry of execution records and their claims.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/flowexec/internal/domain"
)

// ErrConflict is returned by Create when the executionId already exists.
var ErrConflict = errors.New("store: execution already exists")

// ErrNotFound is returned by Get and GetClaimForExecution when the row is
// absent.
var ErrNotFound = errors.New("store: execution not found")

// StatusUpdate is the argument to UpdateExecutionStatus.
type StatusUpdate struct {
	ExecutionID  string
	Status       domain.Status
	ErrorMessage string
	ErrorNodeID  string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// ExecutionStore is the atomic interface over durable storage that C1
// exposes to the rest of the coordination plane. Every operation must be
// safe under concurrent callers.
type ExecutionStore interface {
	// Create inserts a new execution row. Returns ErrConflict if the id
	// already exists.
	Create(ctx context.Context, exec *domain.Execution) error

	// Get returns the execution row, or ErrNotFound if absent.
	Get(ctx context.Context, executionID string) (*domain.Execution, error)

	// UpdateExecutionStatus enforces the execution status state machine.
	// Returns true iff a row was modified; illegal transitions are a no-op
	// that returns (false, nil).
	UpdateExecutionStatus(ctx context.Context, upd StatusUpdate) (bool, error)

	// ClaimExecution returns true iff no active claim existed, or an
	// expired active claim was atomically replaced. Must run as a single
	// transaction sharing isolation between the happy path and the
	// expired-replacement path.
	ClaimExecution(ctx context.Context, executionID, workerID string, ttl time.Duration) (bool, error)

	// ExtendClaim returns true iff the caller currently holds the active
	// claim; resets ExpiresAt and HeartbeatAt. Returns false otherwise.
	ExtendClaim(ctx context.Context, executionID, workerID string, ttl time.Duration) (bool, error)

	// ReleaseExecution marks the claim released. Idempotent; a no-op if
	// the caller is not the current owner.
	ReleaseExecution(ctx context.Context, executionID, workerID string) error

	// ExpireOldClaims sweeps every active claim with ExpiresAt < now,
	// marks it expired, and returns the count affected.
	ExpireOldClaims(ctx context.Context) (int, error)

	// GetClaimForExecution returns the current claim row, or ErrNotFound
	// if absent.
	GetClaimForExecution(ctx context.Context, executionID string) (*domain.Claim, error)

	// ListNonTerminalUnclaimed returns executions in a non-terminal status
	// with no active claim — input to the Recovery Sweeper (C7).
	ListNonTerminalUnclaimed(ctx context.Context, limit int) ([]*domain.Execution, error)
}
