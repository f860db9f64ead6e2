package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/R3E-Network/flowexec/internal/domain"
	"github.com/R3E-Network/flowexec/internal/resilience"
	"github.com/R3E-Network/flowexec/pkg/logger"
)

// PostgresStore implements ExecutionStore using database/sql + lib/pq.
// Hand-written SQL lets it express the row-level locking ClaimExecution
// requires.
type PostgresStore struct {
	db  *sql.DB
	log *logger.Logger
	cb  *resilience.CircuitBreaker
}

// NewPostgresStore wraps an already-opened *sql.DB.
func NewPostgresStore(db *sql.DB, log *logger.Logger) *PostgresStore {
	if log == nil {
		log = logger.NewDefault("store")
	}
	return &PostgresStore{
		db:  db,
		log: log,
		cb:  resilience.New(resilience.StrictDependencyCBConfig(log)),
	}
}

// Open opens a new *sql.DB for dsn and wraps it in a PostgresStore.
func Open(dsn string, log *logger.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresStore(db, log), nil
}

// EnsureSchema creates the required tables and indexes if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			parent_execution_id TEXT,
			root_execution_id TEXT,
			execution_depth INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			error_node_id TEXT,
			integrations JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
		CREATE INDEX IF NOT EXISTS idx_executions_flow_id ON executions(flow_id);

		CREATE TABLE IF NOT EXISTS execution_claims (
			execution_id TEXT PRIMARY KEY REFERENCES executions(id),
			worker_id TEXT NOT NULL,
			status TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			heartbeat_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_execution_claims_status_expires
			ON execution_claims(status, expires_at);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, exec *domain.Execution) error {
	integrations, err := json.Marshal(exec.Integrations)
	if err != nil {
		return fmt.Errorf("marshal integrations: %w", err)
	}

	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	if exec.Status == "" {
		exec.Status = domain.StatusIdle
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, flow_id, status, parent_execution_id, root_execution_id,
			execution_depth, integrations, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		exec.ID, exec.FlowID, exec.Status, nullString(exec.ParentExecutionID), nullString(exec.RootExecutionID),
		exec.ExecutionDepth, integrations, exec.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, executionID string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_id, status, parent_execution_id, root_execution_id,
			execution_depth, error_message, error_node_id, integrations,
			created_at, started_at, completed_at
		FROM executions WHERE id = $1
	`, executionID)

	return scanExecution(row)
}

func (s *PostgresStore) UpdateExecutionStatus(ctx context.Context, upd StatusUpdate) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var current domain.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = $1 FOR UPDATE`, upd.ExecutionID).Scan(&current)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	legal := domain.CanTransition(current, upd.Status)
	if !legal && upd.Status == domain.StatusCreated && domain.ValidateRetryReset(current) {
		legal = true
	}
	if !legal {
		s.log.WithField("execution_id", upd.ExecutionID).
			WithField("from", current).
			WithField("to", upd.Status).
			Warn("illegal status transition, ignoring")
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE executions SET
			status = $2,
			error_message = COALESCE($3, error_message),
			error_node_id = COALESCE($4, error_node_id),
			started_at = COALESCE($5, started_at),
			completed_at = COALESCE($6, completed_at)
		WHERE id = $1
	`, upd.ExecutionID, upd.Status, nullString(upd.ErrorMessage), nullString(upd.ErrorNodeID),
		nullTime(upd.StartedAt), nullTime(upd.CompletedAt))
	if err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// ClaimExecution runs a single transaction covering both
// the no-prior-claim happy path and the expired-claim-replacement path.
func (s *PostgresStore) ClaimExecution(ctx context.Context, executionID, workerID string, ttl time.Duration) (bool, error) {
	var claimed bool
	err := s.cb.Execute(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var existingStatus domain.ClaimStatus
		var expiresAt time.Time
		err = tx.QueryRowContext(ctx,
			`SELECT status, expires_at FROM execution_claims WHERE execution_id = $1 FOR UPDATE`,
			executionID,
		).Scan(&existingStatus, &expiresAt)

		now := time.Now().UTC()
		newExpiry := now.Add(ttl)

		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO execution_claims (execution_id, worker_id, status, expires_at, heartbeat_at)
				VALUES ($1, $2, $3, $4, $5)
			`, executionID, workerID, domain.ClaimActive, newExpiry, now)
			if err != nil {
				return err
			}
			claimed = true

		case err != nil:
			return err

		case existingStatus != domain.ClaimActive || expiresAt.Before(now):
			_, err = tx.ExecContext(ctx, `
				UPDATE execution_claims SET
					worker_id = $2, status = $3, expires_at = $4, heartbeat_at = $5
				WHERE execution_id = $1
			`, executionID, workerID, domain.ClaimActive, newExpiry, now)
			if err != nil {
				return err
			}
			claimed = true

		default:
			claimed = false
		}

		return tx.Commit()
	})
	return claimed, err
}

func (s *PostgresStore) ExtendClaim(ctx context.Context, executionID, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_claims SET expires_at = $4, heartbeat_at = $3
		WHERE execution_id = $1 AND worker_id = $2 AND status = $5
	`, executionID, workerID, now, now.Add(ttl), domain.ClaimActive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) ReleaseExecution(ctx context.Context, executionID, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_claims SET status = $3
		WHERE execution_id = $1 AND worker_id = $2 AND status = $4
	`, executionID, workerID, domain.ClaimReleased, domain.ClaimActive)
	return err
}

func (s *PostgresStore) ExpireOldClaims(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_claims SET status = $1
		WHERE status = $2 AND expires_at < now()
	`, domain.ClaimExpired, domain.ClaimActive)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) GetClaimForExecution(ctx context.Context, executionID string) (*domain.Claim, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, worker_id, status, expires_at, heartbeat_at
		FROM execution_claims WHERE execution_id = $1
	`, executionID)

	var c domain.Claim
	err := row.Scan(&c.ExecutionID, &c.WorkerID, &c.Status, &c.ExpiresAt, &c.HeartbeatAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListNonTerminalUnclaimed(ctx context.Context, limit int) ([]*domain.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.flow_id, e.status, e.parent_execution_id, e.root_execution_id,
			e.execution_depth, e.error_message, e.error_node_id, e.integrations,
			e.created_at, e.started_at, e.completed_at
		FROM executions e
		LEFT JOIN execution_claims c ON c.execution_id = e.id AND c.status = $1
		WHERE e.status NOT IN ($2, $3, $4) AND c.execution_id IS NULL
		ORDER BY e.created_at ASC
		LIMIT $5
	`, domain.ClaimActive, domain.StatusCompleted, domain.StatusFailed, domain.StatusStopped, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var e domain.Execution
	var parentID, rootID, errMsg, errNode sql.NullString
	var integrations []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.FlowID, &e.Status, &parentID, &rootID,
		&e.ExecutionDepth, &errMsg, &errNode, &integrations,
		&e.CreatedAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.ParentExecutionID = parentID.String
	e.RootExecutionID = rootID.String
	e.ErrorMessage = errMsg.String
	e.ErrorNodeID = errNode.String
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if len(integrations) > 0 {
		_ = json.Unmarshal(integrations, &e.Integrations)
	}

	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), e.g. a racing Create on the same executionId.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
