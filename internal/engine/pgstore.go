package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buttermb/delviery-sub006/model"
)

// PgExecutionStore is a PostgreSQL-backed ExecutionStore using pgx/v5.
type PgExecutionStore struct {
	pool *pgxpool.Pool
}

// NewPgExecutionStore creates a new PostgreSQL execution store.
func NewPgExecutionStore(pool *pgxpool.Pool) *PgExecutionStore {
	return &PgExecutionStore{pool: pool}
}

const executionSelect = `
	SELECT id, workflow_id, tenant_id, status, trigger_data,
	       retry_count, last_error, error_details, execution_log,
	       not_before, claimed_by, claim_expires_at,
	       created_at, updated_at
	FROM workflow_executions`

// Enqueue persists a new queued execution.
func (s *PgExecutionStore) Enqueue(ctx context.Context, exec model.WorkflowExecution) error {
	triggerJSON, detailsJSON, logJSON, err := marshalExecutionParts(exec.TriggerData, exec.ErrorDetails, exec.ExecutionLog)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_executions (
			id, workflow_id, tenant_id, status, trigger_data,
			retry_count, last_error, error_details, execution_log,
			not_before, claimed_by, claim_expires_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14
		)`,
		exec.ID, exec.WorkflowID, exec.TenantID, exec.Status, triggerJSON,
		exec.RetryCount, exec.LastError, detailsJSON, logJSON,
		exec.NotBefore, nullIfEmpty(exec.ClaimedBy), exec.ClaimExpiresAt,
		exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow execution: %w", err)
	}
	return nil
}

// Claim atomically takes the oldest claimable execution. FOR UPDATE SKIP
// LOCKED keeps concurrent runners from blocking on the same row; the row's
// previous status tells us whether this is a takeover of an expired claim.
func (s *PgExecutionStore) Claim(ctx context.Context, runnerID string, visibilityTimeout time.Duration) (model.WorkflowExecution, bool, bool, error) {
	now := time.Now().UTC()
	expires := now.Add(visibilityTimeout)

	row := s.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id, status AS prev_status
			FROM workflow_executions
			WHERE (status = 'queued' AND (not_before IS NULL OR not_before <= $1))
			   OR (status = 'running' AND claim_expires_at < $1)
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE workflow_executions e SET
			status = 'running',
			claimed_by = $2,
			claim_expires_at = $3,
			updated_at = $1
		FROM candidate c
		WHERE e.id = c.id
		RETURNING e.id, e.workflow_id, e.tenant_id, e.status, e.trigger_data,
		          e.retry_count, e.last_error, e.error_details, e.execution_log,
		          e.not_before, e.claimed_by, e.claim_expires_at,
		          e.created_at, e.updated_at,
		          c.prev_status`,
		now, runnerID, expires,
	)

	exec, prevStatus, err := scanClaimedExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowExecution{}, false, false, nil
		}
		return model.WorkflowExecution{}, false, false, fmt.Errorf("claim execution: %w", err)
	}
	return exec, true, prevStatus == model.ExecutionStatusRunning, nil
}

// MarkSucceeded finishes an execution.
func (s *PgExecutionStore) MarkSucceeded(ctx context.Context, execID string, log []model.ExecutionLogEntry) error {
	logJSON, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal execution log: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions SET
			status = 'succeeded',
			execution_log = $1,
			last_error = '',
			error_details = NULL,
			updated_at = now()
		WHERE id = $2`,
		logJSON, execID,
	)
	if err != nil {
		return fmt.Errorf("mark execution succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", execID),
		)
	}
	return nil
}

// MarkFailed records a failed attempt.
func (s *PgExecutionStore) MarkFailed(ctx context.Context, execID, lastError string, details *model.ErrorDetails, log []model.ExecutionLogEntry) error {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal error details: %w", err)
		}
	}
	logJSON, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal execution log: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions SET
			status = 'failed',
			last_error = $1,
			error_details = $2,
			execution_log = $3,
			updated_at = now()
		WHERE id = $4`,
		lastError, detailsJSON, logJSON, execID,
	)
	if err != nil {
		return fmt.Errorf("mark execution failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", execID),
		)
	}
	return nil
}

// Requeue returns a failed execution to the queue for retry.
func (s *PgExecutionStore) Requeue(ctx context.Context, execID string, notBefore time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions SET
			status = 'queued',
			retry_count = retry_count + 1,
			not_before = $1,
			claimed_by = NULL,
			claim_expires_at = NULL,
			updated_at = now()
		WHERE id = $2`,
		notBefore, execID,
	)
	if err != nil {
		return fmt.Errorf("requeue execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", execID),
		)
	}
	return nil
}

// MoveToDeadLetter transitions a failed execution to dead_letter and writes
// its entry in one transaction. The conditional UPDATE ensures exactly one
// mover wins and exactly one entry is written.
func (s *PgExecutionStore) MoveToDeadLetter(ctx context.Context, execID string, entry model.DeadLetterEntry) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_executions SET
			status = 'dead_letter',
			updated_at = now()
		WHERE id = $1 AND status <> 'dead_letter'`,
		execID,
	)
	if err != nil {
		return false, fmt.Errorf("mark execution dead-lettered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM workflow_executions WHERE id = $1)`,
			execID,
		).Scan(&exists); err != nil {
			return false, fmt.Errorf("check execution exists: %w", err)
		}
		if !exists {
			return false, model.NewNotFoundError(
				fmt.Sprintf("execution %q not found", execID),
			)
		}
		return false, nil
	}

	triggerJSON, detailsJSON, logJSON, err := marshalExecutionParts(entry.TriggerData, entry.ErrorDetails, entry.ExecutionLog)
	if err != nil {
		return false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO dead_letter_entries (
			id, workflow_execution_id, workflow_id, tenant_id,
			trigger_data, execution_log, error_type, error_message, error_details,
			total_attempts, first_failed_at, last_attempt_at,
			status, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12,
			$13, $14
		)`,
		entry.ID, entry.WorkflowExecutionID, entry.WorkflowID, entry.TenantID,
		triggerJSON, logJSON, entry.ErrorType, entry.ErrorMessage, detailsJSON,
		entry.TotalAttempts, entry.FirstFailedAt, entry.LastAttemptAt,
		entry.Status, entry.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert dead-letter entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

// Get retrieves an execution, scoped to tenant.
func (s *PgExecutionStore) Get(ctx context.Context, tenantID, execID string) (model.WorkflowExecution, error) {
	row := s.pool.QueryRow(ctx,
		executionSelect+` WHERE id = $1 AND tenant_id = $2`,
		execID, tenantID,
	)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowExecution{}, model.NewNotFoundError(
				fmt.Sprintf("execution %q not found", execID),
			)
		}
		return model.WorkflowExecution{}, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// List returns a tenant's executions, newest first.
func (s *PgExecutionStore) List(ctx context.Context, tenantID string, filters ExecutionFilters) ([]model.WorkflowExecution, error) {
	query := executionSelect + ` WHERE tenant_id = $1`
	args := []any{tenantID}

	if filters.Status != "" {
		args = append(args, filters.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.WorkflowID != "" {
		args = append(args, filters.WorkflowID)
		query += fmt.Sprintf(" AND workflow_id = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var result []model.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		result = append(result, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return result, nil
}

// HealthCheck verifies the database connection is alive.
func (s *PgExecutionStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanExecution(row pgx.Row) (model.WorkflowExecution, error) {
	var (
		exec        model.WorkflowExecution
		triggerJSON []byte
		detailsJSON []byte
		logJSON     []byte
		claimedBy   *string
	)
	err := row.Scan(
		&exec.ID, &exec.WorkflowID, &exec.TenantID, &exec.Status, &triggerJSON,
		&exec.RetryCount, &exec.LastError, &detailsJSON, &logJSON,
		&exec.NotBefore, &claimedBy, &exec.ClaimExpiresAt,
		&exec.CreatedAt, &exec.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	if claimedBy != nil {
		exec.ClaimedBy = *claimedBy
	}
	if err := unmarshalExecutionParts(triggerJSON, detailsJSON, logJSON, &exec); err != nil {
		return model.WorkflowExecution{}, err
	}
	return exec, nil
}

func scanClaimedExecution(row pgx.Row) (model.WorkflowExecution, string, error) {
	var (
		exec        model.WorkflowExecution
		triggerJSON []byte
		detailsJSON []byte
		logJSON     []byte
		claimedBy   *string
		prevStatus  string
	)
	err := row.Scan(
		&exec.ID, &exec.WorkflowID, &exec.TenantID, &exec.Status, &triggerJSON,
		&exec.RetryCount, &exec.LastError, &detailsJSON, &logJSON,
		&exec.NotBefore, &claimedBy, &exec.ClaimExpiresAt,
		&exec.CreatedAt, &exec.UpdatedAt,
		&prevStatus,
	)
	if err != nil {
		return model.WorkflowExecution{}, "", err
	}
	if claimedBy != nil {
		exec.ClaimedBy = *claimedBy
	}
	if err := unmarshalExecutionParts(triggerJSON, detailsJSON, logJSON, &exec); err != nil {
		return model.WorkflowExecution{}, "", err
	}
	return exec, prevStatus, nil
}

func marshalExecutionParts(trigger model.TriggerData, details *model.ErrorDetails, log []model.ExecutionLogEntry) ([]byte, []byte, []byte, error) {
	triggerJSON, err := json.Marshal(trigger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal trigger data: %w", err)
	}
	var detailsJSON []byte
	if details != nil {
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal error details: %w", err)
		}
	}
	logJSON, err := json.Marshal(log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal execution log: %w", err)
	}
	return triggerJSON, detailsJSON, logJSON, nil
}

func unmarshalExecutionParts(triggerJSON, detailsJSON, logJSON []byte, exec *model.WorkflowExecution) error {
	if err := json.Unmarshal(triggerJSON, &exec.TriggerData); err != nil {
		return fmt.Errorf("unmarshal trigger data: %w", err)
	}
	if len(detailsJSON) > 0 {
		exec.ErrorDetails = &model.ErrorDetails{}
		if err := json.Unmarshal(detailsJSON, exec.ErrorDetails); err != nil {
			return fmt.Errorf("unmarshal error details: %w", err)
		}
	}
	if len(logJSON) > 0 {
		if err := json.Unmarshal(logJSON, &exec.ExecutionLog); err != nil {
			return fmt.Errorf("unmarshal execution log: %w", err)
		}
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// PgDeadLetterStore is a PostgreSQL-backed DeadLetterStore using pgx/v5.
type PgDeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewPgDeadLetterStore creates a new PostgreSQL dead-letter store.
func NewPgDeadLetterStore(pool *pgxpool.Pool) *PgDeadLetterStore {
	return &PgDeadLetterStore{pool: pool}
}

const deadLetterSelect = `
	SELECT id, workflow_execution_id, workflow_id, tenant_id,
	       trigger_data, execution_log, error_type, error_message, error_details,
	       total_attempts, first_failed_at, last_attempt_at,
	       status, manual_retry_requested_by, manual_retry_requested_at,
	       resolved_by, resolved_at, resolution_notes, created_at
	FROM dead_letter_entries`

// Get retrieves an entry, scoped to tenant.
func (s *PgDeadLetterStore) Get(ctx context.Context, tenantID, entryID string) (model.DeadLetterEntry, error) {
	row := s.pool.QueryRow(ctx,
		deadLetterSelect+` WHERE id = $1 AND tenant_id = $2`,
		entryID, tenantID,
	)
	entry, err := scanDeadLetterEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DeadLetterEntry{}, model.NewNotFoundError(
				fmt.Sprintf("dead-letter entry %q not found", entryID),
			)
		}
		return model.DeadLetterEntry{}, fmt.Errorf("get dead-letter entry: %w", err)
	}
	return entry, nil
}

// List returns a tenant's entries, newest first.
func (s *PgDeadLetterStore) List(ctx context.Context, tenantID string, filters DeadLetterFilters) ([]model.DeadLetterEntry, error) {
	query := deadLetterSelect + ` WHERE tenant_id = $1`
	args := []any{tenantID}

	if filters.Status != "" {
		args = append(args, filters.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead-letter entries: %w", err)
	}
	defer rows.Close()

	var result []model.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetterEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead-letter entry: %w", err)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead-letter entries: %w", err)
	}
	return result, nil
}

// MarkRetrying stamps a manual requeue. The conditional UPDATE enforces the
// failed-only transition.
func (s *PgDeadLetterStore) MarkRetrying(ctx context.Context, tenantID, entryID, actor string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letter_entries SET
			status = 'retrying',
			manual_retry_requested_by = $1,
			manual_retry_requested_at = $2
		WHERE id = $3 AND tenant_id = $4 AND status = 'failed'`,
		actor, at, entryID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("mark dead-letter entry retrying: %w", err)
	}
	if tag.RowsAffected() == 0 {
		entry, getErr := s.Get(ctx, tenantID, entryID)
		if getErr != nil {
			return getErr
		}
		return model.NewInvalidTransitionError(
			fmt.Sprintf("dead-letter entry %q is %s, only failed entries can be retried", entryID, entry.Status),
		)
	}
	return nil
}

// MarkResolved closes an entry. A second resolve is a no-op.
func (s *PgDeadLetterStore) MarkResolved(ctx context.Context, tenantID, entryID, actor string, at time.Time, notes string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letter_entries SET
			status = 'resolved',
			resolved_by = $1,
			resolved_at = $2,
			resolution_notes = $3
		WHERE id = $4 AND tenant_id = $5 AND status <> 'resolved'`,
		actor, at, notes, entryID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("mark dead-letter entry resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, tenantID, entryID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *PgDeadLetterStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanDeadLetterEntry(row pgx.Row) (model.DeadLetterEntry, error) {
	var (
		entry       model.DeadLetterEntry
		triggerJSON []byte
		logJSON     []byte
		detailsJSON []byte
		retryBy     *string
		resolvedBy  *string
		notes       *string
	)
	err := row.Scan(
		&entry.ID, &entry.WorkflowExecutionID, &entry.WorkflowID, &entry.TenantID,
		&triggerJSON, &logJSON, &entry.ErrorType, &entry.ErrorMessage, &detailsJSON,
		&entry.TotalAttempts, &entry.FirstFailedAt, &entry.LastAttemptAt,
		&entry.Status, &retryBy, &entry.ManualRetryRequestedAt,
		&resolvedBy, &entry.ResolvedAt, &notes, &entry.CreatedAt,
	)
	if err != nil {
		return model.DeadLetterEntry{}, err
	}
	if retryBy != nil {
		entry.ManualRetryRequestedBy = *retryBy
	}
	if resolvedBy != nil {
		entry.ResolvedBy = *resolvedBy
	}
	if notes != nil {
		entry.ResolutionNotes = *notes
	}
	if err := json.Unmarshal(triggerJSON, &entry.TriggerData); err != nil {
		return model.DeadLetterEntry{}, fmt.Errorf("unmarshal trigger data: %w", err)
	}
	if len(logJSON) > 0 {
		if err := json.Unmarshal(logJSON, &entry.ExecutionLog); err != nil {
			return model.DeadLetterEntry{}, fmt.Errorf("unmarshal execution log: %w", err)
		}
	}
	if len(detailsJSON) > 0 {
		entry.ErrorDetails = &model.ErrorDetails{}
		if err := json.Unmarshal(detailsJSON, entry.ErrorDetails); err != nil {
			return model.DeadLetterEntry{}, fmt.Errorf("unmarshal error details: %w", err)
		}
	}
	return entry, nil
}
