// Package engine owns the execution pipeline: queueing matched triggers,
// running their action lists on a worker pool, and handling retry and
// dead-letter on failure.
package engine

import (
	"context"
	"time"

	"github.com/buttermb/delviery-sub006/model"
)

// ActionExecutor invokes the concrete business actions (notification
// delivery, inventory mutation, CRM sync). The engine sequences actions and
// aggregates results; it knows nothing about action semantics. Executors
// must be idempotent: delivery is at-least-once.
type ActionExecutor interface {
	// Execute runs one action against the trigger payload. A false ok or a
	// non-nil error both mean the action failed; the error carries the
	// diagnostic detail.
	Execute(ctx context.Context, kind string, params map[string]any, trigger model.TriggerData) (bool, error)
}

// ExecutionStore persists workflow executions.
type ExecutionStore interface {
	// Enqueue persists a new queued execution.
	Enqueue(ctx context.Context, exec model.WorkflowExecution) error

	// Claim atomically takes the oldest claimable execution for a runner:
	// queued with not_before elapsed, or running with an expired claim.
	// Exactly one runner can win a given execution. Returns ok=false when
	// nothing is claimable. reclaimed reports that the claim was taken over
	// from a runner that never finished.
	Claim(ctx context.Context, runnerID string, visibilityTimeout time.Duration) (exec model.WorkflowExecution, ok bool, reclaimed bool, err error)

	// MarkSucceeded finishes an execution, recording its action log.
	MarkSucceeded(ctx context.Context, execID string, log []model.ExecutionLogEntry) error

	// MarkFailed records a failed attempt with its diagnostics.
	MarkFailed(ctx context.Context, execID, lastError string, details *model.ErrorDetails, log []model.ExecutionLogEntry) error

	// Requeue returns a failed execution to the queue with an incremented
	// retry_count, eligible to run at notBefore.
	Requeue(ctx context.Context, execID string, notBefore time.Time) error

	// MoveToDeadLetter transitions a failed execution to dead_letter and
	// inserts its dead-letter entry, atomically. moved=false means another
	// mover already won; no duplicate entry is written either way.
	MoveToDeadLetter(ctx context.Context, execID string, entry model.DeadLetterEntry) (moved bool, err error)

	// Get retrieves an execution, scoped to a tenant.
	Get(ctx context.Context, tenantID, execID string) (model.WorkflowExecution, error)

	// List returns a tenant's executions, newest first.
	List(ctx context.Context, tenantID string, filters ExecutionFilters) ([]model.WorkflowExecution, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// ExecutionFilters are optional filters for listing executions.
type ExecutionFilters struct {
	Status     string
	WorkflowID string
	Limit      int
	Offset     int
}

// DeadLetterStore reads and audits dead-letter entries. Entries are created
// through ExecutionStore.MoveToDeadLetter; their trigger_data and
// error_details are never mutated afterwards.
type DeadLetterStore interface {
	// Get retrieves an entry, scoped to a tenant.
	Get(ctx context.Context, tenantID, entryID string) (model.DeadLetterEntry, error)

	// List returns a tenant's entries, newest first, optionally by status.
	List(ctx context.Context, tenantID string, filters DeadLetterFilters) ([]model.DeadLetterEntry, error)

	// MarkRetrying stamps a manual requeue. Only valid from the failed
	// status; anything else is an INVALID_TRANSITION.
	MarkRetrying(ctx context.Context, tenantID, entryID, actor string, at time.Time) error

	// MarkResolved closes an entry. Idempotent: resolving an already
	// resolved entry is a no-op. resolved is terminal.
	MarkResolved(ctx context.Context, tenantID, entryID, actor string, at time.Time, notes string) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// DeadLetterFilters are optional filters for listing dead-letter entries.
type DeadLetterFilters struct {
	Status string
	Limit  int
	Offset int
}
