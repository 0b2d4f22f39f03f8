// Package registry owns workflow definitions and their version history.
// Every successful write produces exactly one immutable version snapshot in
// the same store transaction as the definition change.
package registry

import (
	"context"
	"time"

	"github.com/buttermb/delviery-sub006/model"
)

// DefinitionStore persists workflow definitions and version snapshots.
type DefinitionStore interface {
	// CreateWithVersion persists a new definition together with its version 1
	// snapshot, atomically.
	CreateWithVersion(ctx context.Context, def model.WorkflowDefinition, ver model.WorkflowVersion) error

	// UpdateWithVersion persists an updated definition together with its next
	// version snapshot, atomically. Returns CONFLICT if ver.VersionNumber has
	// already been written for this workflow (a concurrent writer won), in
	// which case the caller should re-read and retry.
	UpdateWithVersion(ctx context.Context, def model.WorkflowDefinition, ver model.WorkflowVersion) error

	// Get retrieves a definition by ID, scoped to a tenant. Returns NOT_FOUND
	// if the definition doesn't exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, workflowID string) (model.WorkflowDefinition, error)

	// List returns a tenant's definitions, newest first.
	List(ctx context.Context, tenantID string, filters DefinitionFilters) ([]model.WorkflowDefinition, error)

	// ListActiveByTable returns a tenant's active table_event definitions for
	// the given table. Used by the matcher on every mutation event.
	ListActiveByTable(ctx context.Context, tenantID, tableName string) ([]model.WorkflowDefinition, error)

	// IncrementRunStats bumps run_count and last_run_at. Best-effort
	// telemetry; callers log failures and move on.
	IncrementRunStats(ctx context.Context, workflowID string, at time.Time) error

	// GetVersion retrieves one version snapshot.
	GetVersion(ctx context.Context, tenantID, workflowID string, versionNumber int) (model.WorkflowVersion, error)

	// ListVersions returns all version snapshots for a workflow, ascending by
	// version number.
	ListVersions(ctx context.Context, tenantID, workflowID string) ([]model.WorkflowVersion, error)

	// LatestVersion returns the highest-numbered version snapshot. Returns
	// NOT_FOUND when the workflow has no versions (i.e. doesn't exist).
	LatestVersion(ctx context.Context, tenantID, workflowID string) (model.WorkflowVersion, error)

	// StampRestoredFrom sets restored_from_version on an existing version row.
	// This is the only mutation ever applied to a written snapshot.
	StampRestoredFrom(ctx context.Context, workflowID string, versionNumber, restoredFrom int) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// DefinitionFilters are optional filters for listing definitions.
type DefinitionFilters struct {
	IsActive  *bool
	TableName string
	Limit     int
	Offset    int
}
