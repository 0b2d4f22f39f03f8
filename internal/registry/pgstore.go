package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buttermb/delviery-sub006/model"
)

// uniqueViolation is the PostgreSQL error code for unique constraint
// violations, used to detect concurrent version writers.
const uniqueViolation = "23505"

// PgDefinitionStore is a PostgreSQL-backed DefinitionStore using pgx/v5.
type PgDefinitionStore struct {
	pool *pgxpool.Pool
}

// NewPgDefinitionStore creates a new PostgreSQL definition store.
func NewPgDefinitionStore(pool *pgxpool.Pool) *PgDefinitionStore {
	return &PgDefinitionStore{pool: pool}
}

// CreateWithVersion inserts a new definition and its version 1 snapshot in
// one transaction.
func (s *PgDefinitionStore) CreateWithVersion(ctx context.Context, def model.WorkflowDefinition, ver model.WorkflowVersion) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		triggerJSON, conditionsJSON, actionsJSON, err := marshalDefinitionParts(def.Trigger, def.Conditions, def.Actions)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_definitions (
				id, tenant_id, name, description, trigger_type,
				trigger_config, conditions, actions, is_active,
				run_count, last_run_at, created_by, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5,
				$6, $7, $8, $9,
				$10, $11, $12, $13, $14
			)`,
			def.ID, def.TenantID, def.Name, def.Description, def.TriggerType,
			triggerJSON, conditionsJSON, actionsJSON, def.IsActive,
			def.RunCount, def.LastRunAt, def.CreatedBy, def.CreatedAt, def.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return model.NewConflictError(
					fmt.Sprintf("workflow %q already exists", def.ID),
				)
			}
			return fmt.Errorf("insert workflow definition: %w", err)
		}

		return insertVersion(ctx, tx, ver)
	})
}

// UpdateWithVersion updates a definition and inserts its next snapshot in one
// transaction. A unique violation on (workflow_id, version_number) surfaces
// as CONFLICT so the registry can re-read and retry.
func (s *PgDefinitionStore) UpdateWithVersion(ctx context.Context, def model.WorkflowDefinition, ver model.WorkflowVersion) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		triggerJSON, conditionsJSON, actionsJSON, err := marshalDefinitionParts(def.Trigger, def.Conditions, def.Actions)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE workflow_definitions SET
				name = $1,
				description = $2,
				trigger_type = $3,
				trigger_config = $4,
				conditions = $5,
				actions = $6,
				is_active = $7,
				updated_at = $8
			WHERE id = $9 AND tenant_id = $10`,
			def.Name, def.Description, def.TriggerType,
			triggerJSON, conditionsJSON, actionsJSON, def.IsActive,
			def.UpdatedAt,
			def.ID, def.TenantID,
		)
		if err != nil {
			return fmt.Errorf("update workflow definition: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewNotFoundError(
				fmt.Sprintf("workflow %q not found", def.ID),
			)
		}

		return insertVersion(ctx, tx, ver)
	})
}

// Get retrieves a definition by ID, scoped to tenant.
func (s *PgDefinitionStore) Get(ctx context.Context, tenantID, workflowID string) (model.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, definitionSelect+` WHERE id = $1 AND tenant_id = $2`, workflowID, tenantID)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}
	return def, err
}

// List returns a tenant's definitions, newest first.
func (s *PgDefinitionStore) List(ctx context.Context, tenantID string, filters DefinitionFilters) ([]model.WorkflowDefinition, error) {
	query := definitionSelect + ` WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.IsActive != nil {
		query += fmt.Sprintf(" AND is_active = $%d", argIdx)
		args = append(args, *filters.IsActive)
		argIdx++
	}
	if filters.TableName != "" {
		query += fmt.Sprintf(" AND trigger_config->>'table_name' = $%d", argIdx)
		args = append(args, filters.TableName)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryDefinitions(ctx, query, args...)
}

// ListActiveByTable returns active table_event definitions for a table.
func (s *PgDefinitionStore) ListActiveByTable(ctx context.Context, tenantID, tableName string) ([]model.WorkflowDefinition, error) {
	query := definitionSelect + `
		WHERE tenant_id = $1
		  AND is_active = TRUE
		  AND trigger_type = 'table_event'
		  AND trigger_config->>'table_name' = $2
		ORDER BY created_at ASC`
	return s.queryDefinitions(ctx, query, tenantID, tableName)
}

// IncrementRunStats bumps run_count and last_run_at.
func (s *PgDefinitionStore) IncrementRunStats(ctx context.Context, workflowID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_definitions
		SET run_count = run_count + 1, last_run_at = $1
		WHERE id = $2`,
		at, workflowID,
	)
	if err != nil {
		return fmt.Errorf("increment run stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}
	return nil
}

// GetVersion retrieves one version snapshot.
func (s *PgDefinitionStore) GetVersion(ctx context.Context, tenantID, workflowID string, versionNumber int) (model.WorkflowVersion, error) {
	row := s.pool.QueryRow(ctx, versionSelect+`
		WHERE workflow_id = $1 AND tenant_id = $2 AND version_number = $3`,
		workflowID, tenantID, versionNumber,
	)
	ver, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowVersion{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q version %d not found", workflowID, versionNumber),
		)
	}
	return ver, err
}

// ListVersions returns all versions ascending by version number.
func (s *PgDefinitionStore) ListVersions(ctx context.Context, tenantID, workflowID string) ([]model.WorkflowVersion, error) {
	// Verify tenant access.
	if _, err := s.Get(ctx, tenantID, workflowID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, versionSelect+`
		WHERE workflow_id = $1 AND tenant_id = $2
		ORDER BY version_number ASC`,
		workflowID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow versions: %w", err)
	}
	defer rows.Close()

	var versions []model.WorkflowVersion
	for rows.Next() {
		ver, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow version: %w", err)
		}
		versions = append(versions, ver)
	}
	return versions, rows.Err()
}

// LatestVersion returns the highest-numbered version snapshot.
func (s *PgDefinitionStore) LatestVersion(ctx context.Context, tenantID, workflowID string) (model.WorkflowVersion, error) {
	row := s.pool.QueryRow(ctx, versionSelect+`
		WHERE workflow_id = $1 AND tenant_id = $2
		ORDER BY version_number DESC
		LIMIT 1`,
		workflowID, tenantID,
	)
	ver, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowVersion{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q has no versions", workflowID),
		)
	}
	return ver, err
}

// StampRestoredFrom sets restored_from_version on an existing version row.
func (s *PgDefinitionStore) StampRestoredFrom(ctx context.Context, workflowID string, versionNumber, restoredFrom int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_versions
		SET restored_from_version = $1
		WHERE workflow_id = $2 AND version_number = $3`,
		restoredFrom, workflowID, versionNumber,
	)
	if err != nil {
		return fmt.Errorf("stamp restored_from_version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow %q version %d not found", workflowID, versionNumber),
		)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgDefinitionStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- internals ---

const definitionSelect = `
	SELECT id, tenant_id, name, description, trigger_type,
	       trigger_config, conditions, actions, is_active,
	       run_count, last_run_at, created_by, created_at, updated_at
	FROM workflow_definitions`

const versionSelect = `
	SELECT workflow_id, tenant_id, version_number, name, description,
	       trigger_type, trigger_config, conditions, actions, is_active,
	       change_summary, change_details, created_by, created_at,
	       restored_from_version
	FROM workflow_versions`

func (s *PgDefinitionStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertVersion(ctx context.Context, tx pgx.Tx, ver model.WorkflowVersion) error {
	triggerJSON, conditionsJSON, actionsJSON, err := marshalDefinitionParts(ver.Trigger, ver.Conditions, ver.Actions)
	if err != nil {
		return err
	}
	detailsJSON, err := json.Marshal(ver.ChangeDetails)
	if err != nil {
		return fmt.Errorf("marshal change details: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_versions (
			workflow_id, tenant_id, version_number, name, description,
			trigger_type, trigger_config, conditions, actions, is_active,
			change_summary, change_details, created_by, created_at,
			restored_from_version
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		ver.WorkflowID, ver.TenantID, ver.VersionNumber, ver.Name, ver.Description,
		ver.TriggerType, triggerJSON, conditionsJSON, actionsJSON, ver.IsActive,
		ver.ChangeSummary, detailsJSON, ver.CreatedBy, ver.CreatedAt,
		ver.RestoredFromVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewConflictError(
				fmt.Sprintf("workflow %q version %d already written", ver.WorkflowID, ver.VersionNumber),
			)
		}
		return fmt.Errorf("insert workflow version: %w", err)
	}
	return nil
}

func marshalDefinitionParts(trigger model.TriggerConfig, conditions []model.Condition, actions []model.Action) ([]byte, []byte, []byte, error) {
	triggerJSON, err := json.Marshal(trigger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal trigger config: %w", err)
	}
	conditionsJSON, err := json.Marshal(conditions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal conditions: %w", err)
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal actions: %w", err)
	}
	return triggerJSON, conditionsJSON, actionsJSON, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PgDefinitionStore) queryDefinitions(ctx context.Context, query string, args ...any) ([]model.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func scanDefinition(row pgx.Row) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var triggerJSON, conditionsJSON, actionsJSON []byte

	err := row.Scan(
		&def.ID, &def.TenantID, &def.Name, &def.Description, &def.TriggerType,
		&triggerJSON, &conditionsJSON, &actionsJSON, &def.IsActive,
		&def.RunCount, &def.LastRunAt, &def.CreatedBy, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}

	if err := unmarshalDefinitionParts(triggerJSON, conditionsJSON, actionsJSON,
		&def.Trigger, &def.Conditions, &def.Actions); err != nil {
		return model.WorkflowDefinition{}, err
	}
	return def, nil
}

func scanVersion(row pgx.Row) (model.WorkflowVersion, error) {
	var ver model.WorkflowVersion
	var triggerJSON, conditionsJSON, actionsJSON, detailsJSON []byte

	err := row.Scan(
		&ver.WorkflowID, &ver.TenantID, &ver.VersionNumber, &ver.Name, &ver.Description,
		&ver.TriggerType, &triggerJSON, &conditionsJSON, &actionsJSON, &ver.IsActive,
		&ver.ChangeSummary, &detailsJSON, &ver.CreatedBy, &ver.CreatedAt,
		&ver.RestoredFromVersion,
	)
	if err != nil {
		return model.WorkflowVersion{}, err
	}

	if err := unmarshalDefinitionParts(triggerJSON, conditionsJSON, actionsJSON,
		&ver.Trigger, &ver.Conditions, &ver.Actions); err != nil {
		return model.WorkflowVersion{}, err
	}
	if detailsJSON != nil {
		if err := json.Unmarshal(detailsJSON, &ver.ChangeDetails); err != nil {
			return model.WorkflowVersion{}, fmt.Errorf("unmarshal change details: %w", err)
		}
	}
	return ver, nil
}

func unmarshalDefinitionParts(triggerJSON, conditionsJSON, actionsJSON []byte,
	trigger *model.TriggerConfig, conditions *[]model.Condition, actions *[]model.Action) error {
	if triggerJSON != nil {
		if err := json.Unmarshal(triggerJSON, trigger); err != nil {
			return fmt.Errorf("unmarshal trigger config: %w", err)
		}
	}
	if conditionsJSON != nil {
		if err := json.Unmarshal(conditionsJSON, conditions); err != nil {
			return fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	if actionsJSON != nil {
		if err := json.Unmarshal(actionsJSON, actions); err != nil {
			return fmt.Errorf("unmarshal actions: %w", err)
		}
	}
	return nil
}
