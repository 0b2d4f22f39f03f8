package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/buttermb/delviery-sub006/internal/observability"
	"github.com/buttermb/delviery-sub006/model"
)

// maxWriteAttempts bounds the read-diff-write retry loop when concurrent
// writers collide on a version number.
const maxWriteAttempts = 10

// Registry manages workflow definitions. Every successful write produces
// exactly one version snapshot.
type Registry struct {
	store   DefinitionStore
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New creates a new Registry.
func New(store DefinitionStore, logger *zap.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// Input carries the caller-settable fields of a workflow definition.
type Input struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	TriggerType string              `json:"trigger_type"`
	Trigger     model.TriggerConfig `json:"trigger_config"`
	Conditions  []model.Condition   `json:"conditions"`
	Actions     []model.Action      `json:"actions"`
	IsActive    bool                `json:"is_active"`
}

// Create registers a new workflow definition for the caller's tenant and
// writes its version 1 snapshot.
func (r *Registry) Create(ctx context.Context, rctx *model.RequestContext, input Input) (model.WorkflowDefinition, error) {
	if details := validateInput(input); len(details) > 0 {
		return model.WorkflowDefinition{}, model.NewValidationError(details)
	}

	now := time.Now().UTC()
	def := model.WorkflowDefinition{
		ID:          uuid.New().String(),
		TenantID:    rctx.TenantID,
		Name:        input.Name,
		Description: input.Description,
		TriggerType: input.TriggerType,
		Trigger:     input.Trigger,
		Conditions:  input.Conditions,
		Actions:     input.Actions,
		IsActive:    input.IsActive,
		CreatedBy:   rctx.SubjectID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ver := buildVersion(nil, def, rctx.SubjectID, now)
	if err := r.store.CreateWithVersion(ctx, def, ver); err != nil {
		return model.WorkflowDefinition{}, err
	}

	r.metrics.RecordVersionWritten("create")
	r.logger.Info("workflow created",
		zap.String("workflow_id", def.ID),
		zap.String("tenant_id", def.TenantID),
		zap.String("name", def.Name),
	)
	return def, nil
}

// Update applies a patch to a definition and writes the next version
// snapshot. Concurrent writers are serialized by the version-number unique
// constraint; on conflict the read-diff-write cycle retries.
func (r *Registry) Update(ctx context.Context, rctx *model.RequestContext, workflowID string, patch model.DefinitionPatch) (model.WorkflowDefinition, error) {
	def, _, err := r.write(ctx, rctx, workflowID, patch, "update")
	return def, err
}

// SetActive toggles a definition's active flag. Activation of a workflow
// with no actions is rejected. Creates a version row like any other update.
func (r *Registry) SetActive(ctx context.Context, rctx *model.RequestContext, workflowID string, active bool) (model.WorkflowDefinition, error) {
	return r.Update(ctx, rctx, workflowID, model.DefinitionPatch{IsActive: &active})
}

// Get retrieves a definition, scoped to the caller's tenant.
func (r *Registry) Get(ctx context.Context, rctx *model.RequestContext, workflowID string) (model.WorkflowDefinition, error) {
	return r.store.Get(ctx, rctx.TenantID, workflowID)
}

// List returns the caller tenant's definitions.
func (r *Registry) List(ctx context.Context, rctx *model.RequestContext, filters DefinitionFilters) ([]model.WorkflowDefinition, error) {
	return r.store.List(ctx, rctx.TenantID, filters)
}

// write runs the read-diff-write cycle, retrying on version conflicts.
// Returns the updated definition and the version number written.
func (r *Registry) write(ctx context.Context, rctx *model.RequestContext, workflowID string, patch model.DefinitionPatch, kind string) (model.WorkflowDefinition, int, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		def, err := r.store.Get(ctx, rctx.TenantID, workflowID)
		if err != nil {
			return model.WorkflowDefinition{}, 0, err
		}

		applyPatch(&def, patch)
		if details := validateInput(inputOf(def)); len(details) > 0 {
			return model.WorkflowDefinition{}, 0, model.NewValidationError(details)
		}
		def.UpdatedAt = time.Now().UTC()

		prev, err := r.store.LatestVersion(ctx, rctx.TenantID, workflowID)
		if err != nil {
			return model.WorkflowDefinition{}, 0, err
		}

		ver := buildVersion(&prev, def, rctx.SubjectID, def.UpdatedAt)
		if err := r.store.UpdateWithVersion(ctx, def, ver); err != nil {
			if model.IsConflict(err) {
				lastErr = err
				r.metrics.VersionConflictsTotal.Inc()
				r.logger.Debug("version conflict, retrying",
					zap.String("workflow_id", workflowID),
					zap.Int("version_number", ver.VersionNumber),
					zap.Int("attempt", attempt+1),
				)
				continue
			}
			return model.WorkflowDefinition{}, 0, err
		}

		r.metrics.RecordVersionWritten(kind)
		r.logger.Info("workflow updated",
			zap.String("workflow_id", workflowID),
			zap.String("tenant_id", def.TenantID),
			zap.Int("version_number", ver.VersionNumber),
			zap.String("change_summary", ver.ChangeSummary),
		)
		return def, ver.VersionNumber, nil
	}
	return model.WorkflowDefinition{}, 0, model.NewConflictError(
		fmt.Sprintf("workflow %q: too many concurrent updates: %v", workflowID, lastErr),
	)
}

// applyPatch copies the patch's non-nil fields onto the definition.
func applyPatch(def *model.WorkflowDefinition, patch model.DefinitionPatch) {
	if patch.Name != nil {
		def.Name = *patch.Name
	}
	if patch.Description != nil {
		def.Description = *patch.Description
	}
	if patch.TriggerType != nil {
		def.TriggerType = *patch.TriggerType
	}
	if patch.Trigger != nil {
		def.Trigger = *patch.Trigger
	}
	if patch.Conditions != nil {
		def.Conditions = *patch.Conditions
	}
	if patch.Actions != nil {
		def.Actions = *patch.Actions
	}
	if patch.IsActive != nil {
		def.IsActive = *patch.IsActive
	}
}

func inputOf(def model.WorkflowDefinition) Input {
	return Input{
		Name:        def.Name,
		Description: def.Description,
		TriggerType: def.TriggerType,
		Trigger:     def.Trigger,
		Conditions:  def.Conditions,
		Actions:     def.Actions,
		IsActive:    def.IsActive,
	}
}

// validateInput checks the closed enums and structural constraints of a
// definition's caller-settable fields.
func validateInput(input Input) []model.FieldError {
	var details []model.FieldError

	if input.Name == "" {
		details = append(details, model.FieldError{
			Field: "name", Code: "required", Message: "name must not be empty",
		})
	}
	if !model.ValidTriggerType(input.TriggerType) {
		details = append(details, model.FieldError{
			Field: "trigger_type", Code: "invalid",
			Message: fmt.Sprintf("unknown trigger type %q", input.TriggerType),
		})
	}
	if input.TriggerType == model.TriggerTypeTableEvent {
		if !model.ValidTableName(input.Trigger.TableName) {
			details = append(details, model.FieldError{
				Field: "trigger_config.table_name", Code: "invalid",
				Message: fmt.Sprintf("malformed table name %q", input.Trigger.TableName),
			})
		}
		if !model.ValidOperation(input.Trigger.Operation) {
			details = append(details, model.FieldError{
				Field: "trigger_config.operation", Code: "invalid",
				Message: fmt.Sprintf("unknown operation %q", input.Trigger.Operation),
			})
		}
	}
	for i, cond := range input.Conditions {
		if cond.Field == "" {
			details = append(details, model.FieldError{
				Field: fmt.Sprintf("conditions[%d].field", i), Code: "required",
				Message: "condition field must not be empty",
			})
		}
		if !model.ValidOperator(cond.Operator) {
			details = append(details, model.FieldError{
				Field: fmt.Sprintf("conditions[%d].operator", i), Code: "invalid",
				Message: fmt.Sprintf("unknown operator %q", cond.Operator),
			})
		}
	}
	for i, action := range input.Actions {
		if action.Kind == "" {
			details = append(details, model.FieldError{
				Field: fmt.Sprintf("actions[%d].kind", i), Code: "required",
				Message: "action kind must not be empty",
			})
		}
	}
	if input.IsActive && len(input.Actions) == 0 {
		details = append(details, model.FieldError{
			Field: "actions", Code: "required",
			Message: "an active workflow must have at least one action",
		})
	}

	return details
}
