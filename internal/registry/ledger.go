package registry

import (
	"context"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/buttermb/delviery-sub006/model"
)

// ListVersions returns a workflow's full version history, ascending.
func (r *Registry) ListVersions(ctx context.Context, rctx *model.RequestContext, workflowID string) ([]model.WorkflowVersion, error) {
	return r.store.ListVersions(ctx, rctx.TenantID, workflowID)
}

// GetVersion returns one version snapshot.
func (r *Registry) GetVersion(ctx context.Context, rctx *model.RequestContext, workflowID string, versionNumber int) (model.WorkflowVersion, error) {
	return r.store.GetVersion(ctx, rctx.TenantID, workflowID, versionNumber)
}

// Compare returns a structured diff between two versions of the same
// workflow. Change detection is symmetric in the arguments; only the
// from/to labeling follows argument order. Returns NOT_FOUND if either
// version is absent.
func (r *Registry) Compare(ctx context.Context, rctx *model.RequestContext, workflowID string, from, to int) (model.VersionDiff, error) {
	fromVer, err := r.store.GetVersion(ctx, rctx.TenantID, workflowID, from)
	if err != nil {
		return model.VersionDiff{}, err
	}
	toVer, err := r.store.GetVersion(ctx, rctx.TenantID, workflowID, to)
	if err != nil {
		return model.VersionDiff{}, err
	}

	return model.VersionDiff{
		WorkflowID:  workflowID,
		FromVersion: from,
		ToVersion:   to,
		Changed:     diffSnapshots(fromVer, toVer),
		From:        &fromVer,
		To:          &toVer,
	}, nil
}

// Restore copies a historical version's definitional fields onto the live
// definition. The restore is an ordinary versioned update: it appends a new
// latest version (never rewrites history), then stamps the new row with the
// version it was restored from.
func (r *Registry) Restore(ctx context.Context, rctx *model.RequestContext, workflowID string, versionNumber int) (model.WorkflowDefinition, error) {
	target, err := r.store.GetVersion(ctx, rctx.TenantID, workflowID, versionNumber)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}

	patch := model.DefinitionPatch{
		Name:        &target.Name,
		Description: &target.Description,
		TriggerType: &target.TriggerType,
		Trigger:     &target.Trigger,
		Conditions:  &target.Conditions,
		Actions:     &target.Actions,
		IsActive:    &target.IsActive,
	}

	def, newVersion, err := r.write(ctx, rctx, workflowID, patch, "restore")
	if err != nil {
		return model.WorkflowDefinition{}, err
	}

	if err := r.store.StampRestoredFrom(ctx, workflowID, newVersion, versionNumber); err != nil {
		return model.WorkflowDefinition{}, err
	}

	r.logger.Info("workflow restored",
		zap.String("workflow_id", workflowID),
		zap.Int("restored_from", versionNumber),
		zap.Int("new_version", newVersion),
	)
	return def, nil
}

// buildVersion produces the next version snapshot for a definition. A nil
// prev means this is version 1.
func buildVersion(prev *model.WorkflowVersion, def model.WorkflowDefinition, actor string, now time.Time) model.WorkflowVersion {
	ver := model.WorkflowVersion{
		WorkflowID:    def.ID,
		TenantID:      def.TenantID,
		VersionNumber: 1,
		Name:          def.Name,
		Description:   def.Description,
		TriggerType:   def.TriggerType,
		Trigger:       def.Trigger,
		Conditions:    def.Conditions,
		Actions:       def.Actions,
		IsActive:      def.IsActive,
		CreatedBy:     actor,
		CreatedAt:     now,
	}

	if prev == nil {
		ver.ChangeSummary = "Workflow created"
		return ver
	}

	ver.VersionNumber = prev.VersionNumber + 1
	ver.ChangeDetails = diffSnapshots(*prev, ver)
	ver.ChangeSummary = summarize(ver.ChangeDetails, prev.IsActive, ver.IsActive)
	return ver
}

// diffSnapshots flags which definitional fields differ between two
// snapshots. Symmetric: diffSnapshots(a, b) == diffSnapshots(b, a).
func diffSnapshots(a, b model.WorkflowVersion) model.ChangeDetails {
	return model.ChangeDetails{
		Name:       a.Name != b.Name || a.Description != b.Description,
		Trigger:    a.TriggerType != b.TriggerType || a.Trigger != b.Trigger,
		Conditions: !reflect.DeepEqual(a.Conditions, b.Conditions),
		Actions:    !reflect.DeepEqual(a.Actions, b.Actions),
		IsActive:   a.IsActive != b.IsActive,
	}
}

// summarize renders a human-readable change summary from the diff flags.
func summarize(changed model.ChangeDetails, wasActive, isActive bool) string {
	var parts []string
	if changed.Name {
		parts = append(parts, "Name changed")
	}
	if changed.Trigger {
		parts = append(parts, "Trigger changed")
	}
	if changed.Conditions {
		parts = append(parts, "Conditions modified")
	}
	if changed.Actions {
		parts = append(parts, "Actions modified")
	}
	if changed.IsActive {
		if isActive && !wasActive {
			parts = append(parts, "Activated")
		} else {
			parts = append(parts, "Deactivated")
		}
	}
	if len(parts) == 0 {
		return "No changes"
	}
	return strings.Join(parts, ", ")
}
