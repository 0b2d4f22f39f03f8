package model

import "time"

// WorkflowVersion is an immutable snapshot of a workflow definition's fields
// at write time. Exactly one version row is created per registry write;
// version numbers are strictly increasing per workflow starting at 1. A row
// is never mutated after creation, except to stamp RestoredFromVersion on
// the latest row when a restore occurs.
type WorkflowVersion struct {
	WorkflowID    string `json:"workflow_id"`
	TenantID      string `json:"tenant_id"`
	VersionNumber int    `json:"version_number"`

	// Snapshot of definitional fields.
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	TriggerType string        `json:"trigger_type"`
	Trigger     TriggerConfig `json:"trigger_config"`
	Conditions  []Condition   `json:"conditions"`
	Actions     []Action      `json:"actions"`
	IsActive    bool          `json:"is_active"`

	ChangeSummary       string        `json:"change_summary"`
	ChangeDetails       ChangeDetails `json:"change_details"`
	CreatedBy           string        `json:"created_by"`
	CreatedAt           time.Time     `json:"created_at"`
	RestoredFromVersion *int          `json:"restored_from_version,omitempty"`
}

// ChangeDetails flags which top-level definitional fields differ from the
// previous version. Boolean flags keep comparison cheap; the full snapshots
// are on the version rows for anyone who needs a deep diff.
type ChangeDetails struct {
	Name       bool `json:"name"`
	Trigger    bool `json:"trigger_config"`
	Conditions bool `json:"conditions"`
	Actions    bool `json:"actions"`
	IsActive   bool `json:"is_active"`
}

// Any reports whether at least one field changed.
func (c ChangeDetails) Any() bool {
	return c.Name || c.Trigger || c.Conditions || c.Actions || c.IsActive
}

// VersionDiff is the structured result of comparing two versions of the same
// workflow. Detection is symmetric in the arguments; only the old/new
// labeling follows argument order.
type VersionDiff struct {
	WorkflowID  string        `json:"workflow_id"`
	FromVersion int           `json:"from_version"`
	ToVersion   int           `json:"to_version"`
	Changed     ChangeDetails `json:"changed"`
	From        *WorkflowVersion `json:"from"`
	To          *WorkflowVersion `json:"to"`
}
