// Package model defines the domain types shared by the automation engine:
// workflow definitions, version snapshots, mutation events, executions, and
// dead-letter entries, together with the standard error envelope.
package model

import (
	"regexp"
	"time"
)

// Trigger type constants.
const (
	TriggerTypeTableEvent = "table_event"
	TriggerTypeSchedule   = "schedule"
	TriggerTypeManual     = "manual"
)

// Mutation operation constants. OperationAny is the trigger-config wildcard
// matching every operation on the configured table.
const (
	OperationInsert = "insert"
	OperationUpdate = "update"
	OperationDelete = "delete"
	OperationAny    = "any"
)

// Condition operator constants. The predicate set is deliberately closed;
// there is no general expression language.
const (
	OperatorEquals    = "eq"
	OperatorNotEquals = "neq"
	OperatorGreater   = "gt"
	OperatorLess      = "lt"
	OperatorContains  = "contains"
	OperatorIsNull    = "is_null"
)

// WorkflowDefinition is a tenant's configured automation rule: a trigger, an
// ordered predicate list, and an ordered action list.
type WorkflowDefinition struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	TriggerType string        `json:"trigger_type"`
	Trigger     TriggerConfig `json:"trigger_config"`
	Conditions  []Condition   `json:"conditions"`
	Actions     []Action      `json:"actions"`
	IsActive    bool          `json:"is_active"`

	// Non-authoritative telemetry, updated best-effort on match.
	RunCount  int64      `json:"run_count"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerConfig names the table/operation pairing that causes matching to be
// attempted.
type TriggerConfig struct {
	TableName string `json:"table_name"`
	Operation string `json:"operation"`
}

// Condition is a single predicate evaluated against the event's row data.
// Field supports dotted paths into nested objects.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Action is one opaque external effect: the engine sequences actions but
// knows nothing about their semantics.
type Action struct {
	Kind       string         `json:"kind"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// DefinitionPatch carries the mutable fields of a workflow definition for
// Update calls. Nil pointers leave the field unchanged.
type DefinitionPatch struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	TriggerType *string        `json:"trigger_type,omitempty"`
	Trigger     *TriggerConfig `json:"trigger_config,omitempty"`
	Conditions  *[]Condition   `json:"conditions,omitempty"`
	Actions     *[]Action      `json:"actions,omitempty"`
	IsActive    *bool          `json:"is_active,omitempty"`
}

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidTableName reports whether name is a syntactically well-formed table
// name. Whether the table actually emits events is the host's concern.
func ValidTableName(name string) bool {
	return name != "" && len(name) <= 63 && tableNamePattern.MatchString(name)
}

// ValidOperation reports whether op is a known trigger operation, including
// the wildcard.
func ValidOperation(op string) bool {
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete, OperationAny:
		return true
	}
	return false
}

// ValidTriggerType reports whether t is a known trigger type.
func ValidTriggerType(t string) bool {
	switch t {
	case TriggerTypeTableEvent, TriggerTypeSchedule, TriggerTypeManual:
		return true
	}
	return false
}

// ValidOperator reports whether op is a known condition operator.
func ValidOperator(op string) bool {
	switch op {
	case OperatorEquals, OperatorNotEquals, OperatorGreater,
		OperatorLess, OperatorContains, OperatorIsNull:
		return true
	}
	return false
}
