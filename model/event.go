package model

import "time"

// MutationEvent is the normalized row-change notification the host datastore
// publishes after a committed write. Delivery is at-least-once; consumers
// must tolerate duplicates.
type MutationEvent struct {
	TenantID   string         `json:"tenant_id"`
	TableName  string         `json:"table_name"`
	Operation  string         `json:"operation"`
	OldRow     map[string]any `json:"old_row,omitempty"`
	NewRow     map[string]any `json:"new_row,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Validate checks the event is well-formed enough to match against.
func (e *MutationEvent) Validate() error {
	var details []FieldError
	if e.TenantID == "" {
		details = append(details, FieldError{Field: "tenant_id", Code: "REQUIRED", Message: "tenant_id is required"})
	}
	if !ValidTableName(e.TableName) {
		details = append(details, FieldError{Field: "table_name", Code: "INVALID_VALUE", Message: "table_name must be a well-formed table name"})
	}
	switch e.Operation {
	case OperationInsert, OperationUpdate, OperationDelete:
	default:
		details = append(details, FieldError{Field: "operation", Code: "INVALID_VALUE", Message: "operation must be insert, update, or delete"})
	}
	if len(details) > 0 {
		return NewValidationError(details)
	}
	return nil
}

// Row returns the row the event's conditions should be evaluated against:
// the new row, falling back to the old row for deletes.
func (e *MutationEvent) Row() map[string]any {
	if e.Operation == OperationDelete || e.NewRow == nil {
		return e.OldRow
	}
	return e.NewRow
}

// TriggerData is the self-contained snapshot of a mutation event carried on
// an execution. The runner never re-reads live rows; the executed payload
// always matches what caused the match.
type TriggerData struct {
	TableName  string         `json:"table_name"`
	Operation  string         `json:"operation"`
	OldRow     map[string]any `json:"old_row,omitempty"`
	NewRow     map[string]any `json:"new_row,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Snapshot copies the event payload into a TriggerData. Row maps are
// shallow-copied so later mutation of the event does not leak into queued
// executions.
func (e *MutationEvent) Snapshot() TriggerData {
	return TriggerData{
		TableName:  e.TableName,
		Operation:  e.Operation,
		OldRow:     copyRow(e.OldRow),
		NewRow:     copyRow(e.NewRow),
		OccurredAt: e.OccurredAt,
	}
}

func copyRow(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
