package model

import (
	"testing"
	"time"
)

func TestMutationEvent_Validate(t *testing.T) {
	evt := MutationEvent{
		TenantID:  "tenant-1",
		TableName: "orders",
		Operation: OperationUpdate,
	}
	if err := evt.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestMutationEvent_Validate_missingTenant(t *testing.T) {
	evt := MutationEvent{TableName: "orders", Operation: OperationInsert}
	err := evt.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	ee, ok := err.(*ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if ee.Code != ErrValidationError {
		t.Errorf("code = %s, want %s", ee.Code, ErrValidationError)
	}
}

func TestMutationEvent_Validate_badOperation(t *testing.T) {
	// The wildcard is valid in a trigger config, never on an event.
	evt := MutationEvent{TenantID: "t", TableName: "orders", Operation: OperationAny}
	if err := evt.Validate(); err == nil {
		t.Fatal("expected validation error for wildcard operation on event")
	}
}

func TestMutationEvent_Validate_badTableName(t *testing.T) {
	for _, name := range []string{"", "Orders", "1orders", "orders; drop"} {
		evt := MutationEvent{TenantID: "t", TableName: name, Operation: OperationInsert}
		if err := evt.Validate(); err == nil {
			t.Errorf("table name %q should be rejected", name)
		}
	}
}

func TestMutationEvent_Row(t *testing.T) {
	oldRow := map[string]any{"status": "pending"}
	newRow := map[string]any{"status": "cancelled"}

	update := MutationEvent{Operation: OperationUpdate, OldRow: oldRow, NewRow: newRow}
	if got := update.Row()["status"]; got != "cancelled" {
		t.Errorf("update Row()[status] = %v, want cancelled", got)
	}

	del := MutationEvent{Operation: OperationDelete, OldRow: oldRow}
	if got := del.Row()["status"]; got != "pending" {
		t.Errorf("delete Row()[status] = %v, want pending", got)
	}
}

func TestMutationEvent_Snapshot_isolatedFromEvent(t *testing.T) {
	evt := MutationEvent{
		TenantID:   "tenant-1",
		TableName:  "orders",
		Operation:  OperationUpdate,
		NewRow:     map[string]any{"status": "cancelled"},
		OccurredAt: time.Now().UTC(),
	}

	snap := evt.Snapshot()
	evt.NewRow["status"] = "mutated-later"

	if snap.NewRow["status"] != "cancelled" {
		t.Errorf("snapshot leaked later mutation: %v", snap.NewRow["status"])
	}
}

func TestValidOperator(t *testing.T) {
	for _, op := range []string{OperatorEquals, OperatorNotEquals, OperatorGreater, OperatorLess, OperatorContains, OperatorIsNull} {
		if !ValidOperator(op) {
			t.Errorf("ValidOperator(%q) = false", op)
		}
	}
	if ValidOperator("matches_regex") {
		t.Error("unknown operator accepted")
	}
}
