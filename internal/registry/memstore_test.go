package registry

import (
	"context"
	"testing"
	"time"

	"github.com/buttermb/delviery-sub006/model"
)

func seedDefinition(id, tenantID string) (model.WorkflowDefinition, model.WorkflowVersion) {
	now := time.Now().UTC()
	def := model.WorkflowDefinition{
		ID:          id,
		TenantID:    tenantID,
		Name:        "seed",
		TriggerType: model.TriggerTypeTableEvent,
		Trigger:     model.TriggerConfig{TableName: "orders", Operation: model.OperationUpdate},
		Actions:     []model.Action{{Kind: "webhook"}},
		IsActive:    true,
		CreatedBy:   "admin-1",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return def, buildVersion(nil, def, "admin-1", now)
}

func TestMemStore_CreateWithVersion_duplicate(t *testing.T) {
	store := NewMemoryDefinitionStore()
	def, ver := seedDefinition("wf-1", "tenant-1")

	if err := store.CreateWithVersion(context.Background(), def, ver); err != nil {
		t.Fatalf("CreateWithVersion() error = %v", err)
	}
	err := store.CreateWithVersion(context.Background(), def, ver)
	if !model.IsConflict(err) {
		t.Errorf("duplicate create error = %v, want CONFLICT", err)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemStore_UpdateWithVersion_versionConflict(t *testing.T) {
	store := NewMemoryDefinitionStore()
	def, ver := seedDefinition("wf-1", "tenant-1")
	if err := store.CreateWithVersion(context.Background(), def, ver); err != nil {
		t.Fatalf("CreateWithVersion() error = %v", err)
	}

	// Re-using version number 1 simulates a concurrent writer having won.
	def.Name = "changed"
	dup := buildVersion(nil, def, "admin-1", time.Now().UTC())
	err := store.UpdateWithVersion(context.Background(), def, dup)
	if !model.IsConflict(err) {
		t.Errorf("duplicate version error = %v, want CONFLICT", err)
	}

	// Store must be unchanged by the failed write.
	got, err := store.Get(context.Background(), "tenant-1", "wf-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "seed" {
		t.Errorf("name = %q, want seed (failed write must not apply)", got.Name)
	}
}

func TestMemStore_Get_tenantScoped(t *testing.T) {
	store := NewMemoryDefinitionStore()
	def, ver := seedDefinition("wf-1", "tenant-1")
	if err := store.CreateWithVersion(context.Background(), def, ver); err != nil {
		t.Fatalf("CreateWithVersion() error = %v", err)
	}

	if _, err := store.Get(context.Background(), "tenant-1", "wf-1"); err != nil {
		t.Errorf("Get() same tenant error = %v", err)
	}
	_, err := store.Get(context.Background(), "tenant-2", "wf-1")
	if !model.IsNotFound(err) {
		t.Errorf("Get() other tenant error = %v, want NOT_FOUND", err)
	}
}

func TestMemStore_ListActiveByTable(t *testing.T) {
	store := NewMemoryDefinitionStore()
	ctx := context.Background()

	active, activeVer := seedDefinition("wf-active", "tenant-1")
	if err := store.CreateWithVersion(ctx, active, activeVer); err != nil {
		t.Fatalf("CreateWithVersion() error = %v", err)
	}

	inactive, inactiveVer := seedDefinition("wf-inactive", "tenant-1")
	inactive.IsActive = false
	if err := store.CreateWithVersion(ctx, inactive, inactiveVer); err != nil {
		t.Fatalf("CreateWithVersion() error = %v", err)
	}

	otherTable, otherVer := seedDefinition("wf-invoices", "tenant-1")
	otherTable.Trigger.TableName = "invoices"
	if err := store.CreateWithVersion(ctx, otherTable, otherVer); err != nil {
		t.Fatalf("CreateWithVersion() error = %v", err)
	}

	schedule, scheduleVer := seedDefinition("wf-schedule", "tenant-1")
	schedule.TriggerType = model.TriggerTypeSchedule
	if err := store.CreateWithVersion(ctx, schedule, scheduleVer); err != nil {
		t.Fatalf("CreateWithVersion() error = %v", err)
	}

	otherTenant, otherTenantVer := seedDefinition("wf-t2", "tenant-2")
	if err := store.CreateWithVersion(ctx, otherTenant, otherTenantVer); err != nil {
		t.Fatalf("CreateWithVersion() error = %v", err)
	}

	defs, err := store.ListActiveByTable(ctx, "tenant-1", "orders")
	if err != nil {
		t.Fatalf("ListActiveByTable() error = %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("len(defs) = %d, want 1", len(defs))
	}
	if defs[0].ID != "wf-active" {
		t.Errorf("defs[0].ID = %q, want wf-active", defs[0].ID)
	}
}

func TestMemStore_IncrementRunStats(t *testing.T) {
	store := NewMemoryDefinitionStore()
	def, ver := seedDefinition("wf-1", "tenant-1")
	if err := store.CreateWithVersion(context.Background(), def, ver); err != nil {
		t.Fatalf("CreateWithVersion() error = %v", err)
	}

	at := time.Now().UTC()
	if err := store.IncrementRunStats(context.Background(), "wf-1", at); err != nil {
		t.Fatalf("IncrementRunStats() error = %v", err)
	}
	if err := store.IncrementRunStats(context.Background(), "wf-1", at); err != nil {
		t.Fatalf("IncrementRunStats() error = %v", err)
	}

	got, err := store.Get(context.Background(), "tenant-1", "wf-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.RunCount != 2 {
		t.Errorf("RunCount = %d, want 2", got.RunCount)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(at) {
		t.Errorf("LastRunAt = %v, want %v", got.LastRunAt, at)
	}

	err = store.IncrementRunStats(context.Background(), "missing", at)
	if !model.IsNotFound(err) {
		t.Errorf("IncrementRunStats(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestMemStore_StampRestoredFrom(t *testing.T) {
	store := NewMemoryDefinitionStore()
	def, ver := seedDefinition("wf-1", "tenant-1")
	if err := store.CreateWithVersion(context.Background(), def, ver); err != nil {
		t.Fatalf("CreateWithVersion() error = %v", err)
	}

	if err := store.StampRestoredFrom(context.Background(), "wf-1", 1, 1); err != nil {
		t.Fatalf("StampRestoredFrom() error = %v", err)
	}

	got, err := store.GetVersion(context.Background(), "tenant-1", "wf-1", 1)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if got.RestoredFromVersion == nil || *got.RestoredFromVersion != 1 {
		t.Errorf("RestoredFromVersion = %v, want 1", got.RestoredFromVersion)
	}

	err = store.StampRestoredFrom(context.Background(), "wf-1", 9, 1)
	if !model.IsNotFound(err) {
		t.Errorf("StampRestoredFrom(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestMemStore_LatestVersion(t *testing.T) {
	store := NewMemoryDefinitionStore()
	def, ver := seedDefinition("wf-1", "tenant-1")
	if err := store.CreateWithVersion(context.Background(), def, ver); err != nil {
		t.Fatalf("CreateWithVersion() error = %v", err)
	}

	prev, err := store.LatestVersion(context.Background(), "tenant-1", "wf-1")
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	def.Name = "second"
	next := buildVersion(&prev, def, "admin-1", time.Now().UTC())
	if err := store.UpdateWithVersion(context.Background(), def, next); err != nil {
		t.Fatalf("UpdateWithVersion() error = %v", err)
	}

	latest, err := store.LatestVersion(context.Background(), "tenant-1", "wf-1")
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if latest.VersionNumber != 2 {
		t.Errorf("VersionNumber = %d, want 2", latest.VersionNumber)
	}

	_, err = store.LatestVersion(context.Background(), "tenant-1", "missing")
	if !model.IsNotFound(err) {
		t.Errorf("LatestVersion(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestMemStore_List_paging(t *testing.T) {
	store := NewMemoryDefinitionStore()
	ctx := context.Background()

	for i, id := range []string{"wf-a", "wf-b", "wf-c"} {
		def, ver := seedDefinition(id, "tenant-1")
		def.CreatedAt = def.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := store.CreateWithVersion(ctx, def, ver); err != nil {
			t.Fatalf("CreateWithVersion() error = %v", err)
		}
	}

	page, err := store.List(ctx, "tenant-1", DefinitionFilters{Limit: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
	// Newest first.
	if page[0].ID != "wf-c" {
		t.Errorf("page[0].ID = %q, want wf-c", page[0].ID)
	}

	rest, err := store.List(ctx, "tenant-1", DefinitionFilters{Offset: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("len(rest) = %d, want 1", len(rest))
	}
	if rest[0].ID != "wf-a" {
		t.Errorf("rest[0].ID = %q, want wf-a", rest[0].ID)
	}

	empty, err := store.List(ctx, "tenant-1", DefinitionFilters{Offset: 10})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("len(empty) = %d, want 0", len(empty))
	}
}
