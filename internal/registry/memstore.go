package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/buttermb/delviery-sub006/model"
)

// MemoryDefinitionStore is an in-memory DefinitionStore for tests and
// single-process deployments.
type MemoryDefinitionStore struct {
	mu       sync.RWMutex
	defs     map[string]model.WorkflowDefinition // key: workflow ID
	versions map[string][]model.WorkflowVersion  // key: workflow ID, ascending
}

// NewMemoryDefinitionStore creates a new in-memory definition store.
func NewMemoryDefinitionStore() *MemoryDefinitionStore {
	return &MemoryDefinitionStore{
		defs:     make(map[string]model.WorkflowDefinition),
		versions: make(map[string][]model.WorkflowVersion),
	}
}

// CreateWithVersion persists a new definition and its version 1 snapshot.
func (s *MemoryDefinitionStore) CreateWithVersion(_ context.Context, def model.WorkflowDefinition, ver model.WorkflowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[def.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow %q already exists", def.ID),
		)
	}

	s.defs[def.ID] = def
	s.versions[def.ID] = []model.WorkflowVersion{ver}
	return nil
}

// UpdateWithVersion persists an updated definition and its next snapshot.
func (s *MemoryDefinitionStore) UpdateWithVersion(_ context.Context, def model.WorkflowDefinition, ver model.WorkflowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.defs[def.ID]
	if !exists || existing.TenantID != def.TenantID {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", def.ID),
		)
	}

	// Version-number uniqueness stands in for the unique constraint.
	for _, v := range s.versions[def.ID] {
		if v.VersionNumber == ver.VersionNumber {
			return model.NewConflictError(
				fmt.Sprintf("workflow %q version %d already written", def.ID, ver.VersionNumber),
			)
		}
	}

	s.defs[def.ID] = def
	s.versions[def.ID] = append(s.versions[def.ID], ver)
	return nil
}

// Get retrieves a definition by ID, scoped to tenant.
func (s *MemoryDefinitionStore) Get(_ context.Context, tenantID, workflowID string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.defs[workflowID]
	if !exists || def.TenantID != tenantID {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}
	return def, nil
}

// List returns a tenant's definitions, newest first.
func (s *MemoryDefinitionStore) List(_ context.Context, tenantID string, filters DefinitionFilters) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowDefinition
	for _, def := range s.defs {
		if def.TenantID != tenantID {
			continue
		}
		if filters.IsActive != nil && def.IsActive != *filters.IsActive {
			continue
		}
		if filters.TableName != "" && def.Trigger.TableName != filters.TableName {
			continue
		}
		result = append(result, def)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowDefinition{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// ListActiveByTable returns active table_event definitions for a table.
func (s *MemoryDefinitionStore) ListActiveByTable(_ context.Context, tenantID, tableName string) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowDefinition
	for _, def := range s.defs {
		if def.TenantID != tenantID || !def.IsActive {
			continue
		}
		if def.TriggerType != model.TriggerTypeTableEvent {
			continue
		}
		if def.Trigger.TableName != tableName {
			continue
		}
		result = append(result, def)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// IncrementRunStats bumps run_count and last_run_at.
func (s *MemoryDefinitionStore) IncrementRunStats(_ context.Context, workflowID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, exists := s.defs[workflowID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}
	def.RunCount++
	def.LastRunAt = &at
	s.defs[workflowID] = def
	return nil
}

// GetVersion retrieves one version snapshot.
func (s *MemoryDefinitionStore) GetVersion(_ context.Context, tenantID, workflowID string, versionNumber int) (model.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions[workflowID] {
		if v.VersionNumber == versionNumber && v.TenantID == tenantID {
			return v, nil
		}
	}
	return model.WorkflowVersion{}, model.NewNotFoundError(
		fmt.Sprintf("workflow %q version %d not found", workflowID, versionNumber),
	)
}

// ListVersions returns all versions ascending by version number.
func (s *MemoryDefinitionStore) ListVersions(_ context.Context, tenantID, workflowID string) ([]model.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.defs[workflowID]
	if !exists || def.TenantID != tenantID {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}

	versions := s.versions[workflowID]
	result := make([]model.WorkflowVersion, len(versions))
	copy(result, versions)
	sort.Slice(result, func(i, j int) bool {
		return result[i].VersionNumber < result[j].VersionNumber
	})
	return result, nil
}

// LatestVersion returns the highest-numbered version snapshot.
func (s *MemoryDefinitionStore) LatestVersion(_ context.Context, tenantID, workflowID string) (model.WorkflowVersion, error) {
	versions, err := s.ListVersions(context.Background(), tenantID, workflowID)
	if err != nil {
		return model.WorkflowVersion{}, err
	}
	if len(versions) == 0 {
		return model.WorkflowVersion{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q has no versions", workflowID),
		)
	}
	return versions[len(versions)-1], nil
}

// StampRestoredFrom sets restored_from_version on an existing version row.
func (s *MemoryDefinitionStore) StampRestoredFrom(_ context.Context, workflowID string, versionNumber, restoredFrom int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.versions[workflowID]
	for i := range versions {
		if versions[i].VersionNumber == versionNumber {
			restored := restoredFrom
			versions[i].RestoredFromVersion = &restored
			return nil
		}
	}
	return model.NewNotFoundError(
		fmt.Sprintf("workflow %q version %d not found", workflowID, versionNumber),
	)
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryDefinitionStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the total number of definitions. For testing.
func (s *MemoryDefinitionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.defs)
}
