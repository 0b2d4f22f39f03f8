package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/buttermb/delviery-sub006/model"
)

// MemoryExecutionStore is an in-memory ExecutionStore for tests and
// single-process deployments. Dead-letter entries are written through the
// paired MemoryDeadLetterStore so MoveToDeadLetter stays atomic under one
// lock ordering.
type MemoryExecutionStore struct {
	mu    sync.Mutex
	execs map[string]model.WorkflowExecution
	dlq   *MemoryDeadLetterStore
}

// NewMemoryExecutionStore creates an in-memory execution store writing
// dead-letter entries into dlq.
func NewMemoryExecutionStore(dlq *MemoryDeadLetterStore) *MemoryExecutionStore {
	return &MemoryExecutionStore{
		execs: make(map[string]model.WorkflowExecution),
		dlq:   dlq,
	}
}

// Enqueue persists a new queued execution.
func (s *MemoryExecutionStore) Enqueue(_ context.Context, exec model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.execs[exec.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("execution %q already exists", exec.ID),
		)
	}
	s.execs[exec.ID] = exec
	return nil
}

// Claim atomically takes the oldest claimable execution.
func (s *MemoryExecutionStore) Claim(_ context.Context, runnerID string, visibilityTimeout time.Duration) (model.WorkflowExecution, bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var candidate *model.WorkflowExecution
	reclaimed := false

	for id := range s.execs {
		exec := s.execs[id]
		claimable, wasRunning := isClaimable(exec, now)
		if !claimable {
			continue
		}
		if candidate == nil || exec.CreatedAt.Before(candidate.CreatedAt) {
			c := exec
			candidate = &c
			reclaimed = wasRunning
		}
	}
	if candidate == nil {
		return model.WorkflowExecution{}, false, false, nil
	}

	expires := now.Add(visibilityTimeout)
	candidate.Status = model.ExecutionStatusRunning
	candidate.ClaimedBy = runnerID
	candidate.ClaimExpiresAt = &expires
	candidate.UpdatedAt = now
	s.execs[candidate.ID] = *candidate
	return *candidate, true, reclaimed, nil
}

func isClaimable(exec model.WorkflowExecution, now time.Time) (claimable, wasRunning bool) {
	switch exec.Status {
	case model.ExecutionStatusQueued:
		if exec.NotBefore == nil || !exec.NotBefore.After(now) {
			return true, false
		}
	case model.ExecutionStatusRunning:
		if exec.ClaimExpiresAt != nil && exec.ClaimExpiresAt.Before(now) {
			return true, true
		}
	}
	return false, false
}

// MarkSucceeded finishes an execution.
func (s *MemoryExecutionStore) MarkSucceeded(_ context.Context, execID string, log []model.ExecutionLogEntry) error {
	return s.finish(execID, func(exec *model.WorkflowExecution) {
		exec.Status = model.ExecutionStatusSucceeded
		exec.ExecutionLog = log
		exec.LastError = ""
		exec.ErrorDetails = nil
	})
}

// MarkFailed records a failed attempt.
func (s *MemoryExecutionStore) MarkFailed(_ context.Context, execID, lastError string, details *model.ErrorDetails, log []model.ExecutionLogEntry) error {
	return s.finish(execID, func(exec *model.WorkflowExecution) {
		exec.Status = model.ExecutionStatusFailed
		exec.LastError = lastError
		exec.ErrorDetails = details
		exec.ExecutionLog = log
	})
}

// Requeue returns a failed execution to the queue for retry.
func (s *MemoryExecutionStore) Requeue(_ context.Context, execID string, notBefore time.Time) error {
	return s.finish(execID, func(exec *model.WorkflowExecution) {
		exec.Status = model.ExecutionStatusQueued
		exec.RetryCount++
		exec.NotBefore = &notBefore
		exec.ClaimedBy = ""
		exec.ClaimExpiresAt = nil
	})
}

// MoveToDeadLetter transitions a failed execution to dead_letter and writes
// its entry. A second mover loses the conditional transition, so exactly one
// entry is ever written.
func (s *MemoryExecutionStore) MoveToDeadLetter(_ context.Context, execID string, entry model.DeadLetterEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.execs[execID]
	if !exists {
		return false, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", execID),
		)
	}
	if exec.Status == model.ExecutionStatusDeadLetter {
		return false, nil
	}

	exec.Status = model.ExecutionStatusDeadLetter
	exec.UpdatedAt = time.Now().UTC()
	s.execs[execID] = exec

	s.dlq.insert(entry)
	return true, nil
}

// Get retrieves an execution, scoped to tenant.
func (s *MemoryExecutionStore) Get(_ context.Context, tenantID, execID string) (model.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.execs[execID]
	if !exists || exec.TenantID != tenantID {
		return model.WorkflowExecution{}, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", execID),
		)
	}
	return exec, nil
}

// List returns a tenant's executions, newest first.
func (s *MemoryExecutionStore) List(_ context.Context, tenantID string, filters ExecutionFilters) ([]model.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.WorkflowExecution
	for _, exec := range s.execs {
		if exec.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && exec.Status != filters.Status {
			continue
		}
		if filters.WorkflowID != "" && exec.WorkflowID != filters.WorkflowID {
			continue
		}
		result = append(result, exec)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowExecution{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryExecutionStore) HealthCheck(_ context.Context) error {
	return nil
}

func (s *MemoryExecutionStore) finish(execID string, apply func(*model.WorkflowExecution)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.execs[execID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", execID),
		)
	}
	apply(&exec)
	exec.UpdatedAt = time.Now().UTC()
	s.execs[execID] = exec
	return nil
}

// MemoryDeadLetterStore is an in-memory DeadLetterStore.
type MemoryDeadLetterStore struct {
	mu      sync.Mutex
	entries map[string]model.DeadLetterEntry
}

// NewMemoryDeadLetterStore creates a new in-memory dead-letter store.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{
		entries: make(map[string]model.DeadLetterEntry),
	}
}

func (s *MemoryDeadLetterStore) insert(entry model.DeadLetterEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
}

// Get retrieves an entry, scoped to tenant.
func (s *MemoryDeadLetterStore) Get(_ context.Context, tenantID, entryID string) (model.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[entryID]
	if !exists || entry.TenantID != tenantID {
		return model.DeadLetterEntry{}, model.NewNotFoundError(
			fmt.Sprintf("dead-letter entry %q not found", entryID),
		)
	}
	return entry, nil
}

// List returns a tenant's entries, newest first.
func (s *MemoryDeadLetterStore) List(_ context.Context, tenantID string, filters DeadLetterFilters) ([]model.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.DeadLetterEntry
	for _, entry := range s.entries {
		if entry.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && entry.Status != filters.Status {
			continue
		}
		result = append(result, entry)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.DeadLetterEntry{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// MarkRetrying stamps a manual requeue. Only valid from failed.
func (s *MemoryDeadLetterStore) MarkRetrying(_ context.Context, tenantID, entryID, actor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[entryID]
	if !exists || entry.TenantID != tenantID {
		return model.NewNotFoundError(
			fmt.Sprintf("dead-letter entry %q not found", entryID),
		)
	}
	if entry.Status != model.DeadLetterStatusFailed {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("dead-letter entry %q is %s, only failed entries can be retried", entryID, entry.Status),
		)
	}

	entry.Status = model.DeadLetterStatusRetrying
	entry.ManualRetryRequestedBy = actor
	entry.ManualRetryRequestedAt = &at
	s.entries[entryID] = entry
	return nil
}

// MarkResolved closes an entry. Idempotent for already resolved entries.
func (s *MemoryDeadLetterStore) MarkResolved(_ context.Context, tenantID, entryID, actor string, at time.Time, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[entryID]
	if !exists || entry.TenantID != tenantID {
		return model.NewNotFoundError(
			fmt.Sprintf("dead-letter entry %q not found", entryID),
		)
	}
	if entry.Status == model.DeadLetterStatusResolved {
		return nil
	}

	entry.Status = model.DeadLetterStatusResolved
	entry.ResolvedBy = actor
	entry.ResolvedAt = &at
	entry.ResolutionNotes = notes
	s.entries[entryID] = entry
	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryDeadLetterStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the number of entries. For testing.
func (s *MemoryDeadLetterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
