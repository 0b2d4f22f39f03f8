package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/buttermb/delviery-sub006/internal/bus"
	"github.com/buttermb/delviery-sub006/internal/config"
	"github.com/buttermb/delviery-sub006/internal/observability"
	"github.com/buttermb/delviery-sub006/internal/registry"
	"github.com/buttermb/delviery-sub006/internal/trigger"
	"github.com/buttermb/delviery-sub006/model"
)

// scriptedExecutor fails the action kinds listed in fail and records every
// invocation in order.
type scriptedExecutor struct {
	mu    sync.Mutex
	fail  map[string]bool
	errs  map[string]error
	calls []string
}

func (s *scriptedExecutor) Execute(_ context.Context, kind string, _ map[string]any, _ model.TriggerData) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, kind)
	if err, ok := s.errs[kind]; ok {
		return false, err
	}
	if s.fail[kind] {
		return false, nil
	}
	return true, nil
}

func (s *scriptedExecutor) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type engineFixture struct {
	engine   *Engine
	defs     *registry.MemoryDefinitionStore
	execs    *MemoryExecutionStore
	dlq      *MemoryDeadLetterStore
	bus      *bus.Bus
	executor *scriptedExecutor
}

func newEngineFixture(t *testing.T, mutate func(*config.EngineConfig)) *engineFixture {
	t.Helper()
	cfg := config.EngineConfig{
		Runners:           2,
		PollInterval:      5 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		MaxRetries:        3,
		RetryBackoffBase:  10 * time.Millisecond,
		RetryBackoffMax:   10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	defs := registry.NewMemoryDefinitionStore()
	dlq := NewMemoryDeadLetterStore()
	execs := NewMemoryExecutionStore(dlq)
	matcher := trigger.NewMatcher(defs, logger, metrics)
	eventBus := bus.New(16, logger, metrics)
	executor := &scriptedExecutor{fail: map[string]bool{}, errs: map[string]error{}}

	return &engineFixture{
		engine:   New(cfg, defs, execs, dlq, matcher, eventBus, executor, logger, metrics),
		defs:     defs,
		execs:    execs,
		dlq:      dlq,
		bus:      eventBus,
		executor: executor,
	}
}

func (f *engineFixture) seedWorkflow(t *testing.T, id, tenantID string, actions []model.Action) model.WorkflowDefinition {
	t.Helper()
	now := time.Now().UTC()
	def := model.WorkflowDefinition{
		ID:          id,
		TenantID:    tenantID,
		Name:        id,
		TriggerType: model.TriggerTypeTableEvent,
		Trigger:     model.TriggerConfig{TableName: "orders", Operation: model.OperationUpdate},
		Actions:     actions,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ver := model.WorkflowVersion{
		WorkflowID: def.ID, TenantID: def.TenantID, VersionNumber: 1,
		Name: def.Name, TriggerType: def.TriggerType, Trigger: def.Trigger,
		Actions: def.Actions, IsActive: def.IsActive,
		ChangeSummary: "Workflow created", CreatedAt: now,
	}
	require.NoError(t, f.defs.CreateWithVersion(context.Background(), def, ver))
	return def
}

func orderTriggerData() model.TriggerData {
	return model.TriggerData{
		TableName:  "orders",
		Operation:  model.OperationUpdate,
		NewRow:     map[string]any{"status": "cancelled", "total": 42.5},
		OccurredAt: time.Now().UTC(),
	}
}

// drainQueue runs claim cycles until nothing is claimable, sleeping between
// rounds so the fixture's short retry backoffs elapse.
func (f *engineFixture) drainQueue(rounds int) {
	for i := 0; i < rounds; i++ {
		f.engine.drain(context.Background(), "runner-test")
		time.Sleep(15 * time.Millisecond)
	}
}

func (f *engineFixture) onlyExecution(t *testing.T, tenantID string) model.WorkflowExecution {
	t.Helper()
	execs, err := f.execs.List(context.Background(), tenantID, ExecutionFilters{})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	return execs[0]
}

func TestEngine_allActionsSucceedInOrder(t *testing.T) {
	f := newEngineFixture(t, nil)
	def := f.seedWorkflow(t, "wf-1", "tenant-1", []model.Action{
		{Kind: "email"},
		{Kind: "webhook"},
	})

	require.NoError(t, f.engine.enqueue(context.Background(), def, orderTriggerData()))
	f.drainQueue(1)

	exec := f.onlyExecution(t, "tenant-1")
	assert.Equal(t, model.ExecutionStatusSucceeded, exec.Status)
	assert.Empty(t, exec.LastError)
	require.Len(t, exec.ExecutionLog, 2)
	assert.Equal(t, 0, exec.ExecutionLog[0].ActionIndex)
	assert.Equal(t, "email", exec.ExecutionLog[0].ActionKind)
	assert.Equal(t, "succeeded", exec.ExecutionLog[0].Status)
	assert.Equal(t, 1, exec.ExecutionLog[1].ActionIndex)
	assert.Equal(t, "webhook", exec.ExecutionLog[1].ActionKind)
	assert.Equal(t, []string{"email", "webhook"}, f.executor.callLog())
}

func TestEngine_firstFailureStopsActionList(t *testing.T) {
	f := newEngineFixture(t, func(cfg *config.EngineConfig) { cfg.MaxRetries = 0 })
	def := f.seedWorkflow(t, "wf-1", "tenant-1", []model.Action{
		{Kind: "email"},
		{Kind: "webhook"},
		{Kind: "sms"},
	})
	f.executor.errs["webhook"] = errors.New("endpoint returned 500")

	require.NoError(t, f.engine.enqueue(context.Background(), def, orderTriggerData()))
	f.drainQueue(1)

	// The action after the failure never runs.
	assert.Equal(t, []string{"email", "webhook"}, f.executor.callLog())

	exec := f.onlyExecution(t, "tenant-1")
	assert.Equal(t, model.ExecutionStatusDeadLetter, exec.Status)
	require.Len(t, exec.ExecutionLog, 2)
	assert.Equal(t, "succeeded", exec.ExecutionLog[0].Status)
	assert.Equal(t, "failed", exec.ExecutionLog[1].Status)
	assert.Contains(t, exec.LastError, "webhook")
	require.NotNil(t, exec.ErrorDetails)
	assert.Equal(t, "action_failed", exec.ErrorDetails.Type)
	assert.Equal(t, 1, exec.ErrorDetails.Context["action_index"])
}

func TestEngine_retryExhaustionDeadLetters(t *testing.T) {
	f := newEngineFixture(t, nil)
	def := f.seedWorkflow(t, "wf-1", "tenant-1", []model.Action{
		{Kind: "email"},
		{Kind: "webhook"},
	})
	f.executor.fail["webhook"] = true

	require.NoError(t, f.engine.enqueue(context.Background(), def, orderTriggerData()))

	// Three failures requeue with retry_count 1, 2, 3.
	for want := 1; want <= 3; want++ {
		f.drainQueue(1)
		exec := f.onlyExecution(t, "tenant-1")
		assert.Equal(t, model.ExecutionStatusQueued, exec.Status, "after failure %d", want)
		assert.Equal(t, want, exec.RetryCount, "after failure %d", want)
	}

	// The fourth failure exhausts retries.
	f.drainQueue(1)
	exec := f.onlyExecution(t, "tenant-1")
	assert.Equal(t, model.ExecutionStatusDeadLetter, exec.Status)
	assert.Equal(t, 3, exec.RetryCount)

	entries, err := f.dlq.List(context.Background(), "tenant-1", DeadLetterFilters{})
	require.NoError(t, err)
	require.Len(t, entries, 1, "exactly one dead-letter entry")
	entry := entries[0]
	assert.Equal(t, exec.ID, entry.WorkflowExecutionID)
	assert.Equal(t, def.ID, entry.WorkflowID)
	assert.Equal(t, 3, entry.TotalAttempts)
	assert.Equal(t, model.DeadLetterStatusFailed, entry.Status)
	assert.Equal(t, "action_failed", entry.ErrorType)
	assert.Equal(t, exec.TriggerData, entry.TriggerData)
	assert.NotEmpty(t, entry.ExecutionLog)
}

func TestEngine_reclaimedClaimFeedsRetryPath(t *testing.T) {
	f := newEngineFixture(t, func(cfg *config.EngineConfig) { cfg.MaxRetries = 0 })
	def := f.seedWorkflow(t, "wf-1", "tenant-1", []model.Action{{Kind: "email"}})
	require.NoError(t, f.engine.enqueue(context.Background(), def, orderTriggerData()))

	// A runner that died mid-run: claimed with an already-expired timeout.
	_, ok, _, err := f.execs.Claim(context.Background(), "runner-dead", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	f.drainQueue(1)

	exec := f.onlyExecution(t, "tenant-1")
	assert.Equal(t, model.ExecutionStatusDeadLetter, exec.Status)
	require.NotNil(t, exec.ErrorDetails)
	assert.Equal(t, "claim_expired", exec.ErrorDetails.Type)
	// The reclaimed execution was not re-run.
	assert.Empty(t, f.executor.callLog())
}

func TestEngine_missingDefinitionFailsExecution(t *testing.T) {
	f := newEngineFixture(t, func(cfg *config.EngineConfig) { cfg.MaxRetries = 0 })
	def := model.WorkflowDefinition{ID: "wf-gone", TenantID: "tenant-1"}

	require.NoError(t, f.engine.enqueue(context.Background(), def, orderTriggerData()))
	f.drainQueue(1)

	exec := f.onlyExecution(t, "tenant-1")
	assert.Equal(t, model.ExecutionStatusDeadLetter, exec.Status)
	require.NotNil(t, exec.ErrorDetails)
	assert.Equal(t, "definition_not_found", exec.ErrorDetails.Type)
}

func TestEngine_retryFromDeadLetter(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seedWorkflow(t, "wf-1", "tenant-1", []model.Action{{Kind: "email"}})
	rctx := &model.RequestContext{SubjectID: "admin-1", TenantID: "tenant-1"}

	data := orderTriggerData()
	details := &model.ErrorDetails{Type: "action_failed", Message: "endpoint returned 500"}
	entry := seedDeadLetter(t, f.dlq, "dlq-1", "tenant-1", func(e *model.DeadLetterEntry) {
		e.WorkflowID = "wf-1"
		e.TriggerData = data
		e.ErrorDetails = details
	})

	execID, err := f.engine.RetryFromDeadLetter(context.Background(), rctx, entry.ID)
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	exec, err := f.execs.Get(context.Background(), "tenant-1", execID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusQueued, exec.Status)
	assert.Zero(t, exec.RetryCount)
	assert.Equal(t, "wf-1", exec.WorkflowID)
	assert.Equal(t, data, exec.TriggerData)

	// The entry is audit-stamped; its diagnostic context is untouched.
	stamped, err := f.dlq.Get(context.Background(), "tenant-1", entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeadLetterStatusRetrying, stamped.Status)
	assert.Equal(t, "admin-1", stamped.ManualRetryRequestedBy)
	require.NotNil(t, stamped.ManualRetryRequestedAt)
	assert.Equal(t, data, stamped.TriggerData)
	assert.Equal(t, details, stamped.ErrorDetails)

	// A second manual retry of the same entry is rejected.
	_, err = f.engine.RetryFromDeadLetter(context.Background(), rctx, entry.ID)
	var envelope *model.ErrorEnvelope
	require.ErrorAs(t, err, &envelope)
	assert.Equal(t, model.ErrInvalidTransition, envelope.Code)

	// The requeued execution runs to completion.
	f.drainQueue(1)
	exec, err = f.execs.Get(context.Background(), "tenant-1", execID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusSucceeded, exec.Status)
}

func TestEngine_retryFromDeadLetterTenantIsolation(t *testing.T) {
	f := newEngineFixture(t, nil)
	entry := seedDeadLetter(t, f.dlq, "dlq-1", "tenant-1", nil)

	other := &model.RequestContext{SubjectID: "admin-2", TenantID: "tenant-2"}
	_, err := f.engine.RetryFromDeadLetter(context.Background(), other, entry.ID)
	var envelope *model.ErrorEnvelope
	require.ErrorAs(t, err, &envelope)
	assert.Equal(t, model.ErrNotFound, envelope.Code)
}

func TestEngine_resolveDeadLetter(t *testing.T) {
	f := newEngineFixture(t, nil)
	entry := seedDeadLetter(t, f.dlq, "dlq-1", "tenant-1", nil)
	rctx := &model.RequestContext{SubjectID: "admin-1", TenantID: "tenant-1"}

	require.NoError(t, f.engine.ResolveDeadLetter(context.Background(), rctx, entry.ID, "duplicate event"))
	resolved, err := f.dlq.Get(context.Background(), "tenant-1", entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeadLetterStatusResolved, resolved.Status)
	assert.Equal(t, "admin-1", resolved.ResolvedBy)
	assert.Equal(t, "duplicate event", resolved.ResolutionNotes)

	// Resolving again is a no-op.
	require.NoError(t, f.engine.ResolveDeadLetter(context.Background(), rctx, entry.ID, "again"))

	var envelope *model.ErrorEnvelope
	err = f.engine.ResolveDeadLetter(context.Background(), rctx, "missing", "")
	require.ErrorAs(t, err, &envelope)
	assert.Equal(t, model.ErrNotFound, envelope.Code)
}

func TestEngine_executionTenantIsolation(t *testing.T) {
	f := newEngineFixture(t, nil)
	def := f.seedWorkflow(t, "wf-1", "tenant-1", []model.Action{{Kind: "email"}})
	require.NoError(t, f.engine.enqueue(context.Background(), def, orderTriggerData()))
	exec := f.onlyExecution(t, "tenant-1")

	other := &model.RequestContext{SubjectID: "admin-2", TenantID: "tenant-2"}
	_, err := f.engine.GetExecution(context.Background(), other, exec.ID)
	var envelope *model.ErrorEnvelope
	require.ErrorAs(t, err, &envelope)
	assert.Equal(t, model.ErrNotFound, envelope.Code)

	list, err := f.engine.ListExecutions(context.Background(), other, ExecutionFilters{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEngine_backoff(t *testing.T) {
	f := newEngineFixture(t, func(cfg *config.EngineConfig) {
		cfg.RetryBackoffBase = time.Second
		cfg.RetryBackoffMax = 10 * time.Second
	})

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("retry_%d", tt.retryCount), func(t *testing.T) {
			assert.Equal(t, tt.want, f.engine.backoff(tt.retryCount))
		})
	}
}

func TestEngine_endToEnd(t *testing.T) {
	f := newEngineFixture(t, nil)
	def := f.seedWorkflow(t, "wf-1", "tenant-1", []model.Action{{Kind: "email"}})

	assert.False(t, f.engine.RunnersStarted())
	f.engine.Start(context.Background())
	assert.True(t, f.engine.RunnersStarted())

	event := model.MutationEvent{
		TenantID:   "tenant-1",
		TableName:  "orders",
		Operation:  model.OperationUpdate,
		NewRow:     map[string]any{"status": "cancelled"},
		OccurredAt: time.Now().UTC(),
	}
	require.NoError(t, f.bus.Publish(context.Background(), event))

	require.Eventually(t, func() bool {
		execs, err := f.execs.List(context.Background(), "tenant-1", ExecutionFilters{})
		if err != nil || len(execs) != 1 {
			return false
		}
		return execs[0].Status == model.ExecutionStatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	exec := f.onlyExecution(t, "tenant-1")
	assert.Equal(t, def.ID, exec.WorkflowID)
	assert.Equal(t, "cancelled", exec.TriggerData.NewRow["status"])

	// Matching bumped the definition's run stats.
	stored, err := f.defs.Get(context.Background(), "tenant-1", def.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.RunCount)

	f.engine.Stop()
	assert.False(t, f.engine.RunnersStarted())
}
