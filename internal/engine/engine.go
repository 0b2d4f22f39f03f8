// Package engine turns matched triggers into queued executions and runs them
// through a pool of runners with retry and dead-letter handling. Executions
// carry a self-contained trigger_data snapshot; the stored actions are read
// from the live definition at run time.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/buttermb/delviery-sub006/internal/bus"
	"github.com/buttermb/delviery-sub006/internal/config"
	"github.com/buttermb/delviery-sub006/internal/observability"
	"github.com/buttermb/delviery-sub006/internal/registry"
	"github.com/buttermb/delviery-sub006/internal/trigger"
	"github.com/buttermb/delviery-sub006/model"
)

// Error type labels recorded on failed executions and dead-letter entries.
const (
	errTypeActionFailed       = "action_failed"
	errTypeClaimExpired       = "claim_expired"
	errTypeDefinitionNotFound = "definition_not_found"
)

// Engine owns the execution queue, the dispatcher consuming the event bus,
// and the runner pool.
type Engine struct {
	cfg      config.EngineConfig
	defs     registry.DefinitionStore
	execs    ExecutionStore
	dlq      DeadLetterStore
	matcher  *trigger.Matcher
	bus      *bus.Bus
	executor ActionExecutor
	logger   *zap.Logger
	metrics  *observability.Metrics

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started atomic.Bool
}

// New creates an engine. Start must be called before events flow.
func New(
	cfg config.EngineConfig,
	defs registry.DefinitionStore,
	execs ExecutionStore,
	dlq DeadLetterStore,
	matcher *trigger.Matcher,
	eventBus *bus.Bus,
	executor ActionExecutor,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Engine {
	if cfg.Runners <= 0 {
		cfg.Runners = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = time.Second
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = 5 * time.Minute
	}
	return &Engine{
		cfg:      cfg,
		defs:     defs,
		execs:    execs,
		dlq:      dlq,
		matcher:  matcher,
		bus:      eventBus,
		executor: executor,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start launches the dispatcher and the runner pool. It returns immediately;
// Stop drains everything.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.dispatch(ctx)

	for i := 0; i < e.cfg.Runners; i++ {
		runnerID := fmt.Sprintf("runner-%d-%s", i, uuid.NewString()[:8])
		e.wg.Add(1)
		go e.run(ctx, runnerID)
	}

	e.started.Store(true)
	e.logger.Info("engine started",
		zap.Int("runners", e.cfg.Runners),
		zap.Duration("poll_interval", e.cfg.PollInterval),
		zap.Int("max_retries", e.cfg.MaxRetries),
	)
}

// Stop cancels the dispatcher and runners and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.started.Store(false)
	e.logger.Info("engine stopped")
}

// RunnersStarted reports whether the runner pool is live. Used by the
// readiness endpoint.
func (e *Engine) RunnersStarted() bool {
	return e.started.Load()
}

// dispatch consumes the event bus, matches each event against active
// definitions, and enqueues one execution per match. Matching never blocks
// on execution.
func (e *Engine) dispatch(ctx context.Context) {
	defer e.wg.Done()
	events := e.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			e.handleEvent(ctx, event)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, event model.MutationEvent) {
	matched, err := e.matcher.Match(ctx, event)
	if err != nil {
		e.logger.Error("event matching failed",
			zap.String("tenant_id", event.TenantID),
			zap.String("table", event.TableName),
			zap.Error(err),
		)
		return
	}

	for _, def := range matched {
		if err := e.enqueue(ctx, def, event.Snapshot()); err != nil {
			e.logger.Error("failed to enqueue execution",
				zap.String("workflow_id", def.ID),
				zap.String("tenant_id", def.TenantID),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) enqueue(ctx context.Context, def model.WorkflowDefinition, data model.TriggerData) error {
	now := time.Now().UTC()
	exec := model.WorkflowExecution{
		ID:          uuid.NewString(),
		WorkflowID:  def.ID,
		TenantID:    def.TenantID,
		Status:      model.ExecutionStatusQueued,
		TriggerData: data,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.execs.Enqueue(ctx, exec); err != nil {
		return err
	}

	e.metrics.RecordExecutionEnqueued(def.ID)
	e.logger.Info("execution enqueued",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", def.ID),
		zap.String("tenant_id", def.TenantID),
		zap.String("table", data.TableName),
		zap.String("operation", data.Operation),
	)
	return nil
}

// run is one runner goroutine. It polls for claimable executions and
// processes them until the context is cancelled.
func (e *Engine) run(ctx context.Context, runnerID string) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drain(ctx, runnerID)
		}
	}
}

// drain claims and processes executions until the queue is empty or the
// context is cancelled.
func (e *Engine) drain(ctx context.Context, runnerID string) {
	for ctx.Err() == nil {
		exec, ok, reclaimed, err := e.execs.Claim(ctx, runnerID, e.cfg.VisibilityTimeout)
		if err != nil {
			e.logger.Error("claim failed", zap.String("runner_id", runnerID), zap.Error(err))
			return
		}
		if !ok {
			return
		}
		if reclaimed {
			e.reclaim(ctx, exec, runnerID)
			continue
		}
		e.process(ctx, exec, runnerID)
	}
}

// reclaim handles an execution whose previous claim expired. The prior
// runner may have died mid-run, so the takeover is treated as a transient
// failure and routed through the retry path rather than re-run directly.
func (e *Engine) reclaim(ctx context.Context, exec model.WorkflowExecution, runnerID string) {
	e.metrics.ClaimsReclaimedTotal.Inc()
	e.logger.Warn("reclaimed execution with expired claim",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", exec.WorkflowID),
		zap.String("runner_id", runnerID),
	)

	details := &model.ErrorDetails{
		Type:    errTypeClaimExpired,
		Message: "claim expired before the previous runner finished",
	}
	e.fail(ctx, exec, "claim expired before completion", details, exec.ExecutionLog)
}

// process runs a claimed execution's actions strictly in declared order.
// The first failure stops the list.
func (e *Engine) process(ctx context.Context, exec model.WorkflowExecution, runnerID string) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "engine.execute",
		observability.AttrExecutionID.String(exec.ID),
		observability.AttrWorkflowID.String(exec.WorkflowID),
		observability.AttrTenantID.String(exec.TenantID),
		observability.AttrRetryCount.Int(exec.RetryCount),
	)
	defer span.End()

	def, err := e.defs.Get(ctx, exec.TenantID, exec.WorkflowID)
	if err != nil {
		details := &model.ErrorDetails{
			Type:    errTypeDefinitionNotFound,
			Message: err.Error(),
			Context: map[string]any{"workflow_id": exec.WorkflowID},
		}
		e.fail(ctx, exec, "workflow definition not found", details, nil)
		e.metrics.RecordExecutionCompleted(exec.WorkflowID, model.ExecutionStatusFailed, time.Since(start))
		return
	}

	log := make([]model.ExecutionLogEntry, 0, len(def.Actions))
	for i, action := range def.Actions {
		actionStart := time.Now()
		ok, execErr := e.executor.Execute(ctx, action.Kind, action.Parameters, exec.TriggerData)
		e.metrics.RecordActionDuration(action.Kind, time.Since(actionStart))

		if execErr != nil || !ok {
			msg := "action reported failure"
			if execErr != nil {
				msg = execErr.Error()
			}
			log = append(log, model.ExecutionLogEntry{
				ActionIndex: i,
				ActionKind:  action.Kind,
				Status:      "failed",
				Message:     msg,
				At:          time.Now().UTC(),
			})

			details := &model.ErrorDetails{
				Type:    errTypeActionFailed,
				Message: msg,
				Context: map[string]any{
					"action_index": i,
					"action_kind":  action.Kind,
				},
			}
			lastError := fmt.Sprintf("action %d (%s) failed: %s", i, action.Kind, msg)
			e.fail(ctx, exec, lastError, details, log)
			e.metrics.RecordExecutionCompleted(exec.WorkflowID, model.ExecutionStatusFailed, time.Since(start))
			observability.EndSpanWithError(span, fmt.Errorf("%s", lastError))
			return
		}

		log = append(log, model.ExecutionLogEntry{
			ActionIndex: i,
			ActionKind:  action.Kind,
			Status:      "succeeded",
			At:          time.Now().UTC(),
		})
	}

	if err := e.execs.MarkSucceeded(ctx, exec.ID, log); err != nil {
		e.logger.Error("failed to mark execution succeeded",
			zap.String("execution_id", exec.ID),
			zap.Error(err),
		)
		return
	}

	e.metrics.RecordExecutionCompleted(exec.WorkflowID, model.ExecutionStatusSucceeded, time.Since(start))
	e.logger.Info("execution succeeded",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", exec.WorkflowID),
		zap.String("runner_id", runnerID),
		zap.Int("actions", len(log)),
	)
}

// fail records a failed attempt and hands the execution to the retry
// handler.
func (e *Engine) fail(ctx context.Context, exec model.WorkflowExecution, lastError string, details *model.ErrorDetails, log []model.ExecutionLogEntry) {
	if err := e.execs.MarkFailed(ctx, exec.ID, lastError, details, log); err != nil {
		e.logger.Error("failed to mark execution failed",
			zap.String("execution_id", exec.ID),
			zap.Error(err),
		)
		return
	}
	exec.LastError = lastError
	exec.ErrorDetails = details
	exec.ExecutionLog = log
	e.handleRetry(ctx, exec)
}

// handleRetry re-queues a failed execution with exponential backoff or, once
// retries are exhausted, moves it to the dead-letter queue. RetryCount on
// the passed execution is the value before this failure's requeue.
func (e *Engine) handleRetry(ctx context.Context, exec model.WorkflowExecution) {
	if exec.RetryCount < e.cfg.MaxRetries {
		delay := e.backoff(exec.RetryCount)
		notBefore := time.Now().UTC().Add(delay)
		if err := e.execs.Requeue(ctx, exec.ID, notBefore); err != nil {
			e.logger.Error("failed to requeue execution",
				zap.String("execution_id", exec.ID),
				zap.Error(err),
			)
			return
		}
		e.metrics.RecordRetry(exec.WorkflowID)
		e.logger.Info("execution requeued for retry",
			zap.String("execution_id", exec.ID),
			zap.String("workflow_id", exec.WorkflowID),
			zap.Int("retry_count", exec.RetryCount+1),
			zap.Duration("backoff", delay),
		)
		return
	}

	e.deadLetter(ctx, exec)
}

// backoff computes base * 2^n capped at the configured maximum.
func (e *Engine) backoff(retryCount int) time.Duration {
	delay := e.cfg.RetryBackoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= e.cfg.RetryBackoffMax {
			return e.cfg.RetryBackoffMax
		}
	}
	if delay > e.cfg.RetryBackoffMax {
		return e.cfg.RetryBackoffMax
	}
	return delay
}

// deadLetter moves an exhausted execution to the dead-letter queue with its
// full diagnostic context. TotalAttempts counts retries only.
func (e *Engine) deadLetter(ctx context.Context, exec model.WorkflowExecution) {
	now := time.Now().UTC()
	errorType := ""
	errorMessage := exec.LastError
	if exec.ErrorDetails != nil {
		errorType = exec.ErrorDetails.Type
	}

	entry := model.DeadLetterEntry{
		ID:                  uuid.NewString(),
		WorkflowExecutionID: exec.ID,
		WorkflowID:          exec.WorkflowID,
		TenantID:            exec.TenantID,
		TriggerData:         exec.TriggerData,
		ExecutionLog:        exec.ExecutionLog,
		ErrorType:           errorType,
		ErrorMessage:        errorMessage,
		ErrorDetails:        exec.ErrorDetails,
		TotalAttempts:       exec.RetryCount,
		FirstFailedAt:       exec.CreatedAt,
		LastAttemptAt:       now,
		Status:              model.DeadLetterStatusFailed,
		CreatedAt:           now,
	}

	moved, err := e.execs.MoveToDeadLetter(ctx, exec.ID, entry)
	if err != nil {
		e.logger.Error("failed to dead-letter execution",
			zap.String("execution_id", exec.ID),
			zap.Error(err),
		)
		return
	}
	if !moved {
		return
	}

	e.metrics.RecordDeadLettered(exec.WorkflowID, errorType)
	e.logger.Warn("execution dead-lettered",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", exec.WorkflowID),
		zap.String("dead_letter_id", entry.ID),
		zap.Int("total_attempts", entry.TotalAttempts),
		zap.String("error_type", errorType),
	)
}

// GetExecution retrieves one execution in the caller's tenant.
func (e *Engine) GetExecution(ctx context.Context, rctx *model.RequestContext, execID string) (model.WorkflowExecution, error) {
	return e.execs.Get(ctx, rctx.TenantID, execID)
}

// ListExecutions returns the caller's tenant executions, newest first.
func (e *Engine) ListExecutions(ctx context.Context, rctx *model.RequestContext, filters ExecutionFilters) ([]model.WorkflowExecution, error) {
	return e.execs.List(ctx, rctx.TenantID, filters)
}

// GetDeadLetter retrieves one dead-letter entry in the caller's tenant.
func (e *Engine) GetDeadLetter(ctx context.Context, rctx *model.RequestContext, entryID string) (model.DeadLetterEntry, error) {
	return e.dlq.Get(ctx, rctx.TenantID, entryID)
}

// ListDeadLetters returns the caller's tenant dead-letter entries, newest
// first.
func (e *Engine) ListDeadLetters(ctx context.Context, rctx *model.RequestContext, filters DeadLetterFilters) ([]model.DeadLetterEntry, error) {
	return e.dlq.List(ctx, rctx.TenantID, filters)
}

// RetryFromDeadLetter queues a fresh execution from a dead-letter entry's
// stored trigger_data and audit-stamps the entry. The entry's trigger_data
// and error_details are never mutated; the new execution starts with
// retry_count zero.
func (e *Engine) RetryFromDeadLetter(ctx context.Context, rctx *model.RequestContext, entryID string) (string, error) {
	entry, err := e.dlq.Get(ctx, rctx.TenantID, entryID)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if err := e.dlq.MarkRetrying(ctx, rctx.TenantID, entryID, rctx.SubjectID, now); err != nil {
		return "", err
	}

	exec := model.WorkflowExecution{
		ID:          uuid.NewString(),
		WorkflowID:  entry.WorkflowID,
		TenantID:    entry.TenantID,
		Status:      model.ExecutionStatusQueued,
		TriggerData: entry.TriggerData,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.execs.Enqueue(ctx, exec); err != nil {
		return "", err
	}

	e.metrics.DeadLetterManualRetries.Inc()
	e.metrics.RecordExecutionEnqueued(entry.WorkflowID)
	e.logger.Info("dead-letter entry manually retried",
		zap.String("dead_letter_id", entryID),
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", entry.WorkflowID),
		zap.String("actor", rctx.SubjectID),
	)
	return exec.ID, nil
}

// ResolveDeadLetter closes a dead-letter entry with operator notes.
func (e *Engine) ResolveDeadLetter(ctx context.Context, rctx *model.RequestContext, entryID, notes string) error {
	if err := e.dlq.MarkResolved(ctx, rctx.TenantID, entryID, rctx.SubjectID, time.Now().UTC(), notes); err != nil {
		return err
	}

	e.metrics.DeadLetterResolved.Inc()
	e.logger.Info("dead-letter entry resolved",
		zap.String("dead_letter_id", entryID),
		zap.String("actor", rctx.SubjectID),
	)
	return nil
}
