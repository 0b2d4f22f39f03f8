package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/buttermb/delviery-sub006/model"
)

// ExecutorFunc adapts a function to a single action kind's executor.
type ExecutorFunc func(ctx context.Context, params map[string]any, trigger model.TriggerData) (bool, error)

// ExecutorMux routes each action kind to its registered executor. Kinds
// without a handler fail the action, which feeds the normal retry path.
type ExecutorMux struct {
	mu       sync.RWMutex
	handlers map[string]ExecutorFunc
}

// NewExecutorMux creates an empty executor mux.
func NewExecutorMux() *ExecutorMux {
	return &ExecutorMux{handlers: make(map[string]ExecutorFunc)}
}

// Register binds an action kind to an executor. Later registrations replace
// earlier ones.
func (m *ExecutorMux) Register(kind string, fn ExecutorFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = fn
}

// Execute dispatches to the registered executor for kind.
func (m *ExecutorMux) Execute(ctx context.Context, kind string, params map[string]any, trigger model.TriggerData) (bool, error) {
	m.mu.RLock()
	fn, ok := m.handlers[kind]
	m.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("no executor registered for action kind %q", kind)
	}
	return fn(ctx, params, trigger)
}

// NewWebhookExecutor returns an executor that POSTs the trigger payload as
// JSON to the action's configured url parameter. Any 2xx response counts as
// success; everything else is a failure the retry handler will see.
func NewWebhookExecutor(client *http.Client) ExecutorFunc {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(ctx context.Context, params map[string]any, trigger model.TriggerData) (bool, error) {
		url, _ := params["url"].(string)
		if url == "" {
			return false, fmt.Errorf("webhook action is missing url parameter")
		}

		body, err := json.Marshal(map[string]any{
			"table_name":  trigger.TableName,
			"operation":   trigger.Operation,
			"old_row":     trigger.OldRow,
			"new_row":     trigger.NewRow,
			"occurred_at": trigger.OccurredAt,
		})
		if err != nil {
			return false, fmt.Errorf("marshal webhook payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return false, fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return false, fmt.Errorf("webhook delivery: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return false, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return true, nil
	}
}

// NewLogExecutor returns an executor that records the action and succeeds.
// Useful for the log action kind and as a stand-in while real integrations
// are developed out-of-process.
func NewLogExecutor(logger *zap.Logger) ExecutorFunc {
	return func(_ context.Context, params map[string]any, trigger model.TriggerData) (bool, error) {
		logger.Info("log action executed",
			zap.String("table", trigger.TableName),
			zap.String("operation", trigger.Operation),
			zap.Any("parameters", params),
		)
		return true, nil
	}
}
