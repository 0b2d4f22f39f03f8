// Package trigger matches mutation events against a tenant's active workflow
// definitions.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/buttermb/delviery-sub006/internal/observability"
	"github.com/buttermb/delviery-sub006/internal/registry"
	"github.com/buttermb/delviery-sub006/model"
)

// Matcher evaluates mutation events against active table_event definitions.
type Matcher struct {
	store   registry.DefinitionStore
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewMatcher creates a new Matcher.
func NewMatcher(store registry.DefinitionStore, logger *zap.Logger, metrics *observability.Metrics) *Matcher {
	return &Matcher{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// Match returns the definitions triggered by the event: active table_event
// definitions for the event's (tenant, table) whose operation matches
// exactly or via the wildcard, and whose conditions all hold against the
// event's row. A definition with malformed configuration is skipped with a
// warning; one bad definition never blocks the others. Run statistics are
// bumped best-effort on each match.
func (m *Matcher) Match(ctx context.Context, event model.MutationEvent) ([]model.WorkflowDefinition, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		m.metrics.MatchDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, span := observability.StartSpan(ctx, "trigger.match",
		observability.AttrTenantID.String(event.TenantID),
		observability.AttrTableName.String(event.TableName),
		observability.AttrOperation.String(event.Operation),
	)
	defer span.End()

	defs, err := m.store.ListActiveByTable(ctx, event.TenantID, event.TableName)
	if err != nil {
		return nil, fmt.Errorf("list active definitions: %w", err)
	}

	row := event.Row()
	var matched []model.WorkflowDefinition
	for _, def := range defs {
		if !operationMatches(def.Trigger.Operation, event.Operation) {
			continue
		}

		ok, err := evaluateConditions(def.Conditions, row)
		if err != nil {
			m.metrics.RecordMatchError(event.TableName)
			m.logger.Warn("skipping definition with malformed predicate",
				zap.String("workflow_id", def.ID),
				zap.String("tenant_id", def.TenantID),
				zap.String("table_name", event.TableName),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}

		matched = append(matched, def)
		m.metrics.RecordMatch(event.TableName, event.Operation)

		if err := m.store.IncrementRunStats(ctx, def.ID, time.Now().UTC()); err != nil {
			m.logger.Warn("failed to bump run stats",
				zap.String("workflow_id", def.ID),
				zap.Error(err),
			)
		}
	}

	m.logger.Debug("event matched",
		zap.String("tenant_id", event.TenantID),
		zap.String("table_name", event.TableName),
		zap.String("operation", event.Operation),
		zap.Int("candidates", len(defs)),
		zap.Int("matched", len(matched)),
	)
	return matched, nil
}

// operationMatches reports whether a trigger's configured operation covers
// the event's operation.
func operationMatches(configured, actual string) bool {
	return configured == model.OperationAny || configured == actual
}

// evaluateConditions applies every condition AND-wise against the row.
func evaluateConditions(conditions []model.Condition, row map[string]any) (bool, error) {
	for _, cond := range conditions {
		ok, err := evaluate(cond, row)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// evaluate applies a single condition to the row.
func evaluate(cond model.Condition, row map[string]any) (bool, error) {
	value, found := fieldValue(row, cond.Field)

	switch cond.Operator {
	case model.OperatorIsNull:
		return !found || value == nil, nil

	case model.OperatorEquals:
		return found && looseEqual(value, cond.Value), nil

	case model.OperatorNotEquals:
		return !found || !looseEqual(value, cond.Value), nil

	case model.OperatorGreater, model.OperatorLess:
		if !found {
			return false, nil
		}
		left, lok := toFloat(value)
		right, rok := toFloat(cond.Value)
		if !lok || !rok {
			return false, fmt.Errorf("operator %q requires numeric operands (field %q)", cond.Operator, cond.Field)
		}
		if cond.Operator == model.OperatorGreater {
			return left > right, nil
		}
		return left < right, nil

	case model.OperatorContains:
		if !found {
			return false, nil
		}
		return containsValue(value, cond.Value)

	default:
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}
}

// fieldValue resolves a dotted path into nested row objects.
func fieldValue(row map[string]any, path string) (any, bool) {
	if row == nil {
		return nil, false
	}

	parts := strings.Split(path, ".")
	var current any = row
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares two values, coercing numeric types so that a stored
// int condition value matches a json-decoded float64 row value.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// toFloat coerces the numeric types json decoding and Go literals produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// containsValue handles the contains operator for strings and arrays.
func containsValue(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("contains on a string field requires a string value, got %T", needle)
		}
		return strings.Contains(h, s), nil
	case []any:
		for _, elem := range h {
			if looseEqual(elem, needle) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("contains requires a string or array field, got %T", haystack)
	}
}
