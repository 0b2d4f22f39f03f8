// Package bus carries mutation events from the host datastore into the
// engine. It replaces in-datastore hooks with an explicit publish call:
// the host invokes Publish after a committed write, and the engine's
// dispatcher consumes from Subscribe.
package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/buttermb/delviery-sub006/internal/observability"
	"github.com/buttermb/delviery-sub006/model"
)

// Bus is a buffered in-process channel of mutation events. Delivery is
// at-least-once from the host's perspective; a full buffer drops the event
// rather than blocking the host's write path.
type Bus struct {
	events  chan model.MutationEvent
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	closed bool
}

// New creates a Bus with the given buffer size.
func New(bufferSize int, logger *zap.Logger, metrics *observability.Metrics) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Bus{
		events:  make(chan model.MutationEvent, bufferSize),
		logger:  logger,
		metrics: metrics,
	}
}

// Publish validates and enqueues a mutation event. Never blocks: if the
// buffer is full the event is dropped with a warning and an INTERNAL_ERROR
// so the host can decide whether to retry.
func (b *Bus) Publish(ctx context.Context, event model.MutationEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return model.NewInternalError()
	}

	select {
	case b.events <- event:
		b.metrics.RecordEventIngested(event.TableName, event.Operation)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		b.metrics.EventsDroppedTotal.Inc()
		b.logger.Warn("event bus buffer full, dropping event",
			zap.String("tenant_id", event.TenantID),
			zap.String("table_name", event.TableName),
			zap.String("operation", event.Operation),
		)
		return model.NewInternalError()
	}
}

// Subscribe returns the event channel. The channel is closed by Close.
func (b *Bus) Subscribe() <-chan model.MutationEvent {
	return b.events
}

// Close stops the bus. Publish calls after Close fail; the subscriber's
// channel is closed once, letting consumers drain and exit.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.events)
}
