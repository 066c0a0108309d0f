package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docforge-labs/docengine/engine/logging"
	"github.com/docforge-labs/docengine/engine/observability"
)

// Handler consumes one event. Errors are recorded and logged but never
// propagate to other subscribers or to the publisher.
type Handler func(ctx context.Context, event *Event) error

// SubscriptionID identifies one subscription for Unsubscribe.
type SubscriptionID string

// stopSentinel terminates the drain loop. Everything queued before it is
// delivered first.
var stopSentinel = &Event{}

const (
	busStateIdle = iota
	busStateRunning
	busStateStopped
)

// Bus is the in-process event bus. One goroutine drains the queue, so
// handlers for a given bus observe events in publish order.
type Bus struct {
	logger     logging.Logger
	queue      chan *Event
	metrics    *busMetrics
	mu         sync.RWMutex
	handlers   map[string]map[SubscriptionID]Handler
	middleware []Middleware
	state      int
	done       chan struct{}
}

// NewBus creates a bus with the given queue capacity. The bus does not
// deliver until Start is called.
func NewBus(logger logging.Logger, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Bus{
		logger:   logger,
		queue:    make(chan *Event, queueSize),
		metrics:  newBusMetrics(),
		handlers: map[string]map[SubscriptionID]Handler{},
		done:     make(chan struct{}),
	}
}

// Use appends middleware to the chain. Middleware runs in registration
// order on the publisher's goroutine, before the event is queued.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// Subscribe registers a handler for an event type and returns the ID used
// to unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) SubscriptionID {
	id := SubscriptionID(uuid.New().String())
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = map[SubscriptionID]Handler{}
	}
	b.handlers[eventType][id] = handler
	b.logger.Debug("bus_subscribed", "event_type", eventType, "subscription_id", string(id))
	return id
}

// Unsubscribe removes a subscription. Returns false when the ID is unknown.
func (b *Bus) Unsubscribe(eventType string, id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.handlers[eventType]
	if !ok {
		return false
	}
	if _, ok := subs[id]; !ok {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.handlers, eventType)
	}
	return true
}

// Start launches the drain goroutine. Safe to call once.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.state != busStateIdle {
		b.mu.Unlock()
		return
	}
	b.state = busStateRunning
	b.mu.Unlock()

	b.logger.Info("bus_started", "queue_capacity", cap(b.queue))
	go b.drain()
}

// Stop stops accepting publishes, delivers everything already queued, then
// shuts the drain goroutine down.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if b.state != busStateRunning {
		b.mu.Unlock()
		return ErrBusStopped
	}
	b.state = busStateStopped
	b.mu.Unlock()

	b.queue <- stopSentinel
	<-b.done
	b.logger.Info("bus_stopped")
	return nil
}

// Publish runs the event through the middleware chain and enqueues it.
// Blocks when the queue is full until there is room or ctx expires.
// Publishing on a stopped bus logs an error and returns ErrBusStopped.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	return b.publish(ctx, event, true)
}

// TryPublish is Publish without blocking: a full queue returns ErrQueueFull.
func (b *Bus) TryPublish(ctx context.Context, event *Event) error {
	return b.publish(ctx, event, false)
}

func (b *Bus) publish(ctx context.Context, event *Event, block bool) error {
	b.mu.RLock()
	state := b.state
	chain := b.middleware
	b.mu.RUnlock()

	if state != busStateRunning {
		b.logger.Error("bus_publish_rejected", "event_type", event.Type, "reason", "bus not running")
		return ErrBusStopped
	}

	for _, mw := range chain {
		next, err := mw.Process(ctx, event)
		if err != nil {
			b.metrics.recordDropped(event.Type)
			return err
		}
		if next == nil {
			b.metrics.recordDropped(event.Type)
			return nil
		}
		event = next
	}

	b.metrics.recordPublished(event.Type)
	observability.RecordBusEvent(event.Type)

	if block {
		select {
		case b.queue <- event:
			return nil
		case <-ctx.Done():
			b.metrics.recordDropped(event.Type)
			return ctx.Err()
		}
	}
	select {
	case b.queue <- event:
		return nil
	default:
		b.metrics.recordDropped(event.Type)
		return ErrQueueFull
	}
}

// drain is the single delivery goroutine.
func (b *Bus) drain() {
	defer close(b.done)
	ctx := context.Background()
	for event := range b.queue {
		if event == stopSentinel {
			return
		}
		b.dispatch(ctx, event)
	}
}

func (b *Bus) dispatch(ctx context.Context, event *Event) {
	b.mu.RLock()
	subs := make(map[SubscriptionID]Handler, len(b.handlers[event.Type]))
	for id, h := range b.handlers[event.Type] {
		subs[id] = h
	}
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.metrics.recordUnhandled()
		b.logger.Warn("bus_event_unhandled", "event_type", event.Type, "event_id", event.ID)
		return
	}

	for id, handler := range subs {
		start := time.Now()
		err := b.invoke(ctx, handler, event)
		b.metrics.recordDelivery(id, event.Type, time.Since(start), err)
		if err != nil {
			b.logger.Error("bus_handler_failed",
				"event_type", event.Type,
				"event_id", event.ID,
				"subscription_id", string(id),
				"error", err.Error(),
			)
		}
	}
}

// invoke runs one handler, converting panics into errors so a bad
// subscriber cannot take down the drain goroutine.
func (b *Bus) invoke(ctx context.Context, handler Handler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() MetricsSnapshot {
	return b.metrics.snapshot(len(b.queue))
}

// Running reports whether the bus is accepting publishes.
func (b *Bus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == busStateRunning
}

// SubscriberCount returns the number of handlers for an event type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
