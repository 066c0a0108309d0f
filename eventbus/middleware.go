package eventbus

import (
	"context"
	"sync"

	"github.com/docforge-labs/docengine/engine/logging"
)

// ============================================================================
// Middleware protocol
// ============================================================================

// Middleware intercepts events between Publish and the queue. Returning a
// nil event drops it silently; returning an error rejects the publish.
type Middleware interface {
	Process(ctx context.Context, event *Event) (*Event, error)
}

// MiddlewareFunc adapts a function to the Middleware interface.
type MiddlewareFunc func(ctx context.Context, event *Event) (*Event, error)

// Process implements Middleware.
func (f MiddlewareFunc) Process(ctx context.Context, event *Event) (*Event, error) {
	return f(ctx, event)
}

// ============================================================================
// Validation middleware
// ============================================================================

// ValidationMiddleware rejects malformed events before they reach the queue.
type ValidationMiddleware struct{}

// NewValidationMiddleware creates a validation middleware.
func NewValidationMiddleware() *ValidationMiddleware {
	return &ValidationMiddleware{}
}

// Process implements Middleware.
func (m *ValidationMiddleware) Process(_ context.Context, event *Event) (*Event, error) {
	if event.Type == "" {
		return nil, &ValidationError{Field: "type", Reason: "is empty"}
	}
	if event.Payload == nil {
		return nil, &ValidationError{Field: "payload", Reason: "is nil"}
	}
	if event.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "is empty"}
	}
	return event, nil
}

// ============================================================================
// Logging middleware
// ============================================================================

// LoggingMiddleware logs every event passing through the bus.
type LoggingMiddleware struct {
	logger logging.Logger
}

// NewLoggingMiddleware creates a logging middleware.
func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Process implements Middleware.
func (m *LoggingMiddleware) Process(_ context.Context, event *Event) (*Event, error) {
	m.logger.Debug("event_published",
		"event_id", event.ID,
		"event_type", event.Type,
		"priority", string(event.Priority),
		"source", event.Source,
	)
	return event, nil
}

// ============================================================================
// Metrics middleware
// ============================================================================

// MetricsMiddleware counts events per type as they pass through the chain.
type MetricsMiddleware struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMetricsMiddleware creates a counting middleware.
func NewMetricsMiddleware() *MetricsMiddleware {
	return &MetricsMiddleware{counts: map[string]int64{}}
}

// Process implements Middleware.
func (m *MetricsMiddleware) Process(_ context.Context, event *Event) (*Event, error) {
	m.mu.Lock()
	m.counts[event.Type]++
	m.mu.Unlock()
	return event, nil
}

// Counts returns a copy of the per-type publish counts.
func (m *MetricsMiddleware) Counts() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// ============================================================================
// Filter middleware
// ============================================================================

// FilterMiddleware drops events whose type is not in the allow set. An
// empty set allows everything.
type FilterMiddleware struct {
	mu      sync.RWMutex
	allowed map[string]bool
}

// NewFilterMiddleware creates a filter allowing only the given types.
func NewFilterMiddleware(types ...string) *FilterMiddleware {
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return &FilterMiddleware{allowed: allowed}
}

// Allow adds a type to the allow set.
func (m *FilterMiddleware) Allow(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowed[eventType] = true
}

// Disallow removes a type from the allow set.
func (m *FilterMiddleware) Disallow(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.allowed, eventType)
}

// Process implements Middleware. A dropped event returns (nil, nil).
func (m *FilterMiddleware) Process(_ context.Context, event *Event) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.allowed) == 0 || m.allowed[event.Type] {
		return event, nil
	}
	return nil, nil
}
