package eventbus

import (
	"sync"
	"time"
)

// TypeStats aggregates delivery outcomes for one event type.
type TypeStats struct {
	Published     int64         `json:"published"`
	Delivered     int64         `json:"delivered"`
	HandlerErrors int64         `json:"handler_errors"`
	Dropped       int64         `json:"dropped"`
	TotalTime     time.Duration `json:"total_time"`
	MaxTime       time.Duration `json:"max_time"`
	LastSeen      time.Time     `json:"last_seen"`
}

// HandlerStats aggregates invocation outcomes for one subscription.
type HandlerStats struct {
	EventType string        `json:"event_type"`
	Success   int64         `json:"success"`
	Errors    int64         `json:"errors"`
	TotalTime time.Duration `json:"total_time"`
	MaxTime   time.Duration `json:"max_time"`
}

// MetricsSnapshot is a point-in-time copy of the bus counters.
type MetricsSnapshot struct {
	Published     int64                            `json:"published"`
	Delivered     int64                            `json:"delivered"`
	HandlerErrors int64                            `json:"handler_errors"`
	Dropped       int64                            `json:"dropped"`
	Unhandled     int64                            `json:"unhandled"`
	QueueDepth    int                              `json:"queue_depth"`
	PerType       map[string]*TypeStats            `json:"per_type"`
	PerHandler    map[SubscriptionID]*HandlerStats `json:"per_handler"`
	EventsPerSec  float64                          `json:"events_per_sec"`
	ErrorRate     float64                          `json:"error_rate"`
	StartedAt     time.Time                        `json:"started_at"`
}

// busMetrics tracks delivery counters under one mutex. Hot enough paths run
// through it that callers hold it briefly and never while invoking handlers.
type busMetrics struct {
	mu            sync.Mutex
	published     int64
	delivered     int64
	handlerErrors int64
	dropped       int64
	unhandled     int64
	perType       map[string]*TypeStats
	perHandler    map[SubscriptionID]*HandlerStats
	startedAt     time.Time
}

func newBusMetrics() *busMetrics {
	return &busMetrics{
		perType:    map[string]*TypeStats{},
		perHandler: map[SubscriptionID]*HandlerStats{},
		startedAt:  time.Now().UTC(),
	}
}

func (m *busMetrics) forType(eventType string) *TypeStats {
	ts, ok := m.perType[eventType]
	if !ok {
		ts = &TypeStats{}
		m.perType[eventType] = ts
	}
	return ts
}

func (m *busMetrics) recordPublished(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published++
	ts := m.forType(eventType)
	ts.Published++
	ts.LastSeen = time.Now().UTC()
}

func (m *busMetrics) recordDelivery(id SubscriptionID, eventType string, elapsed time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.forType(eventType)
	ts.TotalTime += elapsed
	if elapsed > ts.MaxTime {
		ts.MaxTime = elapsed
	}

	hs, ok := m.perHandler[id]
	if !ok {
		hs = &HandlerStats{EventType: eventType}
		m.perHandler[id] = hs
	}
	hs.TotalTime += elapsed
	if elapsed > hs.MaxTime {
		hs.MaxTime = elapsed
	}

	if err != nil {
		m.handlerErrors++
		ts.HandlerErrors++
		hs.Errors++
		return
	}
	m.delivered++
	ts.Delivered++
	hs.Success++
}

func (m *busMetrics) recordDropped(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
	m.forType(eventType).Dropped++
}

func (m *busMetrics) recordUnhandled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unhandled++
}

func (m *busMetrics) snapshot(queueDepth int) MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	perType := make(map[string]*TypeStats, len(m.perType))
	for k, v := range m.perType {
		copied := *v
		perType[k] = &copied
	}
	perHandler := make(map[SubscriptionID]*HandlerStats, len(m.perHandler))
	for k, v := range m.perHandler {
		copied := *v
		perHandler[k] = &copied
	}

	var eventsPerSec, errorRate float64
	if elapsed := time.Since(m.startedAt).Seconds(); elapsed > 0 {
		eventsPerSec = float64(m.published) / elapsed
	}
	if attempts := m.delivered + m.handlerErrors; attempts > 0 {
		errorRate = float64(m.handlerErrors) / float64(attempts)
	}

	return MetricsSnapshot{
		Published:     m.published,
		Delivered:     m.delivered,
		HandlerErrors: m.handlerErrors,
		Dropped:       m.dropped,
		Unhandled:     m.unhandled,
		QueueDepth:    queueDepth,
		PerType:       perType,
		PerHandler:    perHandler,
		EventsPerSec:  eventsPerSec,
		ErrorRate:     errorRate,
		StartedAt:     m.startedAt,
	}
}
