// Package testutil provides shared test utilities and mocks for the engine.
//
// All mocks in this package are designed for testing engine components in
// isolation without requiring external dependencies.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/docforge-labs/docengine/engine/config"
	"github.com/docforge-labs/docengine/engine/processor"
	"github.com/docforge-labs/docengine/eventbus"
)

// =============================================================================
// MOCK PROCESSOR
// =============================================================================

// MockProcessor implements processor.Processor for testing. Configure the
// outcome with the With* builders; every call is recorded for assertion.
type MockProcessor struct {
	// Name reported in metadata.
	Name string

	// Delay simulates processing latency.
	Delay time.Duration

	// Error causes Process to return this error.
	Error error

	// FailFirst makes the first N Process calls fail before succeeding.
	FailFirst int

	// Data is merged into every successful result's extracted data.
	Data map[string]any

	// ValidationErrors are returned from Validate.
	ValidationErrors []error

	// ProcessFunc overrides the default behavior entirely.
	ProcessFunc func(ctx context.Context, pctx *processor.Context) (*processor.Result, error)

	mu           sync.Mutex
	processCalls int
	initCalls    int
	cleanupCalls int
	contexts     []*processor.Context
}

// NewMockProcessor creates a mock with sensible defaults.
func NewMockProcessor(name string) *MockProcessor {
	return &MockProcessor{
		Name: name,
		Data: map[string]any{"processed_by": name},
	}
}

// WithDelay adds latency simulation.
func (m *MockProcessor) WithDelay(d time.Duration) *MockProcessor {
	m.Delay = d
	return m
}

// WithError configures the mock to always fail.
func (m *MockProcessor) WithError(err error) *MockProcessor {
	m.Error = err
	return m
}

// WithFailFirst makes the first n calls fail, then succeed.
func (m *MockProcessor) WithFailFirst(n int, err error) *MockProcessor {
	m.FailFirst = n
	m.Error = err
	return m
}

// WithData sets the extracted data of successful results.
func (m *MockProcessor) WithData(data map[string]any) *MockProcessor {
	m.Data = data
	return m
}

// Metadata implements processor.Processor.
func (m *MockProcessor) Metadata() processor.Metadata {
	return processor.Metadata{Name: m.Name, Version: "test"}
}

// Initialize implements processor.Processor.
func (m *MockProcessor) Initialize(context.Context) error {
	m.mu.Lock()
	m.initCalls++
	m.mu.Unlock()
	return nil
}

// Validate implements processor.Processor.
func (m *MockProcessor) Validate(context.Context, *processor.Context) []error {
	return m.ValidationErrors
}

// Process implements processor.Processor.
func (m *MockProcessor) Process(ctx context.Context, pctx *processor.Context) (*processor.Result, error) {
	m.mu.Lock()
	m.processCalls++
	call := m.processCalls
	m.contexts = append(m.contexts, pctx)
	custom := m.ProcessFunc
	m.mu.Unlock()

	if custom != nil {
		return custom(ctx, pctx)
	}

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.Error != nil && (m.FailFirst == 0 || call <= m.FailFirst) {
		return nil, m.Error
	}

	res := processor.NewResult(processor.StatusCompleted)
	for k, v := range m.Data {
		res.ExtractedData[k] = v
	}
	res.ExtractedData["stage"] = pctx.StageName
	res.EndTime = time.Now().UTC()
	return res, nil
}

// Cleanup implements processor.Processor.
func (m *MockProcessor) Cleanup(context.Context) error {
	m.mu.Lock()
	m.cleanupCalls++
	m.mu.Unlock()
	return nil
}

// HealthCheck implements processor.Processor.
func (m *MockProcessor) HealthCheck(context.Context) processor.Health {
	return processor.Health{Healthy: true}
}

// ProcessCalls returns the number of Process calls (thread-safe).
func (m *MockProcessor) ProcessCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processCalls
}

// InitCalls returns the number of Initialize calls.
func (m *MockProcessor) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// CleanupCalls returns the number of Cleanup calls.
func (m *MockProcessor) CleanupCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupCalls
}

// Contexts returns the processor contexts seen so far.
func (m *MockProcessor) Contexts() []*processor.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*processor.Context{}, m.contexts...)
}

// Factory returns a registry factory producing this same mock for every
// config, so call counts aggregate across stages.
func (m *MockProcessor) Factory() processor.Factory {
	return func(map[string]any) (processor.Processor, error) {
		return m, nil
	}
}

// =============================================================================
// EVENT RECORDER
// =============================================================================

// EventRecorder subscribes to event types and records what it sees.
type EventRecorder struct {
	mu     sync.Mutex
	events []*eventbus.Event
}

// NewEventRecorder creates an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// SubscribeAll subscribes the recorder to every given type.
func (r *EventRecorder) SubscribeAll(bus *eventbus.Bus, types ...string) {
	for _, t := range types {
		bus.Subscribe(t, r.Handle)
	}
}

// Handle is an eventbus.Handler that records the event.
func (r *EventRecorder) Handle(_ context.Context, event *eventbus.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

// Events returns everything recorded so far.
func (r *EventRecorder) Events() []*eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*eventbus.Event{}, r.events...)
}

// Types returns the recorded event types in order.
func (r *EventRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// CountOf returns how many events of a type were recorded.
func (r *EventRecorder) CountOf(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// WaitFor blocks until at least n events of a type arrive or the timeout
// elapses. Returns whether the count was reached.
func (r *EventRecorder) WaitFor(eventType string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.CountOf(eventType) >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return r.CountOf(eventType) >= n
}

// =============================================================================
// PIPELINE BUILDERS
// =============================================================================

// NewLinearPipeline builds extract -> transform -> load style chains: each
// stage depends on the previous one and uses processorName.
func NewLinearPipeline(name, processorName string, stages ...string) *config.PipelineConfig {
	cfg := config.NewPipelineConfig(name)
	prev := ""
	for _, stageName := range stages {
		stage := config.NewStageConfig(stageName, processorName)
		if prev != "" {
			stage.WithDependsOn(prev)
		}
		cfg.AddStage(stage)
		prev = stageName
	}
	return cfg
}

// NewDiamondPipeline builds a diamond: a fans out to b and c, d joins them.
func NewDiamondPipeline(name, processorName string) *config.PipelineConfig {
	cfg := config.NewPipelineConfig(name)
	cfg.AddStage(config.NewStageConfig("a", processorName))
	cfg.AddStage(config.NewStageConfig("b", processorName).WithDependsOn("a"))
	cfg.AddStage(config.NewStageConfig("c", processorName).WithDependsOn("a"))
	cfg.AddStage(config.NewStageConfig("d", processorName).WithDependsOn("b", "c"))
	return cfg
}
