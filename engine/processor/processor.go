// Package processor defines the contract document processors implement,
// a registry that caches configured instances, and a resilience wrapper
// adding retries, circuit breaking and fallback.
//
// A processor is the unit of work a pipeline stage executes. Implementations
// must be safe for concurrent Process calls up to their declared
// concurrency limit.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Result status
// ============================================================================

// Status is the outcome of one Process call.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// ============================================================================
// Metadata, context, result
// ============================================================================

// Metadata describes a processor's identity and operational envelope.
type Metadata struct {
	Name                  string   `json:"name"`
	Version               string   `json:"version"`
	Capabilities          []string `json:"capabilities,omitempty"`
	SupportedFormats      []string `json:"supported_formats,omitempty"`
	MaxFileSizeBytes      int64    `json:"max_file_size_bytes,omitempty"`
	DefaultTimeoutSeconds int      `json:"default_timeout_seconds,omitempty"`
	ConcurrencyLimit      int      `json:"concurrency_limit,omitempty"`
	CPUIntensive          bool     `json:"cpu_intensive,omitempty"`
	MemoryIntensive       bool     `json:"memory_intensive,omitempty"`
	RequiresGPU           bool     `json:"requires_gpu,omitempty"`
}

// Context carries everything a processor needs for one invocation.
type Context struct {
	DocumentID   string         `json:"document_id"`
	RunID        string         `json:"run_id"`
	PipelineName string         `json:"pipeline_name"`
	StageName    string         `json:"stage_name"`
	Config       map[string]any `json:"config"`
	Metadata     map[string]any `json:"metadata"`
	UserData     map[string]any `json:"user_data"`
	DryRun       bool           `json:"dry_run"`
}

// Result is what a Process call produced.
type Result struct {
	Status        Status             `json:"status"`
	StartTime     time.Time          `json:"start_time"`
	EndTime       time.Time          `json:"end_time"`
	ExtractedData map[string]any     `json:"extracted_data,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
	Errors        []string           `json:"errors,omitempty"`
	Warnings      []string           `json:"warnings,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
}

// NewResult creates a result stamped with the current time.
func NewResult(status Status) *Result {
	now := time.Now().UTC()
	return &Result{
		Status:        status,
		StartTime:     now,
		EndTime:       now,
		ExtractedData: map[string]any{},
		Metrics:       map[string]float64{},
	}
}

// Duration returns the wall time of the call.
func (r *Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Succeeded reports whether the call completed.
func (r *Result) Succeeded() bool { return r.Status == StatusCompleted }

// Health is a processor's self-reported condition.
type Health struct {
	Healthy bool           `json:"healthy"`
	Detail  string         `json:"detail,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// ============================================================================
// Processor protocol
// ============================================================================

// Processor is the contract a document processor implements.
//
// Lifecycle: Initialize once before first use, Process any number of times,
// Cleanup once when the registry evicts or shuts down. Validate and
// HealthCheck may be called at any point after Initialize.
type Processor interface {
	Metadata() Metadata
	Initialize(ctx context.Context) error
	Validate(ctx context.Context, pctx *Context) []error
	Process(ctx context.Context, pctx *Context) (*Result, error)
	Cleanup(ctx context.Context) error
	HealthCheck(ctx context.Context) Health
}

// InitError reports a processor that failed Initialize.
type InitError struct {
	Name  string
	Cause error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("processor %s failed to initialize: %v", e.Name, e.Cause)
}

func (e *InitError) Unwrap() error { return e.Cause }

// ProcessError reports a failed Process call with the stage it ran under.
type ProcessError struct {
	Name  string
	Stage string
	Cause error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("processor %s in stage %s: %v", e.Name, e.Stage, e.Cause)
}

func (e *ProcessError) Unwrap() error { return e.Cause }

// ============================================================================
// Func processor
// ============================================================================

// ProcessFn is the work function a Func processor runs.
type ProcessFn func(ctx context.Context, pctx *Context) (*Result, error)

// ValidateFn checks an invocation before Process.
type ValidateFn func(ctx context.Context, pctx *Context) []error

// Func adapts plain functions to the Processor interface. Initialize and
// Cleanup are tracked so double lifecycle calls are harmless.
type Func struct {
	Meta       Metadata
	OnProcess  ProcessFn
	OnValidate ValidateFn
	OnInit     func(ctx context.Context) error
	OnCleanup  func(ctx context.Context) error

	mu          sync.Mutex
	initialized bool
}

// NewFunc creates a function-backed processor.
func NewFunc(meta Metadata, fn ProcessFn) *Func {
	return &Func{Meta: meta, OnProcess: fn}
}

// Metadata implements Processor.
func (f *Func) Metadata() Metadata { return f.Meta }

// Initialize implements Processor. Idempotent.
func (f *Func) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initialized {
		return nil
	}
	if f.OnInit != nil {
		if err := f.OnInit(ctx); err != nil {
			return err
		}
	}
	f.initialized = true
	return nil
}

// Validate implements Processor.
func (f *Func) Validate(ctx context.Context, pctx *Context) []error {
	if f.OnValidate != nil {
		return f.OnValidate(ctx, pctx)
	}
	return nil
}

// Process implements Processor.
func (f *Func) Process(ctx context.Context, pctx *Context) (*Result, error) {
	return f.OnProcess(ctx, pctx)
}

// Cleanup implements Processor. Idempotent.
func (f *Func) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.initialized {
		return nil
	}
	f.initialized = false
	if f.OnCleanup != nil {
		return f.OnCleanup(ctx)
	}
	return nil
}

// HealthCheck implements Processor.
func (f *Func) HealthCheck(context.Context) Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Health{Healthy: f.initialized, Metrics: map[string]any{"initialized": f.initialized}}
}

// NewPassthrough returns a processor that copies its stage config into the
// extracted data unchanged. Useful for wiring tests and as a stage stub.
func NewPassthrough() *Func {
	return NewFunc(
		Metadata{Name: "passthrough", Version: "1.0.0"},
		func(_ context.Context, pctx *Context) (*Result, error) {
			res := NewResult(StatusCompleted)
			for k, v := range pctx.Config {
				res.ExtractedData[k] = v
			}
			res.EndTime = time.Now().UTC()
			return res, nil
		},
	)
}
