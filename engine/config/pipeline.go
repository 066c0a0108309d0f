// Package config defines pipeline and stage configuration for the document
// processing engine.
//
// Features:
//   - Stage definitions with dependencies, retries, timeouts and resources
//   - Full DAG validation reporting every simple cycle, not just the first
//   - Layered topological ordering for the executor
//   - YAML loading for pipeline definition files
//
// A PipelineConfig must pass Validate before it can drive an execution;
// ExecutionLayers and Dependents are only populated afterwards.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Stage kinds
// ============================================================================

// StageKind classifies what a stage does. The executor treats all kinds
// identically; kinds exist for visualization and tooling.
type StageKind string

const (
	KindProcessor   StageKind = "processor"
	KindValidator   StageKind = "validator"
	KindRouter      StageKind = "router"
	KindAggregator  StageKind = "aggregator"
	KindTransformer StageKind = "transformer"
)

// Valid reports whether k is a known stage kind.
func (k StageKind) Valid() bool {
	switch k {
	case KindProcessor, KindValidator, KindRouter, KindAggregator, KindTransformer:
		return true
	}
	return false
}

// ============================================================================
// Resource requirements
// ============================================================================

// ResourceRequirements declares what a stage needs before it may start.
// Zero values are replaced with defaults during validation.
type ResourceRequirements struct {
	CPUCores    float64 `json:"cpu_cores" yaml:"cpu_cores"`
	MemoryMB    int     `json:"memory_mb" yaml:"memory_mb"`
	GPURequired bool    `json:"gpu_required" yaml:"gpu_required"`
	GPUMemoryMB int     `json:"gpu_memory_mb" yaml:"gpu_memory_mb"`
}

// DefaultResourceRequirements returns the baseline claim for a stage that
// declares nothing.
func DefaultResourceRequirements() ResourceRequirements {
	return ResourceRequirements{
		CPUCores: 1.0,
		MemoryMB: 512,
	}
}

func (r *ResourceRequirements) applyDefaults() {
	if r.CPUCores == 0 {
		r.CPUCores = 1.0
	}
	if r.MemoryMB == 0 {
		r.MemoryMB = 512
	}
}

func (r *ResourceRequirements) validate(stage string, problems *[]string) {
	if r.CPUCores < 0.1 || r.CPUCores > 16 {
		*problems = append(*problems, fmt.Sprintf(
			"stage %q: cpu_cores %.2f outside [0.1, 16]", stage, r.CPUCores))
	}
	if r.MemoryMB < 128 || r.MemoryMB > 65536 {
		*problems = append(*problems, fmt.Sprintf(
			"stage %q: memory_mb %d outside [128, 65536]", stage, r.MemoryMB))
	}
	if r.GPUMemoryMB < 0 {
		*problems = append(*problems, fmt.Sprintf(
			"stage %q: gpu_memory_mb %d is negative", stage, r.GPUMemoryMB))
	}
	if r.GPUMemoryMB > 0 && !r.GPURequired {
		*problems = append(*problems, fmt.Sprintf(
			"stage %q: gpu_memory_mb set without gpu_required", stage))
	}
}

// ============================================================================
// Stage configuration
// ============================================================================

// StageConfig describes one node of the pipeline DAG.
type StageConfig struct {
	Name           string               `json:"name" yaml:"name"`
	Kind           StageKind            `json:"kind" yaml:"kind"`
	Processor      string               `json:"processor" yaml:"processor"`
	DependsOn      []string             `json:"depends_on" yaml:"depends_on"`
	Config         map[string]any       `json:"config" yaml:"config"`
	TimeoutSeconds int                  `json:"timeout_seconds" yaml:"timeout_seconds"`
	Retries        int                  `json:"retries" yaml:"retries"`
	Critical       bool                 `json:"critical" yaml:"critical"`
	Condition      string               `json:"condition" yaml:"condition"`
	Resources      ResourceRequirements `json:"resources" yaml:"resources"`
}

// NewStageConfig creates a stage with engine defaults applied.
func NewStageConfig(name, processor string) *StageConfig {
	return &StageConfig{
		Name:           name,
		Kind:           KindProcessor,
		Processor:      processor,
		Config:         map[string]any{},
		TimeoutSeconds: 300,
		Retries:        0,
		Critical:       true,
		Resources:      DefaultResourceRequirements(),
	}
}

// WithDependsOn sets the stage's upstream dependencies.
func (s *StageConfig) WithDependsOn(deps ...string) *StageConfig {
	s.DependsOn = deps
	return s
}

// WithCondition attaches a skip condition evaluated against run data.
func (s *StageConfig) WithCondition(expr string) *StageConfig {
	s.Condition = expr
	return s
}

// WithCritical marks whether a failure of this stage aborts the pipeline.
func (s *StageConfig) WithCritical(critical bool) *StageConfig {
	s.Critical = critical
	return s
}

func (s *StageConfig) applyDefaults() {
	if s.Kind == "" {
		s.Kind = KindProcessor
	}
	if s.TimeoutSeconds == 0 {
		s.TimeoutSeconds = 300
	}
	if s.Config == nil {
		s.Config = map[string]any{}
	}
	s.Resources.applyDefaults()
}

func (s *StageConfig) validate(problems *[]string) {
	if s.Name == "" {
		*problems = append(*problems, "stage with empty name")
		return
	}
	if s.Processor == "" {
		*problems = append(*problems, fmt.Sprintf("stage %q: processor is required", s.Name))
	}
	if !s.Kind.Valid() {
		*problems = append(*problems, fmt.Sprintf("stage %q: unknown kind %q", s.Name, s.Kind))
	}
	if s.TimeoutSeconds < 1 || s.TimeoutSeconds > 3600 {
		*problems = append(*problems, fmt.Sprintf(
			"stage %q: timeout_seconds %d outside [1, 3600]", s.Name, s.TimeoutSeconds))
	}
	if s.Retries < 0 || s.Retries > 10 {
		*problems = append(*problems, fmt.Sprintf(
			"stage %q: retries %d outside [0, 10]", s.Name, s.Retries))
	}
	s.Resources.validate(s.Name, problems)
}

// ============================================================================
// Pipeline configuration
// ============================================================================

// PipelineConfig is a named DAG of stages plus execution policy.
type PipelineConfig struct {
	Name                   string         `json:"name" yaml:"name"`
	Version                string         `json:"version" yaml:"version"`
	Stages                 []*StageConfig `json:"stages" yaml:"stages"`
	MaxParallelStages      int            `json:"max_parallel_stages" yaml:"max_parallel_stages"`
	CheckpointEnabled      bool           `json:"checkpoint_enabled" yaml:"checkpoint_enabled"`
	CheckpointTTLSeconds   int            `json:"checkpoint_ttl_seconds" yaml:"checkpoint_ttl_seconds"`
	StageTimeoutMultiplier float64        `json:"stage_timeout_multiplier" yaml:"stage_timeout_multiplier"`
	GlobalTimeoutSeconds   int            `json:"global_timeout_seconds" yaml:"global_timeout_seconds"`

	// Derived during Validate.
	layers     [][]string
	dependents map[string][]string
	byName     map[string]*StageConfig
	validated  bool
}

// NewPipelineConfig creates a pipeline with engine defaults and no stages.
func NewPipelineConfig(name string) *PipelineConfig {
	return &PipelineConfig{
		Name:                   name,
		Version:                "1.0.0",
		MaxParallelStages:      4,
		CheckpointEnabled:      true,
		CheckpointTTLSeconds:   3600,
		StageTimeoutMultiplier: 1.0,
	}
}

// AddStage appends a stage. Validation is deferred to Validate so partial
// construction is allowed.
func (p *PipelineConfig) AddStage(stage *StageConfig) *PipelineConfig {
	p.Stages = append(p.Stages, stage)
	p.validated = false
	return p
}

// ValidationError aggregates every problem found in a pipeline definition.
type ValidationError struct {
	Pipeline string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline %q invalid: %s", e.Pipeline, strings.Join(e.Problems, "; "))
}

// Validate checks the full definition and reports every problem at once:
// field ranges, duplicate or unknown stage references, and every simple
// cycle in the dependency graph. On success the execution layers and the
// dependents index become available.
func (p *PipelineConfig) Validate() error {
	problems := []string{}

	if p.Name == "" {
		problems = append(problems, "pipeline name is required")
	}
	if len(p.Stages) == 0 {
		problems = append(problems, "pipeline has no stages")
	}
	if p.MaxParallelStages == 0 {
		p.MaxParallelStages = 4
	}
	if p.MaxParallelStages < 1 || p.MaxParallelStages > 20 {
		problems = append(problems, fmt.Sprintf(
			"max_parallel_stages %d outside [1, 20]", p.MaxParallelStages))
	}
	if p.StageTimeoutMultiplier == 0 {
		p.StageTimeoutMultiplier = 1.0
	}
	if p.StageTimeoutMultiplier < 0 {
		problems = append(problems, fmt.Sprintf(
			"stage_timeout_multiplier %.2f is negative", p.StageTimeoutMultiplier))
	}
	if p.CheckpointTTLSeconds < 0 {
		problems = append(problems, fmt.Sprintf(
			"checkpoint_ttl_seconds %d is negative", p.CheckpointTTLSeconds))
	}
	if p.GlobalTimeoutSeconds < 0 {
		problems = append(problems, fmt.Sprintf(
			"global_timeout_seconds %d is negative", p.GlobalTimeoutSeconds))
	}

	// Per-stage validation and name index.
	p.byName = make(map[string]*StageConfig, len(p.Stages))
	for _, stage := range p.Stages {
		stage.applyDefaults()
		stage.validate(&problems)
		if stage.Name == "" {
			continue
		}
		if _, dup := p.byName[stage.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate stage name %q", stage.Name))
			continue
		}
		p.byName[stage.Name] = stage
	}

	// Dependency references.
	for _, stage := range p.Stages {
		for _, dep := range stage.DependsOn {
			if dep == stage.Name {
				problems = append(problems, fmt.Sprintf("stage %q depends on itself", stage.Name))
				continue
			}
			if _, ok := p.byName[dep]; !ok {
				problems = append(problems, fmt.Sprintf(
					"stage %q depends on unknown stage %q", stage.Name, dep))
			}
		}
	}

	// Cycle detection only makes sense over a structurally sound graph.
	if len(problems) == 0 {
		for _, cycle := range p.findCycles() {
			problems = append(problems, fmt.Sprintf(
				"dependency cycle: %s", strings.Join(cycle, " -> ")))
		}
	}

	if len(problems) > 0 {
		p.validated = false
		return &ValidationError{Pipeline: p.Name, Problems: problems}
	}

	p.buildLayers()
	p.buildDependents()
	p.validated = true
	return nil
}

// findCycles enumerates every simple cycle in the dependency graph via DFS
// with a path stack. Cycles are canonicalized (rotated so the smallest name
// leads) and deduplicated so each is reported exactly once.
func (p *PipelineConfig) findCycles() [][]string {
	var cycles [][]string
	seen := map[string]bool{}

	names := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		names = append(names, s.Name)
	}
	sort.Strings(names)

	var path []string
	onPath := map[string]int{}

	var dfs func(node string)
	dfs = func(node string) {
		if idx, ok := onPath[node]; ok {
			cycle := canonicalCycle(path[idx:])
			key := strings.Join(cycle, "\x00")
			if !seen[key] {
				seen[key] = true
				cycles = append(cycles, cycle)
			}
			return
		}
		onPath[node] = len(path)
		path = append(path, node)
		stage := p.byName[node]
		deps := append([]string{}, stage.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			dfs(dep)
		}
		path = path[:len(path)-1]
		delete(onPath, node)
	}

	for _, name := range names {
		dfs(name)
	}
	return cycles
}

// canonicalCycle rotates a cycle so the lexicographically smallest node
// comes first, and closes it by repeating that node at the end.
func canonicalCycle(cycle []string) []string {
	min := 0
	for i, n := range cycle {
		if n < cycle[min] {
			min = i
		}
	}
	out := make([]string, 0, len(cycle)+1)
	out = append(out, cycle[min:]...)
	out = append(out, cycle[:min]...)
	out = append(out, cycle[min])
	return out
}

// buildLayers computes the layered topological order with Kahn's algorithm.
// Each layer holds stages whose dependencies are all in earlier layers;
// stages within a layer are sorted by name for deterministic execution.
func (p *PipelineConfig) buildLayers() {
	indegree := make(map[string]int, len(p.Stages))
	for _, s := range p.Stages {
		indegree[s.Name] = len(s.DependsOn)
	}

	forward := make(map[string][]string, len(p.Stages))
	for _, s := range p.Stages {
		for _, dep := range s.DependsOn {
			forward[dep] = append(forward[dep], s.Name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	p.layers = nil
	for len(ready) > 0 {
		sort.Strings(ready)
		layer := ready
		p.layers = append(p.layers, layer)
		ready = nil
		for _, name := range layer {
			for _, next := range forward[name] {
				indegree[next]--
				if indegree[next] == 0 {
					ready = append(ready, next)
				}
			}
		}
	}
}

func (p *PipelineConfig) buildDependents() {
	p.dependents = make(map[string][]string, len(p.Stages))
	for _, s := range p.Stages {
		for _, dep := range s.DependsOn {
			p.dependents[dep] = append(p.dependents[dep], s.Name)
		}
	}
	for _, list := range p.dependents {
		sort.Strings(list)
	}
}

// ExecutionLayers returns the layered topological order. Empty until
// Validate succeeds.
func (p *PipelineConfig) ExecutionLayers() [][]string {
	out := make([][]string, len(p.layers))
	for i, layer := range p.layers {
		out[i] = append([]string{}, layer...)
	}
	return out
}

// Stage returns the stage by name, or nil.
func (p *PipelineConfig) Stage(name string) *StageConfig {
	if p.byName == nil {
		return nil
	}
	return p.byName[name]
}

// StageNames returns all stage names sorted.
func (p *PipelineConfig) StageNames() []string {
	names := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// Dependents returns the stages that depend directly on name.
func (p *PipelineConfig) Dependents(name string) []string {
	if p.dependents == nil {
		return nil
	}
	return append([]string{}, p.dependents[name]...)
}

// Validated reports whether the last Validate call succeeded.
func (p *PipelineConfig) Validated() bool { return p.validated }

// StageTimeout returns the effective timeout for a stage, with the
// pipeline-level multiplier applied.
func (p *PipelineConfig) StageTimeout(stage *StageConfig) time.Duration {
	mult := p.StageTimeoutMultiplier
	if mult <= 0 {
		mult = 1.0
	}
	return time.Duration(float64(stage.TimeoutSeconds)*mult) * time.Second
}

// CheckpointTTL returns the checkpoint lifetime, or 0 when checkpoints do
// not expire.
func (p *PipelineConfig) CheckpointTTL() time.Duration {
	return time.Duration(p.CheckpointTTLSeconds) * time.Second
}

// GlobalTimeout returns the whole-run deadline, or 0 when unbounded.
func (p *PipelineConfig) GlobalTimeout() time.Duration {
	return time.Duration(p.GlobalTimeoutSeconds) * time.Second
}
