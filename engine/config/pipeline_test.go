package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearConfig() *PipelineConfig {
	cfg := NewPipelineConfig("linear")
	cfg.AddStage(NewStageConfig("extract", "passthrough"))
	cfg.AddStage(NewStageConfig("transform", "passthrough").WithDependsOn("extract"))
	cfg.AddStage(NewStageConfig("load", "passthrough").WithDependsOn("transform"))
	return cfg
}

func TestValidateLinear(t *testing.T) {
	cfg := linearConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Validated())

	layers := cfg.ExecutionLayers()
	require.Len(t, layers, 3)
	assert.Equal(t, []string{"extract"}, layers[0])
	assert.Equal(t, []string{"transform"}, layers[1])
	assert.Equal(t, []string{"load"}, layers[2])
}

func TestValidateDiamondLayers(t *testing.T) {
	cfg := NewPipelineConfig("diamond")
	cfg.AddStage(NewStageConfig("a", "p"))
	cfg.AddStage(NewStageConfig("b", "p").WithDependsOn("a"))
	cfg.AddStage(NewStageConfig("c", "p").WithDependsOn("a"))
	cfg.AddStage(NewStageConfig("d", "p").WithDependsOn("b", "c"))
	require.NoError(t, cfg.Validate())

	layers := cfg.ExecutionLayers()
	require.Len(t, layers, 3)
	assert.Equal(t, []string{"a"}, layers[0])
	assert.Equal(t, []string{"b", "c"}, layers[1])
	assert.Equal(t, []string{"d"}, layers[2])

	assert.Equal(t, []string{"b", "c"}, cfg.Dependents("a"))
	assert.Equal(t, []string{"d"}, cfg.Dependents("b"))
}

func TestValidateDuplicateStage(t *testing.T) {
	cfg := NewPipelineConfig("dup")
	cfg.AddStage(NewStageConfig("extract", "p"))
	cfg.AddStage(NewStageConfig("extract", "p"))

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate stage name")
}

func TestValidateUnknownDependency(t *testing.T) {
	cfg := NewPipelineConfig("unknown")
	cfg.AddStage(NewStageConfig("a", "p").WithDependsOn("ghost"))

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `depends on unknown stage "ghost"`)
}

func TestValidateSelfDependency(t *testing.T) {
	cfg := NewPipelineConfig("self")
	cfg.AddStage(NewStageConfig("a", "p").WithDependsOn("a"))

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on itself")
}

func TestValidateReportsAllCycles(t *testing.T) {
	cfg := NewPipelineConfig("cycles")
	// Two independent cycles: a<->b and c->d->e->c.
	cfg.AddStage(NewStageConfig("a", "p").WithDependsOn("b"))
	cfg.AddStage(NewStageConfig("b", "p").WithDependsOn("a"))
	cfg.AddStage(NewStageConfig("c", "p").WithDependsOn("e"))
	cfg.AddStage(NewStageConfig("d", "p").WithDependsOn("c"))
	cfg.AddStage(NewStageConfig("e", "p").WithDependsOn("d"))

	err := cfg.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	cycleProblems := 0
	for _, p := range verr.Problems {
		if strings.HasPrefix(p, "dependency cycle") {
			cycleProblems++
		}
	}
	assert.Equal(t, 2, cycleProblems, "both cycles should be reported: %v", verr.Problems)
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PipelineConfig)
		message string
	}{
		{
			name:    "timeout too large",
			mutate:  func(c *PipelineConfig) { c.Stages[0].TimeoutSeconds = 4000 },
			message: "timeout_seconds",
		},
		{
			name:    "retries negative",
			mutate:  func(c *PipelineConfig) { c.Stages[0].Retries = -1 },
			message: "retries",
		},
		{
			name:    "cpu cores out of range",
			mutate:  func(c *PipelineConfig) { c.Stages[0].Resources.CPUCores = 32 },
			message: "cpu_cores",
		},
		{
			name:    "memory out of range",
			mutate:  func(c *PipelineConfig) { c.Stages[0].Resources.MemoryMB = 64 },
			message: "memory_mb",
		},
		{
			name:    "max parallel out of range",
			mutate:  func(c *PipelineConfig) { c.MaxParallelStages = 50 },
			message: "max_parallel_stages",
		},
		{
			name:    "gpu memory without gpu",
			mutate:  func(c *PipelineConfig) { c.Stages[0].Resources.GPUMemoryMB = 1024 },
			message: "gpu_memory_mb set without gpu_required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := linearConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestStageDefaults(t *testing.T) {
	cfg := NewPipelineConfig("defaults")
	cfg.AddStage(&StageConfig{Name: "bare", Processor: "p"})
	require.NoError(t, cfg.Validate())

	stage := cfg.Stage("bare")
	assert.Equal(t, KindProcessor, stage.Kind)
	assert.Equal(t, 300, stage.TimeoutSeconds)
	assert.Equal(t, 1.0, stage.Resources.CPUCores)
	assert.Equal(t, 512, stage.Resources.MemoryMB)
}

func TestStageTimeoutMultiplier(t *testing.T) {
	cfg := linearConfig()
	cfg.StageTimeoutMultiplier = 2.0
	require.NoError(t, cfg.Validate())

	stage := cfg.Stage("extract")
	assert.Equal(t, 600.0, cfg.StageTimeout(stage).Seconds())
}

func TestParsePipelineYAML(t *testing.T) {
	data := []byte(`
name: ingest
version: 2.1.0
max_parallel_stages: 3
checkpoint_enabled: true
checkpoint_ttl_seconds: 600
stages:
  - name: extract
    processor: pdf_extract
    timeout_seconds: 120
    critical: true
    resources:
      cpu_cores: 2
      memory_mb: 2048
  - name: ocr
    processor: ocr
    depends_on: [extract]
    condition: "extract.needs_ocr == true"
    critical: false
  - name: index
    processor: indexer
    depends_on: [extract, ocr]
`)
	cfg, err := ParsePipeline(data)
	require.NoError(t, err)
	assert.Equal(t, "ingest", cfg.Name)
	assert.Equal(t, "2.1.0", cfg.Version)
	assert.Equal(t, 3, cfg.MaxParallelStages)

	ocr := cfg.Stage("ocr")
	require.NotNil(t, ocr)
	assert.False(t, ocr.Critical)
	assert.Equal(t, []string{"extract"}, ocr.DependsOn)
	assert.Equal(t, "extract.needs_ocr == true", ocr.Condition)

	extract := cfg.Stage("extract")
	assert.Equal(t, 2.0, extract.Resources.CPUCores)
	assert.Equal(t, 2048, extract.Resources.MemoryMB)
}

func TestParsePipelineYAMLInvalid(t *testing.T) {
	_, err := ParsePipeline([]byte("name: [broken"))
	require.Error(t, err)

	_, err = ParsePipeline([]byte("name: empty\nstages: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stages")
}
