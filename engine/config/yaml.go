package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParsePipeline decodes a YAML pipeline definition and validates it.
func ParsePipeline(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse pipeline yaml: %w", err)
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadPipelineFile reads and validates a pipeline definition from disk.
func LoadPipelineFile(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file %s: %w", path, err)
	}
	return ParsePipeline(data)
}
