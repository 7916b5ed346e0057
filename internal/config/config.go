// Package config handles loading and managing application configuration
package config

import (
	"github.com/cascadehq/auditengine/internal/logutil"
)

// Configuration constants
const (
	// App name used for XDG paths
	AppName = "auditengine"

	// Default values
	DefaultOutputDir     = "audit-output"
	DefaultModel         = "gemini-2.5-pro-exp-03-25"
	DefaultEmbeddingModel = "text-embedding-3-small"
	APIKeyEnvVar         = "GEMINI_API_KEY"

	// Default scan-mode and scheduling knobs (spec.md section 6)
	DefaultEmbeddingDimension  = 1536
	DefaultContextTokenBudget = 24000
	DefaultMaxConfirmationRounds = 3
	DefaultClusteringRounds     = 2
	DefaultMaxGroupSize         = 8
	DefaultMaxWorkers           = 4
)

// ScanSwitches controls which granularities of the codebase the planner
// enumerates tasks over. Any subset may be enabled; none enabled means no
// tasks are generated.
type ScanSwitches struct {
	BusinessCode bool `mapstructure:"business_code" toml:"business_code"`
	FileCode     bool `mapstructure:"file_code" toml:"file_code"`
	FunctionCode bool `mapstructure:"function_code" toml:"function_code"`
}

// EmbeddingConfig configures the embedding provider and vector-index shape.
type EmbeddingConfig struct {
	Model     string `mapstructure:"model" toml:"model"`
	Dimension int    `mapstructure:"dimension" toml:"dimension"`
}

// PipelineConfig configures the round/worker/budget limits that bound the
// context factory, validator, and result processor.
type PipelineConfig struct {
	ContextTokenBudget   int `mapstructure:"context_token_budget" toml:"context_token_budget"`
	MaxConfirmationRounds int `mapstructure:"max_confirmation_rounds" toml:"max_confirmation_rounds"`
	ClusteringRounds      int `mapstructure:"clustering_rounds" toml:"clustering_rounds"`
	MaxGroupSize          int `mapstructure:"max_group_size" toml:"max_group_size"`
	MaxWorkers            int `mapstructure:"max_workers" toml:"max_workers"`
}

// PathsConfig locates the external artifacts the engine reads and writes,
// per spec.md section 6's external-interfaces layout.
type PathsConfig struct {
	ProjectID  string `mapstructure:"project_id" toml:"-"`
	JSONRoot   string `mapstructure:"json_root" toml:"json_root"`
	MermaidRoot string `mapstructure:"mermaid_root" toml:"mermaid_root"`
	DBPath     string `mapstructure:"db_path" toml:"db_path"`
}

// EngineConfig holds configuration settings loaded from config files, env
// vars, and flags for a single audit run.
type EngineConfig struct {
	// Model selection
	ModelName string `mapstructure:"model" toml:"model"`

	// Scan-mode switches (spec.md section 6)
	Switches ScanSwitches `mapstructure:"switches" toml:"switches"`

	// Embedding provider and vector-index settings
	Embedding EmbeddingConfig `mapstructure:"embedding" toml:"embedding"`

	// Round/worker/budget limits
	Pipeline PipelineConfig `mapstructure:"pipeline" toml:"pipeline"`

	// External artifact locations
	Paths PathsConfig `mapstructure:"paths" toml:"paths"`

	// Logging and display settings
	Verbose   bool             `mapstructure:"verbose" toml:"verbose"`
	LogLevel  logutil.LogLevel `mapstructure:"log_level" toml:"log_level"`
	UseColors bool             `mapstructure:"use_colors" toml:"use_colors"`
	DryRun    bool             `mapstructure:"dry_run" toml:"-"` // Not saved to config

	// API key (not saved to config file for security)
	APIKey string `mapstructure:"api_key" toml:"-"`

	// Audit trail settings
	AuditLogEnabled bool   `mapstructure:"audit_log_enabled" toml:"audit_log_enabled"`
	AuditLogFile    string `mapstructure:"audit_log_file" toml:"audit_log_file"`
}

// DefaultConfig returns a new EngineConfig instance with default values.
func DefaultConfig() *EngineConfig {
	return &EngineConfig{
		ModelName: DefaultModel,
		Switches: ScanSwitches{
			BusinessCode: true,
			FileCode:     true,
			FunctionCode: true,
		},
		Embedding: EmbeddingConfig{
			Model:     DefaultEmbeddingModel,
			Dimension: DefaultEmbeddingDimension,
		},
		Pipeline: PipelineConfig{
			ContextTokenBudget:    DefaultContextTokenBudget,
			MaxConfirmationRounds: DefaultMaxConfirmationRounds,
			ClusteringRounds:      DefaultClusteringRounds,
			MaxGroupSize:          DefaultMaxGroupSize,
			MaxWorkers:            DefaultMaxWorkers,
		},
		Paths: PathsConfig{
			DBPath: "audit.db",
		},
		UseColors: true,
		LogLevel:  logutil.InfoLevel,
	}
}
