// Package config handles reading and writing .trivium/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/berth-dev/trivium/internal/cq"
)

// Config is the top-level structure for .trivium/config.yaml.
type Config struct {
	Version     int               `yaml:"version" validate:"eq=1"`
	Workspace   string            `yaml:"workspace" validate:"required"`
	StorePath   string            `yaml:"store_path" validate:"required"`
	CatalogPath string            `yaml:"catalog_path,omitempty"`
	Questioning QuestioningConfig `yaml:"questioning"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Logging     LoggingConfig     `yaml:"logging"`
	Cleanup     CleanupConfig     `yaml:"cleanup"`
}

// QuestioningConfig holds session thresholds and retention limits.
type QuestioningConfig struct {
	QuestionCap       int             `yaml:"question_cap" validate:"min=1"`
	ResumeBudget      int             `yaml:"resume_budget" validate:"min=1"`
	RetryEscalation   int             `yaml:"retry_escalation" validate:"min=1"`
	HistoryLimit      int             `yaml:"history_limit" validate:"min=1"`
	ArchiveLimit      int             `yaml:"archive_limit" validate:"min=1"`
	IndexHistoryLimit int             `yaml:"index_history_limit" validate:"min=1"`
	PendingTermsCap   int             `yaml:"pending_terms_cap" validate:"min=0"`
	RecentHistory     int             `yaml:"recent_history" validate:"min=0"`
	Requirements      cq.Requirements `yaml:"requirements"`
	Weights           cq.Weights      `yaml:"weights"`
}

// ScheduleConfig controls the daily brief job written on onboarding completion.
type ScheduleConfig struct {
	JobsPath    string `yaml:"jobs_path" validate:"required"`
	DefaultTime string `yaml:"default_time" validate:"required"` // HH:MM
	Timezone    string `yaml:"timezone" validate:"required"`
}

// LoggingConfig controls diagnostic and event logging.
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	EventsPath string `yaml:"events_path" validate:"required"`
	// MetricsPath receives a Prometheus textfile snapshot after each command.
	// Empty disables the flush.
	MetricsPath string `yaml:"metrics_path"`
}

// CleanupConfig controls archive pruning.
type CleanupConfig struct {
	MaxAgeDays int `yaml:"max_age_days" validate:"min=1"`
}

const configDir = ".trivium"
const configFile = "config.yaml"

var validate = validator.New()

// ReadConfig reads .trivium/config.yaml from the given directory.
// dir is the workspace root (not .trivium/ itself).
// Fields missing from the file keep their defaults.
// Returns an error if the file is not found or YAML is malformed.
func ReadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, configDir, configFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// WriteConfig writes cfg to .trivium/config.yaml in the given directory.
// Creates the .trivium/ directory if it does not exist.
func WriteConfig(dir string, cfg *Config) error {
	dirPath := filepath.Join(dir, configDir)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	path := filepath.Join(dirPath, configFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	q := c.Questioning
	if q.Requirements.TotalMin < q.Requirements.GrammarMin+q.Requirements.LogicMin {
		return fmt.Errorf("invalid config: total_min %d below grammar_min+logic_min", q.Requirements.TotalMin)
	}
	return nil
}

// Resolve returns path made absolute against dir.
func Resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Policy converts the questioning section into engine thresholds.
func (c *Config) Policy() cq.Policy {
	q := c.Questioning
	return cq.Policy{
		QuestionCap:     q.QuestionCap,
		ResumeBudget:    q.ResumeBudget,
		RetryEscalation: q.RetryEscalation,
		HistoryLimit:    q.HistoryLimit,
		PendingTermsCap: q.PendingTermsCap,
		Requirements:    q.Requirements,
		Weights:         q.Weights,
	}
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	policy := cq.DefaultPolicy()
	return &Config{
		Version:   1,
		Workspace: "workspace",
		StorePath: filepath.Join(configDir, "sessions.db"),
		Questioning: QuestioningConfig{
			QuestionCap:       policy.QuestionCap,
			ResumeBudget:      policy.ResumeBudget,
			RetryEscalation:   policy.RetryEscalation,
			HistoryLimit:      policy.HistoryLimit,
			ArchiveLimit:      50,
			IndexHistoryLimit: 200,
			PendingTermsCap:   policy.PendingTermsCap,
			RecentHistory:     5,
			Requirements:      policy.Requirements,
			Weights:           policy.Weights,
		},
		Schedule: ScheduleConfig{
			JobsPath:    filepath.Join(configDir, "jobs.json"),
			DefaultTime: "04:30",
			Timezone:    "UTC",
		},
		Logging: LoggingConfig{
			Level:       "info",
			EventsPath:  filepath.Join(configDir, "log.jsonl"),
			MetricsPath: filepath.Join(configDir, "metrics.prom"),
		},
		Cleanup: CleanupConfig{
			MaxAgeDays: 90,
		},
	}
}
