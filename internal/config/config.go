package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen   string   `yaml:"listen"`
	DataDir  string   `yaml:"data_dir"`
	Store    Store    `yaml:"store"`
	Agents   Agents   `yaml:"agents"`
	Sandbox  Sandbox  `yaml:"sandbox"`
	Sessions Sessions `yaml:"sessions"`
	Publish  Publish  `yaml:"publish"`
	Secrets  Secrets  `yaml:"secrets"`
}

type Store struct {
	Path string `yaml:"path"`
}

type Agents struct {
	Workers           int      `yaml:"workers"`
	Parallel          int      `yaml:"parallel"`
	PlannerModel      string   `yaml:"planner_model"`
	WorkerModel       string   `yaml:"worker_model"`
	EvaluatorModel    string   `yaml:"evaluator_model"`
	MaxTurns          int      `yaml:"max_turns"`
	ToolAllowlist     []string `yaml:"tool_allowlist"`
	BudgetPerTrialUSD float64  `yaml:"budget_per_trial_usd"`
	PricingFile       string   `yaml:"pricing_file"`
	IdleTimeoutMin    int      `yaml:"idle_timeout_minutes"`
}

type Sandbox struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
}

type Sessions struct {
	IdleTimeoutMin   int `yaml:"idle_timeout_minutes"`
	SweepIntervalMin int `yaml:"sweep_interval_minutes"`
}

type Publish struct {
	Remote string `yaml:"remote"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Listen == "" {
		cfg.Listen = "localhost:8640"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = ".crucible"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "crucible.db")
	}
	if cfg.Agents.Workers < 1 {
		cfg.Agents.Workers = 3
	}
	if cfg.Agents.Parallel < 1 {
		cfg.Agents.Parallel = cfg.Agents.Workers
	}
	if cfg.Agents.PlannerModel == "" {
		return fmt.Errorf("agents.planner_model is required")
	}
	if cfg.Agents.WorkerModel == "" {
		return fmt.Errorf("agents.worker_model is required")
	}
	if cfg.Agents.EvaluatorModel == "" {
		cfg.Agents.EvaluatorModel = cfg.Agents.PlannerModel
	}
	if cfg.Agents.MaxTurns < 1 {
		cfg.Agents.MaxTurns = 50
	}
	if cfg.Agents.IdleTimeoutMin < 1 {
		cfg.Agents.IdleTimeoutMin = 10
	}
	if cfg.Sandbox.Enabled && cfg.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image is required when sandbox is enabled")
	}
	if cfg.Sessions.IdleTimeoutMin < 1 {
		cfg.Sessions.IdleTimeoutMin = 30
	}
	if cfg.Sessions.SweepIntervalMin < 1 {
		cfg.Sessions.SweepIntervalMin = 5
	}
	if cfg.Publish.Remote == "" {
		cfg.Publish.Remote = "origin"
	}
	return nil
}

// SessionIdleTimeout returns the session idle timeout as a duration.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.Sessions.IdleTimeoutMin) * time.Minute
}

// SessionSweepInterval returns the idle-sweep interval as a duration.
func (c *Config) SessionSweepInterval() time.Duration {
	return time.Duration(c.Sessions.SweepIntervalMin) * time.Minute
}

// AgentIdleTimeout returns how long a single agent call may stay silent
// before it is treated as stuck.
func (c *Config) AgentIdleTimeout() time.Duration {
	return time.Duration(c.Agents.IdleTimeoutMin) * time.Minute
}
