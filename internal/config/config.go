package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Qingzheng-Wang/starship-audio/internal/task"
)

// Config defines configuration for a starship run.
type Config struct {
	Project           string        `yaml:"project"`
	Bucket            string        `yaml:"bucket"`
	Folder            string        `yaml:"folder"`
	Input             string        `yaml:"input"`
	InputFormat       string        `yaml:"input_format"`
	Workers           int           `yaml:"workers"`
	Zones             []string      `yaml:"zones"`
	MaxWorkersPerZone int           `yaml:"max_workers_per_zone"`
	MinWorkers        int           `yaml:"min_workers"`
	Image             string        `yaml:"image"`
	MachineType       string        `yaml:"machine_type"`
	WorkerMachineType string        `yaml:"worker_machine_type"`
	MaxAttempts       int           `yaml:"max_attempts"`
	LivenessTimeout   time.Duration `yaml:"liveness_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RunBudget         time.Duration `yaml:"run_budget"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	KeepOriginal      bool          `yaml:"keep_original"`
	Retry             RetryConfig   `yaml:"retry"`
}

// RetryConfig defines retry behavior for the run protocol client.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Folder:            "audio",
		InputFormat:       task.FormatURLs,
		Workers:           1,
		Zones:             []string{"us-central1-a"},
		MaxWorkersPerZone: 72,
		MachineType:       "n1-standard-1",
		WorkerMachineType: "e2-small",
		MaxAttempts:       3,
		LivenessTimeout:   60 * time.Second,
		SweepInterval:     5 * time.Second,
		PollInterval:      5 * time.Second,
		FetchTimeout:      15 * time.Minute,
		Retry: RetryConfig{
			Attempts:   5,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	Project           string          `yaml:"project"`
	Bucket            string          `yaml:"bucket"`
	Folder            string          `yaml:"folder"`
	Input             string          `yaml:"input"`
	InputFormat       string          `yaml:"input_format"`
	Workers           int             `yaml:"workers"`
	Zones             []string        `yaml:"zones"`
	MaxWorkersPerZone int             `yaml:"max_workers_per_zone"`
	MinWorkers        int             `yaml:"min_workers"`
	Image             string          `yaml:"image"`
	MachineType       string          `yaml:"machine_type"`
	WorkerMachineType string          `yaml:"worker_machine_type"`
	MaxAttempts       int             `yaml:"max_attempts"`
	LivenessTimeout   string          `yaml:"liveness_timeout"`
	SweepInterval     string          `yaml:"sweep_interval"`
	PollInterval      string          `yaml:"poll_interval"`
	RunBudget         string          `yaml:"run_budget"`
	FetchTimeout      string          `yaml:"fetch_timeout"`
	KeepOriginal      bool            `yaml:"keep_original"`
	Retry             yamlRetryConfig `yaml:"retry"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.Project != "" {
		cfg.Project = yc.Project
	}
	if yc.Bucket != "" {
		cfg.Bucket = yc.Bucket
	}
	if yc.Folder != "" {
		cfg.Folder = yc.Folder
	}
	if yc.Input != "" {
		cfg.Input = yc.Input
	}
	if yc.InputFormat != "" {
		cfg.InputFormat = yc.InputFormat
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if len(yc.Zones) != 0 {
		cfg.Zones = yc.Zones
	}
	if yc.MaxWorkersPerZone != 0 {
		cfg.MaxWorkersPerZone = yc.MaxWorkersPerZone
	}
	if yc.MinWorkers != 0 {
		cfg.MinWorkers = yc.MinWorkers
	}
	if yc.Image != "" {
		cfg.Image = yc.Image
	}
	if yc.MachineType != "" {
		cfg.MachineType = yc.MachineType
	}
	if yc.WorkerMachineType != "" {
		cfg.WorkerMachineType = yc.WorkerMachineType
	}
	if yc.MaxAttempts != 0 {
		cfg.MaxAttempts = yc.MaxAttempts
	}
	if yc.LivenessTimeout != "" {
		d, err := time.ParseDuration(yc.LivenessTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse liveness_timeout: %w", err)
		}
		cfg.LivenessTimeout = d
	}
	if yc.SweepInterval != "" {
		d, err := time.ParseDuration(yc.SweepInterval)
		if err != nil {
			return Config{}, fmt.Errorf("parse sweep_interval: %w", err)
		}
		cfg.SweepInterval = d
	}
	if yc.PollInterval != "" {
		d, err := time.ParseDuration(yc.PollInterval)
		if err != nil {
			return Config{}, fmt.Errorf("parse poll_interval: %w", err)
		}
		cfg.PollInterval = d
	}
	if yc.RunBudget != "" {
		d, err := time.ParseDuration(yc.RunBudget)
		if err != nil {
			return Config{}, fmt.Errorf("parse run_budget: %w", err)
		}
		cfg.RunBudget = d
	}
	if yc.FetchTimeout != "" {
		d, err := time.ParseDuration(yc.FetchTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse fetch_timeout: %w", err)
		}
		cfg.FetchTimeout = d
	}
	cfg.KeepOriginal = yc.KeepOriginal
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the STARSHIP_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("STARSHIP_PROJECT"); v != "" {
		c.Project = v
	}
	if v := os.Getenv("STARSHIP_BUCKET"); v != "" {
		c.Bucket = v
	}
	if v := os.Getenv("STARSHIP_FOLDER"); v != "" {
		c.Folder = v
	}
	if v := os.Getenv("STARSHIP_INPUT"); v != "" {
		c.Input = v
	}
	if v := os.Getenv("STARSHIP_INPUT_FORMAT"); v != "" {
		c.InputFormat = v
	}
	if v := os.Getenv("STARSHIP_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse STARSHIP_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("STARSHIP_ZONES"); v != "" {
		c.Zones = splitZones(v)
	}
	if v := os.Getenv("STARSHIP_MAX_WORKERS_PER_ZONE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse STARSHIP_MAX_WORKERS_PER_ZONE: %w", err)
		}
		c.MaxWorkersPerZone = n
	}
	if v := os.Getenv("STARSHIP_MIN_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse STARSHIP_MIN_WORKERS: %w", err)
		}
		c.MinWorkers = n
	}
	if v := os.Getenv("STARSHIP_IMAGE"); v != "" {
		c.Image = v
	}
	if v := os.Getenv("STARSHIP_MACHINE_TYPE"); v != "" {
		c.MachineType = v
	}
	if v := os.Getenv("STARSHIP_WORKER_MACHINE_TYPE"); v != "" {
		c.WorkerMachineType = v
	}
	if v := os.Getenv("STARSHIP_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse STARSHIP_MAX_ATTEMPTS: %w", err)
		}
		c.MaxAttempts = n
	}
	if v := os.Getenv("STARSHIP_LIVENESS_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STARSHIP_LIVENESS_TIMEOUT: %w", err)
		}
		c.LivenessTimeout = d
	}
	if v := os.Getenv("STARSHIP_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STARSHIP_SWEEP_INTERVAL: %w", err)
		}
		c.SweepInterval = d
	}
	if v := os.Getenv("STARSHIP_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STARSHIP_POLL_INTERVAL: %w", err)
		}
		c.PollInterval = d
	}
	if v := os.Getenv("STARSHIP_RUN_BUDGET"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STARSHIP_RUN_BUDGET: %w", err)
		}
		c.RunBudget = d
	}
	if v := os.Getenv("STARSHIP_FETCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STARSHIP_FETCH_TIMEOUT: %w", err)
		}
		c.FetchTimeout = d
	}
	if v := os.Getenv("STARSHIP_KEEP_ORIGINAL"); v != "" {
		c.KeepOriginal = v == "true" || v == "1"
	}
	if v := os.Getenv("STARSHIP_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse STARSHIP_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if v := os.Getenv("STARSHIP_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STARSHIP_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := os.Getenv("STARSHIP_RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STARSHIP_RETRY_MAX_BACKOFF: %w", err)
		}
		c.Retry.MaxBackoff = d
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Project == "" {
		return errors.New("config: project is required")
	}
	if c.Bucket == "" {
		return errors.New("config: bucket is required")
	}
	if c.Input == "" {
		return errors.New("config: input is required")
	}
	if c.InputFormat != task.FormatURLs && c.InputFormat != task.FormatJSON {
		return fmt.Errorf("config: unknown input_format %q", c.InputFormat)
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if len(c.Zones) == 0 {
		return errors.New("config: at least one zone is required")
	}
	if c.MaxWorkersPerZone <= 0 {
		return errors.New("config: max_workers_per_zone must be positive")
	}
	if c.MinWorkers > c.Workers {
		return errors.New("config: min_workers exceeds workers")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("config: max_attempts must be positive")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Project != "" {
		c.Project = override.Project
	}
	if override.Bucket != "" {
		c.Bucket = override.Bucket
	}
	if override.Folder != "" {
		c.Folder = override.Folder
	}
	if override.Input != "" {
		c.Input = override.Input
	}
	if override.InputFormat != "" {
		c.InputFormat = override.InputFormat
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if len(override.Zones) != 0 {
		c.Zones = override.Zones
	}
	if override.MaxWorkersPerZone != 0 {
		c.MaxWorkersPerZone = override.MaxWorkersPerZone
	}
	if override.MinWorkers != 0 {
		c.MinWorkers = override.MinWorkers
	}
	if override.Image != "" {
		c.Image = override.Image
	}
	if override.MachineType != "" {
		c.MachineType = override.MachineType
	}
	if override.WorkerMachineType != "" {
		c.WorkerMachineType = override.WorkerMachineType
	}
	if override.MaxAttempts != 0 {
		c.MaxAttempts = override.MaxAttempts
	}
	if override.LivenessTimeout != 0 {
		c.LivenessTimeout = override.LivenessTimeout
	}
	if override.SweepInterval != 0 {
		c.SweepInterval = override.SweepInterval
	}
	if override.PollInterval != 0 {
		c.PollInterval = override.PollInterval
	}
	if override.RunBudget != 0 {
		c.RunBudget = override.RunBudget
	}
	if override.FetchTimeout != 0 {
		c.FetchTimeout = override.FetchTimeout
	}
	if override.KeepOriginal {
		c.KeepOriginal = override.KeepOriginal
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	return c
}

// splitZones parses a comma-separated zone list, dropping empty entries.
func splitZones(s string) []string {
	var zones []string
	for _, z := range strings.Split(s, ",") {
		if z = strings.TrimSpace(z); z != "" {
			zones = append(zones, z)
		}
	}
	return zones
}
