package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the workflow kernel
type Config struct {
	// Server configuration
	HTTPPort int    `env:"DAGO_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"DAGO_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// PolicyFile is an optional TOML file with recovery rules, governor
	// limits and the resource policy. Values in the file override the
	// environment.
	PolicyFile string `env:"DAGO_POLICY_FILE"`

	// Storage selects the run store and event sink backend: memory or redis.
	Storage string `env:"DAGO_STORAGE" envDefault:"memory"`

	// Redis configuration
	Redis RedisConfig

	// LLM configuration
	LLM LLMConfig

	// Kernel configuration
	Kernel KernelConfig

	// Governor configuration
	Governor GovernorConfig

	// Validator configuration
	Validator ValidatorConfig

	policy *PolicyFile

	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// RunTTL bounds how long finished run records are kept
	RunTTL time.Duration `env:"REDIS_RUN_TTL" envDefault:"168h"`
}

// LLMConfig holds LLM provider configuration. The llm capability is only
// registered when an API key is set.
type LLMConfig struct {
	Provider     string `env:"LLM_PROVIDER" envDefault:"anthropic"`
	APIKey       string `env:"LLM_API_KEY"`
	BaseURL      string `env:"LLM_BASE_URL"`
	DefaultModel string `env:"LLM_DEFAULT_MODEL"`
}

// Enabled reports whether an LLM provider is configured.
func (c LLMConfig) Enabled() bool {
	return c.APIKey != ""
}

// KernelConfig holds run execution settings
type KernelConfig struct {
	RunTimeout  time.Duration `env:"TIMEOUT_RUN" envDefault:"3600s"`
	NodeTimeout time.Duration `env:"TIMEOUT_NODE" envDefault:"300s"`
	GracePeriod time.Duration `env:"TIMEOUT_GRACE" envDefault:"1s"`
	MaxParallel int           `env:"KERNEL_MAX_PARALLEL" envDefault:"0"`
}

// GovernorConfig holds concurrency ceilings
type GovernorConfig struct {
	MaxConcurrent   int            `env:"GOVERNOR_MAX_CONCURRENT" envDefault:"16"`
	Discipline      string         `env:"GOVERNOR_DISCIPLINE" envDefault:"priority"`
	MaxQueue        int            `env:"GOVERNOR_MAX_QUEUE" envDefault:"0"`
	CategoryLimits  map[string]int `env:"GOVERNOR_CATEGORY_LIMITS" envSeparator:"," envKeyValSeparator:":"`
	MonitorInterval time.Duration  `env:"GOVERNOR_MONITOR_INTERVAL" envDefault:"30s"`
}

// ValidatorConfig holds the resource policy and correction defaults
type ValidatorConfig struct {
	MaxTimeout         time.Duration `env:"POLICY_MAX_TIMEOUT" envDefault:"3600s"`
	MaxParallel        int           `env:"POLICY_MAX_PARALLEL" envDefault:"64"`
	MaxExternalCalls   int           `env:"POLICY_MAX_EXTERNAL_CALLS" envDefault:"100"`
	HardMultiple       int           `env:"POLICY_HARD_MULTIPLE" envDefault:"10"`
	DefaultTimeout     time.Duration `env:"DEFAULT_RUN_TIMEOUT" envDefault:"600s"`
	DefaultMaxParallel int           `env:"DEFAULT_MAX_PARALLEL" envDefault:"8"`
	DefaultRetryBudget int           `env:"DEFAULT_RETRY_BUDGET" envDefault:"10"`
}

// Load reads configuration from environment variables and the optional
// policy file
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.PolicyFile != "" {
		policy, err := LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.applyPolicy(policy)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Policy returns the loaded policy file, nil when none was configured.
func (c *Config) Policy() *PolicyFile {
	return c.policy
}

// applyPolicy copies non-zero policy file values over the environment.
func (c *Config) applyPolicy(p *PolicyFile) {
	c.policy = p
	if p == nil {
		return
	}

	if p.Governor.MaxConcurrent > 0 {
		c.Governor.MaxConcurrent = p.Governor.MaxConcurrent
	}
	if p.Governor.Discipline != "" {
		c.Governor.Discipline = p.Governor.Discipline
	}
	if p.Governor.MaxQueue > 0 {
		c.Governor.MaxQueue = p.Governor.MaxQueue
	}
	if len(p.Governor.Categories) > 0 {
		if c.Governor.CategoryLimits == nil {
			c.Governor.CategoryLimits = make(map[string]int, len(p.Governor.Categories))
		}
		for k, v := range p.Governor.Categories {
			c.Governor.CategoryLimits[k] = v
		}
	}

	r := p.Resources
	if r.MaxTimeout.Duration > 0 {
		c.Validator.MaxTimeout = r.MaxTimeout.Duration
	}
	if r.MaxParallel > 0 {
		c.Validator.MaxParallel = r.MaxParallel
	}
	if r.MaxExternalCalls > 0 {
		c.Validator.MaxExternalCalls = r.MaxExternalCalls
	}
	if r.HardMultiple > 0 {
		c.Validator.HardMultiple = r.HardMultiple
	}

	d := p.Defaults
	if d.Timeout.Duration > 0 {
		c.Validator.DefaultTimeout = d.Timeout.Duration
	}
	if d.MaxParallel > 0 {
		c.Validator.DefaultMaxParallel = d.MaxParallel
	}
	if d.RetryBudget > 0 {
		c.Validator.DefaultRetryBudget = d.RetryBudget
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	// Validate storage backend
	switch c.Storage {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s (must be memory or redis)", c.Storage)
	}

	// Validate LLM config
	if c.LLM.Enabled() && c.LLM.Provider != "anthropic" {
		return fmt.Errorf("unsupported LLM provider: %s (only 'anthropic' is supported)", c.LLM.Provider)
	}

	// Validate governor config
	if c.Governor.MaxConcurrent < 1 {
		return fmt.Errorf("governor max concurrent must be at least 1")
	}
	if _, err := c.GovernorSettings(); err != nil {
		return err
	}
	if c.Kernel.MaxParallel < 0 {
		return fmt.Errorf("kernel max parallel must not be negative")
	}

	// Validate recovery rules
	if _, err := c.RecoveryPolicy(); err != nil {
		return err
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
