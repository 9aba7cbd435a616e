package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aescanero/dago-kernel/internal/application/governor"
	"github.com/aescanero/dago-kernel/internal/application/kernel"
	"github.com/aescanero/dago-kernel/internal/application/orchestrator"
	"github.com/aescanero/dago-kernel/internal/application/recovery"
	"github.com/aescanero/dago-kernel/pkg/domain"
)

// Duration is a time.Duration decoded from a string such as "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// PolicyFile is the TOML policy document.
//
//	[recovery]
//	escalation = "ABORT"
//
//	[recovery.backoff]
//	base = "100ms"
//	max = "10s"
//
//	[recovery.rules.timeout]
//	action = "RETRY"
//	max_retries = 2
//
//	[governor]
//	max_concurrent = 8
//	discipline = "priority"
//
//	[governor.categories]
//	network = 4
//
//	[governor.rate_limits.network]
//	per_second = 5.0
//	burst = 10
type PolicyFile struct {
	Recovery  RecoverySection  `toml:"recovery"`
	Governor  GovernorSection  `toml:"governor"`
	Resources ResourcesSection `toml:"resources"`
	Defaults  DefaultsSection  `toml:"defaults"`
}

// RecoverySection configures the recovery policy.
type RecoverySection struct {
	Escalation string                 `toml:"escalation"`
	Backoff    BackoffSection         `toml:"backoff"`
	Rules      map[string]RuleSection `toml:"rules"`
}

// BackoffSection configures retry delays.
type BackoffSection struct {
	Base       Duration `toml:"base"`
	Max        Duration `toml:"max"`
	Multiplier float64  `toml:"multiplier"`
	Jitter     float64  `toml:"jitter"`
}

// RuleSection is the handling of one error category.
type RuleSection struct {
	Action     string `toml:"action"`
	MaxRetries int    `toml:"max_retries"`
	Escalation string `toml:"escalation"`
}

// GovernorSection configures the concurrency governor.
type GovernorSection struct {
	MaxConcurrent int                         `toml:"max_concurrent"`
	Discipline    string                      `toml:"discipline"`
	MaxQueue      int                         `toml:"max_queue"`
	Categories    map[string]int              `toml:"categories"`
	RateLimits    map[string]RateLimitSection `toml:"rate_limits"`
}

// RateLimitSection is a token bucket for one category.
type RateLimitSection struct {
	PerSecond float64 `toml:"per_second"`
	Burst     int     `toml:"burst"`
}

// ResourcesSection bounds what graphs may request.
type ResourcesSection struct {
	MaxTimeout       Duration `toml:"max_timeout"`
	MaxParallel      int      `toml:"max_parallel"`
	MaxExternalCalls int      `toml:"max_external_calls"`
	HardMultiple     int      `toml:"hard_multiple"`
}

// DefaultsSection holds values filled in for graphs that omit them.
type DefaultsSection struct {
	Timeout     Duration `toml:"timeout"`
	MaxParallel int      `toml:"max_parallel"`
	RetryBudget int      `toml:"retry_budget"`
}

// LoadPolicyFile reads and decodes a TOML policy file. Unknown keys are an
// error.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	return ParsePolicy(string(data))
}

// ParsePolicy decodes a TOML policy document.
func ParsePolicy(data string) (*PolicyFile, error) {
	var p PolicyFile
	md, err := toml.Decode(data, &p)
	if err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("parsing policy: unknown keys: %s", strings.Join(keys, ", "))
	}
	return &p, nil
}

// RecoveryPolicy builds the recovery policy from the defaults and the
// policy file.
func (c *Config) RecoveryPolicy() (*recovery.Policy, error) {
	if c.policy == nil {
		return recovery.DefaultPolicy(), nil
	}
	sec := c.policy.Recovery

	var opts []recovery.Option
	if sec.Escalation != "" {
		a, err := recovery.ParseAction(sec.Escalation)
		if err != nil {
			return nil, fmt.Errorf("recovery escalation: %w", err)
		}
		opts = append(opts, recovery.WithEscalation(a))
	}

	b := sec.Backoff
	if b.Base.Duration > 0 || b.Max.Duration > 0 || b.Multiplier > 0 || b.Jitter > 0 {
		backoff := recovery.DefaultBackoff
		if b.Base.Duration > 0 {
			backoff.Base = b.Base.Duration
		}
		if b.Max.Duration > 0 {
			backoff.Max = b.Max.Duration
		}
		if b.Multiplier > 0 {
			backoff.Multiplier = b.Multiplier
		}
		backoff.Jitter = b.Jitter
		opts = append(opts, recovery.WithBackoff(backoff))
	}

	for name, rule := range sec.Rules {
		category, err := domain.ParseCategory(name)
		if err != nil {
			return nil, fmt.Errorf("recovery rules: %w", err)
		}
		action, err := recovery.ParseAction(rule.Action)
		if err != nil {
			return nil, fmt.Errorf("recovery rule %s: %w", name, err)
		}
		r := recovery.Rule{Action: action, MaxRetries: rule.MaxRetries}
		if rule.Escalation != "" {
			if r.Escalation, err = recovery.ParseAction(rule.Escalation); err != nil {
				return nil, fmt.Errorf("recovery rule %s: %w", name, err)
			}
		}
		opts = append(opts, recovery.WithRule(category, r))
	}

	return recovery.NewPolicy(opts...)
}

// GovernorSettings returns the governor configuration.
func (c *Config) GovernorSettings() (governor.Config, error) {
	discipline, err := governor.ParseDiscipline(c.Governor.Discipline)
	if err != nil {
		return governor.Config{}, err
	}

	cfg := governor.Config{
		MaxConcurrent:  c.Governor.MaxConcurrent,
		CategoryLimits: c.Governor.CategoryLimits,
		Discipline:     discipline,
		MaxQueue:       c.Governor.MaxQueue,
	}
	if c.policy != nil && len(c.policy.Governor.RateLimits) > 0 {
		cfg.RateLimits = make(map[string]governor.RateLimit, len(c.policy.Governor.RateLimits))
		for category, rl := range c.policy.Governor.RateLimits {
			if rl.PerSecond <= 0 {
				return governor.Config{}, fmt.Errorf("rate limit %s: per_second must be positive", category)
			}
			cfg.RateLimits[category] = governor.RateLimit{PerSecond: rl.PerSecond, Burst: rl.Burst}
		}
	}
	return cfg, nil
}

// ResourcePolicy returns the validator's resource limits.
func (c *Config) ResourcePolicy() orchestrator.ResourcePolicy {
	return orchestrator.ResourcePolicy{
		MaxTimeout:       c.Validator.MaxTimeout,
		MaxParallel:      c.Validator.MaxParallel,
		MaxExternalCalls: c.Validator.MaxExternalCalls,
		HardMultiple:     c.Validator.HardMultiple,
	}
}

// ValidatorDefaults returns the values used to correct incomplete graphs.
func (c *Config) ValidatorDefaults() orchestrator.Defaults {
	return orchestrator.Defaults{
		Timeout:     c.Validator.DefaultTimeout,
		MaxParallel: c.Validator.DefaultMaxParallel,
		RetryBudget: c.Validator.DefaultRetryBudget,
	}
}

// KernelSettings returns the kernel configuration.
func (c *Config) KernelSettings() kernel.Config {
	return kernel.Config{
		RunTimeout:  c.Kernel.RunTimeout,
		NodeTimeout: c.Kernel.NodeTimeout,
		MaxParallel: c.Kernel.MaxParallel,
		GracePeriod: c.Kernel.GracePeriod,
	}
}
