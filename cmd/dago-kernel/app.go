package main

import (
	"context"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/dago-kernel/internal/application/executors"
	"github.com/aescanero/dago-kernel/internal/application/governor"
	"github.com/aescanero/dago-kernel/internal/application/kernel"
	"github.com/aescanero/dago-kernel/internal/application/orchestrator"
	"github.com/aescanero/dago-kernel/internal/application/recovery"
	"github.com/aescanero/dago-kernel/internal/config"
	"github.com/aescanero/dago-kernel/pkg/adapters/events/memory"
	redisevents "github.com/aescanero/dago-kernel/pkg/adapters/events/redis"
	"github.com/aescanero/dago-kernel/pkg/adapters/llm"
	"github.com/aescanero/dago-kernel/pkg/adapters/metrics/prometheus"
	memstorage "github.com/aescanero/dago-kernel/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/dago-kernel/pkg/adapters/storage/redis"
	"github.com/aescanero/dago-kernel/pkg/ports"
)

// app holds the wired kernel components.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	redis     *goredis.Client
	sink      *redisevents.StreamsSink
	detach    func()
	store     ports.RunStore
	metrics   *prometheus.Collector
	gatherer  *prom.Registry
	registry  *executors.Registry
	governor  *governor.Governor
	monitor   *governor.Monitor
	policy    *recovery.Policy
	channel   *memory.EventChannel
	kernel    *kernel.Kernel
	validator *orchestrator.Validator
	manager   *orchestrator.Manager
}

// newApp wires every component from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	// Metrics
	a.gatherer = prom.NewRegistry()
	a.gatherer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = prometheus.NewCollector(a.gatherer)

	// Capabilities
	a.registry = executors.NewRegistry()
	opts := executors.BuiltinOptions{
		DefaultModel: cfg.LLM.DefaultModel,
		Logger:       logger,
	}
	if cfg.LLM.Enabled() {
		client, err := llm.NewClient(&llm.Config{
			Provider: cfg.LLM.Provider,
			APIKey:   cfg.LLM.APIKey,
			BaseURL:  cfg.LLM.BaseURL,
			Model:    cfg.LLM.DefaultModel,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
		opts.LLM = client
	}
	if err := executors.RegisterBuiltins(a.registry, opts); err != nil {
		return nil, fmt.Errorf("failed to register capabilities: %w", err)
	}

	// Governor
	govCfg, err := cfg.GovernorSettings()
	if err != nil {
		return nil, err
	}
	a.governor, err = governor.New(govCfg, a.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create governor: %w", err)
	}
	a.monitor = governor.NewMonitor(a.governor, cfg.Governor.MonitorInterval, logger)

	// Recovery policy
	a.policy, err = cfg.RecoveryPolicy()
	if err != nil {
		return nil, err
	}

	// Validator and event channel
	stats := orchestrator.NewStats()
	a.validator = orchestrator.NewValidator(a.registry, cfg.ResourcePolicy(), cfg.ValidatorDefaults(), stats)
	a.channel = memory.NewEventChannel(logger)
	a.channel.Use(orchestrator.DecisionGate(a.validator))

	// Storage
	switch cfg.Storage {
	case "redis":
		a.redis = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

		a.store = redisstorage.NewRunStore(a.redis, cfg.Redis.RunTTL, logger)
		a.sink = redisevents.NewStreamsSink(a.redis, logger)
		a.detach, err = a.sink.Attach(context.Background(), a.channel)
		if err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("failed to attach event sink: %w", err)
		}
	default:
		a.store = memstorage.NewRunStore()
	}

	// Kernel and manager
	a.kernel, err = kernel.New(kernel.Dependencies{
		Registry: a.registry,
		Governor: a.governor,
		Policy:   a.policy,
		Events:   a.channel,
		Metrics:  a.metrics,
		Logger:   logger,
	}, cfg.KernelSettings())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create kernel: %w", err)
	}

	a.manager = orchestrator.NewManager(a.channel, a.store, a.metrics, a.validator, stats, a.kernel, logger)
	return a, nil
}

// shutdown drains the manager, then releases the adapters.
func (a *app) shutdown(ctx context.Context) {
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Error("orchestrator shutdown error", zap.Error(err))
	}
	a.close()
}

func (a *app) close() {
	a.monitor.Stop()
	if a.detach != nil {
		a.detach()
	}
	if err := a.channel.Close(); err != nil {
		a.logger.Error("event channel close error", zap.Error(err))
	}
	a.logger.Info("event channel closed", zap.Uint64("last_sequence", a.channel.Sequence()))
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("Redis close error", zap.Error(err))
		}
	}
}
