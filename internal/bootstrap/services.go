package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mailsift/verifyq/config"
	"github.com/mailsift/verifyq/internal/adapters/bouncer"
	"github.com/mailsift/verifyq/internal/adapters/composer"
	"github.com/mailsift/verifyq/internal/adapters/poller"
	"github.com/mailsift/verifyq/internal/adapters/reaper"
	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/data"
	"github.com/mailsift/verifyq/internal/observability/statsd"
	"github.com/mailsift/verifyq/internal/service"
)

// ServiceDeps carries the shared infrastructure every runner builds on.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// runner is anything that blocks in Run until its context is cancelled.
type runner interface {
	Run(ctx context.Context) error
}

type namedRunner struct {
	name   string
	runner runner
}

// BuildMetricsSink constructs the StatsD sink from configuration. A disabled
// sink is returned as nil so callers can skip emission entirely.
func BuildMetricsSink(cfg config.ObservabilityConfig, logger *slog.Logger) statsd.Sink {
	if !cfg.Metrics.Enabled {
		return nil
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: cfg.Metrics.StatsdAddress,
		Prefix:  cfg.Metrics.Prefix,
		Logger:  logger,
	})
	if err != nil {
		logger.Warn("statsd sink unavailable, metrics disabled", "err", err)
		return nil
	}
	return client
}

// NewQueueService builds the caller-facing queue service over shared deps.
// The embedding application uses this for enqueue, cancel, and stats.
func NewQueueService(deps *ServiceDeps) (*service.QueueService, error) {
	repoCfg := data.RepoConfig{
		Logger:          deps.Logger,
		ItemMaxAttempts: deps.Config.Queue.ItemMaxAttempts,
	}
	return service.NewQueueService(service.QueueServiceOptions{
		Queue:    data.NewQueueRepo(deps.DB, repoCfg),
		Contacts: data.NewContactRepo(deps.DB, repoCfg),
		Config:   deps.Config.Queue,
		Logger:   deps.Logger,
	})
}

// NewHealthService builds the health reporter over shared deps.
func NewHealthService(deps *ServiceDeps, sink statsd.Sink) (*service.HealthService, error) {
	repoCfg := data.RepoConfig{
		Logger:          deps.Logger,
		ItemMaxAttempts: deps.Config.Queue.ItemMaxAttempts,
	}
	return service.NewHealthService(service.HealthServiceOptions{
		Queue:   data.NewQueueRepo(deps.DB, repoCfg),
		Batches: data.NewBatchRepo(deps.DB, repoCfg),
		Config:  deps.Config.Health,
		Ceiling: deps.Config.Queue.MaxConcurrentBatches,
		Metrics: sink,
		Logger:  deps.Logger,
	})
}

// buildRunners constructs one runner per enabled service mode.
func buildRunners(deps *ServiceDeps, sink statsd.Sink) ([]namedRunner, error) {
	enabled, err := deps.Config.GetEnabledServices()
	if err != nil {
		return nil, fmt.Errorf("resolve enabled services: %w", err)
	}

	var verifier core.VerifierClient
	if enabled[config.ServiceModeComposer] || enabled[config.ServiceModePoller] {
		verifier, err = bouncer.NewClient(bouncer.ClientOptions{
			Config: deps.Config.Verifier,
			Logger: deps.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build verifier client: %w", err)
		}
	}

	// One limiter instance shared by every runner in this process; the
	// budget itself lives in Redis either way.
	limiter, err := data.NewRedisRateLimiter(data.RateLimiterOptions{
		Client: deps.RedisClient,
		Config: deps.Config.RateLimit,
		Logger: deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build rate limiter: %w", err)
	}

	var runners []namedRunner

	if enabled[config.ServiceModeComposer] {
		r, buildErr := composer.NewRunner(composer.RunnerOptions{
			DB:          deps.DB,
			Verifier:    verifier,
			Config:      deps.Config.Composer,
			QueueConfig: deps.Config.Queue,
			RateConfig:  deps.Config.RateLimit,
			Limiter:     limiter,
			Logger:      deps.Logger,
			Metrics:     sink,
		})
		if buildErr != nil {
			return nil, fmt.Errorf("build composer runner: %w", buildErr)
		}
		runners = append(runners, namedRunner{name: "composer", runner: r})
	}

	if enabled[config.ServiceModePoller] {
		r, buildErr := poller.NewRunner(poller.RunnerOptions{
			DB:          deps.DB,
			Verifier:    verifier,
			Config:      deps.Config.Poller,
			QueueConfig: deps.Config.Queue,
			RateConfig:  deps.Config.RateLimit,
			Limiter:     limiter,
			Logger:      deps.Logger,
			Metrics:     sink,
		})
		if buildErr != nil {
			return nil, fmt.Errorf("build poller runner: %w", buildErr)
		}
		runners = append(runners, namedRunner{name: "poller", runner: r})
	}

	if enabled[config.ServiceModeReaper] {
		r, buildErr := reaper.NewRunner(reaper.RunnerOptions{
			DB:          deps.DB,
			Config:      deps.Config.Reaper,
			QueueConfig: deps.Config.Queue,
			RateConfig:  deps.Config.RateLimit,
			Limiter:     limiter,
			Logger:      deps.Logger,
			Metrics:     sink,
		})
		if buildErr != nil {
			return nil, fmt.Errorf("build reaper runner: %w", buildErr)
		}
		runners = append(runners, namedRunner{name: "reaper", runner: r})
	}

	return runners, nil
}

// RunServicesWithShutdown starts all enabled services and blocks until a
// shutdown signal arrives or a service fails. SIGINT/SIGTERM cancel the
// shared context; runners treat that as a graceful stop.
func RunServicesWithShutdown(deps *ServiceDeps) error {
	if deps == nil || deps.Config == nil {
		return errors.New("service dependencies are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
		deps.Logger = logger
	}

	sink := BuildMetricsSink(deps.Config.Observability, logger)
	if closer, ok := sink.(*statsd.Client); ok && closer != nil {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Warn("close statsd sink failed", "err", err)
			}
		}()
	}

	runners, err := buildRunners(deps, sink)
	if err != nil {
		return err
	}
	if len(runners) == 0 {
		return errors.New("no services enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, nr := range runners {
		g.Go(func() error {
			logger.InfoContext(gctx, "service started", "service", nr.name)
			if runErr := nr.runner.Run(gctx); runErr != nil {
				return fmt.Errorf("%s: %w", nr.name, runErr)
			}
			logger.InfoContext(gctx, "service stopped", "service", nr.name)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("all services stopped")
	return nil
}
