// Package reaper provides the adapter that runs periodic queue maintenance.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/mailsift/verifyq/config"
	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/data"
	"github.com/mailsift/verifyq/internal/observability/statsd"
	"github.com/mailsift/verifyq/internal/service"
)

// Runner provides a simple adapter to run the reaper loop.
// It constructs the reaper service and runs the cleanup loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB          *sql.DB
	Redis       redis.UniversalClient
	Config      config.ReaperConfig
	QueueConfig config.QueueConfig
	RateConfig  config.RateLimitConfig
	Logger      *slog.Logger

	// Optional dependency injection for testing/decoupling
	Queue   core.QueueRepository
	Limiter core.RateLimiter
	Metrics statsd.Sink
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	reaper, err := wireReaperService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{
		reaper: reaper,
		logger: opts.Logger,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Queue == nil && opts.DB == nil {
		return errors.New("database connection is required")
	}
	if opts.Limiter == nil && opts.Redis == nil {
		return errors.New("redis client is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// wireReaperService wires up all dependencies for the reaper service.
func wireReaperService(opts RunnerOptions) (*service.ReaperService, error) {
	queue := opts.Queue
	if queue == nil {
		queue = data.NewQueueRepo(opts.DB, data.RepoConfig{
			Logger:          opts.Logger,
			ItemMaxAttempts: opts.QueueConfig.ItemMaxAttempts,
		})
	}

	limiter := opts.Limiter
	if limiter == nil {
		var err error
		limiter, err = data.NewRedisRateLimiter(data.RateLimiterOptions{
			Client: opts.Redis,
			Config: opts.RateConfig,
			Logger: opts.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	return service.NewReaperService(service.ReaperServiceOptions{
		Queue:          queue,
		Limiter:        limiter,
		Config:         opts.Config,
		QueueRetention: opts.QueueConfig.Retention,
		RateRetention:  opts.RateConfig.Retention,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	})
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}
