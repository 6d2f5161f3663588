// Package composer provides the adapter that runs periodic batch
// composition and submission passes.
package composer

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailsift/verifyq/config"
	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/data"
	"github.com/mailsift/verifyq/internal/domain/model"
	apperrors "github.com/mailsift/verifyq/internal/errors"
	obserrors "github.com/mailsift/verifyq/internal/observability/errors"
	"github.com/mailsift/verifyq/internal/observability/metrics"
	"github.com/mailsift/verifyq/internal/observability/statsd"
	"github.com/mailsift/verifyq/internal/service"
)

// Runner drives the batch composition loop: each tick draws eligible queue
// items, composes one batch, and submits it. Backpressure answers (empty
// queue, ceiling, rate budget) stretch the tick instead of failing it.
type Runner struct {
	lifecycle *service.LifecycleService
	config    config.ComposerConfig
	logger    *slog.Logger
	metrics   statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB          *sql.DB
	Redis       redis.UniversalClient
	Verifier    core.VerifierClient
	Config      config.ComposerConfig
	QueueConfig config.QueueConfig
	RateConfig  config.RateLimitConfig
	Logger      *slog.Logger

	// Optional dependency injection for testing/decoupling
	Lifecycle *service.LifecycleService
	Limiter   core.RateLimiter
	Metrics   statsd.Sink
}

// NewRunner creates a new composer runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	lifecycle := opts.Lifecycle
	if lifecycle == nil {
		var err error
		lifecycle, err = wireLifecycleService(opts)
		if err != nil {
			return nil, err
		}
	}

	cfg := opts.Config
	cfg.Sanitize()

	return &Runner{
		lifecycle: lifecycle,
		config:    cfg,
		logger:    opts.Logger.With("component", "composer_runner"),
		metrics:   opts.Metrics,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Lifecycle == nil {
		if opts.DB == nil {
			return errors.New("database connection is required")
		}
		if opts.Verifier == nil {
			return errors.New("verifier client is required")
		}
		if opts.Limiter == nil && opts.Redis == nil {
			return errors.New("redis client is required")
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// wireLifecycleService wires up all dependencies for the lifecycle service.
func wireLifecycleService(opts RunnerOptions) (*service.LifecycleService, error) {
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

	repoCfg := data.RepoConfig{
		Logger:          opts.Logger,
		ItemMaxAttempts: opts.QueueConfig.ItemMaxAttempts,
	}
	return service.NewLifecycleService(service.LifecycleServiceOptions{
		Queue:    data.NewQueueRepo(opts.DB, repoCfg),
		Batches:  data.NewBatchRepo(opts.DB, repoCfg),
		Limiter:  limiter,
		Verifier: opts.Verifier,
		Config:   opts.QueueConfig,
		Logger:   opts.Logger,
	})
}

// Run starts the composition loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting composer runner",
		"interval", r.config.Interval, "idle_interval", r.config.IdleInterval)

	timer := time.NewTimer(r.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "composer runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-timer.C:
			timer.Reset(r.tick(ctx))
		}
	}
}

// tick runs one composition pass and returns how long to wait for the next.
func (r *Runner) tick(ctx context.Context) time.Duration {
	start := time.Now()
	batch, err := r.lifecycle.ComposeAndSubmit(ctx)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		metrics.EmitBatchLifecycle(r.metrics, metrics.BatchMetric{
			Transition: "submit",
			Result:     metrics.ResultSuccess,
			Items:      batch.ItemCount,
			Duration:   elapsed,
		})
		// More work may be waiting; keep the fast cadence.
		return r.config.Interval

	case errors.Is(err, model.ErrNoEligibleItems):
		r.emitTickError("submit", metrics.ResultNoop, nil, elapsed)
		return r.config.IdleInterval

	case apperrors.IsCapacityExceeded(err):
		r.logger.DebugContext(ctx, "batch ceiling reached, waiting", "err", err)
		r.emitTickError("submit", metrics.ResultNoop, err, elapsed)
		return r.config.Interval

	case apperrors.IsRateLimited(err):
		delay := r.config.Interval
		if retryAt := apperrors.RetryAt(err); !retryAt.IsZero() {
			if until := time.Until(retryAt); until > delay {
				delay = until
			}
		}
		r.logger.InfoContext(ctx, "rate budget exhausted, backing off", "delay", delay)
		r.emitTickError("submit", metrics.ResultNoop, err, elapsed)
		return delay

	default:
		if !isContextCancellation(err) {
			r.logger.ErrorContext(ctx, "composition pass failed", "err", err)
		}
		r.emitTickError("submit", metrics.ResultError, err, elapsed)
		return r.config.Interval
	}
}

func (r *Runner) emitTickError(transition, result string, err error, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	tags := map[string]string{"transition": transition, "result": result}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	r.metrics.Count("composer.tick", 1, tags)
	r.metrics.Timing("composer.tick_duration", elapsed, metrics.CloneTags(tags))
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
