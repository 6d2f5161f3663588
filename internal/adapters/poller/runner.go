// Package poller provides the adapter that polls the external verifier for
// batch completion and feeds results into reconciliation.
package poller

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
	"github.com/mailsift/verifyq/internal/observability/metrics"
	"github.com/mailsift/verifyq/internal/observability/statsd"
	"github.com/mailsift/verifyq/internal/service"
)

// externalStateCompleted and friends are the provider-reported batch states.
const (
	externalStateCompleted = "completed"
	externalStateFailed    = "failed"
)

// Runner polls in-flight batches against the external verifier. Completion
// claims the download via a single-shot transition, applies results through
// the reconciler, and finishes the batch; duplicate observations across
// instances collapse to one download.
type Runner struct {
	lifecycle  *service.LifecycleService
	reconciler core.Reconciler
	verifier   core.VerifierClient
	limiter    core.RateLimiter
	config     config.PollerConfig
	logger     *slog.Logger
	metrics    statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB          *sql.DB
	Redis       redis.UniversalClient
	Verifier    core.VerifierClient
	Config      config.PollerConfig
	QueueConfig config.QueueConfig
	RateConfig  config.RateLimitConfig
	Logger      *slog.Logger

	// Optional dependency injection for testing/decoupling
	Lifecycle  *service.LifecycleService
	Reconciler core.Reconciler
	Limiter    core.RateLimiter
	Metrics    statsd.Sink
}

// NewRunner creates a new poller runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
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

	lifecycle := opts.Lifecycle
	if lifecycle == nil {
		repoCfg := data.RepoConfig{
			Logger:          opts.Logger,
			ItemMaxAttempts: opts.QueueConfig.ItemMaxAttempts,
		}
		var err error
		lifecycle, err = service.NewLifecycleService(service.LifecycleServiceOptions{
			Queue:    data.NewQueueRepo(opts.DB, repoCfg),
			Batches:  data.NewBatchRepo(opts.DB, repoCfg),
			Limiter:  limiter,
			Verifier: opts.Verifier,
			Config:   opts.QueueConfig,
			Logger:   opts.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	reconciler := opts.Reconciler
	if reconciler == nil {
		var err error
		reconciler, err = service.NewReconcilerService(service.ReconcilerServiceOptions{
			Results: data.NewResultRepo(opts.DB, data.RepoConfig{Logger: opts.Logger}),
			Logger:  opts.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	cfg := opts.Config
	cfg.Sanitize()

	return &Runner{
		lifecycle:  lifecycle,
		reconciler: reconciler,
		verifier:   opts.Verifier,
		limiter:    limiter,
		config:     cfg,
		logger:     opts.Logger.With("component", "poller_runner"),
		metrics:    opts.Metrics,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Verifier == nil {
		return errors.New("verifier client is required")
	}
	if opts.Lifecycle == nil && opts.DB == nil {
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

// Run starts the polling loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting poller runner", "interval", r.config.Interval)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "poller runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := r.tick(ctx); err != nil && !isContextCancellation(err) {
				// Continue running despite errors.
				r.logger.ErrorContext(ctx, "poll pass failed", "err", err)
			}
		}
	}
}

// tick polls one page of in-flight batches.
func (r *Runner) tick(ctx context.Context) error {
	batches, err := r.lifecycle.ListInFlight(ctx, r.config.MaxBatchesPerTick)
	if err != nil {
		return err
	}

	for i := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.pollBatch(ctx, &batches[i]); err != nil {
			if isContextCancellation(err) || apperrors.IsRateLimited(err) {
				return err
			}
			r.logger.WarnContext(ctx, "polling batch failed",
				"batch_id", batches[i].ID, "err", err)
		}
	}
	return nil
}

// pollBatch checks one batch against the provider and advances its state.
func (r *Runner) pollBatch(ctx context.Context, batch *model.Batch) error {
	if batch.ExternalID == nil {
		return nil
	}

	state, err := checkedCall(ctx, r.limiter, func() (*core.BatchState, error) {
		return r.verifier.BatchStatus(ctx, *batch.ExternalID)
	})
	if err != nil {
		if apperrors.IsPermanentAPI(err) {
			return r.failBatch(ctx, batch, err.Error())
		}
		return err
	}

	switch state.Status {
	case externalStateCompleted:
		return r.downloadResults(ctx, batch)
	case externalStateFailed:
		return r.failBatch(ctx, batch, "verifier reported batch failure")
	default:
		// Still processing provider-side.
		return nil
	}
}

// downloadResults claims the download, applies the results, and completes
// the batch. A batch already sitting in downloading is retried rather than
// skipped so a crashed download eventually finishes; reconciliation is
// idempotent, so the overlap is harmless.
func (r *Runner) downloadResults(ctx context.Context, batch *model.Batch) error {
	start := time.Now()

	if batch.Status == model.BatchStatusProcessing {
		claimed, err := r.lifecycle.BeginDownload(ctx, batch.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
	}

	results, err := checkedCall(ctx, r.limiter, func() ([]model.VerificationResult, error) {
		return r.verifier.BatchResults(ctx, *batch.ExternalID)
	})
	if err != nil {
		if apperrors.IsPermanentAPI(err) {
			return r.failBatch(ctx, batch, err.Error())
		}
		return err
	}

	outcome, err := r.reconciler.Apply(ctx, batch.ID, results)
	if err != nil {
		return err
	}
	if err := r.lifecycle.CompleteBatch(ctx, batch.ID); err != nil {
		return err
	}

	metrics.EmitBatchLifecycle(r.metrics, metrics.BatchMetric{
		Transition: "complete",
		Result:     metrics.ResultSuccess,
		Items:      outcome.Applied,
		Duration:   time.Since(start),
	})
	r.logger.InfoContext(ctx, "batch completed",
		"batch_id", batch.ID,
		"applied", outcome.Applied,
		"skipped", outcome.Skipped,
	)
	return nil
}

func (r *Runner) failBatch(ctx context.Context, batch *model.Batch, reason string) error {
	if err := r.lifecycle.FailBatch(ctx, batch.ID, reason); err != nil {
		return err
	}
	metrics.EmitBatchLifecycle(r.metrics, metrics.BatchMetric{
		Transition: "fail",
		Result:     metrics.ResultError,
		Items:      batch.ItemCount,
	})
	return nil
}

// checkedCall guards one outbound provider call with the shared budget. A
// denied slot aborts the whole pass since every remaining batch would be
// denied too.
func checkedCall[T any](ctx context.Context, limiter core.RateLimiter, call func() (T, error)) (T, error) {
	var zero T
	allowed, retryAt, err := limiter.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	if !allowed {
		return zero, apperrors.RateLimited("poll budget exhausted", retryAt)
	}
	return call()
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
