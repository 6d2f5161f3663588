package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailsift/verifyq/config"
	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/data"
	obserrors "github.com/mailsift/verifyq/internal/observability/errors"
	"github.com/mailsift/verifyq/internal/observability/metrics"
	"github.com/mailsift/verifyq/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Queue          core.QueueRepository // Required: queue item repository
	Limiter        core.RateLimiter     // Required: rate limit record store
	Config         config.ReaperConfig  // Reaper scheduling configuration
	QueueRetention time.Duration        // Completed-item retention before purge
	RateRetention  time.Duration        // Rate limit record retention
	TimeProvider   data.TimeProvider    // Optional: clock override
	Logger         *slog.Logger         // Optional: structured logger
	Metrics        statsd.Sink          // Optional: metrics sink (StatsD-compatible)
}

// ReaperService provides periodic queue maintenance.
//
// This service manages:
// - Deleting completed and failed queue items past their retention window.
// - Returning items stuck in assigned after their batch finished.
// - Pruning expired rate limit call records.
type ReaperService struct {
	queue          core.QueueRepository
	limiter        core.RateLimiter
	config         config.ReaperConfig
	queueRetention time.Duration
	rateRetention  time.Duration
	timeProvider   data.TimeProvider
	logger         *slog.Logger
	metrics        statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Queue == nil {
		return nil, errors.New("QueueRepository is required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("RateLimiter is required")
	}
	cfg := opts.Config
	cfg.Sanitize()
	if opts.QueueRetention <= 0 {
		opts.QueueRetention = 30 * 24 * time.Hour
	}
	if opts.RateRetention <= 0 {
		opts.RateRetention = time.Hour
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", cfg.Interval,
			"queue_retention", opts.QueueRetention,
			"stale_assigned_max_age", cfg.StaleAssignedMaxAge,
		)
	}

	return &ReaperService{
		queue:          opts.Queue,
		limiter:        opts.Limiter,
		config:         cfg,
		queueRetention: opts.QueueRetention,
		rateRetention:  opts.RateRetention,
		timeProvider:   tp,
		logger:         logger,
		metrics:        opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Jitter spreads instances that started together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.runCleanup(ctx); err != nil && !isContextCancellation(err) {
		s.logCleanupError(err, "initial cleanup")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runCleanup(ctx); err != nil && !isContextCancellation(err) {
				// Continue running despite errors.
				s.logCleanupError(err, "cleanup")
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup.
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

type cleanupStep struct {
	label string
	fn    func(context.Context) (int64, error)
}

// runCleanup performs all maintenance operations for one tick.
func (s *ReaperService) runCleanup(ctx context.Context) error {
	start := time.Now()
	var errs []error

	steps := []cleanupStep{
		{label: "purge_completed", fn: s.purgeCompleted},
		{label: "requeue_stale_assigned", fn: s.requeueStaleAssigned},
		{label: "prune_rate_records", fn: s.pruneRateRecords},
	}

	for _, step := range steps {
		count, err := step.fn(ctx)
		s.emitStepMetric(step.label, count, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.label, err))
			if isContextCancellation(err) {
				break
			}
			continue
		}
		if count > 0 && s.logger != nil {
			s.logger.InfoContext(ctx, "reaper step finished",
				"step", step.label, "affected", count)
		}
	}

	if s.metrics != nil {
		s.metrics.Timing("reaper.cleanup", time.Since(start), nil)
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup failed: %w", errors.Join(errs...))
	}
	return nil
}

func (s *ReaperService) purgeCompleted(ctx context.Context) (int64, error) {
	cutoff := s.timeProvider.Now().Add(-s.queueRetention)
	return s.queue.PurgeCompletedBefore(ctx, cutoff, s.config.BatchSize)
}

func (s *ReaperService) requeueStaleAssigned(ctx context.Context) (int64, error) {
	return s.queue.RequeueStaleAssigned(ctx, s.config.StaleAssignedMaxAge, s.config.BatchSize)
}

func (s *ReaperService) pruneRateRecords(ctx context.Context) (int64, error) {
	return s.limiter.Prune(ctx, s.rateRetention)
}

func (s *ReaperService) emitStepMetric(label string, count int64, err error) {
	if s.metrics == nil {
		return
	}
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}
	tags := map[string]string{"step": label, "result": result}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	s.metrics.Count("reaper.step", 1, tags)
	if count > 0 {
		s.metrics.Count("reaper.affected", count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if s.logger != nil {
		s.logger.Error("reaper "+label+" failed", "err", err)
	}
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
