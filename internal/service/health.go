package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mailsift/verifyq/config"
	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/domain/model"
	apperrors "github.com/mailsift/verifyq/internal/errors"
	"github.com/mailsift/verifyq/internal/observability/statsd"
)

// HealthServiceOptions groups dependencies for HealthService.
type HealthServiceOptions struct {
	Queue   core.QueueRepository // Required
	Batches core.BatchRepository // Required
	Config  config.HealthConfig
	Ceiling int          // Batch concurrency ceiling used for utilization
	Metrics statsd.Sink  // Optional: gauge emission per snapshot
	Logger  *slog.Logger // Optional: structured logger
}

// HealthService aggregates queue and batch state into a health verdict.
// Snapshots are read-only; the only side effect is optional gauge emission.
type HealthService struct {
	queue   core.QueueRepository
	batches core.BatchRepository
	cfg     config.HealthConfig
	ceiling int
	metrics statsd.Sink
	logger  *slog.Logger
}

// NewHealthService constructs a new HealthService.
func NewHealthService(opts HealthServiceOptions) (*HealthService, error) {
	if opts.Queue == nil {
		return nil, errors.New("QueueRepository is required")
	}
	if opts.Batches == nil {
		return nil, errors.New("BatchRepository is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	ceiling := opts.Ceiling
	if ceiling <= 0 {
		ceiling = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HealthService{
		queue:   opts.Queue,
		batches: opts.Batches,
		cfg:     cfg,
		ceiling: ceiling,
		metrics: opts.Metrics,
		logger:  logger.With("component", "health_service"),
	}, nil
}

// Snapshot computes the current health status. A storage failure yields an
// unhealthy verdict rather than an error so callers always get an answer.
func (s *HealthService) Snapshot(ctx context.Context) *model.HealthStatus {
	queueStats, err := s.queue.Stats(ctx, nil)
	if err != nil {
		return s.unreachable(ctx, fmt.Errorf("queue stats: %w", err))
	}
	batchStats, err := s.batches.Stats(ctx)
	if err != nil {
		return s.unreachable(ctx, fmt.Errorf("batch stats: %w", err))
	}

	status := &model.HealthStatus{
		Queue:       *queueStats,
		Batches:     *batchStats,
		ActiveCount: batchStats.Active(),
		Ceiling:     s.ceiling,
	}
	status.Utilization = float64(status.ActiveCount) / float64(s.ceiling)
	status.Verdict, status.Detail = s.judge(queueStats, status)
	status.SuccessRate = successRate(queueStats)

	s.emit(status)
	return status
}

func (s *HealthService) judge(queue *model.QueueStats, status *model.HealthStatus) (model.HealthVerdict, string) {
	rate := successRate(queue)
	settled := queue.Completed + queue.Failed

	// The success floor only fires once enough items settled to make the
	// ratio meaningful.
	if settled >= s.cfg.MinSample && rate < s.cfg.SuccessRateFloor {
		return model.HealthUnhealthy,
			fmt.Sprintf("success rate %.2f below floor %.2f", rate, s.cfg.SuccessRateFloor)
	}

	backlog := queue.Queued + queue.Assigned
	if backlog > s.cfg.MaxBacklog {
		return model.HealthDegraded,
			fmt.Sprintf("backlog %d exceeds threshold %d", backlog, s.cfg.MaxBacklog)
	}
	if status.Utilization >= s.cfg.SaturationThreshold {
		return model.HealthDegraded,
			fmt.Sprintf("batch utilization %.2f at or above %.2f", status.Utilization, s.cfg.SaturationThreshold)
	}
	return model.HealthHealthy, ""
}

func (s *HealthService) unreachable(ctx context.Context, cause error) *model.HealthStatus {
	s.logger.ErrorContext(ctx, "health snapshot storage failure", "err", cause)
	status := &model.HealthStatus{
		Verdict: model.HealthUnhealthy,
		Ceiling: s.ceiling,
		Detail:  apperrors.Storage("health snapshot", cause).Error(),
	}
	s.emit(status)
	return status
}

func (s *HealthService) emit(status *model.HealthStatus) {
	if s.metrics == nil {
		return
	}
	s.metrics.Gauge("queue.queued", float64(status.Queue.Queued), nil)
	s.metrics.Gauge("queue.assigned", float64(status.Queue.Assigned), nil)
	s.metrics.Gauge("queue.completed", float64(status.Queue.Completed), nil)
	s.metrics.Gauge("queue.failed", float64(status.Queue.Failed), nil)
	s.metrics.Gauge("batches.active", float64(status.ActiveCount), nil)
	s.metrics.Gauge("batches.utilization", status.Utilization, nil)
	s.metrics.Gauge("queue.success_rate", status.SuccessRate, nil)
	s.metrics.Gauge("health.verdict", verdictGauge(status.Verdict), nil)
}

func verdictGauge(v model.HealthVerdict) float64 {
	switch v {
	case model.HealthHealthy:
		return 0
	case model.HealthDegraded:
		return 1
	default:
		return 2
	}
}

// successRate is the completed fraction of settled items. Queued and assigned
// items have no outcome yet and are excluded from the denominator; with
// nothing settled the rate reports 1.
func successRate(queue *model.QueueStats) float64 {
	settled := queue.Completed + queue.Failed
	if settled == 0 {
		return 1
	}
	return float64(queue.Completed) / float64(settled)
}
