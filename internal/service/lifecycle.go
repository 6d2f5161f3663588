package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mailsift/verifyq/config"
	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/domain/compose"
	"github.com/mailsift/verifyq/internal/domain/model"
	apperrors "github.com/mailsift/verifyq/internal/errors"
)

// LifecycleServiceOptions groups dependencies for LifecycleService.
type LifecycleServiceOptions struct {
	Queue    core.QueueRepository // Required
	Batches  core.BatchRepository // Required
	Limiter  core.RateLimiter     // Required: shared outbound call budget
	Verifier core.VerifierClient  // Required: external verification API
	Config   config.QueueConfig
	Logger   *slog.Logger // Optional: structured logger
}

// LifecycleService owns the batch state machine: it composes batches from the
// queue under the concurrency ceiling and rate budget, submits them to the
// external verifier, and applies terminal transitions reported by the poller.
type LifecycleService struct {
	queue    core.QueueRepository
	batches  core.BatchRepository
	limiter  core.RateLimiter
	verifier core.VerifierClient
	cfg      config.QueueConfig
	logger   *slog.Logger
}

// NewLifecycleService constructs a new LifecycleService.
func NewLifecycleService(opts LifecycleServiceOptions) (*LifecycleService, error) {
	if opts.Queue == nil {
		return nil, errors.New("QueueRepository is required")
	}
	if opts.Batches == nil {
		return nil, errors.New("BatchRepository is required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("RateLimiter is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("VerifierClient is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &LifecycleService{
		queue:    opts.Queue,
		batches:  opts.Batches,
		limiter:  opts.Limiter,
		verifier: opts.Verifier,
		cfg:      cfg,
		logger:   logger.With("component", "lifecycle_service"),
	}, nil
}

// ComposeAndSubmit runs one composition pass: fetch eligible items, scope to
// the head item's request, interleave across domains, create the batch under
// the ceiling, claim items, and submit to the external API.
//
// Returns model.ErrNoEligibleItems when the queue has nothing to offer, a
// CapacityExceeded error at the batch ceiling, and a RateLimited error
// carrying the next slot time when the call budget is exhausted. All three
// are backpressure, not faults; runners retry on their next tick.
func (s *LifecycleService) ComposeAndSubmit(ctx context.Context) (*model.Batch, error) {
	eligible, err := s.queue.FetchEligible(ctx, core.FetchEligibleParams{
		Limit:       s.cfg.MaxBatchSize,
		MinPriority: s.cfg.MinPriority,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch eligible items: %w", err)
	}
	if len(eligible) == 0 {
		return nil, model.ErrNoEligibleItems
	}

	// A batch belongs to one request. The head item has the best
	// priority/age claim, so its request wins this pass; other requests
	// get picked up on later passes.
	head := eligible[0]
	scoped := eligible[:0:0]
	for _, item := range eligible {
		if item.UserID == head.UserID && item.RequestID == head.RequestID {
			scoped = append(scoped, item)
		}
	}
	ordered := compose.Interleave(scoped)

	// Cheap pre-checks, ceiling before rate budget; the authoritative
	// admissions are CreateWithCeiling and Acquire below.
	active, err := s.batches.ActiveCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active batches: %w", err)
	}
	if active >= s.cfg.MaxConcurrentBatches {
		return nil, apperrors.CapacityExceeded(fmt.Sprintf(
			"active batch count %d is at the ceiling of %d", active, s.cfg.MaxConcurrentBatches))
	}
	if ok, checkErr := s.limiter.CanMakeCall(ctx); checkErr != nil {
		return nil, checkErr
	} else if !ok {
		retryAt, nextErr := s.limiter.NextAvailableTime(ctx)
		if nextErr != nil {
			return nil, nextErr
		}
		return nil, apperrors.RateLimited("verifier call budget exhausted", retryAt)
	}

	batch, err := s.batches.CreateWithCeiling(ctx, &model.CreateBatchRequest{
		UserID:    head.UserID,
		RequestID: head.RequestID,
		ItemCount: len(ordered),
	}, s.cfg.MaxConcurrentBatches)
	if err != nil {
		return nil, err
	}

	itemIDs := make([]string, len(ordered))
	for i, item := range ordered {
		itemIDs[i] = item.ID
	}
	claimed, err := s.queue.AssignToBatch(ctx, itemIDs, batch.ID)
	if err != nil {
		s.abandonBatch(ctx, batch.ID)
		return nil, fmt.Errorf("assign items to batch %s: %w", batch.ID, err)
	}
	if len(claimed) == 0 {
		// A concurrent composer claimed everything between fetch and assign.
		s.abandonBatch(ctx, batch.ID)
		return nil, model.ErrNoEligibleItems
	}

	payload := ordered
	if len(claimed) < len(ordered) {
		claimedSet := make(map[string]struct{}, len(claimed))
		for _, id := range claimed {
			claimedSet[id] = struct{}{}
		}
		payload = payload[:0:0]
		for _, item := range ordered {
			if _, ok := claimedSet[item.ID]; ok {
				payload = append(payload, item)
			}
		}
		if countErr := s.batches.SetItemCount(ctx, batch.ID, len(payload)); countErr != nil {
			s.logger.WarnContext(ctx, "failed to correct batch item count",
				"batch_id", batch.ID, "err", countErr)
		}
		batch.ItemCount = len(payload)
	}

	allowed, retryAt, err := s.limiter.Acquire(ctx)
	if err != nil {
		s.abandonBatch(ctx, batch.ID)
		return nil, err
	}
	if !allowed {
		s.abandonBatch(ctx, batch.ID)
		return nil, apperrors.RateLimited("verifier call budget exhausted", retryAt)
	}

	emails := make([]string, len(payload))
	for i, item := range payload {
		emails[i] = item.Email
	}
	submission, err := s.verifier.SubmitBatch(ctx, emails)
	if err != nil {
		return nil, s.failSubmission(ctx, batch.ID, claimed, err)
	}

	if _, err := s.batches.MarkProcessing(ctx, batch.ID, submission.ExternalID); err != nil {
		return nil, fmt.Errorf("mark batch %s processing: %w", batch.ID, err)
	}
	batch.Status = model.BatchStatusProcessing
	batch.ExternalID = &submission.ExternalID

	s.logger.InfoContext(ctx, "batch submitted",
		"batch_id", batch.ID,
		"external_id", submission.ExternalID,
		"items", len(payload),
		"user_id", batch.UserID,
		"request_id", batch.RequestID,
	)
	return batch, nil
}

// abandonBatch unwinds a batch that was created but never submitted. The
// cancel returns the claimed items to the queue and refunds their assignment
// attempt; no verifier call happened, so the attempt budget stays untouched.
func (s *LifecycleService) abandonBatch(ctx context.Context, batchID string) {
	if _, ok, err := s.batches.CancelQueued(ctx, batchID); err != nil {
		s.logger.WarnContext(ctx, "failed to abandon batch",
			"batch_id", batchID, "err", err)
	} else if !ok {
		s.logger.WarnContext(ctx, "abandoned batch was no longer queued",
			"batch_id", batchID)
	}
}

// failSubmission applies the failure taxonomy after SubmitBatch returns an
// error. Permanent rejections fail the items outright; transient exhaustion
// returns them to the queue within their attempt budget.
func (s *LifecycleService) failSubmission(
	ctx context.Context,
	batchID string,
	claimed []string,
	submitErr error,
) error {
	if _, err := s.batches.MarkFailed(ctx, batchID, submitErr.Error()); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark batch failed",
			"batch_id", batchID, "err", err)
	}

	if apperrors.IsPermanentAPI(submitErr) {
		if _, err := s.queue.MarkFailed(ctx, claimed); err != nil {
			s.logger.ErrorContext(ctx, "failed to fail items of rejected batch",
				"batch_id", batchID, "err", err)
		}
		return fmt.Errorf("batch %s rejected by verifier: %w", batchID, submitErr)
	}

	requeued, failed, err := s.queue.ReleaseBatch(ctx, batchID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to release items of failed batch",
			"batch_id", batchID, "err", err)
	} else {
		s.logger.WarnContext(ctx, "batch submission failed, items released",
			"batch_id", batchID, "requeued", requeued, "failed", failed)
	}
	return fmt.Errorf("submit batch %s: %w", batchID, submitErr)
}

// BeginDownload claims the completed-results download for a batch. The
// conditional processing → downloading transition makes sure exactly one
// poller instance downloads, even when several observe completion at once.
func (s *LifecycleService) BeginDownload(ctx context.Context, batchID string) (bool, error) {
	ok, err := s.batches.MarkDownloading(ctx, batchID)
	if err != nil {
		return false, fmt.Errorf("mark batch %s downloading: %w", batchID, err)
	}
	return ok, nil
}

// CompleteBatch finishes a batch whose results were reconciled. Items the
// results never covered go back to the queue within their attempt budget so
// every enqueued email still gets verified.
func (s *LifecycleService) CompleteBatch(ctx context.Context, batchID string) error {
	ok, err := s.batches.MarkCompleted(ctx, batchID)
	if err != nil {
		return fmt.Errorf("mark batch %s completed: %w", batchID, err)
	}
	if !ok {
		// Another poller already completed it.
		return nil
	}

	requeued, failed, err := s.queue.ReleaseBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("release uncovered items of batch %s: %w", batchID, err)
	}
	if requeued > 0 || failed > 0 {
		s.logger.WarnContext(ctx, "batch completed with uncovered items",
			"batch_id", batchID, "requeued", requeued, "failed", failed)
	}
	return nil
}

// FailBatch applies an externally reported failure. The transition is
// single-shot: duplicate failure events from polling or webhooks find the
// batch already terminal and change nothing.
func (s *LifecycleService) FailBatch(ctx context.Context, batchID, reason string) error {
	ok, err := s.batches.MarkFailed(ctx, batchID, reason)
	if err != nil {
		return fmt.Errorf("mark batch %s failed: %w", batchID, err)
	}
	if !ok {
		return nil
	}

	requeued, failed, err := s.queue.ReleaseBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("release items of failed batch %s: %w", batchID, err)
	}
	s.logger.WarnContext(ctx, "batch failed",
		"batch_id", batchID, "reason", reason, "requeued", requeued, "failed", failed)
	return nil
}

// CancelBatch cancels a batch only while it is still queued. Once submitted
// the external API owns completion; callers cancel at the request level
// instead. A cancel that loses to submission changes nothing and reports a
// conflict, leaving the in-flight items for the batch's own results.
func (s *LifecycleService) CancelBatch(ctx context.Context, batchID string) error {
	if batchID == "" {
		return apperrors.Validation("batch id is required")
	}
	released, ok, err := s.batches.CancelQueued(ctx, batchID)
	if err != nil {
		return fmt.Errorf("cancel batch %s: %w", batchID, err)
	}
	if !ok {
		return apperrors.Conflict(fmt.Sprintf("batch %s is no longer queued", batchID))
	}
	s.logger.InfoContext(ctx, "batch cancelled",
		"batch_id", batchID, "released", released)
	return nil
}

// ActiveCount reports how many batches sit in a non-terminal status.
func (s *LifecycleService) ActiveCount(ctx context.Context) (int, error) {
	return s.batches.ActiveCount(ctx)
}

// ListInFlight returns batches awaiting external completion, oldest first.
func (s *LifecycleService) ListInFlight(ctx context.Context, limit int) ([]model.Batch, error) {
	return s.batches.ListInFlight(ctx, limit)
}
