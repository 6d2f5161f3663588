package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/domain/model"
	apperrors "github.com/mailsift/verifyq/internal/errors"
)

// ResultApplier applies a single verification result transactionally.
// *data.ResultRepo is the production implementation.
type ResultApplier interface {
	ApplyResult(ctx context.Context, batchID string, result *model.VerificationResult) error
}

// ReconcilerServiceOptions groups dependencies for ReconcilerService.
type ReconcilerServiceOptions struct {
	Results ResultApplier // Required: transactional result application
	Logger  *slog.Logger  // Optional: structured logger
}

// ReconcilerService ingests per-email verification results for a batch and
// applies each one transactionally: contact fields, the batch result row, and
// the queue item transition land together or not at all.
type ReconcilerService struct {
	results ResultApplier
	logger  *slog.Logger
}

// NewReconcilerService constructs a new ReconcilerService.
func NewReconcilerService(opts ReconcilerServiceOptions) (*ReconcilerService, error) {
	if opts.Results == nil {
		return nil, errors.New("ResultApplier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcilerService{
		results: opts.Results,
		logger:  logger.With("component", "reconciler"),
	}, nil
}

// Apply writes the given results against a batch. Individual results that
// fail validation or application are logged and skipped so one malformed
// payload entry cannot sink the rest of the batch; storage-level and context
// errors abort the pass since every remaining result would hit them too.
func (s *ReconcilerService) Apply(
	ctx context.Context,
	batchID string,
	results []model.VerificationResult,
) (*core.ReconcileOutcome, error) {
	if batchID == "" {
		return nil, apperrors.Validation("batch id is required")
	}

	outcome := &core.ReconcileOutcome{}
	for i := range results {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		result := &results[i]
		if err := s.results.ApplyResult(ctx, batchID, result); err != nil {
			if apperrors.IsStorage(err) || errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				return outcome, err
			}
			outcome.Skipped++
			s.logger.WarnContext(ctx, "skipping unapplicable result",
				"batch_id", batchID,
				"email", result.Email,
				"err", err,
			)
			continue
		}
		outcome.Applied++
	}

	s.logger.InfoContext(ctx, "reconciled batch results",
		"batch_id", batchID,
		"applied", outcome.Applied,
		"skipped", outcome.Skipped,
	)
	return outcome, nil
}
