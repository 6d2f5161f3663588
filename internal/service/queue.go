package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mailsift/verifyq/config"
	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/domain/domainkey"
	"github.com/mailsift/verifyq/internal/domain/model"
	apperrors "github.com/mailsift/verifyq/internal/errors"
)

// QueueServiceOptions groups dependencies for QueueService.
type QueueServiceOptions struct {
	Queue    core.QueueRepository   // Required: queue item repository
	Contacts core.ContactRepository // Required: global contact repository
	Config   config.QueueConfig     // Queue sizing and retry limits
	Logger   *slog.Logger           // Optional: structured logger
}

// QueueService accepts verification requests into the queue and exposes
// request-level cancellation and progress reporting.
type QueueService struct {
	queue    core.QueueRepository
	contacts core.ContactRepository
	cfg      config.QueueConfig
	logger   *slog.Logger
}

// NewQueueService constructs a new QueueService.
func NewQueueService(opts QueueServiceOptions) (*QueueService, error) {
	if opts.Queue == nil {
		return nil, errors.New("QueueRepository is required")
	}
	if opts.Contacts == nil {
		return nil, errors.New("ContactRepository is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &QueueService{
		queue:    opts.Queue,
		contacts: opts.Contacts,
		cfg:      cfg,
		logger:   logger.With("component", "queue_service"),
	}, nil
}

// Enqueue validates the request, upserts global contacts for every address,
// and bulk-inserts queue items in queued status. Duplicate addresses within
// the request collapse to one item each; addresses are matched
// case-insensitively. Returns the ids of the inserted items.
func (s *QueueService) Enqueue(ctx context.Context, req *model.EnqueueRequest) ([]string, error) {
	if req == nil {
		return nil, apperrors.Validation("enqueue request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Collapse duplicates up front so contact upsert and insert agree on the
	// item set.
	seen := make(map[string]struct{}, len(req.Emails))
	emails := make([]string, 0, len(req.Emails))
	for _, raw := range req.Emails {
		email := strings.ToLower(strings.TrimSpace(raw))
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		emails = append(emails, email)
	}

	contactIDs, err := s.contacts.EnsureContacts(ctx, emails)
	if err != nil {
		return nil, fmt.Errorf("ensure contacts: %w", err)
	}

	items := make([]core.EnqueueItem, 0, len(emails))
	for _, email := range emails {
		contactID, ok := contactIDs[email]
		if !ok {
			return nil, apperrors.Internalf("no contact id resolved for %s", email)
		}
		items = append(items, core.EnqueueItem{
			ContactID: contactID,
			Email:     email,
			UserID:    req.UserID,
			RequestID: req.RequestID,
			Priority:  req.Priority,
			DomainKey: domainkey.ForEmail(email),
		})
	}

	ids, err := s.queue.Enqueue(ctx, items)
	if err != nil {
		return nil, fmt.Errorf("enqueue items: %w", err)
	}

	s.logger.InfoContext(ctx, "enqueued verification items",
		"user_id", req.UserID,
		"request_id", req.RequestID,
		"requested", len(req.Emails),
		"inserted", len(ids),
	)
	return ids, nil
}

// Cancel fails the remaining queued items of a request. Items already
// assigned to an in-flight batch keep going; their results still land.
func (s *QueueService) Cancel(ctx context.Context, userID, requestID string) (int64, error) {
	if userID == "" {
		return 0, apperrors.ValidationField("user_id", "user id is required")
	}
	if requestID == "" {
		return 0, apperrors.ValidationField("request_id", "request id is required")
	}

	canceled, err := s.queue.CancelRequest(ctx, core.RequestRef{UserID: userID, RequestID: requestID})
	if err != nil {
		return 0, fmt.Errorf("cancel request: %w", err)
	}

	s.logger.InfoContext(ctx, "canceled queued items",
		"user_id", userID,
		"request_id", requestID,
		"canceled", canceled,
	)
	return canceled, nil
}

// Stats reports queue item counts by status. With a non-empty userID and
// requestID the counts are scoped to that request, which is how callers
// observe per-request progress.
func (s *QueueService) Stats(ctx context.Context, userID, requestID string) (*model.QueueStats, error) {
	var ref *core.RequestRef
	if userID != "" || requestID != "" {
		if userID == "" || requestID == "" {
			return nil, apperrors.Validation("user id and request id must be provided together")
		}
		ref = &core.RequestRef{UserID: userID, RequestID: requestID}
	}

	stats, err := s.queue.Stats(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}
