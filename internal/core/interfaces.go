// Package core defines the contracts between the verifyq service layer and
// its data/transport adapters.
package core

import (
	"context"
	"time"

	"github.com/mailsift/verifyq/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// Service implementations should depend on these interfaces, not concrete implementations.

// EnqueueItem is one email prepared for bulk insertion into the queue.
type EnqueueItem struct {
	ContactID string
	Email     string
	UserID    string
	RequestID string
	Priority  int
	DomainKey string
}

// FetchEligibleParams groups parameters for QueueRepository.FetchEligible.
type FetchEligibleParams struct {
	Limit       int
	MinPriority int
}

// RequestRef identifies the queue items belonging to one caller request.
type RequestRef struct {
	UserID    string
	RequestID string
}

// QueueRepository defines the interface for queue item data operations.
type QueueRepository interface {
	// Enqueue bulk-inserts items in queued status and returns the inserted ids.
	Enqueue(ctx context.Context, items []EnqueueItem) ([]string, error)
	// FetchEligible returns up to Limit queued items with priority >= MinPriority,
	// ordered by priority descending then enqueue time ascending.
	FetchEligible(ctx context.Context, params FetchEligibleParams) ([]model.QueueItem, error)
	// AssignToBatch conditionally moves still-queued items to assigned and
	// returns the ids that were actually claimed. Concurrent callers racing
	// over the same ids each win a disjoint subset.
	AssignToBatch(ctx context.Context, itemIDs []string, batchID string) ([]string, error)
	// MarkCompleted idempotently completes assigned items.
	MarkCompleted(ctx context.Context, itemIDs []string) (int64, error)
	// MarkFailed idempotently fails non-terminal items.
	MarkFailed(ctx context.Context, itemIDs []string) (int64, error)
	// ReleaseBatch returns a failed batch's items to the queue, failing those
	// that exhausted their attempt budget. Returns (requeued, failed).
	ReleaseBatch(ctx context.Context, batchID string) (int64, int64, error)
	// CancelRequest fails the remaining queued items of a request without
	// touching items already assigned to an in-flight batch.
	CancelRequest(ctx context.Context, ref RequestRef) (int64, error)
	// CompleteByContact completes the assigned item for one (batch, contact) pair.
	CompleteByContact(ctx context.Context, batchID, contactID string) (bool, error)
	// PurgeCompletedBefore deletes completed items older than the cutoff.
	PurgeCompletedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	// RequeueStaleAssigned returns items assigned longer than maxAge to queued
	// when their batch already reached a terminal state.
	RequeueStaleAssigned(ctx context.Context, maxAge time.Duration, limit int) (int64, error)
	// Stats returns counts of queue items by status, optionally scoped to a request.
	Stats(ctx context.Context, ref *RequestRef) (*model.QueueStats, error)
}

// BatchRepository defines the interface for batch data operations.
type BatchRepository interface {
	// CreateWithCeiling creates a batch in queued status iff the number of
	// non-terminal batches is below the ceiling. Returns a CapacityExceeded
	// error at the ceiling.
	CreateWithCeiling(ctx context.Context, req *model.CreateBatchRequest, ceiling int) (*model.Batch, error)
	GetByID(ctx context.Context, id string) (*model.Batch, error)
	// MarkProcessing records the external batch id and moves queued → processing.
	MarkProcessing(ctx context.Context, id, externalID string) (bool, error)
	// MarkDownloading moves processing → downloading.
	MarkDownloading(ctx context.Context, id string) (bool, error)
	// MarkCompleted moves processing|downloading → completed.
	MarkCompleted(ctx context.Context, id string) (bool, error)
	// MarkFailed moves any non-terminal status → failed with an error message.
	MarkFailed(ctx context.Context, id, errMsg string) (bool, error)
	// CancelQueued cancels a batch only while it is still queued: in one
	// transaction its assigned items return to the queue with the assignment
	// attempt refunded and the batch row is deleted. Reports the number of
	// released items, and false without side effects once the batch left
	// queued status.
	CancelQueued(ctx context.Context, id string) (int64, bool, error)
	// SetItemCount adjusts the item count after assignment races shrink a batch.
	SetItemCount(ctx context.Context, id string, count int) error
	// ActiveCount returns the number of batches in a non-terminal status.
	ActiveCount(ctx context.Context) (int, error)
	// ListInFlight returns batches awaiting external completion, oldest first.
	ListInFlight(ctx context.Context, limit int) ([]model.Batch, error)
	// Stats returns counts of batches by status.
	Stats(ctx context.Context) (*model.BatchStats, error)
}

// ContactRepository defines the interface for global contact data operations.
type ContactRepository interface {
	// EnsureContacts upserts contacts for the given emails and returns a map
	// of lower-cased email → contact id.
	EnsureContacts(ctx context.Context, emails []string) (map[string]string, error)
	GetByEmail(ctx context.Context, email string) (*model.Contact, error)
}

// RateLimiter defines the sliding-window budget over outbound API calls.
// Implementations must be centrally shared across worker instances.
type RateLimiter interface {
	// CanMakeCall reports whether a call would currently be admitted.
	CanMakeCall(ctx context.Context) (bool, error)
	// Acquire atomically admits and records one call. When denied it returns
	// the next time a slot opens.
	Acquire(ctx context.Context) (bool, time.Time, error)
	// RecordCall appends a call record; invoke exactly once per actual call.
	RecordCall(ctx context.Context) error
	// NextAvailableTime computes when the oldest in-window call expires.
	NextAvailableTime(ctx context.Context) (time.Time, error)
	// Prune drops call records older than the retention window.
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// BatchSubmission is the accepted response from the external verification API.
type BatchSubmission struct {
	ExternalID string
	Accepted   int
}

// BatchState is the externally reported processing state of a batch.
type BatchState struct {
	ExternalID string
	Status     string // "queued", "processing", "completed"
	Processed  int
	Total      int
}

// VerifierClient defines the external verification API surface.
type VerifierClient interface {
	// SubmitBatch submits emails for verification and returns the provider's
	// batch identifier.
	SubmitBatch(ctx context.Context, emails []string) (*BatchSubmission, error)
	// BatchStatus reports the provider-side processing state.
	BatchStatus(ctx context.Context, externalID string) (*BatchState, error)
	// BatchResults downloads per-email results for a finished batch.
	BatchResults(ctx context.Context, externalID string) ([]model.VerificationResult, error)
}

// Reconciler applies external verification results to storage.
type Reconciler interface {
	Apply(ctx context.Context, batchID string, results []model.VerificationResult) (*ReconcileOutcome, error)
}

// ReconcileOutcome summarizes one reconciliation pass.
type ReconcileOutcome struct {
	Applied int
	Skipped int
}
