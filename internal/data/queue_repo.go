// Package data provides the PostgreSQL and Redis persistence layer for the
// verifyq batch queue.
package data

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/data/pgxutil"
	"github.com/mailsift/verifyq/internal/domain/model"
	apperrors "github.com/mailsift/verifyq/internal/errors"
)

// RepoConfig holds configuration options shared by the data repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider

	// ItemMaxAttempts is the retry budget stamped on newly enqueued items.
	ItemMaxAttempts int
}

// QueueRepo provides database operations for queue item bookkeeping.
type QueueRepo struct {
	DB              *sql.DB
	timeProvider    TimeProvider
	logger          *slog.Logger
	itemMaxAttempts int
}

var _ core.QueueRepository = (*QueueRepo)(nil)

// NewQueueRepo creates a new QueueRepo with the given database connection and configuration.
func NewQueueRepo(db *sql.DB, cfg RepoConfig) *QueueRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	maxAttempts := cfg.ItemMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultItemMaxAttempts
	}
	return &QueueRepo{
		DB:              db,
		timeProvider:    tp,
		logger:          cfg.Logger,
		itemMaxAttempts: maxAttempts,
	}
}

const queueItemColumns = `
  id,
  contact_id,
  email,
  user_id,
  request_id,
  status,
  priority,
  domain_key,
  batch_id,
  attempts,
  max_attempts,
  created_at,
  assigned_at,
  completed_at
`

// Enqueue bulk-inserts items in queued status and returns the inserted ids.
// Arrival order is preserved by the seq column, which breaks FIFO ties within
// a priority tier.
func (r *QueueRepo) Enqueue(ctx context.Context, items []core.EnqueueItem) ([]string, error) {
	if len(items) == 0 {
		return nil, apperrors.Validation("at least one item is required")
	}

	contactIDs := make([]string, len(items))
	emails := make([]string, len(items))
	userIDs := make([]string, len(items))
	requestIDs := make([]string, len(items))
	priorities := make([]int, len(items))
	domainKeys := make([]string, len(items))
	for i, item := range items {
		if item.ContactID == "" || item.Email == "" {
			return nil, apperrors.Validationf("items[%d]: contact id and email are required", i)
		}
		contactIDs[i] = item.ContactID
		emails[i] = item.Email
		userIDs[i] = item.UserID
		requestIDs[i] = item.RequestID
		priorities[i] = item.Priority
		domainKeys[i] = item.DomainKey
	}

	rows, err := r.DB.QueryContext(ctx, `
		INSERT INTO queue_items
		  (contact_id, email, user_id, request_id, status, priority, domain_key, max_attempts, created_at)
		SELECT t.contact_id, t.email, t.user_id, t.request_id, 'queued', t.priority, t.domain_key, $7, $8
		FROM unnest(
		  $1::uuid[], $2::text[], $3::text[], $4::text[], $5::int[], $6::text[]
		) WITH ORDINALITY AS t(contact_id, email, user_id, request_id, priority, domain_key, ord)
		ORDER BY t.ord
		RETURNING id
	`, contactIDs, emails, userIDs, requestIDs, priorities, domainKeys,
		r.itemMaxAttempts, r.timeProvider.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("enqueue items: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	ids := make([]string, 0, len(items))
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("scan enqueued id: %w", scanErr)
		}
		ids = append(ids, id)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("enqueue items: %w", apperrors.MapDBError(rowsErr))
	}
	return ids, nil
}

const defaultItemMaxAttempts = 3

// FetchEligible returns up to Limit queued items with priority >= MinPriority.
// Ordering is the fairness contract: priority descending, then arrival order
// within a tier so no item starves.
func (r *QueueRepo) FetchEligible(
	ctx context.Context,
	params core.FetchEligibleParams,
) ([]model.QueueItem, error) {
	if params.Limit <= 0 {
		return nil, apperrors.Validation("limit must be positive")
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+queueItemColumns+`
		FROM queue_items
		WHERE status = 'queued' AND priority >= $2
		ORDER BY priority DESC, seq ASC
		LIMIT $1
	`, params.Limit, params.MinPriority)
	if err != nil {
		return nil, fmt.Errorf("fetch eligible items: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	return collectQueueItems(rows)
}

// AssignToBatch is the composer's compare-and-swap: only items still queued
// transition, so concurrent composers racing over the same ids each claim a
// disjoint subset. Each claim consumes one attempt from the item's budget.
func (r *QueueRepo) AssignToBatch(
	ctx context.Context,
	itemIDs []string,
	batchID string,
) ([]string, error) {
	if len(itemIDs) == 0 {
		return nil, apperrors.Validation("at least one item id is required")
	}
	if batchID == "" {
		return nil, apperrors.Validation("batch id is required")
	}

	rows, err := r.DB.QueryContext(ctx, `
		UPDATE queue_items
		SET status = 'assigned',
		    batch_id = $2,
		    assigned_at = $3,
		    attempts = attempts + 1
		WHERE id = ANY($1::uuid[]) AND status = 'queued'
		RETURNING id
	`, itemIDs, batchID, r.timeProvider.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("assign items to batch: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	var claimed []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("scan assigned id: %w", scanErr)
		}
		claimed = append(claimed, id)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("assign items to batch: %w", apperrors.MapDBError(rowsErr))
	}
	return claimed, nil
}

// MarkCompleted completes assigned items. Re-marking an already-terminal item
// is a no-op, not an error.
func (r *QueueRepo) MarkCompleted(ctx context.Context, itemIDs []string) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, apperrors.Validation("at least one item id is required")
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'completed', completed_at = $2
		WHERE id = ANY($1::uuid[]) AND status = 'assigned'
	`, itemIDs, r.timeProvider.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mark items completed: %w", apperrors.MapDBError(err))
	}
	return rowsAffected(res, "mark items completed")
}

// MarkFailed fails non-terminal items. Idempotent on terminal items.
func (r *QueueRepo) MarkFailed(ctx context.Context, itemIDs []string) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, apperrors.Validation("at least one item id is required")
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'failed', completed_at = $2
		WHERE id = ANY($1::uuid[]) AND status IN ('queued', 'assigned')
	`, itemIDs, r.timeProvider.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mark items failed: %w", apperrors.MapDBError(err))
	}
	return rowsAffected(res, "mark items failed")
}

// ReleaseBatch returns a failed batch's items to the queue so they can be
// retried in a later batch. Items that already consumed their attempt budget
// are failed instead, preserving at-least-once verification without unbounded
// retries.
func (r *QueueRepo) ReleaseBatch(ctx context.Context, batchID string) (int64, int64, error) {
	if batchID == "" {
		return 0, 0, apperrors.Validation("batch id is required")
	}

	rows, err := r.DB.QueryContext(ctx, `
		UPDATE queue_items
		SET status       = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
		    batch_id     = CASE WHEN attempts >= max_attempts THEN batch_id ELSE NULL END,
		    assigned_at  = NULL,
		    completed_at = CASE WHEN attempts >= max_attempts THEN $2::timestamptz ELSE NULL END
		WHERE batch_id = $1 AND status = 'assigned'
		RETURNING status = 'queued'
	`, batchID, r.timeProvider.Now().UTC())
	if err != nil {
		return 0, 0, fmt.Errorf("release batch items: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	var requeued, failed int64
	for rows.Next() {
		var backToQueue bool
		if scanErr := rows.Scan(&backToQueue); scanErr != nil {
			return 0, 0, fmt.Errorf("scan released item: %w", scanErr)
		}
		if backToQueue {
			requeued++
		} else {
			failed++
		}
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return 0, 0, fmt.Errorf("release batch items: %w", apperrors.MapDBError(rowsErr))
	}
	return requeued, failed, nil
}

// CancelRequest fails the remaining queued items of a caller request. Items
// already assigned to an in-flight batch are left alone; their results are
// still applied when the batch finishes.
func (r *QueueRepo) CancelRequest(ctx context.Context, ref core.RequestRef) (int64, error) {
	if ref.UserID == "" || ref.RequestID == "" {
		return 0, apperrors.Validation("user id and request id are required")
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'failed', completed_at = $3
		WHERE user_id = $1 AND request_id = $2 AND status = 'queued'
	`, ref.UserID, ref.RequestID, r.timeProvider.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cancel request items: %w", apperrors.MapDBError(err))
	}
	return rowsAffected(res, "cancel request items")
}

// CompleteByContact completes the assigned item for one (batch, contact)
// pair. Returns false when no item was in an assignable state, which is how
// duplicate result deliveries become no-ops.
func (r *QueueRepo) CompleteByContact(ctx context.Context, batchID, contactID string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'completed', completed_at = $3
		WHERE batch_id = $1 AND contact_id = $2 AND status = 'assigned'
	`, batchID, contactID, r.timeProvider.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("complete item by contact: %w", apperrors.MapDBError(err))
	}
	n, err := rowsAffected(res, "complete item by contact")
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PurgeCompletedBefore deletes completed items older than the cutoff.
// Non-terminal items are never touched regardless of age. Deletion is
// batched to avoid long locks on large tables.
func (r *QueueRepo) PurgeCompletedBefore(
	ctx context.Context,
	cutoff time.Time,
	limit int,
) (int64, error) {
	if limit <= 0 {
		return 0, apperrors.Validation("limit must be positive")
	}

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM queue_items
		WHERE id IN (
		  SELECT id FROM queue_items
		  WHERE status = 'completed' AND completed_at < $1
		  LIMIT $2
		)
	`, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("purge completed items: %w", apperrors.MapDBError(err))
	}
	return rowsAffected(res, "purge completed items")
}

// RequeueStaleAssigned is the reaper's safety net: items stuck in assigned
// after their batch reached a terminal state go back to queued so a later
// composition pass can pick them up.
func (r *QueueRepo) RequeueStaleAssigned(
	ctx context.Context,
	maxAge time.Duration,
	limit int,
) (int64, error) {
	if limit <= 0 {
		return 0, apperrors.Validation("limit must be positive")
	}

	cutoff := r.timeProvider.Now().Add(-maxAge).UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'queued', batch_id = NULL, assigned_at = NULL
		WHERE id IN (
		  SELECT qi.id
		  FROM queue_items qi
		  JOIN batches b ON b.id = qi.batch_id
		  WHERE qi.status = 'assigned'
		    AND qi.assigned_at < $1
		    AND b.status IN ('completed', 'failed')
		  LIMIT $2
		)
	`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("requeue stale assigned items: %w", apperrors.MapDBError(err))
	}
	return rowsAffected(res, "requeue stale assigned items")
}

// Stats returns counts of queue items by status, optionally scoped to one
// caller request.
func (r *QueueRepo) Stats(ctx context.Context, ref *core.RequestRef) (*model.QueueStats, error) {
	query := `
	  SELECT
	    count(*) FILTER (WHERE status = 'queued')    AS queued,
	    count(*) FILTER (WHERE status = 'assigned')  AS assigned,
	    count(*) FILTER (WHERE status = 'completed') AS completed,
	    count(*) FILTER (WHERE status = 'failed')    AS failed
	  FROM queue_items
	`
	args := []any{}
	if ref != nil {
		query += ` WHERE user_id = $1 AND request_id = $2`
		args = append(args, ref.UserID, ref.RequestID)
	}

	var s model.QueueStats
	if err := r.DB.QueryRowContext(ctx, query, args...).
		Scan(&s.Queued, &s.Assigned, &s.Completed, &s.Failed); err != nil {
		return nil, fmt.Errorf("queue stats: %w", apperrors.MapDBError(err))
	}
	return &s, nil
}

// GetByID retrieves a queue item by its ID.
func (r *QueueRepo) GetByID(ctx context.Context, id string) (*model.QueueItem, error) {
	var item *model.QueueItem
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			SELECT `+queueItemColumns+`
			FROM queue_items
			WHERE id = $1
		`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		if !rows.Next() {
			if rerr := rows.Err(); rerr != nil {
				return rerr
			}
			return pgx.ErrNoRows
		}
		scanned, serr := scanQueueItem(rows)
		if serr != nil {
			return serr
		}
		item = scanned
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", apperrors.MapDBError(err))
	}
	return item, nil
}

type queueItemScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(scanner queueItemScanner) (*model.QueueItem, error) {
	item := &model.QueueItem{}
	var batchID sql.NullString
	var assignedAt, completedAt sql.NullTime
	if err := scanner.Scan(
		&item.ID,
		&item.ContactID,
		&item.Email,
		&item.UserID,
		&item.RequestID,
		&item.Status,
		&item.Priority,
		&item.DomainKey,
		&batchID,
		&item.Attempts,
		&item.MaxAttempts,
		&item.CreatedAt,
		&assignedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	if batchID.Valid {
		v := batchID.String
		item.BatchID = &v
	}
	if assignedAt.Valid {
		t := assignedAt.Time.UTC()
		item.AssignedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		item.CompletedAt = &t
	}
	return item, nil
}

func collectQueueItems(rows *sql.Rows) ([]model.QueueItem, error) {
	items := []model.QueueItem{}
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collect queue items: %w", apperrors.MapDBError(err))
	}
	return items, nil
}

func rowsAffected(res sql.Result, op string) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return n, nil
}
