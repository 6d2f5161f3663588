package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/data/pgxutil"
	"github.com/mailsift/verifyq/internal/domain/model"
	apperrors "github.com/mailsift/verifyq/internal/errors"
)

// ErrBatchNotFound is returned when a batch is not found.
var ErrBatchNotFound = errors.New("batch not found")

// Advisory lock namespace guarding the concurrency-ceiling check. Creating a
// batch counts active batches and inserts in one transaction; the lock
// serializes that check across worker instances so two concurrent submitters
// cannot both squeeze under the ceiling.
const advisoryLockCeilingMajor int64 = 2001

// BatchRepo provides database operations for batch lifecycle management.
type BatchRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

var _ core.BatchRepository = (*BatchRepo)(nil)

// NewBatchRepo creates a new BatchRepo with the given database connection and configuration.
func NewBatchRepo(db *sql.DB, cfg RepoConfig) *BatchRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &BatchRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const batchColumns = `
  id,
  user_id,
  request_id,
  status,
  item_count,
  external_id,
  last_error,
  created_at,
  updated_at
`

// CreateWithCeiling creates a batch in queued status iff the number of
// non-terminal batches is below the ceiling. The count and insert run under
// an advisory transaction lock, so the ceiling holds across concurrent
// submitters on separate instances.
func (r *BatchRepo) CreateWithCeiling(
	ctx context.Context,
	req *model.CreateBatchRequest,
	ceiling int,
) (*model.Batch, error) {
	if req == nil {
		return nil, apperrors.Validation("create batch request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid create batch request")
	}
	if ceiling < 1 {
		return nil, apperrors.Validation("ceiling must be positive")
	}

	var batch *model.Batch
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if _, lockErr := tx.Exec(ctx,
				`SELECT pg_advisory_xact_lock($1::integer, 0)`, advisoryLockCeilingMajor); lockErr != nil {
				return fmt.Errorf("acquire ceiling lock: %w", lockErr)
			}

			var active int
			if countErr := tx.QueryRow(ctx, `
				SELECT count(*) FROM batches
				WHERE status IN ('queued', 'processing', 'downloading')
			`).Scan(&active); countErr != nil {
				return fmt.Errorf("count active batches: %w", countErr)
			}
			if active >= ceiling {
				return apperrors.CapacityExceeded(
					fmt.Sprintf("active batch count %d is at the ceiling of %d", active, ceiling),
				)
			}

			now := r.timeProvider.Now().UTC()
			rows, insertErr := tx.Query(ctx, `
				INSERT INTO batches (user_id, request_id, status, item_count, created_at, updated_at)
				VALUES ($1, $2, 'queued', $3, $4, $4)
				RETURNING `+batchColumns,
				req.UserID, req.RequestID, req.ItemCount, now)
			if insertErr != nil {
				return fmt.Errorf("insert batch: %w", insertErr)
			}
			defer rows.Close()
			if !rows.Next() {
				if rerr := rows.Err(); rerr != nil {
					return rerr
				}
				return pgx.ErrNoRows
			}
			scanned, scanErr := scanBatch(rows)
			if scanErr != nil {
				return fmt.Errorf("scan batch: %w", scanErr)
			}
			batch = scanned
			return rows.Err()
		},
	})
	if err != nil {
		if apperrors.IsCapacityExceeded(err) {
			return nil, err
		}
		return nil, fmt.Errorf("create batch: %w", apperrors.MapDBError(err))
	}
	return batch, nil
}

// GetByID retrieves a batch by its ID.
func (r *BatchRepo) GetByID(ctx context.Context, id string) (*model.Batch, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+batchColumns+`
		FROM batches
		WHERE id = $1
	`, id)
	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", apperrors.MapDBError(err))
	}
	return batch, nil
}

// MarkProcessing records the external batch id and moves queued → processing.
// The conditional status predicate makes the transition single-shot.
func (r *BatchRepo) MarkProcessing(ctx context.Context, id, externalID string) (bool, error) {
	if externalID == "" {
		return false, apperrors.Validation("external id is required")
	}
	return r.transition(ctx, transitionParams{
		id:   id,
		info: "mark batch processing",
		query: `
			UPDATE batches
			SET status = 'processing', external_id = $2, updated_at = $3
			WHERE id = $1 AND status = 'queued'
		`,
		args: []any{id, externalID, r.timeProvider.Now().UTC()},
	})
}

// MarkDownloading moves processing → downloading while results are fetched.
func (r *BatchRepo) MarkDownloading(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, transitionParams{
		id:   id,
		info: "mark batch downloading",
		query: `
			UPDATE batches
			SET status = 'downloading', updated_at = $2
			WHERE id = $1 AND status = 'processing'
		`,
		args: []any{id, r.timeProvider.Now().UTC()},
	})
}

// MarkCompleted moves processing|downloading → completed. Duplicate
// completion events see zero rows affected and become no-ops.
func (r *BatchRepo) MarkCompleted(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, transitionParams{
		id:   id,
		info: "mark batch completed",
		query: `
			UPDATE batches
			SET status = 'completed', last_error = NULL, updated_at = $2
			WHERE id = $1 AND status IN ('processing', 'downloading')
		`,
		args: []any{id, r.timeProvider.Now().UTC()},
	})
}

// MarkFailed moves any non-terminal status → failed with an error message.
func (r *BatchRepo) MarkFailed(ctx context.Context, id, errMsg string) (bool, error) {
	return r.transition(ctx, transitionParams{
		id:   id,
		info: "mark batch failed",
		query: `
			UPDATE batches
			SET status = 'failed', last_error = $2, updated_at = $3
			WHERE id = $1 AND status IN ('queued', 'processing', 'downloading')
		`,
		args: []any{id, errMsg, r.timeProvider.Now().UTC()},
	})
}

// errCancelNotQueued rolls the CancelQueued transaction back when the batch
// already left queued status.
var errCancelNotQueued = errors.New("batch is not queued")

// CancelQueued cancels a batch only while it is still queued: its assigned
// items return to the queue with the assignment attempt refunded, then the
// batch row is deleted, all in one transaction. Once a batch is processing
// the external API owns its completion signal; the call reports false and
// touches nothing.
func (r *BatchRepo) CancelQueued(ctx context.Context, id string) (int64, bool, error) {
	if id == "" {
		return 0, false, apperrors.Validation("batch id is required")
	}

	var released int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			// Items first, so their batch_id references clear before the
			// delete. The assignment charged an attempt that no submission
			// consumed; refund it.
			res, execErr := tx.ExecContext(ctx, `
				UPDATE queue_items
				SET status      = 'queued',
				    batch_id    = NULL,
				    assigned_at = NULL,
				    attempts    = GREATEST(attempts - 1, 0)
				WHERE batch_id = $1 AND status = 'assigned'
			`, id)
			if execErr != nil {
				return fmt.Errorf("release cancelled batch items: %w", execErr)
			}
			var raErr error
			if released, raErr = res.RowsAffected(); raErr != nil {
				return raErr
			}

			res, execErr = tx.ExecContext(ctx, `
				DELETE FROM batches
				WHERE id = $1 AND status = 'queued'
			`, id)
			if execErr != nil {
				return fmt.Errorf("delete cancelled batch: %w", execErr)
			}
			n, raErr := res.RowsAffected()
			if raErr != nil {
				return raErr
			}
			if n == 0 {
				return errCancelNotQueued
			}
			return nil
		},
	})
	if errors.Is(err, errCancelNotQueued) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cancel batch: %w", apperrors.MapDBError(err))
	}
	return released, true, nil
}

// SetItemCount adjusts the item count after assignment races shrink a batch.
func (r *BatchRepo) SetItemCount(ctx context.Context, id string, count int) error {
	if count < 0 {
		return apperrors.Validation("item count must not be negative")
	}
	_, err := r.DB.ExecContext(ctx, `
		UPDATE batches
		SET item_count = $2, updated_at = $3
		WHERE id = $1
	`, id, count, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("set batch item count: %w", apperrors.MapDBError(err))
	}
	return nil
}

// ActiveCount returns the number of batches in a non-terminal status.
func (r *BatchRepo) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
		SELECT count(*) FROM batches
		WHERE status IN ('queued', 'processing', 'downloading')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active batches: %w", apperrors.MapDBError(err))
	}
	return n, nil
}

// ListInFlight returns batches awaiting external completion, oldest first.
func (r *BatchRepo) ListInFlight(ctx context.Context, limit int) ([]model.Batch, error) {
	if limit <= 0 {
		return nil, apperrors.Validation("limit must be positive")
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM batches
		WHERE status IN ('processing', 'downloading') AND external_id IS NOT NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list in-flight batches: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	batches := []model.Batch{}
	for rows.Next() {
		batch, scanErr := scanBatch(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan batch: %w", scanErr)
		}
		batches = append(batches, *batch)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("list in-flight batches: %w", apperrors.MapDBError(rowsErr))
	}
	return batches, nil
}

// Stats returns counts of batches by status.
func (r *BatchRepo) Stats(ctx context.Context) (*model.BatchStats, error) {
	var s model.BatchStats
	err := r.DB.QueryRowContext(ctx, `
	  SELECT
	    count(*) FILTER (WHERE status = 'queued')      AS queued,
	    count(*) FILTER (WHERE status = 'processing')  AS processing,
	    count(*) FILTER (WHERE status = 'downloading') AS downloading,
	    count(*) FILTER (WHERE status = 'completed')   AS completed,
	    count(*) FILTER (WHERE status = 'failed')      AS failed
	  FROM batches
	`).Scan(&s.Queued, &s.Processing, &s.Downloading, &s.Completed, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("batch stats: %w", apperrors.MapDBError(err))
	}
	return &s, nil
}

type transitionParams struct {
	id    string
	info  string
	query string
	args  []any
}

func (r *BatchRepo) transition(ctx context.Context, p transitionParams) (bool, error) {
	if p.id == "" {
		return false, apperrors.Validation("batch id is required")
	}
	res, err := r.DB.ExecContext(ctx, p.query, p.args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", p.info, apperrors.MapDBError(err))
	}
	n, err := rowsAffected(res, p.info)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type batchScanner interface {
	Scan(dest ...any) error
}

func scanBatch(scanner batchScanner) (*model.Batch, error) {
	batch := &model.Batch{}
	var externalID, lastError sql.NullString
	if err := scanner.Scan(
		&batch.ID,
		&batch.UserID,
		&batch.RequestID,
		&batch.Status,
		&batch.ItemCount,
		&externalID,
		&lastError,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if externalID.Valid {
		v := externalID.String
		batch.ExternalID = &v
	}
	if lastError.Valid {
		v := lastError.String
		batch.LastError = &v
	}
	return batch, nil
}
