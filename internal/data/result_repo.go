package data

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mailsift/verifyq/internal/data/pgxutil"
	"github.com/mailsift/verifyq/internal/domain/model"
	apperrors "github.com/mailsift/verifyq/internal/errors"
)

// ResultRepo applies external verification payloads: the contact update, the
// per-(batch, contact) result row, and the queue item transition happen in
// one transaction per result, so partial application is never observable.
type ResultRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewResultRepo creates a new ResultRepo with the given database connection and configuration.
func NewResultRepo(db *sql.DB, cfg RepoConfig) *ResultRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &ResultRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

// ApplyResult atomically applies one verification result for a batch:
// resolves (creating if new) the global contact, applies last-write-wins
// verification fields, upserts the batch_results row keyed on
// (batch_id, contact_id), and completes the matching queue item. Re-applying
// the same payload merges rather than duplicates.
func (r *ResultRepo) ApplyResult(
	ctx context.Context,
	batchID string,
	result *model.VerificationResult,
) error {
	if batchID == "" {
		return apperrors.Validation("batch id is required")
	}
	if result == nil {
		return apperrors.Validation("result is required")
	}
	if err := result.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid verification result")
	}

	email := strings.ToLower(strings.TrimSpace(result.Email))
	now := r.timeProvider.Now().UTC()

	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var contactID string
			if err := tx.QueryRow(ctx, `
				INSERT INTO contacts (email, created_at, updated_at)
				VALUES ($1, $2, $2)
				ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
				RETURNING id
			`, email, now).Scan(&contactID); err != nil {
				return fmt.Errorf("resolve contact: %w", err)
			}

			if err := applyVerificationInTx(ctx, tx, contactID, result, now); err != nil {
				return err
			}

			if err := upsertBatchResultInTx(ctx, tx, upsertBatchResultParams{
				batchID:   batchID,
				contactID: contactID,
				result:    result,
				now:       now,
			}); err != nil {
				return err
			}

			// Duplicate deliveries find no assigned item; that is a no-op.
			if _, err := tx.Exec(ctx, `
				UPDATE queue_items
				SET status = 'completed', completed_at = $3
				WHERE batch_id = $1 AND contact_id = $2 AND status = 'assigned'
			`, batchID, contactID, now); err != nil {
				return fmt.Errorf("complete queue item: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("apply result for %s: %w", email, apperrors.MapDBError(err))
	}
	return nil
}

type upsertBatchResultParams struct {
	batchID   string
	contactID string
	result    *model.VerificationResult
	now       time.Time
}

func upsertBatchResultInTx(ctx context.Context, tx pgx.Tx, p upsertBatchResultParams) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO batch_results
		  (batch_id, contact_id, status, reason, score, provider, toxic, toxicity,
		   domain_info, account_info, dns_info, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), NULLIF($7, ''), $8,
		        $9, $10, $11, $12, $12)
		ON CONFLICT (batch_id, contact_id) DO UPDATE
		SET status = EXCLUDED.status,
		    reason = EXCLUDED.reason,
		    score = EXCLUDED.score,
		    provider = EXCLUDED.provider,
		    toxic = EXCLUDED.toxic,
		    toxicity = EXCLUDED.toxicity,
		    domain_info = EXCLUDED.domain_info,
		    account_info = EXCLUDED.account_info,
		    dns_info = EXCLUDED.dns_info,
		    updated_at = EXCLUDED.updated_at
	`, p.batchID, p.contactID, p.result.Status, p.result.Reason, p.result.Score,
		p.result.Provider, p.result.Toxic, p.result.Toxicity,
		rawOrNil(p.result.DomainInfo), rawOrNil(p.result.AccountInfo), rawOrNil(p.result.DNSInfo),
		p.now)
	if err != nil {
		return fmt.Errorf("upsert batch result: %w", err)
	}
	return nil
}

// GetByBatchAndContact retrieves the stored result row for one pair.
func (r *ResultRepo) GetByBatchAndContact(
	ctx context.Context,
	batchID, contactID string,
) (*model.BatchResult, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, batch_id, contact_id, status, reason, score, provider, toxic, toxicity,
		       domain_info, account_info, dns_info, created_at, updated_at
		FROM batch_results
		WHERE batch_id = $1 AND contact_id = $2
	`, batchID, contactID)

	br := &model.BatchResult{}
	var reason, provider, toxic sql.NullString
	var score, toxicity sql.NullInt64
	var domainInfo, accountInfo, dnsInfo []byte
	if err := row.Scan(
		&br.ID, &br.BatchID, &br.ContactID, &br.Status,
		&reason, &score, &provider, &toxic, &toxicity,
		&domainInfo, &accountInfo, &dnsInfo,
		&br.CreatedAt, &br.UpdatedAt,
	); err != nil {
		mapped := apperrors.MapDBError(err)
		if apperrors.IsNotFound(mapped) {
			return nil, mapped
		}
		return nil, fmt.Errorf("get batch result: %w", mapped)
	}
	br.Reason = cloneNullString(reason)
	br.Provider = cloneNullString(provider)
	br.Toxic = cloneNullString(toxic)
	br.Score = cloneNullInt(score)
	br.Toxicity = cloneNullInt(toxicity)
	br.DomainInfo = append([]byte(nil), domainInfo...)
	br.AccountInfo = append([]byte(nil), accountInfo...)
	br.DNSInfo = append([]byte(nil), dnsInfo...)
	return br, nil
}

// CountByBatch returns the number of stored result rows for a batch.
func (r *ResultRepo) CountByBatch(ctx context.Context, batchID string) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM batch_results WHERE batch_id = $1`, batchID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count batch results: %w", apperrors.MapDBError(err))
	}
	return n, nil
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
