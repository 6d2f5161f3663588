package data

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/domain/model"
	apperrors "github.com/mailsift/verifyq/internal/errors"
)

// ContactRepo provides database operations for the global contact registry.
type ContactRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

var _ core.ContactRepository = (*ContactRepo)(nil)

// NewContactRepo creates a new ContactRepo with the given database connection and configuration.
func NewContactRepo(db *sql.DB, cfg RepoConfig) *ContactRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &ContactRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const contactColumns = `
  id,
  email,
  status,
  reason,
  score,
  provider,
  toxic,
  toxicity,
  verified_at,
  created_at,
  updated_at
`

// EnsureContacts upserts contacts for the given emails and returns a map of
// lower-cased email → contact id. Existing contacts keep their verification
// fields; only brand-new addresses get fresh rows.
func (r *ContactRepo) EnsureContacts(
	ctx context.Context,
	emails []string,
) (map[string]string, error) {
	if len(emails) == 0 {
		return nil, apperrors.Validation("at least one email is required")
	}

	normalized := make([]string, 0, len(emails))
	seen := make(map[string]struct{}, len(emails))
	for _, email := range emails {
		e := strings.ToLower(strings.TrimSpace(email))
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		normalized = append(normalized, e)
	}
	if len(normalized) == 0 {
		return nil, apperrors.Validation("no usable emails")
	}

	// The no-op DO UPDATE makes RETURNING yield ids for pre-existing rows too.
	rows, err := r.DB.QueryContext(ctx, `
		INSERT INTO contacts (email, created_at, updated_at)
		SELECT e, $2, $2 FROM unnest($1::text[]) AS e
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email
	`, normalized, r.timeProvider.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("ensure contacts: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	byEmail := make(map[string]string, len(normalized))
	for rows.Next() {
		var id, email string
		if scanErr := rows.Scan(&id, &email); scanErr != nil {
			return nil, fmt.Errorf("scan contact: %w", scanErr)
		}
		byEmail[email] = id
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("ensure contacts: %w", apperrors.MapDBError(rowsErr))
	}
	return byEmail, nil
}

// GetByEmail retrieves a contact by its lower-cased email address.
func (r *ContactRepo) GetByEmail(ctx context.Context, email string) (*model.Contact, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperrors.Validation("email is required")
	}

	row := r.DB.QueryRowContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE email = $1
	`, email)
	contact, err := scanContact(row)
	if err != nil {
		mapped := apperrors.MapDBError(err)
		if apperrors.IsNotFound(mapped) {
			return nil, mapped
		}
		return nil, fmt.Errorf("get contact: %w", mapped)
	}
	return contact, nil
}

// applyVerificationInTx updates a contact's verification fields inside an
// existing transaction. Last write wins; verified_at records when.
func applyVerificationInTx(
	ctx context.Context,
	tx pgx.Tx,
	contactID string,
	result *model.VerificationResult,
	now time.Time,
) error {
	_, err := tx.Exec(ctx, `
		UPDATE contacts
		SET status = $2,
		    reason = NULLIF($3, ''),
		    score = $4,
		    provider = NULLIF($5, ''),
		    toxic = NULLIF($6, ''),
		    toxicity = $7,
		    verified_at = $8,
		    updated_at = $8
		WHERE id = $1
	`, contactID, result.Status, result.Reason, result.Score,
		result.Provider, result.Toxic, result.Toxicity, now)
	if err != nil {
		return fmt.Errorf("apply contact verification: %w", err)
	}
	return nil
}

type contactScanner interface {
	Scan(dest ...any) error
}

func scanContact(scanner contactScanner) (*model.Contact, error) {
	contact := &model.Contact{}
	var status, reason, provider, toxic sql.NullString
	var score, toxicity sql.NullInt64
	var verifiedAt sql.NullTime
	if err := scanner.Scan(
		&contact.ID,
		&contact.Email,
		&status,
		&reason,
		&score,
		&provider,
		&toxic,
		&toxicity,
		&verifiedAt,
		&contact.CreatedAt,
		&contact.UpdatedAt,
	); err != nil {
		return nil, err
	}
	contact.Status = cloneNullString(status)
	contact.Reason = cloneNullString(reason)
	contact.Provider = cloneNullString(provider)
	contact.Toxic = cloneNullString(toxic)
	contact.Score = cloneNullInt(score)
	contact.Toxicity = cloneNullInt(toxicity)
	if verifiedAt.Valid {
		t := verifiedAt.Time.UTC()
		contact.VerifiedAt = &t
	}
	return contact, nil
}

func cloneNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}
