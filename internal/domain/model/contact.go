package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// VerificationStatus is the outcome reported by the external verification API
// for a single email address.
type VerificationStatus string

const (
	// VerificationDeliverable indicates the mailbox accepts mail.
	VerificationDeliverable VerificationStatus = "deliverable"
	// VerificationUndeliverable indicates the mailbox rejected verification.
	VerificationUndeliverable VerificationStatus = "undeliverable"
	// VerificationRisky indicates the mailbox is catch-all, disposable, or low quality.
	VerificationRisky VerificationStatus = "risky"
	// VerificationUnknown indicates the provider could not be reached.
	VerificationUnknown VerificationStatus = "unknown"
)

// Valid returns true if the VerificationStatus is valid.
func (s VerificationStatus) Valid() bool {
	switch s {
	case VerificationDeliverable, VerificationUndeliverable, VerificationRisky, VerificationUnknown:
		return true
	default:
		return false
	}
}

// Contact is the deduplicated record of an email address across the whole
// system, carrying its most recent verification outcome. Verification fields
// are last-write-wins.
type Contact struct {
	ID         string     `json:"id"                    db:"id"`
	Email      string     `json:"email"                 db:"email"`
	Status     *string    `json:"status,omitempty"      db:"status"`
	Reason     *string    `json:"reason,omitempty"      db:"reason"`
	Score      *int       `json:"score,omitempty"       db:"score"`
	Provider   *string    `json:"provider,omitempty"    db:"provider"`
	Toxic      *string    `json:"toxic,omitempty"       db:"toxic"`
	Toxicity   *int       `json:"toxicity,omitempty"    db:"toxicity"`
	VerifiedAt *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	CreatedAt  time.Time  `json:"created_at"            db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"            db:"updated_at"`
}

// VerificationResult is one per-email payload returned by the external
// verification API for a batch.
type VerificationResult struct {
	Email       string          `json:"email"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	Score       int             `json:"score,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Toxic       string          `json:"toxic,omitempty"`
	Toxicity    int             `json:"toxicity,omitempty"`
	DomainInfo  json.RawMessage `json:"domain,omitempty"`
	AccountInfo json.RawMessage `json:"account,omitempty"`
	DNSInfo     json.RawMessage `json:"dns,omitempty"`
}

// Validate validates the minimal VerificationResult fields.
func (r *VerificationResult) Validate() error {
	if strings.TrimSpace(r.Email) == "" {
		return errors.New("email is required")
	}
	if r.Status == "" {
		return errors.New("status is required")
	}
	return nil
}

// BatchResult is one stored row per (batch, contact) pairing recording the
// detailed verification payload. Unique on that pair; re-processing upserts.
type BatchResult struct {
	ID          string          `json:"id"                     db:"id"`
	BatchID     string          `json:"batch_id"               db:"batch_id"`
	ContactID   string          `json:"contact_id"             db:"contact_id"`
	Status      string          `json:"status"                 db:"status"`
	Reason      *string         `json:"reason,omitempty"       db:"reason"`
	Score       *int            `json:"score,omitempty"        db:"score"`
	Provider    *string         `json:"provider,omitempty"     db:"provider"`
	Toxic       *string         `json:"toxic,omitempty"        db:"toxic"`
	Toxicity    *int            `json:"toxicity,omitempty"     db:"toxicity"`
	DomainInfo  json.RawMessage `json:"domain_info,omitempty"  db:"domain_info"`
	AccountInfo json.RawMessage `json:"account_info,omitempty" db:"account_info"`
	DNSInfo     json.RawMessage `json:"dns_info,omitempty"     db:"dns_info"`
	CreatedAt   time.Time       `json:"created_at"             db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"             db:"updated_at"`
}
