// Package model defines the core data types and structures used throughout the verifyq batch queue.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// QueueItemStatus represents the lifecycle state of a queued email.
type QueueItemStatus string

const (
	// QueueItemStatusQueued indicates the item is waiting to be drawn into a batch.
	QueueItemStatusQueued QueueItemStatus = "queued"
	// QueueItemStatusAssigned indicates the item belongs to an in-flight batch.
	QueueItemStatusAssigned QueueItemStatus = "assigned"
	// QueueItemStatusCompleted indicates the item's verification result has been applied.
	QueueItemStatusCompleted QueueItemStatus = "completed"
	// QueueItemStatusFailed indicates the item exhausted its retry budget or was cancelled.
	QueueItemStatusFailed QueueItemStatus = "failed"
)

// Valid returns true if the QueueItemStatus is valid.
func (s QueueItemStatus) Valid() bool {
	return s == QueueItemStatusQueued || s == QueueItemStatusAssigned ||
		s == QueueItemStatusCompleted || s == QueueItemStatusFailed
}

// Terminal returns true if the status is a terminal state.
func (s QueueItemStatus) Terminal() bool {
	return s == QueueItemStatusCompleted || s == QueueItemStatusFailed
}

// QueueItem represents one email pending or undergoing verification.
type QueueItem struct {
	ID          string          `json:"id"                     db:"id"`
	ContactID   string          `json:"contact_id"             db:"contact_id"`
	Email       string          `json:"email"                  db:"email"`
	UserID      string          `json:"user_id"                db:"user_id"`
	RequestID   string          `json:"request_id"             db:"request_id"`
	Status      QueueItemStatus `json:"status"                 db:"status"`
	Priority    int             `json:"priority"               db:"priority"`
	DomainKey   string          `json:"domain_key"             db:"domain_key"`
	BatchID     *string         `json:"batch_id,omitempty"     db:"batch_id"`
	Attempts    int             `json:"attempts"               db:"attempts"`
	MaxAttempts int             `json:"max_attempts"           db:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"             db:"created_at"`
	AssignedAt  *time.Time      `json:"assigned_at,omitempty"  db:"assigned_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// EnqueueRequest represents a request to enqueue a set of emails for verification.
type EnqueueRequest struct {
	Emails    []string `json:"emails"`
	UserID    string   `json:"user_id"`
	RequestID string   `json:"request_id"`
	Priority  int      `json:"priority"`
}

// Validate validates the EnqueueRequest fields.
func (r *EnqueueRequest) Validate() error {
	if len(r.Emails) == 0 {
		return errors.New("emails is required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(r.RequestID) == "" {
		return errors.New("request id is required")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	for i, email := range r.Emails {
		if !strings.Contains(email, "@") {
			return fmt.Errorf("emails[%d]: not a valid email address", i)
		}
	}
	return nil
}

// QueueStats represents counts of queue items in each lifecycle state.
type QueueStats struct {
	Queued    int `json:"queued"`
	Assigned  int `json:"assigned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Total returns the total number of items across all states.
func (s QueueStats) Total() int {
	return s.Queued + s.Assigned + s.Completed + s.Failed
}
