package model

import (
	"errors"
	"time"
)

// BatchStatus represents the lifecycle state of an outbound verification batch.
type BatchStatus string

const (
	// BatchStatusQueued indicates the batch record exists but has not been submitted yet.
	BatchStatusQueued BatchStatus = "queued"
	// BatchStatusProcessing indicates the batch has been accepted by the verification API.
	BatchStatusProcessing BatchStatus = "processing"
	// BatchStatusDownloading indicates results are being fetched and reconciled.
	BatchStatusDownloading BatchStatus = "downloading"
	// BatchStatusCompleted indicates all results have been applied.
	BatchStatusCompleted BatchStatus = "completed"
	// BatchStatusFailed indicates submission or processing failed.
	BatchStatusFailed BatchStatus = "failed"
)

// Valid returns true if the BatchStatus is valid.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusQueued, BatchStatusProcessing, BatchStatusDownloading,
		BatchStatusCompleted, BatchStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// ActiveBatchStatuses are the non-terminal statuses counted against the
// concurrency ceiling.
var ActiveBatchStatuses = []BatchStatus{
	BatchStatusQueued,
	BatchStatusProcessing,
	BatchStatusDownloading,
}

// ErrNoEligibleItems is returned when a composition pass finds nothing to batch.
var ErrNoEligibleItems = errors.New("no eligible queue items")

// Batch represents one call-unit submitted to the external verification API.
type Batch struct {
	ID         string      `json:"id"                    db:"id"`
	UserID     string      `json:"user_id"               db:"user_id"`
	RequestID  string      `json:"request_id"            db:"request_id"`
	Status     BatchStatus `json:"status"                db:"status"`
	ItemCount  int         `json:"item_count"            db:"item_count"`
	ExternalID *string     `json:"external_id,omitempty" db:"external_id"`
	LastError  *string     `json:"last_error,omitempty"  db:"last_error"`
	CreatedAt  time.Time   `json:"created_at"            db:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"            db:"updated_at"`
}

// CreateBatchRequest represents a request to create a new batch record.
type CreateBatchRequest struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	ItemCount int    `json:"item_count"`
}

// Validate validates the CreateBatchRequest fields.
func (r *CreateBatchRequest) Validate() error {
	if r.UserID == "" {
		return errors.New("user id is required")
	}
	if r.RequestID == "" {
		return errors.New("request id is required")
	}
	if r.ItemCount <= 0 {
		return errors.New("item count must be positive")
	}
	return nil
}

// BatchStats represents counts of batches in each lifecycle state.
type BatchStats struct {
	Queued      int `json:"queued"`
	Processing  int `json:"processing"`
	Downloading int `json:"downloading"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
}

// Active returns the number of batches in a non-terminal state.
func (s BatchStats) Active() int {
	return s.Queued + s.Processing + s.Downloading
}

// Total returns the total number of batches across all states.
func (s BatchStats) Total() int {
	return s.Queued + s.Processing + s.Downloading + s.Completed + s.Failed
}
