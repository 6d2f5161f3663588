package testutil

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/data"
	"github.com/mailsift/verifyq/internal/domain/domainkey"
	"github.com/mailsift/verifyq/internal/domain/model"
)

// EnqueueEmails inserts contacts and queued items for the given emails and
// returns the inserted item ids in order.
func EnqueueEmails(t TestingTB, db *sql.DB, userID, requestID string, priority int, emails []string) []string {
	t.Helper()

	ctx := context.Background()
	repoCfg := data.RepoConfig{}
	contacts := data.NewContactRepo(db, repoCfg)
	queue := data.NewQueueRepo(db, repoCfg)

	contactIDs, err := contacts.EnsureContacts(ctx, emails)
	if err != nil {
		t.Fatalf("ensure contacts: %v", err)
	}

	items := make([]core.EnqueueItem, 0, len(emails))
	for _, email := range emails {
		items = append(items, core.EnqueueItem{
			ContactID: contactIDs[email],
			Email:     email,
			UserID:    userID,
			RequestID: requestID,
			Priority:  priority,
			DomainKey: domainkey.ForEmail(email),
		})
	}

	ids, err := queue.Enqueue(ctx, items)
	if err != nil {
		t.Fatalf("enqueue items: %v", err)
	}
	return ids
}

// EmailsForDomains generates n addresses spread round-robin across the given
// domains: a0@d0, a1@d1, ...
func EmailsForDomains(n int, domains []string) []string {
	emails := make([]string, n)
	for i := range emails {
		emails[i] = fmt.Sprintf("user%d@%s", i, domains[i%len(domains)])
	}
	return emails
}

// CreateBatch inserts a batch row directly, bypassing the ceiling, for tests
// that need a batch in a specific state.
func CreateBatch(t TestingTB, db *sql.DB, userID, requestID, status string, itemCount int) string {
	t.Helper()

	var id string
	err := db.QueryRowContext(context.Background(), `
		INSERT INTO batches (user_id, request_id, status, item_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING id
	`, userID, requestID, status, itemCount).Scan(&id)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return id
}

// ItemStatus reads the status of one queue item.
func ItemStatus(t TestingTB, db *sql.DB, itemID string) string {
	t.Helper()

	var status string
	err := db.QueryRowContext(context.Background(),
		`SELECT status FROM queue_items WHERE id = $1`, itemID).Scan(&status)
	if err != nil {
		t.Fatalf("read item status: %v", err)
	}
	return status
}

// VerificationResultFor builds a deliverable result payload for an email.
func VerificationResultFor(email string) model.VerificationResult {
	return model.VerificationResult{
		Email:    email,
		Status:   string(model.VerificationDeliverable),
		Reason:   "accepted_email",
		Score:    100,
		Provider: "example-isp.test",
	}
}
