package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/domain/domainkey"
	"github.com/mailsift/verifyq/internal/domain/model"
	apperrors "github.com/mailsift/verifyq/internal/errors"
)

func newQueueService(t *testing.T, queue *fakeQueueRepo, contacts *fakeContacts) *QueueService {
	t.Helper()
	svc, err := NewQueueService(QueueServiceOptions{
		Queue:    queue,
		Contacts: contacts,
	})
	require.NoError(t, err)
	return svc
}

func TestNewQueueService_RequiresDependencies(t *testing.T) {
	_, err := NewQueueService(QueueServiceOptions{})
	require.Error(t, err)

	_, err = NewQueueService(QueueServiceOptions{Queue: &fakeQueueRepo{}})
	require.Error(t, err)
}

func TestQueueService_Enqueue(t *testing.T) {
	var inserted []core.EnqueueItem
	queue := &fakeQueueRepo{
		enqueueFn: func(items []core.EnqueueItem) ([]string, error) {
			inserted = items
			ids := make([]string, len(items))
			for i := range ids {
				ids[i] = items[i].Email
			}
			return ids, nil
		},
	}
	svc := newQueueService(t, queue, &fakeContacts{})

	ids, err := svc.Enqueue(context.Background(), &model.EnqueueRequest{
		UserID:    "u1",
		RequestID: "r1",
		Priority:  42,
		Emails: []string{
			"Alice@Example.com",
			"bob@example.org",
			"alice@example.com", // duplicate after normalization
		},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	require.Len(t, inserted, 2)
	assert.Equal(t, "alice@example.com", inserted[0].Email)
	assert.Equal(t, "bob@example.org", inserted[1].Email)
	for _, item := range inserted {
		assert.Equal(t, "u1", item.UserID)
		assert.Equal(t, "r1", item.RequestID)
		assert.Equal(t, 42, item.Priority)
		assert.NotEmpty(t, item.ContactID)
		assert.Equal(t, domainkey.ForEmail(item.Email), item.DomainKey)
	}
}

func TestQueueService_Enqueue_Validation(t *testing.T) {
	svc := newQueueService(t, &fakeQueueRepo{}, &fakeContacts{})
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, nil)
	assert.True(t, apperrors.IsValidation(err))

	_, err = svc.Enqueue(ctx, &model.EnqueueRequest{RequestID: "r", Emails: []string{"a@b.com"}})
	assert.Error(t, err, "missing user id should be rejected")

	_, err = svc.Enqueue(ctx, &model.EnqueueRequest{UserID: "u", RequestID: "r"})
	assert.Error(t, err, "empty email list should be rejected")
}

func TestQueueService_Cancel(t *testing.T) {
	var gotRef core.RequestRef
	queue := &fakeQueueRepo{
		cancelRequestFn: func(ref core.RequestRef) (int64, error) {
			gotRef = ref
			return 3, nil
		},
	}
	svc := newQueueService(t, queue, &fakeContacts{})

	n, err := svc.Cancel(context.Background(), "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, core.RequestRef{UserID: "u1", RequestID: "r1"}, gotRef)

	_, err = svc.Cancel(context.Background(), "", "r1")
	assert.True(t, apperrors.IsValidation(err))
	_, err = svc.Cancel(context.Background(), "u1", "")
	assert.True(t, apperrors.IsValidation(err))
}

func TestQueueService_Stats(t *testing.T) {
	var gotRef *core.RequestRef
	queue := &fakeQueueRepo{
		statsFn: func(ref *core.RequestRef) (*model.QueueStats, error) {
			gotRef = ref
			return &model.QueueStats{Queued: 5, Completed: 2}, nil
		},
	}
	svc := newQueueService(t, queue, &fakeContacts{})
	ctx := context.Background()

	stats, err := svc.Stats(ctx, "", "")
	require.NoError(t, err)
	assert.Nil(t, gotRef, "empty ids mean global stats")
	assert.Equal(t, 5, stats.Queued)

	_, err = svc.Stats(ctx, "u1", "r1")
	require.NoError(t, err)
	require.NotNil(t, gotRef)
	assert.Equal(t, "r1", gotRef.RequestID)

	_, err = svc.Stats(ctx, "u1", "")
	assert.True(t, apperrors.IsValidation(err), "user id without request id is rejected")
}
