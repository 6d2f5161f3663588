package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/domain/model"
)

// fakeQueueRepo is a function-field stub for core.QueueRepository. Unset
// fields return zero values; mutating calls are recorded for assertions.
type fakeQueueRepo struct {
	mu sync.Mutex

	enqueueFn       func(items []core.EnqueueItem) ([]string, error)
	fetchEligibleFn func(params core.FetchEligibleParams) ([]model.QueueItem, error)
	assignFn        func(itemIDs []string, batchID string) ([]string, error)
	markCompletedFn func(itemIDs []string) (int64, error)
	markFailedFn    func(itemIDs []string) (int64, error)
	releaseFn       func(batchID string) (int64, int64, error)
	cancelRequestFn func(ref core.RequestRef) (int64, error)
	statsFn         func(ref *core.RequestRef) (*model.QueueStats, error)
	purgeFn         func(cutoff time.Time, limit int) (int64, error)
	requeueStaleFn  func(maxAge time.Duration, limit int) (int64, error)

	releasedBatches []string
	failedItemIDs   [][]string
}

func (f *fakeQueueRepo) Enqueue(_ context.Context, items []core.EnqueueItem) ([]string, error) {
	if f.enqueueFn != nil {
		return f.enqueueFn(items)
	}
	return nil, nil
}

func (f *fakeQueueRepo) FetchEligible(_ context.Context, params core.FetchEligibleParams) ([]model.QueueItem, error) {
	if f.fetchEligibleFn != nil {
		return f.fetchEligibleFn(params)
	}
	return nil, nil
}

func (f *fakeQueueRepo) AssignToBatch(_ context.Context, itemIDs []string, batchID string) ([]string, error) {
	if f.assignFn != nil {
		return f.assignFn(itemIDs, batchID)
	}
	return itemIDs, nil
}

func (f *fakeQueueRepo) MarkCompleted(_ context.Context, itemIDs []string) (int64, error) {
	if f.markCompletedFn != nil {
		return f.markCompletedFn(itemIDs)
	}
	return int64(len(itemIDs)), nil
}

func (f *fakeQueueRepo) MarkFailed(_ context.Context, itemIDs []string) (int64, error) {
	f.mu.Lock()
	f.failedItemIDs = append(f.failedItemIDs, itemIDs)
	f.mu.Unlock()
	if f.markFailedFn != nil {
		return f.markFailedFn(itemIDs)
	}
	return int64(len(itemIDs)), nil
}

func (f *fakeQueueRepo) ReleaseBatch(_ context.Context, batchID string) (int64, int64, error) {
	f.mu.Lock()
	f.releasedBatches = append(f.releasedBatches, batchID)
	f.mu.Unlock()
	if f.releaseFn != nil {
		return f.releaseFn(batchID)
	}
	return 0, 0, nil
}

func (f *fakeQueueRepo) CancelRequest(_ context.Context, ref core.RequestRef) (int64, error) {
	if f.cancelRequestFn != nil {
		return f.cancelRequestFn(ref)
	}
	return 0, nil
}

func (f *fakeQueueRepo) CompleteByContact(context.Context, string, string) (bool, error) {
	return true, nil
}

func (f *fakeQueueRepo) PurgeCompletedBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	if f.purgeFn != nil {
		return f.purgeFn(cutoff, limit)
	}
	return 0, nil
}

func (f *fakeQueueRepo) RequeueStaleAssigned(_ context.Context, maxAge time.Duration, limit int) (int64, error) {
	if f.requeueStaleFn != nil {
		return f.requeueStaleFn(maxAge, limit)
	}
	return 0, nil
}

func (f *fakeQueueRepo) Stats(_ context.Context, ref *core.RequestRef) (*model.QueueStats, error) {
	if f.statsFn != nil {
		return f.statsFn(ref)
	}
	return &model.QueueStats{}, nil
}

func (f *fakeQueueRepo) released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.releasedBatches...)
}

func (f *fakeQueueRepo) failed() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.failedItemIDs...)
}

// fakeBatchRepo is a function-field stub for core.BatchRepository.
type fakeBatchRepo struct {
	mu sync.Mutex

	createFn          func(req *model.CreateBatchRequest, ceiling int) (*model.Batch, error)
	getByIDFn         func(id string) (*model.Batch, error)
	markProcessingFn  func(id, externalID string) (bool, error)
	markDownloadingFn func(id string) (bool, error)
	markCompletedFn   func(id string) (bool, error)
	markFailedFn      func(id, errMsg string) (bool, error)
	cancelFn          func(id string) (int64, bool, error)
	activeCountFn     func() (int, error)
	listInFlightFn    func(limit int) ([]model.Batch, error)
	statsFn           func() (*model.BatchStats, error)

	canceledIDs  []string
	failedIDs    []string
	itemCounts   map[string]int
	processingID string
}

func (f *fakeBatchRepo) CreateWithCeiling(_ context.Context, req *model.CreateBatchRequest, ceiling int) (*model.Batch, error) {
	if f.createFn != nil {
		return f.createFn(req, ceiling)
	}
	return &model.Batch{
		ID:        "batch-1",
		UserID:    req.UserID,
		RequestID: req.RequestID,
		Status:    model.BatchStatusQueued,
		ItemCount: req.ItemCount,
	}, nil
}

func (f *fakeBatchRepo) GetByID(_ context.Context, id string) (*model.Batch, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(id)
	}
	return &model.Batch{ID: id}, nil
}

func (f *fakeBatchRepo) MarkProcessing(_ context.Context, id, externalID string) (bool, error) {
	f.mu.Lock()
	f.processingID = externalID
	f.mu.Unlock()
	if f.markProcessingFn != nil {
		return f.markProcessingFn(id, externalID)
	}
	return true, nil
}

func (f *fakeBatchRepo) MarkDownloading(_ context.Context, id string) (bool, error) {
	if f.markDownloadingFn != nil {
		return f.markDownloadingFn(id)
	}
	return true, nil
}

func (f *fakeBatchRepo) MarkCompleted(_ context.Context, id string) (bool, error) {
	if f.markCompletedFn != nil {
		return f.markCompletedFn(id)
	}
	return true, nil
}

func (f *fakeBatchRepo) MarkFailed(_ context.Context, id, errMsg string) (bool, error) {
	f.mu.Lock()
	f.failedIDs = append(f.failedIDs, id)
	f.mu.Unlock()
	if f.markFailedFn != nil {
		return f.markFailedFn(id, errMsg)
	}
	return true, nil
}

func (f *fakeBatchRepo) CancelQueued(_ context.Context, id string) (int64, bool, error) {
	released, ok, err := int64(0), true, error(nil)
	if f.cancelFn != nil {
		released, ok, err = f.cancelFn(id)
	}
	// Only a winning cancel mutates anything, matching the real transaction.
	if ok && err == nil {
		f.mu.Lock()
		f.canceledIDs = append(f.canceledIDs, id)
		f.mu.Unlock()
	}
	return released, ok, err
}

func (f *fakeBatchRepo) SetItemCount(_ context.Context, id string, count int) error {
	f.mu.Lock()
	if f.itemCounts == nil {
		f.itemCounts = make(map[string]int)
	}
	f.itemCounts[id] = count
	f.mu.Unlock()
	return nil
}

func (f *fakeBatchRepo) ActiveCount(context.Context) (int, error) {
	if f.activeCountFn != nil {
		return f.activeCountFn()
	}
	return 0, nil
}

func (f *fakeBatchRepo) ListInFlight(_ context.Context, limit int) ([]model.Batch, error) {
	if f.listInFlightFn != nil {
		return f.listInFlightFn(limit)
	}
	return nil, nil
}

func (f *fakeBatchRepo) Stats(context.Context) (*model.BatchStats, error) {
	if f.statsFn != nil {
		return f.statsFn()
	}
	return &model.BatchStats{}, nil
}

func (f *fakeBatchRepo) canceled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.canceledIDs...)
}

func (f *fakeBatchRepo) markedFailed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.failedIDs...)
}

// fakeLimiter is a stub for core.RateLimiter that admits by default.
type fakeLimiter struct {
	canMakeCallFn func() (bool, error)
	acquireFn     func() (bool, time.Time, error)
	nextFn        func() (time.Time, error)
	pruneFn       func(retention time.Duration) (int64, error)

	acquired int
	recorded int
}

func (f *fakeLimiter) CanMakeCall(context.Context) (bool, error) {
	if f.canMakeCallFn != nil {
		return f.canMakeCallFn()
	}
	return true, nil
}

func (f *fakeLimiter) Acquire(context.Context) (bool, time.Time, error) {
	f.acquired++
	if f.acquireFn != nil {
		return f.acquireFn()
	}
	return true, time.Time{}, nil
}

func (f *fakeLimiter) RecordCall(context.Context) error {
	f.recorded++
	return nil
}

func (f *fakeLimiter) NextAvailableTime(context.Context) (time.Time, error) {
	if f.nextFn != nil {
		return f.nextFn()
	}
	return time.Time{}, nil
}

func (f *fakeLimiter) Prune(_ context.Context, retention time.Duration) (int64, error) {
	if f.pruneFn != nil {
		return f.pruneFn(retention)
	}
	return 0, nil
}

// fakeVerifier is a stub for core.VerifierClient.
type fakeVerifier struct {
	submitFn  func(emails []string) (*core.BatchSubmission, error)
	statusFn  func(externalID string) (*core.BatchState, error)
	resultsFn func(externalID string) ([]model.VerificationResult, error)

	submitted [][]string
}

func (f *fakeVerifier) SubmitBatch(_ context.Context, emails []string) (*core.BatchSubmission, error) {
	f.submitted = append(f.submitted, emails)
	if f.submitFn != nil {
		return f.submitFn(emails)
	}
	return &core.BatchSubmission{ExternalID: "ext-1", Accepted: len(emails)}, nil
}

func (f *fakeVerifier) BatchStatus(_ context.Context, externalID string) (*core.BatchState, error) {
	if f.statusFn != nil {
		return f.statusFn(externalID)
	}
	return &core.BatchState{ExternalID: externalID, Status: "processing"}, nil
}

func (f *fakeVerifier) BatchResults(_ context.Context, externalID string) ([]model.VerificationResult, error) {
	if f.resultsFn != nil {
		return f.resultsFn(externalID)
	}
	return nil, nil
}

// fakeContacts is a stub for core.ContactRepository that fabricates ids.
type fakeContacts struct {
	ensureFn func(emails []string) (map[string]string, error)
}

func (f *fakeContacts) EnsureContacts(_ context.Context, emails []string) (map[string]string, error) {
	if f.ensureFn != nil {
		return f.ensureFn(emails)
	}
	ids := make(map[string]string, len(emails))
	for i, email := range emails {
		ids[email] = fmt.Sprintf("contact-%d", i)
	}
	return ids, nil
}

func (f *fakeContacts) GetByEmail(context.Context, string) (*model.Contact, error) {
	return nil, nil
}

// fakeApplier is a stub for ResultApplier.
type fakeApplier struct {
	applyFn func(batchID string, result *model.VerificationResult) error
	applied []string
}

func (f *fakeApplier) ApplyResult(_ context.Context, batchID string, result *model.VerificationResult) error {
	if f.applyFn != nil {
		if err := f.applyFn(batchID, result); err != nil {
			return err
		}
	}
	f.applied = append(f.applied, result.Email)
	return nil
}

// queuedItems builds n queued items for one request, cycling domain keys.
func queuedItems(n int, userID, requestID string, domains ...string) []model.QueueItem {
	if len(domains) == 0 {
		domains = []string{"d1"}
	}
	items := make([]model.QueueItem, n)
	for i := range items {
		items[i] = model.QueueItem{
			ID:        fmt.Sprintf("item-%d", i),
			ContactID: fmt.Sprintf("contact-%d", i),
			Email:     fmt.Sprintf("user%d@%s", i, domains[i%len(domains)]),
			UserID:    userID,
			RequestID: requestID,
			Status:    model.QueueItemStatusQueued,
			DomainKey: domains[i%len(domains)],
		}
	}
	return items
}
