package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsift/verifyq/config"
	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/domain/model"
)

// recordingSink captures emitted metrics for assertions.
type recordingSink struct {
	mu     sync.Mutex
	gauges map[string]float64
	counts map[string]int64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		gauges: make(map[string]float64),
		counts: make(map[string]int64),
	}
}

func (s *recordingSink) Count(name string, value int64, _ map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name] += value
}

func (s *recordingSink) Gauge(name string, value float64, _ map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[name] = value
}

func (s *recordingSink) Timing(string, time.Duration, map[string]string) {}

func (s *recordingSink) gauge(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gauges[name]
}

func (s *recordingSink) count(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

func newHealthService(t *testing.T, queue *fakeQueueRepo, batches *fakeBatchRepo,
	cfg config.HealthConfig, ceiling int, sink *recordingSink,
) *HealthService {
	t.Helper()
	opts := HealthServiceOptions{
		Queue:   queue,
		Batches: batches,
		Config:  cfg,
		Ceiling: ceiling,
	}
	if sink != nil {
		opts.Metrics = sink
	}
	svc, err := NewHealthService(opts)
	require.NoError(t, err)
	return svc
}

func healthConfigForTest() config.HealthConfig {
	return config.HealthConfig{
		MaxBacklog:          1000,
		SaturationThreshold: 0.9,
		SuccessRateFloor:    0.5,
		MinSample:           100,
	}
}

func TestHealthSnapshot_Healthy(t *testing.T) {
	queue := &fakeQueueRepo{
		statsFn: func(*core.RequestRef) (*model.QueueStats, error) {
			return &model.QueueStats{Queued: 10, Assigned: 5, Completed: 200, Failed: 10}, nil
		},
	}
	batches := &fakeBatchRepo{
		statsFn: func() (*model.BatchStats, error) {
			return &model.BatchStats{Queued: 1, Processing: 2, Completed: 50}, nil
		},
	}
	svc := newHealthService(t, queue, batches, healthConfigForTest(), 15, nil)

	status := svc.Snapshot(context.Background())

	assert.Equal(t, model.HealthHealthy, status.Verdict)
	assert.Empty(t, status.Detail)
	assert.Equal(t, 3, status.ActiveCount)
	assert.Equal(t, 15, status.Ceiling)
	assert.InDelta(t, 0.2, status.Utilization, 0.001)
	assert.InDelta(t, float64(200)/float64(210), status.SuccessRate, 0.001)
}

func TestHealthSnapshot_DegradedOnBacklog(t *testing.T) {
	queue := &fakeQueueRepo{
		statsFn: func(*core.RequestRef) (*model.QueueStats, error) {
			return &model.QueueStats{Queued: 900, Assigned: 200}, nil
		},
	}
	svc := newHealthService(t, queue, &fakeBatchRepo{}, healthConfigForTest(), 15, nil)

	status := svc.Snapshot(context.Background())

	assert.Equal(t, model.HealthDegraded, status.Verdict)
	assert.Contains(t, status.Detail, "backlog")
}

func TestHealthSnapshot_DegradedOnSaturation(t *testing.T) {
	batches := &fakeBatchRepo{
		statsFn: func() (*model.BatchStats, error) {
			return &model.BatchStats{Queued: 5, Processing: 5, Downloading: 4}, nil
		},
	}
	svc := newHealthService(t, &fakeQueueRepo{}, batches, healthConfigForTest(), 15, nil)

	status := svc.Snapshot(context.Background())

	assert.Equal(t, model.HealthDegraded, status.Verdict)
	assert.Contains(t, status.Detail, "utilization")
	assert.InDelta(t, float64(14)/float64(15), status.Utilization, 0.001)
}

func TestHealthSnapshot_UnhealthyBelowSuccessFloor(t *testing.T) {
	queue := &fakeQueueRepo{
		statsFn: func(*core.RequestRef) (*model.QueueStats, error) {
			return &model.QueueStats{Completed: 30, Failed: 90}, nil
		},
	}
	svc := newHealthService(t, queue, &fakeBatchRepo{}, healthConfigForTest(), 15, nil)

	status := svc.Snapshot(context.Background())

	assert.Equal(t, model.HealthUnhealthy, status.Verdict)
	assert.Contains(t, status.Detail, "success rate")
}

func TestHealthSnapshot_SuccessFloorNeedsMinSample(t *testing.T) {
	// Same terrible ratio, but below the sample threshold.
	queue := &fakeQueueRepo{
		statsFn: func(*core.RequestRef) (*model.QueueStats, error) {
			return &model.QueueStats{Completed: 3, Failed: 9}, nil
		},
	}
	svc := newHealthService(t, queue, &fakeBatchRepo{}, healthConfigForTest(), 15, nil)

	status := svc.Snapshot(context.Background())

	assert.Equal(t, model.HealthHealthy, status.Verdict)
}

func TestHealthSnapshot_UnhealthyOnStorageFailure(t *testing.T) {
	queue := &fakeQueueRepo{
		statsFn: func(*core.RequestRef) (*model.QueueStats, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := newHealthService(t, queue, &fakeBatchRepo{}, healthConfigForTest(), 15, nil)

	status := svc.Snapshot(context.Background())

	assert.Equal(t, model.HealthUnhealthy, status.Verdict)
	assert.NotEmpty(t, status.Detail)
}

func TestHealthSnapshot_EmitsGauges(t *testing.T) {
	queue := &fakeQueueRepo{
		statsFn: func(*core.RequestRef) (*model.QueueStats, error) {
			return &model.QueueStats{Queued: 7, Assigned: 2, Completed: 20}, nil
		},
	}
	batches := &fakeBatchRepo{
		statsFn: func() (*model.BatchStats, error) {
			return &model.BatchStats{Processing: 3}, nil
		},
	}
	sink := newRecordingSink()
	svc := newHealthService(t, queue, batches, healthConfigForTest(), 15, sink)

	svc.Snapshot(context.Background())

	assert.Equal(t, 7.0, sink.gauge("queue.queued"))
	assert.Equal(t, 2.0, sink.gauge("queue.assigned"))
	assert.Equal(t, 3.0, sink.gauge("batches.active"))
	assert.Equal(t, 0.0, sink.gauge("health.verdict"))
	assert.Equal(t, 1.0, sink.gauge("queue.success_rate"))
}

func TestHealthSnapshot_SuccessRateCountsOnlySettledItems(t *testing.T) {
	// A deep in-flight backlog must not drag the rate down; only items with
	// an outcome enter the ratio.
	queue := &fakeQueueRepo{
		statsFn: func(*core.RequestRef) (*model.QueueStats, error) {
			return &model.QueueStats{Queued: 500, Assigned: 100, Completed: 150, Failed: 50}, nil
		},
	}
	svc := newHealthService(t, queue, &fakeBatchRepo{}, healthConfigForTest(), 15, nil)

	status := svc.Snapshot(context.Background())

	assert.InDelta(t, 0.75, status.SuccessRate, 0.001)
	assert.Equal(t, model.HealthHealthy, status.Verdict)
}

func TestHealthSnapshot_NothingSettledIsFullSuccess(t *testing.T) {
	svc := newHealthService(t, &fakeQueueRepo{}, &fakeBatchRepo{}, healthConfigForTest(), 15, nil)

	status := svc.Snapshot(context.Background())

	assert.Equal(t, model.HealthHealthy, status.Verdict)
	assert.Equal(t, 1.0, status.SuccessRate)
}
