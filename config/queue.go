package config

import (
	"strings"
	"time"
)

// QueueConfig contains queue and batch composition configuration.
type QueueConfig struct {
	// MaxBatchSize is the maximum number of emails per outbound batch.
	MaxBatchSize int `env:"MAX_BATCH_SIZE" envDefault:"10000"`

	// MaxConcurrentBatches is the ceiling on simultaneously non-terminal batches.
	MaxConcurrentBatches int `env:"MAX_CONCURRENT_BATCHES" envDefault:"15"`

	// MinPriority is the minimum priority a queue item needs to be drawn into a batch.
	MinPriority int `env:"MIN_PRIORITY" envDefault:"0"`

	// ItemMaxAttempts is the number of batch attempts an item may consume
	// before it is marked failed instead of requeued.
	ItemMaxAttempts int `env:"ITEM_MAX_ATTEMPTS" envDefault:"3"`

	// Retention is how long completed queue items are kept before cleanup.
	Retention time.Duration `env:"RETENTION" envDefault:"720h"` // 30 days
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	if q.MaxBatchSize < 1 {
		q.MaxBatchSize = 1
	}
	if q.MaxConcurrentBatches < 1 {
		q.MaxConcurrentBatches = 1
	}
	if q.MinPriority < 0 {
		q.MinPriority = 0
	}
	if q.ItemMaxAttempts < 1 {
		q.ItemMaxAttempts = 1
	}
	if q.Retention < time.Hour {
		q.Retention = time.Hour
	}
}

// RateLimitConfig contains the outbound API rate-limit configuration. The
// budget is enforced against a shared Redis call log, with a safety buffer
// held back from the provider's contractual limit.
type RateLimitConfig struct {
	// MaxPerWindow is the provider's requests-per-window contract.
	MaxPerWindow int `env:"MAX_PER_WINDOW" envDefault:"180"`

	// SafetyBuffer is the number of requests held in reserve below the contract.
	SafetyBuffer int `env:"SAFETY_BUFFER" envDefault:"20"`

	// Window is the sliding window size.
	Window time.Duration `env:"WINDOW" envDefault:"60s"`

	// Retention is how long call records are kept beyond the window.
	Retention time.Duration `env:"RETENTION" envDefault:"1h"`
}

// Sanitize applies guardrails to rate-limit configuration values.
func (r *RateLimitConfig) Sanitize() {
	if r.MaxPerWindow < 1 {
		r.MaxPerWindow = 1
	}
	if r.SafetyBuffer < 0 {
		r.SafetyBuffer = 0
	}
	if r.SafetyBuffer >= r.MaxPerWindow {
		r.SafetyBuffer = r.MaxPerWindow - 1
	}
	if r.Window < time.Second {
		r.Window = time.Second
	}
	if r.Retention < r.Window {
		r.Retention = r.Window
	}
}

// VerifierConfig contains the external verification API client configuration.
type VerifierConfig struct {
	// BaseURL is the verification API endpoint.
	BaseURL string `env:"BASE_URL" envDefault:"https://api.usebouncer.com"`

	// APIKey authenticates outbound calls.
	APIKey string `env:"API_KEY"`

	// Timeout bounds a single HTTP request.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`

	// SubmitMaxAttempts bounds retries of transient submission failures.
	SubmitMaxAttempts int `env:"SUBMIT_MAX_ATTEMPTS" envDefault:"3"`

	// SubmitBackoffBase is the initial delay for exponential backoff between attempts.
	SubmitBackoffBase time.Duration `env:"SUBMIT_BACKOFF_BASE" envDefault:"500ms"`
}

// Sanitize applies guardrails to verifier configuration values.
func (v *VerifierConfig) Sanitize() {
	v.BaseURL = strings.TrimRight(strings.TrimSpace(v.BaseURL), "/")
	if v.Timeout <= 0 {
		v.Timeout = 30 * time.Second
	}
	if v.SubmitMaxAttempts < 1 {
		v.SubmitMaxAttempts = 1
	}
	if v.SubmitBackoffBase <= 0 {
		v.SubmitBackoffBase = 500 * time.Millisecond
	}
}

// HealthConfig contains the thresholds driving the derived health verdict.
type HealthConfig struct {
	// MaxBacklog is the queued-item count above which the verdict degrades.
	MaxBacklog int `env:"MAX_BACKLOG" envDefault:"100000"`

	// SaturationThreshold is the active/ceiling utilization above which the
	// verdict degrades.
	SaturationThreshold float64 `env:"SATURATION_THRESHOLD" envDefault:"0.9"`

	// SuccessRateFloor is the completed/total ratio below which the verdict
	// becomes unhealthy. Only applied once MinSample items are terminal.
	SuccessRateFloor float64 `env:"SUCCESS_RATE_FLOOR" envDefault:"0.5"`

	// MinSample is the minimum number of terminal items before the success
	// rate floor applies.
	MinSample int `env:"MIN_SAMPLE" envDefault:"100"`
}

// Sanitize applies guardrails to health configuration values.
func (h *HealthConfig) Sanitize() {
	if h.MaxBacklog < 1 {
		h.MaxBacklog = 1
	}
	if h.SaturationThreshold <= 0 || h.SaturationThreshold > 1 {
		h.SaturationThreshold = 0.9
	}
	if h.SuccessRateFloor < 0 || h.SuccessRateFloor > 1 {
		h.SuccessRateFloor = 0.5
	}
	if h.MinSample < 1 {
		h.MinSample = 1
	}
}
