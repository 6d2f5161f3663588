package config

import (
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:  "single service - composer",
			input: "composer",
			expected: map[ServiceMode]bool{
				ServiceModeComposer: true,
			},
			expectError: false,
		},
		{
			name:  "single service - poller",
			input: "poller",
			expected: map[ServiceMode]bool{
				ServiceModePoller: true,
			},
			expectError: false,
		},
		{
			name:  "multiple services",
			input: "composer,poller",
			expected: map[ServiceMode]bool{
				ServiceModeComposer: true,
				ServiceModePoller:   true,
			},
			expectError: false,
		},
		{
			name:  "all services",
			input: "composer,poller,reaper",
			expected: map[ServiceMode]bool{
				ServiceModeComposer: true,
				ServiceModePoller:   true,
				ServiceModeReaper:   true,
			},
			expectError: false,
		},
		{
			name:  "services with spaces",
			input: " composer , poller , reaper ",
			expected: map[ServiceMode]bool{
				ServiceModeComposer: true,
				ServiceModePoller:   true,
				ServiceModeReaper:   true,
			},
			expectError: false,
		},
		{
			name:  "duplicate services",
			input: "composer,composer,reaper",
			expected: map[ServiceMode]bool{
				ServiceModeComposer: true,
				ServiceModeReaper:   true,
			},
			expectError: false,
		},
		{
			name:        "empty string",
			input:       "",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "only spaces and commas",
			input:       " , , ",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "invalid service name",
			input:       "composer,invalid-service",
			expected:    nil,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if len(result) != len(tt.expected) {
				t.Errorf("expected %d services, got %d", len(tt.expected), len(result))
				return
			}

			for service, expected := range tt.expected {
				if result[service] != expected {
					t.Errorf("expected service %s to be %v, got %v", service, expected, result[service])
				}
			}
		})
	}
}

func TestConfig_GetEnabledServices(t *testing.T) {
	cfg := AppConfig{Services: "composer,reaper"}

	result, err := cfg.GetEnabledServices()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result[ServiceModeComposer] || result[ServiceModePoller] || !result[ServiceModeReaper] {
		t.Errorf("unexpected services: %v", result)
	}

	cfg.Services = "not-a-service"
	if _, err := cfg.GetEnabledServices(); err == nil {
		t.Errorf("expected error for invalid service name")
	}
}

func TestAppConfig_EnvDefaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Queue.MaxBatchSize != 10000 {
		t.Errorf("Queue.MaxBatchSize = %d, want 10000", cfg.Queue.MaxBatchSize)
	}
	if cfg.Queue.MaxConcurrentBatches != 15 {
		t.Errorf("Queue.MaxConcurrentBatches = %d, want 15", cfg.Queue.MaxConcurrentBatches)
	}
	if cfg.RateLimit.MaxPerWindow != 180 {
		t.Errorf("RateLimit.MaxPerWindow = %d, want 180", cfg.RateLimit.MaxPerWindow)
	}
	if cfg.RateLimit.SafetyBuffer != 20 {
		t.Errorf("RateLimit.SafetyBuffer = %d, want 20", cfg.RateLimit.SafetyBuffer)
	}
	if cfg.RateLimit.Window != time.Minute {
		t.Errorf("RateLimit.Window = %v, want 1m", cfg.RateLimit.Window)
	}
	if cfg.Verifier.BaseURL != "https://api.usebouncer.com" {
		t.Errorf("Verifier.BaseURL = %q", cfg.Verifier.BaseURL)
	}
	if cfg.Services != "composer,poller,reaper" {
		t.Errorf("Services = %q", cfg.Services)
	}
}

func TestAppConfig_EnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_MAX_BATCH_SIZE", "500")
	t.Setenv("RATE_LIMIT_MAX_PER_WINDOW", "60")
	t.Setenv("RATE_LIMIT_SAFETY_BUFFER", "10")
	t.Setenv("VERIFIER_BASE_URL", "https://verifier.internal/")
	t.Setenv("VERIFIER_API_KEY", "test-key")
	t.Setenv("COMPOSER_INTERVAL", "10s")
	t.Setenv("SERVICES", "poller")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Queue.MaxBatchSize != 500 {
		t.Errorf("Queue.MaxBatchSize = %d, want 500", cfg.Queue.MaxBatchSize)
	}
	if cfg.RateLimit.MaxPerWindow != 60 || cfg.RateLimit.SafetyBuffer != 10 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.Verifier.BaseURL != "https://verifier.internal" {
		t.Errorf("Verifier.BaseURL = %q, want trailing slash trimmed", cfg.Verifier.BaseURL)
	}
	if cfg.Verifier.APIKey != "test-key" {
		t.Errorf("Verifier.APIKey = %q", cfg.Verifier.APIKey)
	}
	if cfg.Composer.Interval != 10*time.Second {
		t.Errorf("Composer.Interval = %v, want 10s", cfg.Composer.Interval)
	}
	if !cfg.IsPollerEnabled() || cfg.IsComposerEnabled() || cfg.IsReaperEnabled() {
		t.Errorf("service flags wrong for SERVICES=poller")
	}
}

func TestRateLimitConfig_Sanitize(t *testing.T) {
	tests := []struct {
		name string
		in   RateLimitConfig
		want RateLimitConfig
	}{
		{
			name: "zero values get floors",
			in:   RateLimitConfig{},
			want: RateLimitConfig{MaxPerWindow: 1, SafetyBuffer: 0, Window: time.Second, Retention: time.Second},
		},
		{
			name: "buffer clamped below limit",
			in:   RateLimitConfig{MaxPerWindow: 10, SafetyBuffer: 10, Window: time.Minute, Retention: time.Hour},
			want: RateLimitConfig{MaxPerWindow: 10, SafetyBuffer: 9, Window: time.Minute, Retention: time.Hour},
		},
		{
			name: "retention lifted to window",
			in:   RateLimitConfig{MaxPerWindow: 180, SafetyBuffer: 20, Window: time.Minute, Retention: time.Second},
			want: RateLimitConfig{MaxPerWindow: 180, SafetyBuffer: 20, Window: time.Minute, Retention: time.Minute},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Sanitize()
			if tt.in != tt.want {
				t.Errorf("Sanitize() = %+v, want %+v", tt.in, tt.want)
			}
		})
	}
}

func TestQueueConfig_Sanitize(t *testing.T) {
	q := QueueConfig{MaxBatchSize: -1, MaxConcurrentBatches: 0, MinPriority: -5, ItemMaxAttempts: 0, Retention: time.Minute}
	q.Sanitize()

	if q.MaxBatchSize != 1 || q.MaxConcurrentBatches != 1 || q.MinPriority != 0 || q.ItemMaxAttempts != 1 {
		t.Errorf("Sanitize() = %+v", q)
	}
	if q.Retention != time.Hour {
		t.Errorf("Retention = %v, want floor of 1h", q.Retention)
	}
}

func TestHealthConfig_Sanitize(t *testing.T) {
	h := HealthConfig{MaxBacklog: 0, SaturationThreshold: 1.5, SuccessRateFloor: -0.1, MinSample: 0}
	h.Sanitize()

	if h.MaxBacklog != 1 || h.SaturationThreshold != 0.9 || h.SuccessRateFloor != 0.5 || h.MinSample != 1 {
		t.Errorf("Sanitize() = %+v", h)
	}
}

func TestMetricsConfig_Sanitize(t *testing.T) {
	c := ObservabilityMetricsConfig{Enabled: true, StatsdAddress: "   "}
	c.Sanitize()

	if c.Enabled {
		t.Errorf("metrics should be disabled when the address is blank")
	}
	if c.IsEnabled() {
		t.Errorf("IsEnabled() should be false")
	}
}
