package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeComposer runs the batch composition/submission loop.
	ServiceModeComposer ServiceMode = "composer"
	// ServiceModePoller runs the batch completion poller.
	ServiceModePoller ServiceMode = "poller"
	// ServiceModeReaper runs the retention reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeComposer, ServiceModePoller, ServiceModeReaper}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeComposer, ServiceModePoller, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: composer, poller, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// ComposerConfig contains batch composer runner configuration.
type ComposerConfig struct {
	// Interval is the composition pass tick interval.
	Interval time.Duration `env:"INTERVAL" envDefault:"5s"`

	// IdleInterval is the tick interval used when a pass found nothing to batch.
	IdleInterval time.Duration `env:"IDLE_INTERVAL" envDefault:"30s"`
}

// Sanitize applies guardrails to composer runner configuration values.
func (c *ComposerConfig) Sanitize() {
	if c.Interval < time.Second {
		c.Interval = time.Second
	}
	if c.IdleInterval < c.Interval {
		c.IdleInterval = c.Interval
	}
}

// PollerConfig contains batch completion poller configuration.
type PollerConfig struct {
	// Interval is the polling tick interval.
	Interval time.Duration `env:"INTERVAL" envDefault:"15s"`

	// MaxBatchesPerTick bounds how many in-flight batches one tick checks.
	MaxBatchesPerTick int `env:"MAX_BATCHES_PER_TICK" envDefault:"15"`
}

// Sanitize applies guardrails to poller configuration values.
func (p *PollerConfig) Sanitize() {
	if p.Interval < time.Second {
		p.Interval = time.Second
	}
	if p.MaxBatchesPerTick < 1 {
		p.MaxBatchesPerTick = 1
	}
}

// ReaperConfig contains retention reaper configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"INTERVAL" envDefault:"5m"`

	// StaleAssignedMaxAge is how long an item may sit assigned to a batch that
	// never progressed before the reaper requeues it.
	StaleAssignedMaxAge time.Duration `env:"STALE_ASSIGNED_MAX_AGE" envDefault:"1h"`

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < time.Minute {
		r.Interval = time.Minute
	}
	if r.StaleAssignedMaxAge < 5*time.Minute {
		r.StaleAssignedMaxAge = 5 * time.Minute
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
