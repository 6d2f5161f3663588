package config

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres and Redis configuration
//   - queue.go: queue, batch, rate-limit, and verifier API configuration
//   - services.go: service mode and runner configuration
//   - observability.go: metrics configuration
type AppConfig struct {
	// IsDev controls development mode behavior (verbose logging, dev defaults).
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Queue subsystem configuration
	Queue     QueueConfig     `envPrefix:"QUEUE_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	Verifier  VerifierConfig  `envPrefix:"VERIFIER_"`
	Health    HealthConfig    `envPrefix:"HEALTH_"`

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"composer,poller,reaper"`

	// Runner configuration
	Composer ComposerConfig `envPrefix:"COMPOSER_"`
	Poller   PollerConfig   `envPrefix:"POLLER_"`
	Reaper   ReaperConfig   `envPrefix:"REAPER_"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Queue.Sanitize()
	c.RateLimit.Sanitize()
	c.Verifier.Sanitize()
	c.Health.Sanitize()
	c.Composer.Sanitize()
	c.Poller.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsComposerEnabled returns true if the batch composer service is enabled.
func (c *AppConfig) IsComposerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeComposer]
}

// IsPollerEnabled returns true if the batch completion poller is enabled.
func (c *AppConfig) IsPollerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModePoller]
}

// IsReaperEnabled returns true if the retention reaper is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeReaper]
}
