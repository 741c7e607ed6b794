package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: ".taskflow/taskflow.db"},
		Capabilities: CapabilitiesConfig{
			File:  ".taskflow/workers.yaml",
			Watch: true,
		},
		Planner: PlannerConfig{
			Provider:  "anthropic",
			MaxTokens: 4096,
			Timeout:   60 * time.Second,
		},
		Disclosure: DisclosureConfig{
			Enabled:         true,
			MinBatchSize:    3,
			OptimizeTimeout: 5 * time.Second,
		},
		Resilience: ResilienceConfig{
			DefaultStrategy: "user_input",
			FailurePolicy:   "degrade",
			GuidanceTimeout: 30 * time.Second,
			Concurrency:     8,
			LeaseTTL:        2 * time.Minute,
			Retry: RetryConfig{
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				MaxElapsedTime:  30 * time.Second,
				MaxAttempts:     3,
			},
			Breaker: BreakerConfig{
				ConsecutiveFailures: 5,
				OpenTimeout:         30 * time.Second,
				HalfOpenRequests:    3,
			},
		},
		WorkerAliases: map[string]string{},
		Templates:     map[string]TemplateConfig{},
		NATS:          NATSConfig{Prefix: "taskflow"},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// setDefaults registers every scalar default with v. Environment overrides
// only apply to keys viper knows about, so each one is listed.
func setDefaults(v *viper.Viper) {
	for key, value := range settings(DefaultConfig()) {
		v.SetDefault(key, value)
	}
}
