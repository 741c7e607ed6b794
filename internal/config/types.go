package config

import "time"

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // ":memory:" keeps everything in memory
}

// CapabilitiesConfig locates the worker capability file.
type CapabilitiesConfig struct {
	File  string `mapstructure:"file"`  // YAML capability directory
	Watch bool   `mapstructure:"watch"` // pick up new workers without a restart
}

// BedrockConfig routes planner calls through AWS Bedrock.
type BedrockConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
}

// PlannerConfig selects and configures the planning model.
type PlannerConfig struct {
	Provider  string        `mapstructure:"provider"` // "anthropic" or "none"
	Model     string        `mapstructure:"model"`
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	MaxTokens int64         `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Bedrock   BedrockConfig `mapstructure:"bedrock"`
}

// DisclosureConfig controls request batching.
type DisclosureConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MinBatchSize    int           `mapstructure:"min_batch_size"`
	OptimizeTimeout time.Duration `mapstructure:"optimize_timeout"`
}

// RetryConfig bounds retries of worker dispatch and planner calls.
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

// BreakerConfig configures the per-worker circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests"`
}

// ResilienceConfig holds the fallback and failure settings.
type ResilienceConfig struct {
	DefaultStrategy string        `mapstructure:"default_strategy"` // user_input, alternative_worker or defer
	FailurePolicy   string        `mapstructure:"failure_policy"`   // degrade, guide or fail
	GuidanceTimeout time.Duration `mapstructure:"guidance_timeout"`
	Concurrency     int           `mapstructure:"concurrency"` // parallel subtasks per phase
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`   // run lease shared across processes
	Retry           RetryConfig   `mapstructure:"retry"`
	Breaker         BreakerConfig `mapstructure:"breaker"`
}

// TemplateConfig describes one task template.
type TemplateConfig struct {
	RequiredPaths []string `mapstructure:"required_paths"` // data paths that make a task complete
}

// NATSConfig enables the notification bridge.
type NATSConfig struct {
	URL    string `mapstructure:"url"` // empty disables the bridge
	Prefix string `mapstructure:"prefix"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // empty disables the endpoint
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// Config is the top-level configuration. Map keys (worker aliases and
// template ids) are case-insensitive and read back in lower case.
type Config struct {
	Database      DatabaseConfig            `mapstructure:"database"`
	Capabilities  CapabilitiesConfig        `mapstructure:"capabilities"`
	Planner       PlannerConfig             `mapstructure:"planner"`
	Disclosure    DisclosureConfig          `mapstructure:"disclosure"`
	Resilience    ResilienceConfig          `mapstructure:"resilience"`
	WorkerAliases map[string]string         `mapstructure:"worker_aliases"`
	Templates     map[string]TemplateConfig `mapstructure:"templates"`
	NATS          NATSConfig                `mapstructure:"nats"`
	Metrics       MetricsConfig             `mapstructure:"metrics"`
	Log           LogConfig                 `mapstructure:"log"`
}

// RequiredPaths returns the required data paths per template id.
func (c *Config) RequiredPaths() map[string][]string {
	out := make(map[string][]string, len(c.Templates))
	for id, t := range c.Templates {
		out[id] = t.RequiredPaths
	}
	return out
}
