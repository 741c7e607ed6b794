package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Save persists the configuration to a YAML file.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Marshal renders cfg as the YAML document Load reads.
func Marshal(cfg *Config) ([]byte, error) {
	v := viper.New()
	for key, value := range settings(cfg) {
		v.Set(key, value)
	}
	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// settings flattens cfg into viper keys. Durations are written in their
// string form so files stay readable.
func settings(cfg *Config) map[string]any {
	templates := make(map[string]any, len(cfg.Templates))
	for id, t := range cfg.Templates {
		templates[id] = map[string]any{"required_paths": t.RequiredPaths}
	}
	aliases := make(map[string]any, len(cfg.WorkerAliases))
	for k, v := range cfg.WorkerAliases {
		aliases[k] = v
	}

	return map[string]any{
		"database.path": cfg.Database.Path,

		"capabilities.file":  cfg.Capabilities.File,
		"capabilities.watch": cfg.Capabilities.Watch,

		"planner.provider":        cfg.Planner.Provider,
		"planner.model":           cfg.Planner.Model,
		"planner.api_key":         cfg.Planner.APIKey,
		"planner.base_url":        cfg.Planner.BaseURL,
		"planner.max_tokens":      cfg.Planner.MaxTokens,
		"planner.timeout":         cfg.Planner.Timeout.String(),
		"planner.bedrock.enabled": cfg.Planner.Bedrock.Enabled,
		"planner.bedrock.region":  cfg.Planner.Bedrock.Region,
		"planner.bedrock.profile": cfg.Planner.Bedrock.Profile,

		"disclosure.enabled":          cfg.Disclosure.Enabled,
		"disclosure.min_batch_size":   cfg.Disclosure.MinBatchSize,
		"disclosure.optimize_timeout": cfg.Disclosure.OptimizeTimeout.String(),

		"resilience.default_strategy":             cfg.Resilience.DefaultStrategy,
		"resilience.failure_policy":               cfg.Resilience.FailurePolicy,
		"resilience.guidance_timeout":             cfg.Resilience.GuidanceTimeout.String(),
		"resilience.concurrency":                  cfg.Resilience.Concurrency,
		"resilience.lease_ttl":                    cfg.Resilience.LeaseTTL.String(),
		"resilience.retry.initial_interval":       cfg.Resilience.Retry.InitialInterval.String(),
		"resilience.retry.max_interval":           cfg.Resilience.Retry.MaxInterval.String(),
		"resilience.retry.max_elapsed_time":       cfg.Resilience.Retry.MaxElapsedTime.String(),
		"resilience.retry.max_attempts":           cfg.Resilience.Retry.MaxAttempts,
		"resilience.breaker.consecutive_failures": cfg.Resilience.Breaker.ConsecutiveFailures,
		"resilience.breaker.open_timeout":         cfg.Resilience.Breaker.OpenTimeout.String(),
		"resilience.breaker.half_open_requests":   cfg.Resilience.Breaker.HalfOpenRequests,

		"worker_aliases": aliases,
		"templates":      templates,

		"nats.url":    cfg.NATS.URL,
		"nats.prefix": cfg.NATS.Prefix,

		"metrics.listen": cfg.Metrics.Listen,

		"log.level":  cfg.Log.Level,
		"log.format": cfg.Log.Format,
	}
}
