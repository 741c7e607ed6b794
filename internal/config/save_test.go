package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestSaveCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Config file contains invalid YAML: %v", err)
	}
	if _, ok := doc["resilience"]; !ok {
		t.Errorf("saved file has no resilience section:\n%s", data)
	}
	if !strings.Contains(string(data), "optimize_timeout: 5s") {
		t.Errorf("durations should be written in string form:\n%s", data)
	}
}

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "config.yaml")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Planner.Provider = "none"
	cfg.Planner.Bedrock = BedrockConfig{Enabled: true, Region: "eu-west-1"}
	cfg.Disclosure.Enabled = false
	cfg.Resilience.FailurePolicy = "guide"
	cfg.Resilience.Breaker.OpenTimeout = 2 * time.Minute
	cfg.WorkerAliases = map[string]string{"crm-agent": "crm"}
	cfg.Templates = map[string]TemplateConfig{
		"onboarding": {RequiredPaths: []string{"customer.id", "contract.signed"}},
	}
	cfg.NATS.URL = "nats://localhost:4222"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Planner.Provider != "none" {
		t.Errorf("provider = %q, want none", loaded.Planner.Provider)
	}
	if !loaded.Planner.Bedrock.Enabled || loaded.Planner.Bedrock.Region != "eu-west-1" {
		t.Errorf("bedrock = %+v", loaded.Planner.Bedrock)
	}
	if loaded.Disclosure.Enabled {
		t.Error("disclosure should be disabled")
	}
	if loaded.Resilience.Breaker.OpenTimeout != 2*time.Minute {
		t.Errorf("open timeout = %v, want 2m", loaded.Resilience.Breaker.OpenTimeout)
	}
	if loaded.WorkerAliases["crm-agent"] != "crm" {
		t.Errorf("aliases = %v", loaded.WorkerAliases)
	}
	if got := loaded.RequiredPaths()["onboarding"]; len(got) != 2 || got[1] != "contract.signed" {
		t.Errorf("required paths = %v", got)
	}
	if loaded.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats url = %q", loaded.NATS.URL)
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	first := DefaultConfig()
	first.Log.Level = "debug"
	if err := Save(first, path); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	second := DefaultConfig()
	second.Log.Level = "warn"
	if err := Save(second, path); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Log.Level != "warn" {
		t.Errorf("Expected 'warn', got '%s'", loaded.Log.Level)
	}
}
