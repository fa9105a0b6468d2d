// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
broker:
  hub_id: hub-test
agents:
  heartbeat_interval: 10s
  heartbeat_timeout: 25s
inbox:
  settle_delay: 150ms
logging:
  level: debug
  format: json
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Broker.HubID != "hub-test" {
		t.Errorf("expected hub-test, got %q", cfg.Broker.HubID)
	}
	if cfg.Agents.HeartbeatInterval != 10*time.Second {
		t.Errorf("expected 10s heartbeat interval, got %v", cfg.Agents.HeartbeatInterval)
	}
	if cfg.Agents.HeartbeatTimeout != 25*time.Second {
		t.Errorf("expected 25s heartbeat timeout, got %v", cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Inbox.SettleDelay != 150*time.Millisecond {
		t.Errorf("expected 150ms settle delay, got %v", cfg.Inbox.SettleDelay)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected json format, got %q", cfg.Logging.Format)
	}
}

func TestLoad_DefaultsApplyWhenUnset(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: warn
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Agents.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected default 30s interval, got %v", cfg.Agents.HeartbeatInterval)
	}
	if cfg.Agents.HeartbeatTimeout != 60*time.Second {
		t.Errorf("expected default 60s timeout, got %v", cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Inbox.SettleDelay != 300*time.Millisecond {
		t.Errorf("expected default 300ms settle delay, got %v", cfg.Inbox.SettleDelay)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_HIVE_HUB_ID", "expanded-hub")

	configPath := writeConfig(t, `
broker:
  hub_id: ${TEST_HIVE_HUB_ID}
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Broker.HubID != "expanded-hub" {
		t.Errorf("expected expanded-hub, got %q", cfg.Broker.HubID)
	}
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	configPath := writeConfig(t, `
broker:
  hub_id: ${DEFINITELY_NOT_SET_ANYWHERE}
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Broker.HubID != "" {
		t.Errorf("expected empty hub id, got %q", cfg.Broker.HubID)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
agents:
  heartbeat_interval: soon
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "heartbeat_interval") {
		t.Errorf("error should name the offending field, got %v", err)
	}
}

func TestLoad_TimeoutMustExceedInterval(t *testing.T) {
	configPath := writeConfig(t, `
agents:
  heartbeat_interval: 30s
  heartbeat_timeout: 10s
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoad_InvalidLogFormat(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  format: xml
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected validation error for unknown format")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !os.IsNotExist(underlying(err)) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func underlying(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}
