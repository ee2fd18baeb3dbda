package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.APIBaseURL != "https://api.traderepublic.com" {
		t.Errorf("unexpected api_base_url default: %s", cfg.APIBaseURL)
	}
	if cfg.WebsocketURL != "wss://api.traderepublic.com" {
		t.Errorf("unexpected websocket_url default: %s", cfg.WebsocketURL)
	}
	if !strings.HasSuffix(cfg.KeystorePath, filepath.Join(".config", "trclient", "device_identity.json")) {
		t.Errorf("unexpected keystore default: %s", cfg.KeystorePath)
	}
	if cfg.ThrottleMinInterval() != time.Second {
		t.Errorf("unexpected throttle interval: %v", cfg.ThrottleMinInterval())
	}
	if cfg.HeartbeatInterval() != 20*time.Second || cfg.LivenessTimeout() != 40*time.Second {
		t.Errorf("unexpected liveness defaults: %v / %v", cfg.HeartbeatInterval(), cfg.LivenessTimeout())
	}
	if cfg.Connection.ReconnectMaxAttempts != 5 {
		t.Errorf("unexpected reconnect attempts default: %d", cfg.Connection.ReconnectMaxAttempts)
	}
	if cfg.SessionSafetyMargin() != 5*time.Minute {
		t.Errorf("unexpected safety margin default: %v", cfg.SessionSafetyMargin())
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
api_base_url: "https://api.example.test"
websocket_url: "wss://stream.example.test"
throttle:
  min_interval_ms: 250
  max_retries: 7
connection:
  heartbeat_seconds: 5
  liveness_seconds: 15
  reconnect_base_delay_ms: 500
session:
  safety_margin_minutes: 10
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.APIBaseURL != "https://api.example.test" {
		t.Errorf("override lost: %s", cfg.APIBaseURL)
	}
	if cfg.ThrottleMinInterval() != 250*time.Millisecond {
		t.Errorf("unexpected throttle interval: %v", cfg.ThrottleMinInterval())
	}
	if cfg.Throttle.MaxRetries != 7 {
		t.Errorf("unexpected max retries: %d", cfg.Throttle.MaxRetries)
	}
	if cfg.HeartbeatInterval() != 5*time.Second || cfg.LivenessTimeout() != 15*time.Second {
		t.Errorf("unexpected liveness overrides: %v / %v", cfg.HeartbeatInterval(), cfg.LivenessTimeout())
	}
	if cfg.ReconnectBaseDelay() != 500*time.Millisecond {
		t.Errorf("unexpected reconnect delay: %v", cfg.ReconnectBaseDelay())
	}
	if cfg.SessionSafetyMargin() != 10*time.Minute {
		t.Errorf("unexpected safety margin: %v", cfg.SessionSafetyMargin())
	}
}

func TestLoadConfigRejectsBadURLs(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, `api_base_url: "ftp://api.example.test"`)); err == nil {
		t.Error("expected non-http api_base_url to be rejected")
	}
	if _, err := LoadConfig(writeConfig(t, `websocket_url: "https://not-a-socket.example.test"`)); err == nil {
		t.Error("expected non-ws websocket_url to be rejected")
	}
}

func TestLoadConfigRejectsLivenessBelowHeartbeat(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
connection:
  heartbeat_seconds: 30
  liveness_seconds: 10
`))
	if err == nil {
		t.Fatal("expected liveness below heartbeat to be rejected")
	}
	if !strings.Contains(err.Error(), "liveness") {
		t.Errorf("error should name the offending field: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
