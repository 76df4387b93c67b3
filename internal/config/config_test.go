package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTOMATION_CONFIG_PATH", t.TempDir())
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.AutomationInterval != 30*time.Second {
		t.Fatalf("automation interval = %v", c.AutomationInterval)
	}
	if c.TelemetryInterval != 10*time.Second {
		t.Fatalf("telemetry interval = %v", c.TelemetryInterval)
	}
	if c.Port != "9724" || c.PushBackend != "log" {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "automation.yaml")
	body := "intervals:\n  telemetry: 3s\napi:\n  base_url: https://example.test\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTOMATION_API_TOKEN", "secret")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.TelemetryInterval != 3*time.Second {
		t.Fatalf("telemetry interval = %v", c.TelemetryInterval)
	}
	if c.APIBaseURL != "https://example.test" {
		t.Fatalf("base url = %q", c.APIBaseURL)
	}
	if c.APIToken != "secret" {
		t.Fatalf("token = %q", c.APIToken)
	}
}
