package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Agent.MaxIterations != 100 {
		t.Errorf("max_iterations = %d, want 100", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.MaxHistoryMessages != 20 {
		t.Errorf("max_history_messages = %d, want 20", cfg.Agent.MaxHistoryMessages)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("port = %d, want 8000", cfg.Server.Port)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	// JSON5: comments and trailing commas are accepted.
	body := `{
		// local overrides
		server: { port: 9001, },
		agent: { max_history_messages: 5 },
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WEBFORGE_SECRET_KEY", "test-secret")
	t.Setenv("WEBFORGE_PORT", "9002")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9002 {
		t.Errorf("env should win over file: port = %d, want 9002", cfg.Server.Port)
	}
	if cfg.Agent.MaxHistoryMessages != 5 {
		t.Errorf("max_history_messages = %d, want 5", cfg.Agent.MaxHistoryMessages)
	}
	if cfg.Auth.SecretKey != "test-secret" {
		t.Errorf("secret key not read from env")
	}
}

func TestValidateRejectsBadDriver(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
