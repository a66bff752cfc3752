package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
clients:
  - home
  - office
server:
  port: 9090
hub:
  base_url: "http://hub.local:8123/"
delivery:
  max_attempts: 5
  base_delay: 250ms
presence:
  interval: 3s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := strings.Join(cfg.Clients, ","); got != "home,office" {
		t.Errorf("Clients = %q, want home,office", got)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want default 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Hub.BaseURL != "http://hub.local:8123" {
		t.Errorf("Hub.BaseURL = %q, trailing slash should be trimmed", cfg.Hub.BaseURL)
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("Delivery.MaxAttempts = %d, want 5", cfg.Delivery.MaxAttempts)
	}
	if cfg.Delivery.BaseDelay != 250*time.Millisecond {
		t.Errorf("Delivery.BaseDelay = %v, want 250ms", cfg.Delivery.BaseDelay)
	}
	if cfg.Delivery.Timeout != 10*time.Second {
		t.Errorf("Delivery.Timeout = %v, want default 10s", cfg.Delivery.Timeout)
	}
	if cfg.Presence.Interval != 3*time.Second {
		t.Errorf("Presence.Interval = %v, want 3s", cfg.Presence.Interval)
	}
	if cfg.Storage.Dir != "/data" {
		t.Errorf("Storage.Dir = %q, want default /data", cfg.Storage.Dir)
	}
}

func TestLoadAddonOptionsJSON(t *testing.T) {
	path := writeConfig(t, "options.json", `{"clients": ["default", "work"]}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Clients) != 2 || cfg.Clients[0] != "default" || cfg.Clients[1] != "work" {
		t.Errorf("Clients = %v, want [default work]", cfg.Clients)
	}
	if cfg.Hub.BaseURL != "http://supervisor" {
		t.Errorf("Hub.BaseURL = %q, want default", cfg.Hub.BaseURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SUPERVISOR_TOKEN", "secret-token")
	t.Setenv("BRIDGE_STORAGE_DIR", "/tmp/bridge")
	t.Setenv("BRIDGE_ALLOWED_ORIGINS", "http://a.local,http://b.local")

	path := writeConfig(t, "config.yaml", `
clients: [default]
hub:
  token: from-file
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.Token != "secret-token" {
		t.Errorf("Hub.Token = %q, env should win over file", cfg.Hub.Token)
	}
	if cfg.Storage.Dir != "/tmp/bridge" {
		t.Errorf("Storage.Dir = %q, want /tmp/bridge", cfg.Storage.Dir)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v, want 2 entries", cfg.Server.AllowedOrigins)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "clients: [unterminated")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"no clients", func(c *Config) { c.Clients = nil }, "no clients"},
		{"empty id", func(c *Config) { c.Clients = []string{" "} }, "empty client id"},
		{"duplicate id", func(c *Config) { c.Clients = []string{"a", "a"} }, "duplicate"},
		{"path traversal", func(c *Config) { c.Clients = []string{".."} }, "not a valid directory"},
		{"nested path", func(c *Config) { c.Clients = []string{"a/b"} }, "not a valid directory"},
		{"zero attempts", func(c *Config) { c.Delivery.MaxAttempts = 0 }, "max_attempts"},
		{"no hub", func(c *Config) { c.Hub.BaseURL = "" }, "base_url"},
		{"no storage", func(c *Config) { c.Storage.Dir = "" }, "storage.dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Clients = []string{"default"}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
