package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Clients  []string       `yaml:"clients"`
	Server   ServerConfig   `yaml:"server"`
	Hub      HubConfig      `yaml:"hub"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Storage  StorageConfig  `yaml:"storage"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Presence PresenceConfig `yaml:"presence"`
	Status   StatusConfig   `yaml:"status"`
	LogLevel string         `yaml:"log_level" env:"BRIDGE_LOG_LEVEL"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" env:"BRIDGE_PORT"`
	Host           string   `yaml:"host" env:"BRIDGE_HOST"`
	AuthToken      string   `yaml:"auth_token" env:"BRIDGE_AUTH_TOKEN"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"BRIDGE_ALLOWED_ORIGINS" envSeparator:","`
	MaxConnections int      `yaml:"max_connections"`
}

// HubConfig points at the automation hub that receives notifications and
// events. Inside a Home Assistant add-on the supervisor proxies the core API
// at http://supervisor and injects SUPERVISOR_TOKEN into the environment.
type HubConfig struct {
	BaseURL string `yaml:"base_url" env:"HUB_BASE_URL"`
	Token   string `yaml:"token" env:"SUPERVISOR_TOKEN"`
}

type DeliveryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Timeout     time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	Dir string `yaml:"dir" env:"BRIDGE_STORAGE_DIR"`
}

type GatewayConfig struct {
	URL              string        `yaml:"url" env:"WHATSAPP_GATEWAY_URL"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

type PresenceConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type StatusConfig struct {
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 3000,
			Host: "0.0.0.0",
		},
		Hub: HubConfig{
			BaseURL: "http://supervisor",
		},
		Delivery: DeliveryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Timeout:     10 * time.Second,
		},
		Storage: StorageConfig{
			Dir: "/data",
		},
		Gateway: GatewayConfig{
			URL:              "ws://127.0.0.1:3001/session",
			HandshakeTimeout: 10 * time.Second,
			CallTimeout:      30 * time.Second,
		},
		Presence: PresenceConfig{
			Interval: 10 * time.Second,
		},
		Status: StatusConfig{
			BroadcastThrottle: 100 * time.Millisecond,
			SnapshotInterval:  5 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults and then applies environment
// overrides. The add-on's options.json is accepted as is, since JSON is a
// subset of YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Hub.BaseURL = strings.TrimRight(cfg.Hub.BaseURL, "/")

	return cfg, nil
}

// Validate reports the first problem that would stop the bridge from
// supervising its clients.
func (c *Config) Validate() error {
	if len(c.Clients) == 0 {
		return errors.New("no clients configured")
	}
	seen := make(map[string]bool, len(c.Clients))
	for _, id := range c.Clients {
		if err := ValidateSessionID(id); err != nil {
			return err
		}
		if seen[id] {
			return fmt.Errorf("duplicate client id %q", id)
		}
		seen[id] = true
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1, got %d", c.Delivery.MaxAttempts)
	}
	if c.Hub.BaseURL == "" {
		return errors.New("hub.base_url is empty")
	}
	if c.Storage.Dir == "" {
		return errors.New("storage.dir is empty")
	}
	return nil
}

// ValidateSessionID checks that id can name a storage directory: it must
// be a single, non-empty path element.
func ValidateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("empty client id")
	}
	if id == "." || id == ".." || filepath.Base(id) != id || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("client id %q is not a valid directory name", id)
	}
	return nil
}
