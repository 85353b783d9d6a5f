// Package config loads and validates the agent's YAML configuration, with
// an optional file-watch-and-reload path for the configuration_sync work
// item to observe instead of re-reading the file itself.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/mender-agent/pkg/events"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the agent's static configuration, decoded from YAML and
// validated before the agent starts.
type Config struct {
	ServerHost                 string            `yaml:"server_host" validate:"required,url"`
	TenantToken                string            `yaml:"tenant_token"`
	DeviceType                 string            `yaml:"device_type" validate:"required"`
	IdentityAttributes         map[string]string `yaml:"identity_attributes"`
	PollIntervalSeconds        int               `yaml:"poll_interval_seconds" validate:"gte=0"`
	HealthcheckIntervalSeconds int               `yaml:"healthcheck_interval_seconds" validate:"gte=0"`
	InventoryIntervalSeconds   int               `yaml:"inventory_interval_seconds" validate:"gte=0"`
	ConfigSyncIntervalSeconds  int               `yaml:"config_sync_interval_seconds" validate:"gte=0"`
	RecommitRequiredAfterBoot  bool              `yaml:"recommit_required_after_reboot"`
}

const (
	// DefaultPollInterval is applied when poll_interval_seconds is absent
	// or zero in the loaded file.
	DefaultPollInterval = 28800 * time.Second
	// DefaultHealthcheckInterval is applied when
	// healthcheck_interval_seconds is absent or zero.
	DefaultHealthcheckInterval = 30 * time.Second
	// DefaultInventoryInterval is applied when inventory_interval_seconds
	// is absent or zero; it matches the deployment poll cadence, as real
	// devices have no reason to push inventory more often than they
	// check for updates.
	DefaultInventoryInterval = 28800 * time.Second
	// DefaultConfigSyncInterval is applied when config_sync_interval_seconds
	// is absent or zero.
	DefaultConfigSyncInterval = 28800 * time.Second
)

var validate = validator.New()

// Load reads, decodes, defaults, and validates a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = int(DefaultPollInterval.Seconds())
	}
	if cfg.HealthcheckIntervalSeconds == 0 {
		cfg.HealthcheckIntervalSeconds = int(DefaultHealthcheckInterval.Seconds())
	}
	if cfg.InventoryIntervalSeconds == 0 {
		cfg.InventoryIntervalSeconds = int(DefaultInventoryInterval.Seconds())
	}
	if cfg.ConfigSyncIntervalSeconds == 0 {
		cfg.ConfigSyncIntervalSeconds = int(DefaultConfigSyncInterval.Seconds())
	}
}

// PollInterval returns PollIntervalSeconds as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// HealthcheckInterval returns HealthcheckIntervalSeconds as a
// time.Duration.
func (c *Config) HealthcheckInterval() time.Duration {
	return time.Duration(c.HealthcheckIntervalSeconds) * time.Second
}

// InventoryInterval returns InventoryIntervalSeconds as a time.Duration.
func (c *Config) InventoryInterval() time.Duration {
	return time.Duration(c.InventoryIntervalSeconds) * time.Second
}

// ConfigSyncInterval returns ConfigSyncIntervalSeconds as a
// time.Duration.
func (c *Config) ConfigSyncInterval() time.Duration {
	return time.Duration(c.ConfigSyncIntervalSeconds) * time.Second
}

// Store holds the current validated Config behind a mutex so a watcher
// goroutine can swap it out while work functions read it concurrently.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore wraps an already-loaded Config.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// Get returns the current configuration.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set replaces the current configuration.
func (s *Store) Set(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Subscribe attaches the store to bus so that every future
// events.EventConfigChanged event (normally published by a Watcher)
// replaces the current configuration. The returned subscription is the
// caller's to Unsubscribe on shutdown.
func (s *Store) Subscribe(bus *events.Bus) events.Subscriber {
	sub := bus.Subscribe()
	go func() {
		for ev := range sub {
			if ev.Type != events.EventConfigChanged {
				continue
			}
			if cfg, ok := ev.Payload.(*Config); ok {
				s.Set(cfg)
			}
		}
	}()
	return sub
}
