package core

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration types
// ---------------------------------------------------------------------------

// TunConfig describes how the tun device is obtained and configured.
// Exactly one mode applies: a raw descriptor (fd >= 0), automatic defaults
// (auto: true), or a fully manual name/address/gateway/netmask/mtu set.
type TunConfig struct {
	FD      int    `yaml:"fd"`
	Auto    bool   `yaml:"auto,omitempty"`
	Name    string `yaml:"name,omitempty"`
	Address string `yaml:"address,omitempty"`
	Gateway string `yaml:"gateway,omitempty"`
	Netmask string `yaml:"netmask,omitempty"`
	MTU     int    `yaml:"mtu,omitempty"`
}

// UnmarshalYAML applies defaults before decoding so an absent fd key means
// "no descriptor" (-1) rather than fd 0.
func (c *TunConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw TunConfig
	r := raw{FD: -1}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*c = TunConfig(r)
	return nil
}

// FakeDNSConfig controls the synthetic-IP DNS interceptor.
// At most one of Include/Exclude may be non-empty.
type FakeDNSConfig struct {
	Include    []string `yaml:"include,omitempty"`
	Exclude    []string `yaml:"exclude,omitempty"`
	Pool       string   `yaml:"pool,omitempty"`
	MaxEntries int      `yaml:"max_entries,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Tun        TunConfig     `yaml:"tun"`
	FakeDNS    FakeDNSConfig `yaml:"fake_dns,omitempty"`
	InboundTag string        `yaml:"inbound_tag,omitempty"`
	Logging    LogConfig     `yaml:"logging,omitempty"`
}

// DefaultConfig returns a configuration that brings up an automatic tun
// device with fake DNS in exclude mode (everything eligible).
func DefaultConfig() *Config {
	return &Config{
		Tun: TunConfig{
			FD:   -1,
			Auto: true,
		},
		FakeDNS: FakeDNSConfig{
			Pool:       "198.18.0.0/15",
			MaxEntries: 65535,
		},
		InboundTag: "tun",
	}
}

// Validate checks cross-field consistency. Mode-specific tun validation
// (manual fields present, descriptor sanity) happens when the device is
// opened; this catches everything that can be caught by looking at the file.
func (c *Config) Validate() error {
	if c.Tun.FD >= 0 && c.Tun.Auto {
		return errors.New("[Config] tun: fd and auto are mutually exclusive")
	}
	for name, val := range map[string]string{
		"address": c.Tun.Address,
		"gateway": c.Tun.Gateway,
		"netmask": c.Tun.Netmask,
	} {
		if val == "" {
			continue
		}
		if _, err := netip.ParseAddr(val); err != nil {
			return fmt.Errorf("[Config] tun: invalid %s %q: %w", name, val, err)
		}
	}
	if c.Tun.MTU < 0 {
		return fmt.Errorf("[Config] tun: negative mtu %d", c.Tun.MTU)
	}
	if len(c.FakeDNS.Include) > 0 && len(c.FakeDNS.Exclude) > 0 {
		return errors.New("[Config] fake_dns: include and exclude filters are mutually exclusive")
	}
	if c.FakeDNS.Pool != "" {
		prefix, err := netip.ParsePrefix(c.FakeDNS.Pool)
		if err != nil {
			return fmt.Errorf("[Config] fake_dns: invalid pool %q: %w", c.FakeDNS.Pool, err)
		}
		if !prefix.Addr().Is4() {
			return fmt.Errorf("[Config] fake_dns: pool %q must be IPv4", c.FakeDNS.Pool)
		}
	}
	if c.FakeDNS.MaxEntries < 0 {
		return fmt.Errorf("[Config] fake_dns: negative max_entries %d", c.FakeDNS.MaxEntries)
	}
	return nil
}

// ---------------------------------------------------------------------------
// ConfigManager
// ---------------------------------------------------------------------------

// ConfigManager loads and persists the configuration file.
type ConfigManager struct {
	mu       sync.RWMutex
	config   *Config
	filePath string
}

// NewConfigManager creates a manager for the given config file path.
func NewConfigManager(filePath string) *ConfigManager {
	return &ConfigManager{filePath: filePath}
}

// Load reads the configuration from disk. If the file does not exist, the
// default configuration is written there and returned.
func (m *ConfigManager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if os.IsNotExist(err) {
		m.config = DefaultConfig()
		if err := m.saveLocked(); err != nil {
			return nil, err
		}
		cfg := *m.config
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("[Config] read %s: %w", m.filePath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("[Config] parse %s: %w", m.filePath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.config = cfg
	out := *cfg
	return &out, nil
}

// Save persists the current configuration.
func (m *ConfigManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *ConfigManager) saveLocked() error {
	if m.config == nil {
		return errors.New("[Config] nothing to save")
	}
	data, err := yaml.Marshal(m.config)
	if err != nil {
		return fmt.Errorf("[Config] marshal: %w", err)
	}
	if dir := filepath.Dir(m.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("[Config] create dir: %w", err)
		}
	}
	if err := os.WriteFile(m.filePath, data, 0o644); err != nil {
		return fmt.Errorf("[Config] write %s: %w", m.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (m *ConfigManager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return *DefaultConfig()
	}
	return *m.config
}
