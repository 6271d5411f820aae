// Package config loads the control plane's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ridermw/ClawdBody/internal/provider"
)

// Config is the control plane configuration, loaded from clawd.yaml.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Issuer is the JWT issuer name.
	Issuer string `yaml:"issuer"`

	// JWTKeyPath points at a PEM-encoded EC private key. Empty means a
	// fresh key per process.
	JWTKeyPath string `yaml:"jwtKeyPath"`

	// SecretKeyHex is the 32-byte hex key sealing stored credentials.
	SecretKeyHex string `yaml:"secretKey"`

	// DefaultProvider is used when a setup request names none.
	DefaultProvider provider.Kind `yaml:"defaultProvider"`

	// SSH holds the login used on SSH-reachable instances.
	SSH SSHConfig `yaml:"ssh"`

	// Session controls terminal session lifecycle.
	Session SessionConfig `yaml:"session"`

	// Provider credentials and defaults.
	AWS     provider.AWSConfig     `yaml:"aws"`
	Hetzner provider.HetznerConfig `yaml:"hetzner"`
	Kube    provider.KubeConfig    `yaml:"kube"`
}

// SSHConfig names the SSH login for configured instances.
type SSHConfig struct {
	User    string `yaml:"user"`
	KeyPath string `yaml:"keyPath"`
}

// SessionConfig controls the terminal session reaper.
type SessionConfig struct {
	// IdleTimeout disconnects sessions with no heartbeat for this long.
	IdleTimeout Duration `yaml:"idleTimeout"`

	// ReapInterval is how often idle sessions are scanned for.
	ReapInterval Duration `yaml:"reapInterval"`
}

// Duration unmarshals YAML strings like "15m" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates the configuration at path. A missing file
// yields the defaults, which are enough for the local provider.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Issuer == "" {
		c.Issuer = "clawd-cp"
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = provider.KindLocal
	}
	if c.SSH.User == "" {
		c.SSH.User = "ubuntu"
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = Duration(30 * time.Minute)
	}
	if c.Session.ReapInterval == 0 {
		c.Session.ReapInterval = Duration(time.Minute)
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if !c.DefaultProvider.Valid() {
		return fmt.Errorf("unknown default provider: %s", c.DefaultProvider)
	}
	if c.Session.IdleTimeout.Std() < time.Minute {
		return fmt.Errorf("session idle timeout %s is below one minute", c.Session.IdleTimeout.Std())
	}
	if c.SecretKeyHex != "" && len(c.SecretKeyHex) != 64 {
		return fmt.Errorf("secret key must be 32 hex-encoded bytes")
	}
	return nil
}
