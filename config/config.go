// Package config loads client configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry values like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig points at a fixed game server. Ignored when discovery is
// configured.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DiscoveryConfig resolves the game server through etcd instead of a fixed
// address.
type DiscoveryConfig struct {
	Endpoints []string `yaml:"endpoints"`
	// Balancer: "roundrobin", "weighted", or "affinity" (consistent hash on
	// the player name).
	Balancer string `yaml:"balancer"`
}

// Enabled reports whether discovery should be used.
func (d DiscoveryConfig) Enabled() bool {
	return len(d.Endpoints) > 0
}

// Config is the full client configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discovery DiscoveryConfig `yaml:"discovery"`

	DialTimeout       Duration `yaml:"dial_timeout"`
	CallTimeout       Duration `yaml:"call_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	PollInterval      Duration `yaml:"poll_interval"`

	// EmptyBroadcast decides what a zero-length broadcast frame means:
	// "ignore" (no-op) or "stop" (end of broadcast stream).
	EmptyBroadcast string `yaml:"empty_broadcast"`

	// EventBuffer is the capacity of the decoded-event channel handed to the
	// application layer.
	EventBuffer int `yaml:"event_buffer"`
}

// Default returns the configuration used when a field is left unset.
func Default() Config {
	return Config{
		DialTimeout:       Duration(3 * time.Second),
		CallTimeout:       Duration(5 * time.Second),
		HeartbeatInterval: Duration(15 * time.Second),
		PollInterval:      Duration(50 * time.Millisecond),
		EmptyBroadcast:    "ignore",
		EventBuffer:       64,
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the session cannot act on.
func (c Config) Validate() error {
	if c.Server.Addr == "" && !c.Discovery.Enabled() {
		return fmt.Errorf("either server.addr or discovery.endpoints is required")
	}
	switch c.EmptyBroadcast {
	case "", "ignore", "stop":
	default:
		return fmt.Errorf("empty_broadcast must be \"ignore\" or \"stop\", got %q", c.EmptyBroadcast)
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("event_buffer must be non-negative")
	}
	return nil
}
