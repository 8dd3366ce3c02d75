// Package config loads the controller's primary TOML configuration: tick
// cadence, staged-request timeouts, plugin sandboxing, and on-disk
// layout, via github.com/pelletier/go-toml/v2 — the same library
// pkg/storage uses for per-entity persistence.
//
// Loading follows a LoadFromTomlFile pattern (one struct, one
// toml.Unmarshal call, defaults applied before the file is read),
// adapted from a per-flag-default idiom to per-field struct defaults
// since nimbusd takes one config file rather than dozens of flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds every tunable: tick cadence, staged-request timeouts,
// plugin sandboxing, subscriber buffering, the default admin user, and
// on-disk layout. Durations are stored as whole seconds — go-toml/v2 has
// no special-cased encoding for time.Duration, and a plain integer
// (e.g. "tick_interval_seconds = 1") is the simplest wire format anyway.
type Config struct {
	TickIntervalSeconds       int64  `toml:"tick_interval_seconds"`
	StartupTimeoutSeconds     int64  `toml:"startup_timeout_seconds"`
	HeartbeatTimeoutSeconds   int64  `toml:"heartbeat_timeout_seconds"`
	RestartTimeoutSeconds     int64  `toml:"restart_timeout_seconds"`
	EmptyServerTimeoutSeconds int64  `toml:"empty_server_timeout_seconds"`
	PluginCallEpochSeconds    int64  `toml:"plugin_call_epoch_seconds"`
	SubscriberBuffer          int    `toml:"subscriber_buffer"`
	DefaultAdminName          string `toml:"default_admin_name"`
	ProtocolVersion           uint32 `toml:"protocol_version"`
	ControllerVersion         string `toml:"controller_version"`

	DataDir    string `toml:"data_dir"`
	PluginDir  string `toml:"plugin_dir"`
	PluginRoot string `toml:"plugin_root"`
	CertDir    string `toml:"cert_dir"`

	ListenAddr  string `toml:"listen_addr"`
	MetricsAddr string `toml:"metrics_addr"`

	DispatchQueueSize int `toml:"dispatch_queue_size"`
}

// protocolVersion is the build constant the "protocol_version" key
// defaults to when unset — bumped when the wire contract of pkg/rpc
// changes incompatibly.
const protocolVersion = 1

// Default returns a Config populated with every §6-named default.
func Default() Config {
	return Config{
		TickIntervalSeconds:       1,
		StartupTimeoutSeconds:     30,
		HeartbeatTimeoutSeconds:   15,
		RestartTimeoutSeconds:     30,
		EmptyServerTimeoutSeconds: 300,
		PluginCallEpochSeconds:    30,
		SubscriberBuffer:          64,
		DefaultAdminName:          "admin",
		ProtocolVersion:           protocolVersion,
		ControllerVersion:         "dev",
		DataDir:                   "./data",
		PluginDir:                 "./plugins",
		PluginRoot:                "./data/plugins-root",
		CertDir:                   "./certs",
		ListenAddr:                "0.0.0.0:7777",
		MetricsAddr:               "127.0.0.1:9090",
		DispatchQueueSize:         256,
	}
}

// Load reads path, overlaying its values on Default() so an omitted key
// keeps its default rather than zeroing out. A missing file is not an
// error: a controller with no configs/primary.toml yet runs on defaults
// alone, matching the original's "first boot" behavior.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save persists cfg to path as TOML, creating its parent directory if
// necessary. Used by `nimbusd config init` to seed a configs/primary.toml
// an operator can then hand-edit.
func Save(path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

func (c Config) TickInterval() time.Duration       { return time.Duration(c.TickIntervalSeconds) * time.Second }
func (c Config) StartupTimeout() time.Duration     { return time.Duration(c.StartupTimeoutSeconds) * time.Second }
func (c Config) HeartbeatTimeout() time.Duration   { return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second }
func (c Config) RestartTimeout() time.Duration     { return time.Duration(c.RestartTimeoutSeconds) * time.Second }
func (c Config) EmptyServerTimeout() time.Duration { return time.Duration(c.EmptyServerTimeoutSeconds) * time.Second }
func (c Config) PluginCallEpoch() time.Duration    { return time.Duration(c.PluginCallEpochSeconds) * time.Second }
