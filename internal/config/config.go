// Package config loads the daemon's ClientOptions from a YAML file on disk,
// with defaults for unset fields. No per-field flag overrides are applied.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// ClientOptions is the daemon's runtime configuration: directories,
// listening port, connection limits, and log level, constructed once at
// daemon startup and passed down to the Engine.
type ClientOptions struct {
	DownloadDir        string `yaml:"download_dir"`
	StateDir           string `yaml:"state_dir"`
	ListenPort         uint16 `yaml:"listen_port"`
	MaxConnsPerTorrent int    `yaml:"max_conns_per_torrent"`
	LogLevel           string `yaml:"log_level"`
}

// DefaultOptions gives every field a standalone default, so a daemon
// started with no --config flag still works.
func DefaultOptions() ClientOptions {
	return ClientOptions{
		DownloadDir:        "./downloads",
		StateDir:           "./state",
		ListenPort:         6881,
		MaxConnsPerTorrent: 50,
		LogLevel:           "info",
	}
}

// Load reads and decodes a YAML config file at path into a ClientOptions
// seeded with DefaultOptions, so a partial file only overrides the fields it
// sets. A missing file is not an error; the defaults are returned as-is.
func Load(path string) (ClientOptions, error) {
	opts := DefaultOptions()
	if path == "" {
		return opts, nil
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return opts, nil
	}
	if err != nil {
		return ClientOptions{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return ClientOptions{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return opts, nil
}

// Validate checks the invariants the engine relies on before it starts
// anything.
func (c ClientOptions) Validate() error {
	if c.DownloadDir == "" {
		return fmt.Errorf("config: download_dir must not be empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("config: state_dir must not be empty")
	}
	if c.ListenPort == 0 {
		return fmt.Errorf("config: listen_port must be nonzero")
	}
	if c.MaxConnsPerTorrent <= 0 {
		return fmt.Errorf("config: max_conns_per_torrent must be positive")
	}
	return nil
}
