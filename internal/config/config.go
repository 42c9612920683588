// Package config holds the daemon's configuration: the immutable record
// described by the core spec (listen address, download directory,
// auto-quit policy) plus the ambient blocks every long-running daemon in
// this codebase's lineage carries (logging, metrics).
package config

import (
	"fmt"
	"os"

	validator "gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"

	"github.com/peerdaemon/peerd/internal/log"
)

// DefaultListen is the address the daemon binds when none is configured,
// matching the core spec's documented default.
const DefaultListen = "127.0.0.1:3030"

// Daemon is the Go form of the core spec's DaemonConfig, extended with the
// ambient settings a production build needs.
type Daemon struct {
	Listen            string `yaml:"listen"`
	DownloadDir       string `yaml:"download_dir" validate:"nonzero"`
	QuitAfterComplete bool   `yaml:"quit_after_complete"`

	// CommandQueueCapacity bounds the internal command channel (§4.4);
	// zero means "use the spec default of 300".
	CommandQueueCapacity int `yaml:"command_queue_capacity" validate:"min=0"`
	// BroadcastInterval is how often a Remote Session Handler pushes an
	// unsolicited TorrentState to its client; zero means "use 1s".
	BroadcastInterval int `yaml:"broadcast_interval_ms" validate:"min=0"`

	Log     log.Config `yaml:"log"`
	Metrics Metrics    `yaml:"metrics"`
}

// Metrics configures the tally reporting scope. An empty Prefix leaves
// metrics disabled (daemon falls back to tally.NoopScope).
type Metrics struct {
	Prefix string `yaml:"prefix"`
}

// Default returns the configuration the daemon uses absent a config file
// or CLI overrides, matching daemon.New's documented defaults.
func Default(downloadDir string) Daemon {
	return Daemon{
		Listen:      DefaultListen,
		DownloadDir: downloadDir,
	}
}

// Load reads and parses a YAML config file; it does not validate the
// result (see Validate). An empty path is not an
// error; it returns the zero Daemon so a caller can still overlay CLI
// flags onto it.
func Load(path string) (Daemon, error) {
	if path == "" {
		return Daemon{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Daemon{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Daemon
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Daemon{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields spec.md treats as mandatory for a running
// daemon. It is deliberately not run automatically by Load, since Load
// may be producing a partial config destined to be overlaid by CLI flags.
func Validate(cfg Daemon) error {
	if err := validator.Validate(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ApplyDefaults fills in zero-valued fields with the spec's documented
// defaults. Call after merging file config with CLI flags.
func (c *Daemon) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.CommandQueueCapacity == 0 {
		c.CommandQueueCapacity = 300
	}
	if c.BroadcastInterval == 0 {
		c.BroadcastInterval = 1000
	}
}
