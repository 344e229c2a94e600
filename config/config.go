// Package config loads an environment's on-disk parameters from a YAML
// file, mirroring the teacher's own gopkg.in/yaml.v3 fixture format. It
// covers only the ambient knobs the rest of the system needs at startup —
// log geometry, page size, checkpoint scheduling, and the legacy-format
// gate — never application configuration for a specific deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ariaskv/ariaskv/internal/ampage"
	"github.com/ariaskv/ariaskv/internal/logmgr"
)

// Config is the full set of environment parameters loadable from YAML.
type Config struct {
	// LogDir is where log.NNNNNNNNNN files are created and read.
	LogDir string `yaml:"log_dir"`
	// LgMax is the maximum size of one log file, in bytes. 0 = logmgr.DefaultLgMax.
	LgMax uint32 `yaml:"lg_max"`
	// LgBSize is the in-memory write-behind buffer size, in bytes. 0 = logmgr.DefaultLgBSize.
	LgBSize int `yaml:"lg_bsize"`

	// StoreDir is where per-file page stores (the *.db files dbreg_register
	// records name) live.
	StoreDir string `yaml:"store_dir"`
	// PageSize is the page size every store in this environment is opened
	// with. 0 = ampage.DefaultPageSize.
	PageSize int `yaml:"page_size"`

	// Checkpoint configures the background checkpoint daemon. Exactly one
	// of Interval or Cron should be set; Interval wins if both are.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// LegacyFormats is loaded from YAML but no package reads it: no record
	// type, RecLogRegisterLegacy included, is registered with
	// logrec.DeprecatedRecover, so superseded codes are rejected as unknown
	// whatever this is set to.
	LegacyFormats bool `yaml:"legacy_formats"`
}

// CheckpointConfig configures internal/txnmgr.CheckpointDaemon.
type CheckpointConfig struct {
	// Interval, parsed with time.ParseDuration (e.g. "5m"), runs a
	// checkpoint on a fixed tick.
	Interval string `yaml:"interval"`
	// Cron is a standard five- or six-field (with seconds) cron
	// expression, e.g. "0 */5 * * * *" for every five minutes. Takes
	// effect only when Interval is empty.
	Cron string `yaml:"cron"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return &c, nil
}

// LogConfig translates c into an internal/logmgr.Config.
func (c *Config) LogConfig() logmgr.Config {
	return logmgr.Config{Dir: c.LogDir, LgMax: c.LgMax, LgBSize: c.LgBSize}
}

// EffectivePageSize returns c.PageSize, or ampage.DefaultPageSize when unset.
func (c *Config) EffectivePageSize() int {
	if c.PageSize <= 0 {
		return ampage.DefaultPageSize
	}
	return c.PageSize
}

// ParseInterval parses Checkpoint.Interval, returning ok=false when it is
// empty (the caller should then try Cron).
func (c *Config) ParseInterval() (time.Duration, bool, error) {
	if c.Checkpoint.Interval == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(c.Checkpoint.Interval)
	if err != nil {
		return 0, false, fmt.Errorf("config: checkpoint.interval: %w", err)
	}
	return d, true, nil
}
