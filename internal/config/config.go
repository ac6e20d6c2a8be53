// Package config loads and validates the core's configuration surface:
// database location, global and per-group slot/limit defaults, the
// governor's refill behavior, prune scheduling, and logging, following the
// teacher's load → parse → merge-with-defaults → validate pipeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/imdario/mergo"
	"github.com/slskd/slskd-core/internal/classifier"
	"github.com/slskd/slskd-core/internal/group"
	"github.com/slskd/slskd-core/internal/logging"
	"gopkg.in/yaml.v3"
)

// Config is the complete, on-disk configuration shape.
type Config struct {
	// DatabasePath is where the transfer store's bbolt file lives.
	DatabasePath string `yaml:"databasePath"`

	// GlobalSlots is the ceiling on concurrently-used upload slots across
	// every group (spec §4.4 step 1).
	GlobalSlots int `yaml:"globalSlots"`

	// Groups holds operator-defined groups and overrides for the three
	// built-ins, keyed by name. See group.DefaultGroups for the baseline
	// every configuration is merged against.
	Groups map[string]group.Config `yaml:"groups"`

	// GlobalLimits supplies the per-field fallback used when a group
	// leaves a limit field unset (spec §9 Open Questions).
	GlobalLimits group.Limits `yaml:"globalLimits"`

	LeecherThresholds classifier.LeecherThresholds `yaml:"leecherThresholds"`

	// GovernorRefillInterval is loaded and saved with the rest of the
	// configuration but is not passed to the governor, whose refill loop
	// always ticks at governor.RefillInterval (100ms).
	GovernorRefillInterval time.Duration `yaml:"governorRefillInterval"`

	// PruneAge is how long a terminal transfer record survives before
	// Prune removes it (spec §4.1).
	PruneAge time.Duration `yaml:"pruneAge"`
	// PruneInterval is how often the prune sweep runs.
	PruneInterval time.Duration `yaml:"pruneInterval"`

	LogLevel  string `yaml:"logLevel"`
	LogOutput string `yaml:"logOutput"` // "STDOUT", "STDERR", or a file path

	ShareDirectories  []string `yaml:"shareDirectories"`
	FilterSet         []string `yaml:"filterSet"`
	SearchFilterRegex string   `yaml:"searchFilterRegex"`
	ListenPort        int      `yaml:"listenPort"`
}

// DefaultConfigPath mirrors the teacher's XDG-based resolution.
func DefaultConfigPath() string {
	confDir, err := os.UserConfigDir()
	if err != nil {
		logging.Error().Err(err).Msg("Could not determine configuration directory")
	}
	return filepath.Join(confDir, "slskd-core/config.yml")
}

func defaultDatabasePath() string {
	dataDir, err := os.UserCacheDir()
	if err != nil {
		return "slskd-core.db"
	}
	return filepath.Join(dataDir, "slskd-core", "transfers.db")
}

// Defaults returns the configuration used when no file is present, and as
// the merge target for partial configuration files.
func Defaults() Config {
	return Config{
		DatabasePath:           defaultDatabasePath(),
		GlobalSlots:            10,
		Groups:                 map[string]group.Config{},
		GlobalLimits:           group.Limits{},
		LeecherThresholds:      classifier.LeecherThresholds{MinSharedFiles: 1},
		GovernorRefillInterval: 0,
		PruneAge:               7 * 24 * time.Hour,
		PruneInterval:          time.Hour,
		LogLevel:               "info",
		LogOutput:              "STDOUT",
		ListenPort:             2234,
	}
}

// Load reads and validates the configuration at path, merging it with
// Defaults() for any unset field. A missing or unparsable file yields the
// defaults, matching the teacher's "never fail startup over config"
// posture.
func Load(path string) *Config {
	defaults := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("Configuration file not found, using defaults")
		return &defaults
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		logging.Error().Err(err).Str("path", path).Msg("Could not parse configuration file, using defaults")
		return &defaults
	}

	if err := mergo.Merge(cfg, defaults); err != nil {
		logging.Error().Err(err).Str("path", path).Msg("Could not merge configuration with defaults")
		return &defaults
	}

	validate(cfg)
	return cfg
}

func validate(cfg *Config) {
	if cfg.GlobalSlots <= 0 {
		logging.Warn().Int("globalSlots", cfg.GlobalSlots).Msg("globalSlots must be positive, using default")
		cfg.GlobalSlots = Defaults().GlobalSlots
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaultDatabasePath()
	}
	if cfg.PruneAge <= 0 {
		cfg.PruneAge = Defaults().PruneAge
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = Defaults().PruneInterval
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		logging.Warn().Str("logLevel", cfg.LogLevel).Msg("Invalid log level, using default")
		cfg.LogLevel = Defaults().LogLevel
	}
	for name, g := range cfg.Groups {
		if name != group.Privileged && name != group.Default && name != group.Leechers && g.Priority < 1 {
			logging.Warn().Str("group", name).Msg("User-defined group priority must be >= 1, forcing to 1")
			g.Priority = 1
			cfg.Groups[name] = g
		}
	}
}

// BuildGroups renders cfg's Groups (plus the three built-ins) into the
// live map the Upload Queue schedules against (spec §4.7's "always
// include the three built-in groups... privileged priority is always 0
// and slots equal global slots").
func BuildGroups(cfg *Config) map[string]*group.Group {
	result := group.DefaultGroups(cfg.GlobalSlots)
	for name, gc := range cfg.Groups {
		g, exists := result[name]
		if !exists {
			g = &group.Group{Name: name}
			result[name] = g
		}
		g.Strategy = gc.Strategy
		g.SpeedLimitKiBps = gc.SpeedLimitKiBps
		g.Limits = gc.Limits
		if name == group.Privileged {
			g.Priority = 0
			g.Slots = cfg.GlobalSlots
			continue
		}
		g.Priority = gc.Priority
		g.Slots = gc.Slots
	}
	return result
}

// WriteConfig persists cfg to path, creating the parent directory if
// needed.
func WriteConfig(cfg *Config, path string) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, out, 0600)
}
