package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shurlinet/peerd/internal/validate"
)

// FileName is the config file's name under the node root.
const FileName = "config.yaml"

// checkConfigFilePermissions returns an error if a config file has overly
// permissive permissions (any group or world permission bit set). Config
// files may contain sensitive paths and network topology.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads node configuration from a YAML file. Durations may be
// written as "10s"-style strings; missing fields take defaults.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Parse YAML with custom unmarshaling for durations
	var raw struct {
		Version int `yaml:"version,omitempty"`
		Network struct {
			ListenAddresses      []string `yaml:"listen_addresses"`
			Namespace            string   `yaml:"namespace,omitempty"`
			BootstrapPeers       []string `yaml:"bootstrap_peers,omitempty"`
			MDNSEnabled          *bool    `yaml:"mdns_enabled,omitempty"`
			ProviderQueryTimeout string   `yaml:"provider_query_timeout,omitempty"`
		} `yaml:"network"`
		Sync struct {
			OnStartup bool   `yaml:"on_startup"`
			MaxPeers  int    `yaml:"max_peers,omitempty"`
			Period    string `yaml:"period,omitempty"`
		} `yaml:"sync,omitempty"`
		WaitingRoom struct {
			MaxQueries    int    `yaml:"max_queries,omitempty"`
			MaxClones     int    `yaml:"max_clones,omitempty"`
			Delta         string `yaml:"delta,omitempty"`
			TimeoutPeriod string `yaml:"timeout_period,omitempty"`
			Interval      string `yaml:"interval,omitempty"`
			Strategy      string `yaml:"strategy,omitempty"`
		} `yaml:"waiting_room,omitempty"`
		Announce struct {
			Interval string `yaml:"interval,omitempty"`
		} `yaml:"announce,omitempty"`
		Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Default version to 1 for configs written before versioning was added
	version := raw.Version
	if version == 0 {
		version = 1
	}
	if version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade peerd", ErrConfigVersionTooNew, version, CurrentConfigVersion)
	}

	cfg := &Config{
		Version: version,
		Network: NetworkConfig{
			ListenAddresses: raw.Network.ListenAddresses,
			Namespace:       raw.Network.Namespace,
			BootstrapPeers:  raw.Network.BootstrapPeers,
			MDNSEnabled:     raw.Network.MDNSEnabled,
		},
		Sync: SyncConfig{
			OnStartup: raw.Sync.OnStartup,
			MaxPeers:  raw.Sync.MaxPeers,
		},
		WaitingRoom: WaitingRoomConfig{
			MaxQueries: raw.WaitingRoom.MaxQueries,
			MaxClones:  raw.WaitingRoom.MaxClones,
			Strategy:   raw.WaitingRoom.Strategy,
		},
		Telemetry: raw.Telemetry,
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"network.provider_query_timeout", raw.Network.ProviderQueryTimeout, &cfg.Network.ProviderQueryTimeout},
		{"sync.period", raw.Sync.Period, &cfg.Sync.Period},
		{"waiting_room.delta", raw.WaitingRoom.Delta, &cfg.WaitingRoom.Delta},
		{"waiting_room.timeout_period", raw.WaitingRoom.TimeoutPeriod, &cfg.WaitingRoom.TimeoutPeriod},
		{"waiting_room.interval", raw.WaitingRoom.Interval, &cfg.WaitingRoom.Interval},
		{"announce.interval", raw.Announce.Interval, &cfg.Announce.Interval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		dur, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = dur
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Validate checks a loaded configuration for usability.
func Validate(cfg *Config) error {
	if len(cfg.Network.ListenAddresses) == 0 {
		return fmt.Errorf("network.listen_addresses must contain at least one address")
	}
	if err := validate.NetworkName(cfg.Network.Namespace); err != nil {
		return fmt.Errorf("network.namespace: %w", err)
	}
	switch cfg.WaitingRoom.Strategy {
	case "first", "newest", "oldest", "random":
	default:
		return fmt.Errorf("waiting_room.strategy must be one of first|newest|oldest|random, got %q", cfg.WaitingRoom.Strategy)
	}
	if cfg.WaitingRoom.MaxQueries < 1 || cfg.WaitingRoom.MaxClones < 1 {
		return fmt.Errorf("waiting_room.max_queries and max_clones must be at least 1")
	}
	if cfg.Sync.OnStartup && cfg.Sync.MaxPeers < 1 {
		return fmt.Errorf("sync.max_peers must be at least 1 when sync.on_startup is set")
	}
	if cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.ListenAddress == "" {
		return fmt.Errorf("telemetry.metrics.listen_address is required when metrics are enabled")
	}
	return nil
}

// Save writes cfg to path with owner-only permissions.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file %s: %w", path, err)
	}
	return nil
}

// ResolveRoot resolves the node's data root: an explicit flag value
// wins, then the RAD_HOME environment variable, then the
// platform-conventional data directory. The explicit parameter keeps
// tests free of process-global state; they pass a tempdir directly.
func ResolveRoot(flagRoot string) (string, error) {
	if flagRoot != "" {
		return flagRoot, nil
	}
	if env := os.Getenv("RAD_HOME"); env != "" {
		return env, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}
	return filepath.Join(base, "peerd"), nil
}

// Path returns the config file path under a node root.
func Path(root string) string {
	return filepath.Join(root, FileName)
}
