package config

import (
	"time"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// Config is the node configuration loaded from <root>/config.yaml.
type Config struct {
	Version     int               `yaml:"version,omitempty"`
	Network     NetworkConfig     `yaml:"network"`
	Sync        SyncConfig        `yaml:"sync,omitempty"`
	WaitingRoom WaitingRoomConfig `yaml:"waiting_room,omitempty"`
	Announce    AnnounceConfig    `yaml:"announce,omitempty"`
	Telemetry   TelemetryConfig   `yaml:"telemetry,omitempty"`
}

// NetworkConfig holds gossip overlay settings.
type NetworkConfig struct {
	// ListenAddresses are the multiaddrs the overlay binds.
	ListenAddresses []string `yaml:"listen_addresses"`

	// Namespace scopes the gossip and DHT protocol IDs
	// (/peerd/<namespace>/gossip/1.0.0). Must be a DNS label.
	Namespace string `yaml:"namespace,omitempty"`

	// BootstrapPeers are multiaddrs (with /p2p/ suffix) dialed at startup.
	BootstrapPeers []string `yaml:"bootstrap_peers,omitempty"`

	// MDNSEnabled toggles LAN peer discovery (default: true).
	MDNSEnabled *bool `yaml:"mdns_enabled,omitempty"`

	// ProviderQueryTimeout bounds DHT provider lookups.
	ProviderQueryTimeout time.Duration `yaml:"provider_query_timeout,omitempty"`
}

// IsMDNSEnabled returns whether mDNS local discovery is enabled.
// Defaults to true when not explicitly set in config.
func (n *NetworkConfig) IsMDNSEnabled() bool {
	if n.MDNSEnabled == nil {
		return true
	}
	return *n.MDNSEnabled
}

// SyncConfig controls the startup sync policy consumed by the run-state
// machine.
type SyncConfig struct {
	OnStartup bool          `yaml:"on_startup"`
	MaxPeers  int           `yaml:"max_peers,omitempty"`
	Period    time.Duration `yaml:"period,omitempty"`
}

// WaitingRoomConfig bounds identity request attempts and deadlines.
type WaitingRoomConfig struct {
	MaxQueries    int           `yaml:"max_queries,omitempty"`
	MaxClones     int           `yaml:"max_clones,omitempty"`
	Delta         time.Duration `yaml:"delta,omitempty"`
	TimeoutPeriod time.Duration `yaml:"timeout_period,omitempty"`
	Interval      time.Duration `yaml:"interval,omitempty"`
	Strategy      string        `yaml:"strategy,omitempty"` // first | newest | oldest | random
}

// AnnounceConfig controls the announcement ticker.
type AnnounceConfig struct {
	Interval time.Duration `yaml:"interval,omitempty"`
}

// TelemetryConfig holds observability settings.
// All features are disabled by default (opt-in).
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Audit   AuditConfig   `yaml:"audit,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // default: "127.0.0.1:9091"
}

// AuditConfig controls structured audit logging.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config with every defaultable field populated.
func Default() *Config {
	return &Config{
		Version: CurrentConfigVersion,
		Network: NetworkConfig{
			ListenAddresses: []string{
				"/ip4/0.0.0.0/tcp/0",
				"/ip4/0.0.0.0/udp/0/quic-v1",
			},
			Namespace:            "peerd",
			ProviderQueryTimeout: 60 * time.Second,
		},
		Sync: SyncConfig{
			OnStartup: true,
			MaxPeers:  3,
			Period:    5 * time.Second,
		},
		WaitingRoom: WaitingRoomConfig{
			MaxQueries:    5,
			MaxClones:     3,
			Delta:         time.Second,
			TimeoutPeriod: 10 * time.Second,
			Interval:      500 * time.Millisecond,
			Strategy:      "first",
		},
		Announce: AnnounceConfig{
			Interval: 60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{ListenAddress: "127.0.0.1:9091"},
		},
	}
}

// applyDefaults fills zero-valued fields from Default.
func applyDefaults(cfg *Config) {
	def := Default()
	if len(cfg.Network.ListenAddresses) == 0 {
		cfg.Network.ListenAddresses = def.Network.ListenAddresses
	}
	if cfg.Network.Namespace == "" {
		cfg.Network.Namespace = def.Network.Namespace
	}
	if cfg.Network.ProviderQueryTimeout == 0 {
		cfg.Network.ProviderQueryTimeout = def.Network.ProviderQueryTimeout
	}
	if cfg.Sync.MaxPeers == 0 {
		cfg.Sync.MaxPeers = def.Sync.MaxPeers
	}
	if cfg.Sync.Period == 0 {
		cfg.Sync.Period = def.Sync.Period
	}
	if cfg.WaitingRoom.MaxQueries == 0 {
		cfg.WaitingRoom.MaxQueries = def.WaitingRoom.MaxQueries
	}
	if cfg.WaitingRoom.MaxClones == 0 {
		cfg.WaitingRoom.MaxClones = def.WaitingRoom.MaxClones
	}
	if cfg.WaitingRoom.Delta == 0 {
		cfg.WaitingRoom.Delta = def.WaitingRoom.Delta
	}
	if cfg.WaitingRoom.TimeoutPeriod == 0 {
		cfg.WaitingRoom.TimeoutPeriod = def.WaitingRoom.TimeoutPeriod
	}
	if cfg.WaitingRoom.Interval == 0 {
		cfg.WaitingRoom.Interval = def.WaitingRoom.Interval
	}
	if cfg.WaitingRoom.Strategy == "" {
		cfg.WaitingRoom.Strategy = def.WaitingRoom.Strategy
	}
	if cfg.Announce.Interval == 0 {
		cfg.Announce.Interval = def.Announce.Interval
	}
	if cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.ListenAddress == "" {
		cfg.Telemetry.Metrics.ListenAddress = def.Telemetry.Metrics.ListenAddress
	}
}
