package config

import (
	"time"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// NodeConfig is the unified configuration for a mesh node: the identity it
// connects as, how it reaches STUN servers and relays, and how it talks to
// a control plane (embedded or remote).
type NodeConfig struct {
	Version      int                `yaml:"version,omitempty"`
	Identity     IdentityConfig     `yaml:"identity"`
	Network      NetworkConfig      `yaml:"network"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Relay        RelayConfig        `yaml:"relay,omitempty"`
	Telemetry    TelemetryConfig    `yaml:"telemetry,omitempty"`
}

// IdentityConfig holds the tunnel keypair location.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds NAT-traversal and tunnel networking settings
// (spec.md §4.2 NAT Traversal Subsystem, §4.11 Broadcast Emulator).
type NetworkConfig struct {
	STUNServers           []string      `yaml:"stun_servers"`
	ListenPort            int           `yaml:"listen_port"`
	DegradationThreshold  time.Duration `yaml:"degradation_threshold,omitempty"`
	DiscoveryPorts        []int         `yaml:"discovery_ports,omitempty"`
	MulticastGroups       []string      `yaml:"multicast_groups,omitempty"`
	BroadcastInterface    string        `yaml:"broadcast_interface,omitempty"`
	VirtualSubnet         string        `yaml:"virtual_subnet"`
}

// ControlPlaneConfig selects and configures the control-plane backend: an
// in-process LocalControlPlane for small/offline parties, or a
// RemoteControlPlane HTTP client against a shared controlplaned (spec.md
// §4.8).
type ControlPlaneConfig struct {
	Mode   string               `yaml:"mode"` // "local" or "remote"
	Local  LocalControlPlaneCfg `yaml:"local,omitempty"`
	Remote RemoteControlPlaneCfg `yaml:"remote,omitempty"`
}

// LocalControlPlaneCfg configures the in-process control plane.
type LocalControlPlaneCfg struct {
	SnapshotPath        string `yaml:"snapshot_path"`
	SharedDiscoveryFile string `yaml:"shared_discovery_file,omitempty"`
}

// RemoteControlPlaneCfg configures the HTTP control-plane client.
type RemoteControlPlaneCfg struct {
	BaseURL string `yaml:"base_url"`
}

// RelayConfig holds the static relay candidate list consulted alongside
// control-plane-advertised relays (spec.md §4.3 Relay Selector).
type RelayConfig struct {
	StaticRelays    []string      `yaml:"static_relays,omitempty"`
	ProbeInterval   time.Duration `yaml:"probe_interval,omitempty"`
	MaxClients      int           `yaml:"max_clients,omitempty"` // relayd only
}

// TelemetryConfig holds observability settings. All features are disabled
// by default (opt-in).
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // default: "127.0.0.1:9091"
}
