package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lanrage/mesh/internal/validate"
)

// defaultDegradationThreshold and defaultProbeInterval mirror the
// constants in pkg/mesh/peerconn.go and pkg/mesh/relay_selector.go; a zero
// value in the loaded config falls back to them.
const (
	defaultDegradationThreshold = 150 * time.Millisecond
	defaultProbeInterval        = 30 * time.Second
	defaultListenPort           = 0 // ephemeral
)

// checkConfigFilePermissions returns an error if a config file has overly
// permissive permissions (any group/world bit set), which makes
// LoadNodeConfig refuse the file. Config files may reference the tunnel key
// file path and control-plane credentials.
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

// LoadNodeConfig loads node configuration from a YAML file, applying
// version checks and defaults for zero-valued fields.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade lanrage", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyNodeDefaults(&cfg)

	// A config that parses and passes version checks is archived as the
	// last-known-good copy, so a later hand-edit that breaks the file can be
	// recovered with Rollback. Best-effort: archive failures don't block load.
	if err := Archive(path); err != nil {
		slog.Warn("config: failed to archive last-known-good copy", "path", path, "error", err)
	}

	return &cfg, nil
}

func applyNodeDefaults(cfg *NodeConfig) {
	if cfg.Network.DegradationThreshold == 0 {
		cfg.Network.DegradationThreshold = defaultDegradationThreshold
	}
	if cfg.Relay.ProbeInterval == 0 {
		cfg.Relay.ProbeInterval = defaultProbeInterval
	}
	if cfg.ControlPlane.Mode == "" {
		cfg.ControlPlane.Mode = "local"
	}
	if cfg.Telemetry.Metrics.ListenAddress == "" {
		cfg.Telemetry.Metrics.ListenAddress = "127.0.0.1:9091"
	}
}

// ValidateNodeConfig validates a loaded node configuration.
func ValidateNodeConfig(cfg *NodeConfig) error {
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if len(cfg.Network.STUNServers) == 0 {
		return fmt.Errorf("network.stun_servers must contain at least one address")
	}
	if cfg.Network.VirtualSubnet == "" {
		return fmt.Errorf("network.virtual_subnet is required")
	}
	switch cfg.ControlPlane.Mode {
	case "local":
		if cfg.ControlPlane.Local.SnapshotPath == "" {
			return fmt.Errorf("control_plane.local.snapshot_path is required in local mode")
		}
	case "remote":
		if cfg.ControlPlane.Remote.BaseURL == "" {
			return fmt.Errorf("control_plane.remote.base_url is required in remote mode")
		}
	default:
		return fmt.Errorf("control_plane.mode must be %q or %q, got %q", "local", "remote", cfg.ControlPlane.Mode)
	}
	return nil
}

// FindConfigFile searches for a lanrage config file in standard locations.
// Search order: explicitPath (if given), ./lanrage.yaml,
// ~/.config/lanrage/config.yaml, /etc/lanrage/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{"lanrage.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "lanrage", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "lanrage", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nuse --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// ResolveConfigPaths resolves relative file paths in the config to be
// relative to the config file's directory, so configs in
// ~/.config/lanrage/ can reference key/snapshot files with relative paths.
func ResolveConfigPaths(cfg *NodeConfig, configDir string) {
	if cfg.Identity.KeyFile != "" && !filepath.IsAbs(cfg.Identity.KeyFile) {
		cfg.Identity.KeyFile = filepath.Join(configDir, cfg.Identity.KeyFile)
	}
	if p := cfg.ControlPlane.Local.SnapshotPath; p != "" && !filepath.IsAbs(p) {
		cfg.ControlPlane.Local.SnapshotPath = filepath.Join(configDir, p)
	}
}

// DefaultConfigDir returns the default lanrage config directory
// (~/.config/lanrage).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "lanrage"), nil
}

// ValidatePartyName validates a party name for use in the control plane's
// discovery-file path and log fields, preventing injection via separators
// or control characters.
func ValidatePartyName(name string) error {
	return validate.PartyName(name)
}
