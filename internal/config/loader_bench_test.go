package config

import (
	"testing"
)

func BenchmarkLoadNodeConfig(b *testing.B) {
	dir := b.TempDir()
	path := writeTestConfig(b, dir, testConfigYAML)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		LoadNodeConfig(path)
	}
}

func BenchmarkValidateNodeConfig(b *testing.B) {
	cfg := &NodeConfig{
		Identity: IdentityConfig{KeyFile: "key"},
		Network: NetworkConfig{
			STUNServers:   []string{"stun.example.com:3478"},
			VirtualSubnet: "10.77.0.0/16",
		},
		ControlPlane: ControlPlaneConfig{
			Mode:  "local",
			Local: LocalControlPlaneCfg{SnapshotPath: "parties.json"},
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ValidateNodeConfig(cfg)
	}
}
