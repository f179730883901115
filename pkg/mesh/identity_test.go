package mesh

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateTunnelKeyGeneratesNew(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunnel.key")

	priv, pub, err := LoadOrCreateTunnelKey(path)
	require.NoError(t, err)
	assert.NotZero(t, priv)
	assert.NotZero(t, pub)

	// Clamping per RFC 7748.
	assert.Equal(t, byte(0), priv[0]&0x07)
	assert.Equal(t, byte(0x40), priv[31]&0xc0)
}

func TestLoadOrCreateTunnelKeyReloadsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunnel.key")

	_, pub1, err := LoadOrCreateTunnelKey(path)
	require.NoError(t, err)

	_, pub2, err := LoadOrCreateTunnelKey(path)
	require.NoError(t, err)

	assert.Equal(t, pub1, pub2)
}

func TestCheckKeyFilePermissionsRejectsWorldReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunnel.key")
	_, _, err := LoadOrCreateTunnelKey(path)
	require.NoError(t, err)

	require.NoError(t, os.Chmod(path, 0644))
	err = CheckKeyFilePermissions(path)
	assert.Error(t, err)
}

func TestCheckKeyFilePermissionsAcceptsPrivate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunnel.key")
	_, _, err := LoadOrCreateTunnelKey(path)
	require.NoError(t, err)

	assert.NoError(t, CheckKeyFilePermissions(path))
}
