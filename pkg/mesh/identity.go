package mesh

import (
	"crypto/rand"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/crypto/curve25519"
)

// CheckKeyFilePermissions verifies a key file is not readable by group or
// others. Adapted from the teacher's identity package; Windows has no
// equivalent POSIX mode bits so the check is skipped there.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat key file %s: %w", path, err)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %04o (expected 0600)", path, mode)
	}
	return nil
}

// LoadOrCreateTunnelKey loads an X25519 private key from path, or
// generates and saves a new one if the file does not exist. The returned
// TunnelPublicKey is the peer's cryptographic identity.
func LoadOrCreateTunnelKey(path string) (priv [32]byte, pub TunnelPublicKey, err error) {
	if data, readErr := os.ReadFile(path); readErr == nil {
		if err = CheckKeyFilePermissions(path); err != nil {
			return priv, pub, err
		}
		if len(data) != 32 {
			return priv, pub, fmt.Errorf("key file %s: expected 32 bytes, got %d", path, len(data))
		}
		copy(priv[:], data)
		pubBytes, derr := curve25519.X25519(priv[:], curve25519.Basepoint)
		if derr != nil {
			return priv, pub, fmt.Errorf("derive public key: %w", derr)
		}
		copy(pub[:], pubBytes)
		return priv, pub, nil
	}

	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate key: %w", err)
	}
	// Clamp per RFC 7748 so the scalar is a valid X25519 private key.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("derive public key: %w", err)
	}
	copy(pub[:], pubBytes)

	if err = os.WriteFile(path, priv[:], 0600); err != nil {
		return priv, pub, fmt.Errorf("save key to %s: %w", path, err)
	}
	return priv, pub, nil
}
