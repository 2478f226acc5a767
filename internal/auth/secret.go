package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const secretFileName = "jwt_secret"

// LoadOrCreateSecret reads the token signing key from secretDir, or generates
// and persists a new 256-bit hex-encoded key if the file is missing or empty.
func LoadOrCreateSecret(secretDir string) (string, error) {
	path := filepath.Join(secretDir, secretFileName)

	data, err := os.ReadFile(path) //nolint:gosec // path built from configured secret_dir
	if secret := strings.TrimSpace(string(data)); err == nil && secret != "" {
		return secret, nil
	}

	return RotateSecret(secretDir)
}

// RotateSecret writes a new signing key, replacing the existing one.
// Every token issued with the previous key stops verifying.
func RotateSecret(secretDir string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(b)

	if err := os.MkdirAll(secretDir, 0700); err != nil {
		return "", fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(secretDir, secretFileName), []byte(secret), 0600); err != nil {
		return "", fmt.Errorf("write secret: %w", err)
	}

	return secret, nil
}

// ResolveSecret returns configured when set, otherwise the on-disk key.
func ResolveSecret(configured, secretDir string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	return LoadOrCreateSecret(secretDir)
}
