// Package agentkeys issues, stores and validates the static bearer keys used by
// unattended lab agents, and provides the gin middleware that guards the agent API.
package agentkeys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// SecretPrefix marks agent keys so they are recognisable among other secrets
	SecretPrefix = "agk_"
	// SecretBytes is the amount of randomness in a key (32 bytes = 64 hex chars)
	SecretBytes = 32
	// KeyPrefixLength is how much of the secret is kept in clear for identification
	KeyPrefixLength = len(SecretPrefix) + 8
)

// GenerateKey returns a new secret: SecretPrefix followed by 64 hex characters.
// Uniqueness relies on entropy; callers do not check for collisions.
func GenerateKey() (string, error) {
	buf := make([]byte, SecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate agent key: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(buf), nil
}

// HashKey returns the SHA-256 hex digest stored in place of the secret
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// PrefixOf returns the identifying prefix persisted alongside the hash
func PrefixOf(secret string) string {
	if len(secret) <= KeyPrefixLength {
		return secret
	}
	return secret[:KeyPrefixLength]
}

// Redact shortens a presented credential for logging. Values that are not
// longer than the stored prefix are cut in half so they never appear whole.
func Redact(secret string) string {
	if len(secret) > KeyPrefixLength {
		return secret[:KeyPrefixLength] + "..."
	}
	return secret[:len(secret)/2] + "..."
}
