// Package auth authenticates runners and staff sessions and manages runner
// registrations.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/JakeFAU/scraper-coordinator/internal/hash/sha256"
)

const (
	// KeyPrefix marks every runner API key.
	KeyPrefix = "scr_"
	// keyRandomBytes yields 64 hex characters after the prefix.
	keyRandomBytes = 32
	// displayPrefixLen is how much of the key is stored in clear for operators.
	displayPrefixLen = 12
)

// APIKey is a freshly minted runner credential. Key is shown exactly once.
type APIKey struct {
	Key    string
	Hash   string
	Prefix string
}

var hasher = sha256.New()

// GenerateAPIKey mints a random key with its SHA-256 hash and display prefix.
func GenerateAPIKey() (APIKey, error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return APIKey{}, fmt.Errorf("read random key bytes: %w", err)
	}
	key := KeyPrefix + hex.EncodeToString(buf)
	return APIKey{
		Key:    key,
		Hash:   HashKey(key),
		Prefix: key[:displayPrefixLen],
	}, nil
}

// HashKey returns the hex SHA-256 digest stored for key.
func HashKey(key string) string {
	return hasher.HashString(key)
}

func hasKeyShape(key string) bool {
	return strings.HasPrefix(key, KeyPrefix) && len(key) > len(KeyPrefix)
}
