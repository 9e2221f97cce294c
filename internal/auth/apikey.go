// Package auth implements API key generation and verification for the
// portscan API. Keys are only ever stored as bcrypt hashes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyLength is the length of the random part of an API key
	APIKeyLength = 32
	// APIKeyPrefix is the standard prefix for all API keys
	APIKeyPrefix = "ps"
	// DisplayPrefixLength is the length of the prefix shown in logs
	DisplayPrefixLength = 11

	// BcryptCost is the bcrypt cost for hashing API keys
	BcryptCost = 12
	// BcryptMaxInputLength is the maximum input length for bcrypt (72 bytes)
	BcryptMaxInputLength = 72
)

// GeneratedAPIKey is a new key together with the hash to put in the config.
type GeneratedAPIKey struct {
	Key    string `json:"key"`
	Hash   string `json:"hash"`
	Prefix string `json:"prefix"`
}

// GenerateAPIKey creates a random API key and its bcrypt hash.
func GenerateAPIKey() (*GeneratedAPIKey, error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	// base32 has no ambiguous characters
	randomPart := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(randomBytes))
	key := APIKeyPrefix + "_" + randomPart[:APIKeyLength]

	hash, err := HashAPIKey(key)
	if err != nil {
		return nil, err
	}

	return &GeneratedAPIKey{
		Key:    key,
		Hash:   hash,
		Prefix: DisplayPrefix(key),
	}, nil
}

// keyBytes pre-hashes keys longer than bcrypt accepts.
func keyBytes(apiKey string) []byte {
	b := []byte(apiKey)
	if len(b) > BcryptMaxInputLength {
		sum := sha256.Sum256(b)
		b = sum[:]
	}
	return b
}

// HashAPIKey creates a bcrypt hash of an API key for storage in the config.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(keyBytes(apiKey), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// ValidateAPIKey checks if a provided API key matches the stored hash.
func ValidateAPIKey(apiKey, storedHash string) bool {
	if apiKey == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), keyBytes(apiKey)) == nil
}

// IsValidAPIKeyFormat checks if an API key has the generated shape.
func IsValidAPIKeyFormat(apiKey string) bool {
	random, ok := strings.CutPrefix(apiKey, APIKeyPrefix+"_")
	if !ok || len(random) != APIKeyLength {
		return false
	}
	for _, char := range random {
		if (char < 'a' || char > 'z') && (char < '2' || char > '7') {
			return false
		}
	}
	return true
}

// DisplayPrefix returns a log-safe prefix of an API key.
func DisplayPrefix(apiKey string) string {
	if !IsValidAPIKeyFormat(apiKey) {
		return "invalid_key"
	}
	return apiKey[:DisplayPrefixLength] + "..."
}

// Keyring verifies presented keys against a fixed set of bcrypt hashes.
// Keys that verified once are remembered by their SHA-256 digest so the
// bcrypt cost is paid only on first use.
type Keyring struct {
	hashes   []string
	verified sync.Map
}

// NewKeyring creates a keyring for hashes. An empty keyring accepts nothing.
func NewKeyring(hashes []string) *Keyring {
	return &Keyring{hashes: hashes}
}

// Len returns the number of configured hashes.
func (k *Keyring) Len() int {
	return len(k.hashes)
}

// Verify reports whether apiKey matches one of the hashes.
func (k *Keyring) Verify(apiKey string) bool {
	if apiKey == "" {
		return false
	}
	digest := sha256.Sum256([]byte(apiKey))
	if _, ok := k.verified.Load(digest); ok {
		return true
	}
	for _, hash := range k.hashes {
		if ValidateAPIKey(apiKey, hash) {
			k.verified.Store(digest, struct{}{})
			return true
		}
	}
	return false
}
