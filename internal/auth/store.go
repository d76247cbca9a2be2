// Package auth implements API key authentication for the MCP server.
// Keys are configured up front via MCP_API_KEYS; only their SHA-256
// hashes are held in memory.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// APIKeyPrefix distinguishes field-sync API keys from other bearer
	// credentials that may appear in an Authorization header.
	APIKeyPrefix = "fs_"

	// APIKeyRandomBytes is the entropy in a generated key.
	APIKeyRandomBytes = 16

	// APIKeyMinLen is the minimum accepted key length: the prefix plus
	// the hex encoding of APIKeyRandomBytes.
	APIKeyMinLen = len(APIKeyPrefix) + 2*APIKeyRandomBytes
)

// APIKey describes a validated key. The key material itself is never
// retained.
type APIKey struct {
	UserID    string
	CreatedAt time.Time
}

// Store maps API key hashes to their owning users.
type Store struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // sha256(key) hex -> APIKey
}

// NewStore creates an empty key store.
func NewStore() *Store {
	return &Store{keys: make(map[string]*APIKey)}
}

// AddKey registers an API key for a user. The key is hashed before
// storage; the plaintext is discarded.
func (s *Store) AddKey(userID, key string) {
	s.mu.Lock()
	s.keys[HashAPIKey(key)] = &APIKey{UserID: userID, CreatedAt: time.Now()}
	s.mu.Unlock()
}

// ValidateAPIKey checks a presented key against the store.
// Returns nil when the key is unknown. Lookup is by SHA-256 hash, so
// response timing does not depend on how much of the key matched.
func (s *Store) ValidateAPIKey(key string) *APIKey {
	if len(key) < APIKeyMinLen {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.keys[HashAPIKey(key)]
}

// Len returns the number of registered keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.keys)
}

// HashAPIKey returns the hex SHA-256 digest of a key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey creates a fresh random API key with the standard prefix.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(APIKeyRandomBytes)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
