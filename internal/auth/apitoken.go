package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// APIToken checks bearer tokens against a bcrypt hash. The digest of the
// last accepted token is remembered so steady traffic skips bcrypt.
type APIToken struct {
	hash []byte

	mu       sync.Mutex
	accepted [32]byte
	cached   bool
}

// NewAPIToken returns a checker for hash. An empty hash disables the check.
func NewAPIToken(hash string) *APIToken {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return &APIToken{}
	}
	return &APIToken{hash: []byte(hash)}
}

func (a *APIToken) Enabled() bool {
	return a != nil && len(a.hash) > 0
}

// Check reports whether token is accepted. Every token passes when the check is disabled.
func (a *APIToken) Check(token string) bool {
	if !a.Enabled() {
		return true
	}
	if token == "" {
		return false
	}
	digest := sha256.Sum256([]byte(token))

	a.mu.Lock()
	hit := a.cached && subtle.ConstantTimeCompare(digest[:], a.accepted[:]) == 1
	a.mu.Unlock()
	if hit {
		return true
	}

	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.mu.Lock()
	a.accepted = digest
	a.cached = true
	a.mu.Unlock()
	return true
}

// HashAPIToken produces the value to configure as the API token hash.
func HashAPIToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("api token is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api token: %w", err)
	}
	return string(hash), nil
}
