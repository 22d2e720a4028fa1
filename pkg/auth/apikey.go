package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNoCredentials is returned when the request carries no API key.
	ErrNoCredentials = errors.New("no API key found in context")
	// ErrInvalidAPIKey is returned when the key is not registered.
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Authenticator resolves the caller from the credential in ctx.
type Authenticator interface {
	Authenticate(ctx context.Context) (*UserContext, error)
}

// APIKeyConfig holds API key configuration.
type APIKeyConfig struct {
	Keys []APIKey `yaml:"keys"`
}

// APIKey represents an API key entry. Set either Key or KeyHash, a bcrypt
// hash of the key as produced by HashKey.
type APIKey struct {
	Key     string   `yaml:"key"`
	KeyHash string   `yaml:"key_hash"`
	Name    string   `yaml:"name"`
	Roles   []string `yaml:"roles"`
}

// APIKeyAuthenticator authenticates using API keys.
type APIKeyAuthenticator struct {
	mu     sync.RWMutex
	keys   map[string]APIKey
	hashed []APIKey
}

// NewAPIKeyAuthenticator creates a new API key authenticator.
func NewAPIKeyAuthenticator(cfg APIKeyConfig) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{keys: make(map[string]APIKey, len(cfg.Keys))}
	for _, k := range cfg.Keys {
		a.AddKey(k)
	}
	return a
}

// HashKey returns the bcrypt hash to store in APIKey.KeyHash.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}
	return string(h), nil
}

// Authenticate validates the API key and returns user info.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context) (*UserContext, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, ErrNoCredentials
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	// Compare against every key in constant time.
	var (
		matched APIKey
		found   bool
	)
	for k, v := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(token)) == 1 {
			matched, found = v, true
		}
	}
	if !found {
		for _, v := range a.hashed {
			if bcrypt.CompareHashAndPassword([]byte(v.KeyHash), []byte(token)) == nil {
				matched, found = v, true
				break
			}
		}
	}
	if !found {
		return nil, ErrInvalidAPIKey
	}

	return &UserContext{
		UserID:   "apikey:" + matched.Name,
		Name:     matched.Name,
		Roles:    append([]string(nil), matched.Roles...),
		AuthType: "apikey",
	}, nil
}

// AddKey adds an API key at runtime.
func (a *APIKeyAuthenticator) AddKey(key APIKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if key.Key == "" {
		a.hashed = append(a.hashed, key)
		return
	}
	a.keys[key.Key] = key
}

// RemoveKey removes a plaintext API key.
func (a *APIKeyAuthenticator) RemoveKey(keyValue string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, keyValue)
}

// Len returns the number of registered keys.
func (a *APIKeyAuthenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) + len(a.hashed)
}

// Verify interface compliance.
var _ Authenticator = (*APIKeyAuthenticator)(nil)
