// Package apikey generates and verifies operator API keys. Only the bcrypt
// hash and a short lookup prefix are ever stored.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	// Prefix marks every raw key issued by this service.
	Prefix = "ad_"
	// PrefixLen is the number of leading characters stored in clear for
	// lookup.
	PrefixLen = 8

	ScopeRead  = "read"
	ScopeAdmin = "admin"

	secretBytes = 24
)

var ErrInvalidScope = errors.New("invalid scope")

var knownScopes = map[string]bool{ScopeRead: true, ScopeAdmin: true}

// Generate creates a new key. The raw key is returned once and must be shown
// to the operator; the returned record holds only its hash.
func Generate(name string, scopes []string, now time.Time) (string, *models.APIKey, error) {
	return generate(name, scopes, now, bcrypt.DefaultCost)
}

func generate(name string, scopes []string, now time.Time, cost int) (string, *models.APIKey, error) {
	if len(scopes) == 0 {
		scopes = []string{ScopeRead}
	}
	for _, s := range scopes {
		if !knownScopes[s] {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
	}

	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("reading random bytes: %w", err)
	}
	raw := Prefix + hex.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing key: %w", err)
	}

	return raw, &models.APIKey{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(name),
		KeyHash:   string(hash),
		KeyPrefix: raw[:PrefixLen],
		Scopes:    scopes,
		CreatedAt: now.UTC(),
	}, nil
}

// LookupPrefix returns the stored prefix of raw, or false when raw cannot be
// one of our keys.
func LookupPrefix(raw string) (string, bool) {
	if len(raw) < PrefixLen || !strings.HasPrefix(raw, Prefix) {
		return "", false
	}
	return raw[:PrefixLen], true
}

// Verify reports whether raw matches the stored hash.
func Verify(hash, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}
