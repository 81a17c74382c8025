// Package apikey mints operator API keys.
package apikey

import (
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errtrack/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	rawPrefix = "et_"
	// PrefixLen is how many leading characters of a raw key are stored in
	// clear for lookup.
	PrefixLen = 8
	secretLen = 24
)

var ErrInvalidScope = errors.New("invalid scope")

var validScopes = map[string]bool{
	models.ScopeRead:   true,
	models.ScopeTriage: true,
	models.ScopeAdmin:  true,
}

// Generate creates a new key record and returns it with the raw key. The raw
// key is not recoverable from the record.
func Generate(name string, scopes []string) (*models.APIKey, string, error) {
	return generate(name, scopes, bcrypt.DefaultCost)
}

func generate(name string, scopes []string, cost int) (*models.APIKey, string, error) {
	if len(scopes) == 0 {
		return nil, "", fmt.Errorf("%w: at least one scope is required", ErrInvalidScope)
	}
	for _, s := range scopes {
		if !validScopes[s] {
			return nil, "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
	}

	b := make([]byte, secretLen)
	if _, err := crand.Read(b); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	raw := rawPrefix + hex.EncodeToString(b)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:PrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return key, raw, nil
}

// Matches reports whether raw is the key behind key.
func Matches(key *models.APIKey, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)) == nil
}
