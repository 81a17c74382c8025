package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errtrack/pkg/models"
)

type contextKey string

const (
	apiKeyIDKey     contextKey = "api_key_id"
	keyPrefixKey    contextKey = "key_prefix"
	keyNameKey      contextKey = "key_name"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

// WithAPIKey stores the authenticated key's identity in ctx.
func WithAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	ctx = context.WithValue(ctx, apiKeyIDKey, key.ID)
	ctx = context.WithValue(ctx, keyPrefixKey, key.KeyPrefix)
	ctx = context.WithValue(ctx, keyNameKey, key.Name)
	return context.WithValue(ctx, apiKeyScopesKey, key.Scopes)
}

func GetAPIKeyID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(apiKeyIDKey).(uuid.UUID)
	return id, ok
}

// GetActor returns the name of the API key that made the request, used to
// attribute operator actions.
func GetActor(r *http.Request) string {
	name, _ := r.Context().Value(keyNameKey).(string)
	return name
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}

// ExportedKeyPrefixKey returns the context key for key_prefix (for testing).
func ExportedKeyPrefixKey() contextKey {
	return keyPrefixKey
}
