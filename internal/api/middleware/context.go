package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
)

type contextKey string

const (
	keyIDKey        contextKey = "api_key_id"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

func setAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	ctx = context.WithValue(ctx, keyIDKey, key.ID)
	ctx = context.WithValue(ctx, keyPrefixKey, key.KeyPrefix)
	return context.WithValue(ctx, apiKeyScopesKey, key.Scopes)
}

// GetKeyID returns the id of the API key that authenticated the request.
func GetKeyID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(keyIDKey).(uuid.UUID)
	return id, ok
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
