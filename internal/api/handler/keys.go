package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentdeploy/internal/api/response"
	"github.com/kiranshivaraju/agentdeploy/internal/apikey"
	"github.com/kiranshivaraju/agentdeploy/internal/store"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
)

// KeyStore persists operator API keys.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type keyResponse struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func toKeyResponse(k *models.APIKey) keyResponse {
	return keyResponse{
		ID:         k.ID,
		Name:       k.Name,
		KeyPrefix:  k.KeyPrefix,
		Scopes:     k.Scopes,
		LastUsedAt: k.LastUsedAt,
		CreatedAt:  k.CreatedAt,
	}
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key appears only in this response.
func NewCreateKeyHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}

		raw, key, err := apikey.Generate(req.Name, req.Scopes, time.Now())
		if err != nil {
			if errors.Is(err, apikey.ErrInvalidScope) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
				return
			}
			slog.Error("generating api key", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create key", nil)
			return
		}

		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "API key already exists", nil)
				return
			}
			slog.Error("storing api key", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create key", nil)
			return
		}

		response.Created(w, struct {
			keyResponse
			Key string `json:"key"`
		}{toKeyResponse(key), raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := s.ListAPIKeys(r.Context())
		if err != nil {
			slog.Error("listing api keys", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list keys", nil)
			return
		}

		out := make([]keyResponse, len(keys))
		for i, k := range keys {
			out[i] = toKeyResponse(k)
		}
		response.Collection(w, out, len(out))
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for
// DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "Invalid key ID", nil)
			return
		}

		if err := s.RevokeAPIKey(r.Context(), keyID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)
				return
			}
			slog.Error("revoking api key", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke key", nil)
			return
		}

		response.NoContent(w)
	}
}
