package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/agentdeploy/internal/api/middleware"
	"github.com/kiranshivaraju/agentdeploy/internal/api/response"
	"github.com/kiranshivaraju/agentdeploy/internal/apikey"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	Metrics   http.Handler

	HealthHandler http.HandlerFunc

	CreateDeployment http.HandlerFunc
	GetDeployment    http.HandlerFunc
	ListDeployments  http.HandlerFunc

	InstanceOverview http.HandlerFunc
	ListTables       http.HandlerFunc
	ExtractTable     http.HandlerFunc
	SSHCheck         http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public routes
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.With(deps.RateLimit.Limit).Post("/api/v1/deployments", orNotImplemented(deps.CreateDeployment))
	// The job id is the bearer token for its own status.
	r.Get("/api/v1/deployments/{jobID}", orNotImplemented(deps.GetDeployment))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/deployments", orNotImplemented(deps.ListDeployments))

		r.Get("/api/v1/instances", orNotImplemented(deps.InstanceOverview))
		r.Get("/api/v1/instances/{instance}/tables", orNotImplemented(deps.ListTables))
		r.Get("/api/v1/instances/{instance}/tables/{table}", orNotImplemented(deps.ExtractTable))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(apikey.ScopeAdmin))

			r.Post("/api/v1/instances/{instance}/ssh-check", orNotImplemented(deps.SSHCheck))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
