package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/agentdeploy/internal/api/response"
	"github.com/kiranshivaraju/agentdeploy/internal/extract"
	"github.com/kiranshivaraju/agentdeploy/internal/gcloud"
	"github.com/kiranshivaraju/agentdeploy/internal/sshkey"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
)

// RetryAfterCredentialReset is the Retry-After hint sent after the SSH
// credential was re-registered.
const RetryAfterCredentialReset = 30 * time.Second

// InstanceService defines the extractor operations the handlers use.
type InstanceService interface {
	Overview(ctx context.Context) (*models.InstanceOverview, error)
	ListTables(ctx context.Context, instance string) ([]string, error)
	ExtractTable(ctx context.Context, instance, table string) (*models.TableExport, error)
}

// ConnectionTester checks SSH reachability of an instance.
type ConnectionTester interface {
	TestConnection(ctx context.Context, instance string) (bool, error)
}

// NewInstanceOverviewHandler returns an http.HandlerFunc for
// GET /api/v1/instances.
func NewInstanceOverviewHandler(svc InstanceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overview, err := svc.Overview(r.Context())
		if err != nil {
			writeInstanceError(w, err)
			return
		}
		response.JSON(w, overview)
	}
}

// NewListTablesHandler returns an http.HandlerFunc for
// GET /api/v1/instances/{instance}/tables.
func NewListTablesHandler(svc InstanceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tables, err := svc.ListTables(r.Context(), chi.URLParam(r, "instance"))
		if err != nil {
			writeInstanceError(w, err)
			return
		}
		response.Collection(w, tables, len(tables))
	}
}

// NewExtractTableHandler returns an http.HandlerFunc for
// GET /api/v1/instances/{instance}/tables/{table}. The CSV is served as
// plain text, as an attachment with ?download=true, or wrapped in the JSON
// envelope with ?format=json.
func NewExtractTableHandler(svc InstanceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		export, err := svc.ExtractTable(r.Context(), chi.URLParam(r, "instance"), chi.URLParam(r, "table"))
		if err != nil {
			writeInstanceError(w, err)
			return
		}

		q := r.URL.Query()
		if q.Get("format") == "json" {
			response.JSON(w, export)
			return
		}
		download, _ := strconv.ParseBool(q.Get("download"))
		response.CSV(w, export.Filename, export.Content, download)
	}
}

// NewSSHCheckHandler returns an http.HandlerFunc for
// POST /api/v1/instances/{instance}/ssh-check.
func NewSSHCheckHandler(tester ConnectionTester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instance := chi.URLParam(r, "instance")
		if !gcloud.ValidInstanceName(instance) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid instance name", nil)
			return
		}

		ok, err := tester.TestConnection(r.Context(), instance)
		switch {
		case errors.Is(err, sshkey.ErrConfiguration):
			slog.Error("ssh credential unavailable", "error", err)
			response.Error(w, http.StatusServiceUnavailable, "SSH_NOT_CONFIGURED",
				"The SSH credential could not be configured", nil)
		case errors.Is(err, gcloud.ErrNotFound):
			response.Error(w, http.StatusNotFound, "INSTANCE_NOT_RUNNING", "Instance not found", nil)
		case err != nil:
			slog.Warn("ssh check failed", "instance", instance, "error", err)
			response.JSON(w, map[string]any{"instanceName": instance, "connected": false, "error": err.Error()})
		default:
			response.JSON(w, map[string]any{"instanceName": instance, "connected": ok})
		}
	}
}

func writeInstanceError(w http.ResponseWriter, err error) {
	var cmdErr *gcloud.CommandError
	switch {
	case errors.Is(err, extract.ErrInvalidInstance), errors.Is(err, extract.ErrInvalidTable):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, extract.ErrInstanceNotRunning):
		response.Error(w, http.StatusNotFound, "INSTANCE_NOT_RUNNING", err.Error(), nil)
	case errors.Is(err, extract.ErrRetryAfterCredentialReset):
		w.Header().Set("Retry-After", strconv.Itoa(int(RetryAfterCredentialReset.Seconds())))
		response.Error(w, http.StatusServiceUnavailable, "RETRY_AFTER_CREDENTIAL_RESET",
			"SSH credentials were refreshed, please retry the request", nil)
	case errors.Is(err, gcloud.ErrTimeout):
		response.Error(w, http.StatusGatewayTimeout, "BACKEND_TIMEOUT",
			"The provisioning backend did not answer in time", nil)
	case errors.Is(err, extract.ErrExtractionFailed), errors.As(err, &cmdErr):
		slog.Error("instance operation failed", "error", err)
		response.Error(w, http.StatusBadGateway, "EXTRACTION_FAILED", err.Error(), nil)
	default:
		slog.Error("instance operation failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
