package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/agentdeploy/internal/api/response"
	"github.com/kiranshivaraju/agentdeploy/internal/deploy"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
)

const maxRequestBody = 64 << 10

// DeploymentService defines the orchestrator operations the handlers use.
type DeploymentService interface {
	CreateDeployment(ctx context.Context, req models.DeploymentRequest) (*models.Deployment, error)
	GetStatus(ctx context.Context, jobID string) (*models.Deployment, error)
	ListDeployments(ctx context.Context) ([]models.DeploymentSummary, error)
}

type createDeploymentResponse struct {
	JobID          string                  `json:"jobId"`
	Status         models.DeploymentStatus `json:"status"`
	Message        string                  `json:"message"`
	StatusEndpoint string                  `json:"statusEndpoint"`
}

type statusResponse struct {
	JobID         string                  `json:"jobId"`
	Status        models.DeploymentStatus `json:"status"`
	Phase         string                  `json:"phase,omitempty"`
	Message       string                  `json:"message"`
	StartTime     time.Time               `json:"startTime"`
	CompletedTime *time.Time              `json:"completedTime,omitempty"`
	Error         *string                 `json:"error,omitempty"`
	Output        *string                 `json:"output,omitempty"`
	InstanceName  *string                 `json:"instanceName,omitempty"`
}

// NewCreateDeploymentHandler returns an http.HandlerFunc for
// POST /api/v1/deployments. It answers 202 as soon as the job is recorded.
func NewCreateDeploymentHandler(svc DeploymentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.DeploymentRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		d, err := svc.CreateDeployment(r.Context(), req)
		if err != nil {
			var ve *deploy.ValidationError
			switch {
			case errors.As(err, &ve):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					ve.Field+" "+ve.Reason, map[string]string{"field": ve.Field})
			case errors.Is(err, deploy.ErrShuttingDown):
				response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN",
					"The service is shutting down, retry shortly", nil)
			default:
				slog.Error("creating deployment", "error", err)
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, createDeploymentResponse{
			JobID:          d.JobID,
			Status:         d.Status,
			Message:        "Deployment started",
			StatusEndpoint: "/api/v1/deployments/" + d.JobID,
		})
	}
}

// NewGetDeploymentHandler returns an http.HandlerFunc for
// GET /api/v1/deployments/{jobID}.
func NewGetDeploymentHandler(svc DeploymentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		d, err := svc.GetStatus(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, deploy.ErrJobNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Deployment not found", nil)
				return
			}
			slog.Error("reading deployment", "job_id", jobID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, statusResponse{
			JobID:         d.JobID,
			Status:        d.Status,
			Phase:         d.Phase,
			Message:       d.Message,
			StartTime:     d.StartTime,
			CompletedTime: d.CompletedTime,
			Error:         d.Error,
			Output:        d.Output,
			InstanceName:  d.InstanceName,
		})
	}
}

// NewListDeploymentsHandler returns an http.HandlerFunc for
// GET /api/v1/deployments.
func NewListDeploymentsHandler(svc DeploymentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.ListDeployments(r.Context())
		if err != nil {
			slog.Error("listing deployments", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.Collection(w, list, len(list))
	}
}
