package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/bookpipe/bookpipe/internal/api/middleware"
	"github.com/bookpipe/bookpipe/internal/api/response"
	"github.com/bookpipe/bookpipe/internal/jobs"
	"github.com/bookpipe/bookpipe/internal/store"
	"github.com/bookpipe/bookpipe/pkg/models"
)

// JobService defines the orchestration operations the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, params jobs.SubmitParams) (*models.Job, bool, error)
	Status(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	TaskStatus(ctx context.Context, invocationID string) (*jobs.TaskStatusView, error)
	Cancel(ctx context.Context, invocationID string) error
	RetriggerStage(ctx context.Context, jobID uuid.UUID, kind models.TaskKind) (string, error)
	FailedEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error)
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// Replayed idempotency keys return the existing job with 200 instead of 202.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_OWNER", "Missing owner", nil)
			return
		}

		var req struct {
			IdempotencyKey      string `json:"idempotency_key"`
			SourcePath          string `json:"source_path"`
			SourceLang          string `json:"source_lang"`
			TargetLang          string `json:"target_lang"`
			Provider            string `json:"provider"`
			ProviderAPIKey      string `json:"provider_api_key"`
			ValidationEnabled   bool   `json:"validation_enabled"`
			PostEditEnabled     bool   `json:"post_edit_enabled"`
			IllustrationEnabled bool   `json:"illustration_enabled"`
			AutoPostEdit        bool   `json:"auto_post_edit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.IdempotencyKey == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "idempotency_key is required", nil)
			return
		}
		if req.SourcePath == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "source_path is required", nil)
			return
		}
		if req.SourceLang == "" || req.TargetLang == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "source_lang and target_lang are required", nil)
			return
		}
		if req.Provider == "" {
			req.Provider = "openai"
		}

		job, created, err := svc.Submit(r.Context(), jobs.SubmitParams{
			OwnerID:             owner,
			IdempotencyKey:      req.IdempotencyKey,
			SourcePath:          req.SourcePath,
			SourceLang:          req.SourceLang,
			TargetLang:          req.TargetLang,
			Provider:            req.Provider,
			ProviderAPIKey:      req.ProviderAPIKey,
			ValidationEnabled:   req.ValidationEnabled,
			PostEditEnabled:     req.PostEditEnabled,
			IllustrationEnabled: req.IllustrationEnabled,
			AutoPostEdit:        req.AutoPostEdit,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "SUBMIT_FAILED", "Could not submit job", nil)
			return
		}

		if created {
			response.Accepted(w, job)
			return
		}
		response.JSON(w, job)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "MISSING_OWNER", "Missing owner", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}

		job, err := svc.Status(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Could not load job", nil)
			return
		}
		// Jobs are private to their owner.
		if job.OwnerID != owner {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		response.JSON(w, job)
	}
}

// NewGetTaskHandler returns an http.HandlerFunc for GET /api/v1/tasks/{taskID}.
func NewGetTaskHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		if taskID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "taskID is required", nil)
			return
		}

		view, err := svc.TaskStatus(r.Context(), taskID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "TASK_NOT_FOUND", "Task not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Could not load task", nil)
			return
		}
		response.JSON(w, view)
	}
}

// NewCancelTaskHandler returns an http.HandlerFunc for POST /api/v1/tasks/{taskID}/cancel.
func NewCancelTaskHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		if taskID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "taskID is required", nil)
			return
		}

		err := svc.Cancel(r.Context(), taskID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "TASK_NOT_FOUND", "Task not found or already settled", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Could not cancel task", nil)
			return
		}
		response.Accepted(w, map[string]string{"invocation_id": taskID, "status": models.ExecStatusRevoked})
	}
}

// NewRetriggerStageHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/stages/{kind}/retrigger.
func NewRetriggerStageHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		kind := models.TaskKind(chi.URLParam(r, "kind"))

		invocationID, err := svc.RetriggerStage(r.Context(), jobID, kind)
		switch {
		case err == nil:
			response.Accepted(w, map[string]string{"invocation_id": invocationID})
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
		case errors.Is(err, jobs.ErrStageNotEnabled):
			response.Error(w, http.StatusConflict, "STAGE_NOT_ENABLED", "Stage is not enabled for this job", nil)
		case errors.Is(err, jobs.ErrStageBusy):
			response.Error(w, http.StatusConflict, "STAGE_BUSY", "An invocation of this stage is still running", nil)
		default:
			response.Error(w, http.StatusBadRequest, "RETRIGGER_FAILED", err.Error(), nil)
		}
	}
}

// NewFailedEventsHandler returns an http.HandlerFunc for GET /api/v1/admin/events/failed.
func NewFailedEventsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		events, err := svc.FailedEvents(r.Context(), limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Could not list failed events", nil)
			return
		}
		response.Collection(w, events, response.CollectionMeta{Count: len(events), Limit: limit})
	}
}

// Pinger reports backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
func NewHealthHandler(db, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"database": "ok", "cache": "ok"}
		healthy := true
		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
		if err := cache.Ping(r.Context()); err != nil {
			checks["cache"] = err.Error()
			healthy = false
		}
		if !healthy {
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "A backend is unavailable", checks)
			return
		}
		response.JSON(w, checks)
	}
}
