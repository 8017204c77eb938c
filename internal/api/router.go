package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/bookpipe/bookpipe/internal/api/middleware"
	"github.com/bookpipe/bookpipe/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler       http.HandlerFunc
	SubmitJobHandler    http.HandlerFunc
	GetJobHandler       http.HandlerFunc
	GetTaskHandler      http.HandlerFunc
	CancelTaskHandler   http.HandlerFunc
	RetriggerHandler    http.HandlerFunc
	FailedEventsHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Caller routes
	r.Group(func(r chi.Router) {
		r.Use(mw.Identity)
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Post("/api/v1/jobs/{jobID}/stages/{kind}/retrigger", orNotImplemented(deps.RetriggerHandler))

		r.Get("/api/v1/tasks/{taskID}", orNotImplemented(deps.GetTaskHandler))
		r.Post("/api/v1/tasks/{taskID}/cancel", orNotImplemented(deps.CancelTaskHandler))

		// Admin routes
		r.Get("/api/v1/admin/events/failed", orNotImplemented(deps.FailedEventsHandler))
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
