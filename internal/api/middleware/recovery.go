package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/bookpipe/bookpipe/internal/api/response"
)

func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				fields := []any{
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				}
				if owner := r.Header.Get(ownerHeader); owner != "" {
					fields = append(fields, "owner", owner)
				}
				slog.Error("panic recovered", fields...)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
