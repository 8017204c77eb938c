package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/bookpipe/bookpipe/internal/api/response"
)

// ownerHeader names the caller; the gateway in front of this service is
// trusted to have authenticated it already.
const ownerHeader = "X-Owner-ID"

// Identity resolves the owner id from the request header and stores it on
// the context for handlers and rate limiting.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(ownerHeader)
		if raw == "" {
			response.Error(w, http.StatusUnauthorized,
				"MISSING_OWNER", "X-Owner-ID header is required", nil)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_OWNER", "X-Owner-ID must be a UUID", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(SetOwnerID(r.Context(), id)))
	})
}
