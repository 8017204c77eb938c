package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookpipe/bookpipe/internal/api/handler"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

var pingOK = pingerFunc(func(context.Context) error { return nil })

func TestHealthHandler_AllBackendsUp(t *testing.T) {
	h := handler.NewHealthHandler(pingOK, pingOK)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Data["database"])
	assert.Equal(t, "ok", body.Data["cache"])
}

func TestHealthHandler_DegradedBackendReported(t *testing.T) {
	pingFail := pingerFunc(func(context.Context) error { return errors.New("connection refused") })
	h := handler.NewHealthHandler(pingOK, pingFail)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "UNHEALTHY")
	assert.Contains(t, w.Body.String(), "connection refused")
}
