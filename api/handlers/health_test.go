package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 HealthHandler 测试
// =============================================================================

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return status
}

func TestHealthHandler_HandleHealth(t *testing.T) {
	handler := NewHealthHandler("livehead", zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	status := decodeHealth(t, w)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "livehead", status.Service)
	assert.False(t, status.Timestamp.IsZero())
	assert.Empty(t, status.Checks)
}

func TestHealthHandler_LivenessFailure(t *testing.T) {
	handler := NewHealthHandler("livehead", zap.NewNop())
	handler.SetLiveness(NewFuncCheck("sessions", func(context.Context) error {
		return errors.New("registry blocked")
	}))

	for _, path := range []string{"/health", "/healthz"} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, path, nil)
		if path == "/health" {
			handler.HandleHealth(w, r)
		} else {
			handler.HandleHealthz(w, r)
		}

		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
		status := decodeHealth(t, w)
		assert.Equal(t, "unhealthy", status.Status)
		assert.Equal(t, "fail", status.Checks["sessions"].Status)
		assert.Equal(t, "registry blocked", status.Checks["sessions"].Message)
	}
}

func TestHealthHandler_LivenessRespectsDeadline(t *testing.T) {
	handler := NewHealthHandler("livehead", nil)
	handler.SetLiveness(NewFuncCheck("sessions", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := httptest.NewRecorder()
	handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil).WithContext(ctx))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]error
		wantStatus int
		wantState  string
	}{
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
			wantState:  "healthy",
		},
		{
			name:       "all pass",
			checks:     map[string]error{"history": nil, "inference": nil},
			wantStatus: http.StatusOK,
			wantState:  "healthy",
		},
		{
			name:       "one fails",
			checks:     map[string]error{"history": nil, "inference": errors.New("connection refused")},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler("livehead", zap.NewNop())
			for name, err := range tt.checks {
				handler.RegisterCheck(NewFuncCheck(name, func(context.Context) error { return err }))
			}

			w := httptest.NewRecorder()
			handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			status := decodeHealth(t, w)
			assert.Equal(t, tt.wantState, status.Status)
			assert.Len(t, status.Checks, len(tt.checks))
			for name, err := range tt.checks {
				want := "pass"
				if err != nil {
					want = "fail"
				}
				assert.Equal(t, want, status.Checks[name].Status, name)
				assert.NotEmpty(t, status.Checks[name].Latency)
			}
		})
	}
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	handler := NewHealthHandler("livehead", zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleVersion("1.2.0", "2026-01-01", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]any{
		"service":    "livehead",
		"version":    "1.2.0",
		"build_time": "2026-01-01",
		"git_commit": "abc123",
	}, resp.Data)
}

func TestDemoHandler_ServesPage(t *testing.T) {
	mux := http.NewServeMux()
	NewDemoHandler().Register(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "/static/app.js")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/ws")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
