package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/livehead/types"
)

// =============================================================================
// 🧪 响应辅助函数测试
// =============================================================================

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/streams", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-1"))

	WriteSuccess(w, r, map[string]int{"count": 2})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.False(t, resp.Timestamp.IsZero())
	assert.Equal(t, map[string]any{"count": float64(2)}, resp.Data)
}

func TestWriteStatus_Created(t *testing.T) {
	w := httptest.NewRecorder()
	WriteStatus(w, httptest.NewRequest(http.MethodPost, "/", nil), http.StatusCreated, "ok")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, decodeResponse(t, w).Success)
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		stage     string
		retryable bool
	}{
		{
			name:   "code maps to status",
			err:    types.NewError(types.ErrNotFound, "stream s1 not found"),
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
		{
			name:   "explicit status wins",
			err:    types.NewError(types.ErrInvalidRequest, "bad").WithHTTPStatus(http.StatusUnprocessableEntity),
			status: http.StatusUnprocessableEntity,
			code:   "INVALID_REQUEST",
		},
		{
			name:      "stage and retryable",
			err:       types.NewError(types.ErrStageFatal, "warp crashed").WithStage("warp").WithRetryable(true),
			status:    http.StatusBadGateway,
			code:      "STAGE_FATAL",
			stage:     "warp",
			retryable: true,
		},
		{
			name:   "wrapped error",
			err:    errors.Join(errors.New("ctx"), types.NewError(types.ErrAlreadyRunning, "running")),
			status: http.StatusConflict,
			code:   "ALREADY_RUNNING",
		},
		{
			name:   "plain error",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
			code:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err, zap.NewNop())

			assert.Equal(t, tt.status, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, tt.stage, resp.Error.Stage)
			assert.Equal(t, tt.retryable, resp.Error.Retryable)
		})
	}
}

func TestWriteError_HidesPlainErrorText(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("dsn=secret"), nil)
	assert.NotContains(t, w.Body.String(), "secret")
}

// =============================================================================
// 🧪 请求解码测试
// =============================================================================

func TestDecodeJSONBody(t *testing.T) {
	type body struct {
		SourcePath string `json:"source_path"`
	}

	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "valid", payload: `{"source_path":"/a.png"}`},
		{name: "empty", payload: "", wantErr: true},
		{name: "malformed", payload: `{"source_path":`, wantErr: true},
		{name: "unknown field", payload: `{"source_path":"/a.png","extra":1}`, wantErr: true},
		{name: "too large", payload: `{"source_path":"` + strings.Repeat("a", maxBodyBytes) + `"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.payload))
			if tt.payload == "" {
				r.Body = http.NoBody
			}
			var dst body
			err := DecodeJSONBody(httptest.NewRecorder(), r, &dst)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "/a.png", dst.SourcePath)
		})
	}
}

// =============================================================================
// 🧪 ResponseWriter 测试
// =============================================================================

func TestResponseWriter_CapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK)
	n, err := rw.Write([]byte("hello"))

	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusTeapot, rw.StatusCode)
	assert.Equal(t, int64(5), rw.BytesWritten)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Same(t, rec, rw.Unwrap())
}

func TestResponseWriter_ImplicitOK(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	_, _ = rw.Write([]byte("x"))
	assert.True(t, rw.Written)
	assert.Equal(t, http.StatusOK, rw.StatusCode)
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	c, _ := net.Pipe()
	return c, nil, nil
}

func TestResponseWriter_Hijack(t *testing.T) {
	inner := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw := NewResponseWriter(inner)

	conn, _, err := rw.Hijack()
	require.NoError(t, err)
	defer conn.Close()

	assert.True(t, inner.hijacked)
	assert.Equal(t, http.StatusSwitchingProtocols, rw.StatusCode)
}

func TestResponseWriter_HijackUnsupported(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	_, _, err := rw.Hijack()
	assert.Error(t, err)
}
