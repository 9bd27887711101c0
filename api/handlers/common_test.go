package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow"
)

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteAccepted_CarriesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-42")

	WriteAccepted(w, StartRunResponse{RunID: "run-1", WorkflowID: "release", Status: workflow.RunPending})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "req-42", resp.RequestID)
	assert.False(t, resp.Timestamp.IsZero())
	assert.Equal(t, map[string]any{"runId": "run-1", "workflowId": "release", "status": "pending"}, resp.Data)
}

func TestWriteSuccess_OmitsEmptyRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, []string{"run-1", "run-2"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "request_id")
	assert.NotContains(t, w.Body.String(), `"error"`)
}

func TestWriteErr_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   types.ErrorCode
	}{
		{"unknown run", types.NewError(types.ErrRunNotFound, "run r1 not found"), http.StatusNotFound, types.ErrRunNotFound},
		{"cancel after finish", types.NewError(types.ErrRunTerminal, "run r1 already completed"), http.StatusConflict, types.ErrRunTerminal},
		{"bad error handling", types.NewError(types.ErrInvalidRequest, `unknown errorHandling "retry"`), http.StatusBadRequest, types.ErrInvalidRequest},
		{"queue over budget", types.NewError(types.ErrResourceExhausted, "queue is closed"), http.StatusServiceUnavailable, types.ErrResourceExhausted},
		{"agent upstream down", types.NewError(types.ErrProvider, "agent returned 500"), http.StatusBadGateway, types.ErrProvider},
		{"explicit status wins", types.NewError(types.ErrProvider, "rate limited").WithHTTPStatus(http.StatusTooManyRequests), http.StatusTooManyRequests, types.ErrProvider},
		{"wrapped typed error", errors.Join(errors.New("history"), types.NewError(types.ErrTimeout, "store timed out")), http.StatusGatewayTimeout, types.ErrTimeout},
		{"plain error", errors.New("disk full"), http.StatusInternalServerError, types.ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteErr(w, tt.err, zaptest.NewLogger(t))

			assert.Equal(t, tt.status, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			assert.Nil(t, resp.Data)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.code), resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Message)
		})
	}
}

func TestWriteErr_ValidationMessages(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErr(w, workflow.NewValidationError(
		"Start node is required",
		"Edge a->ghost references unknown node ghost",
	), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, string(types.ErrValidation), resp.Error.Code)
	assert.Equal(t, []string{
		"Start node is required",
		"Edge a->ghost references unknown node ghost",
	}, resp.Error.Messages)
}

func TestDecodeJSONBody_StartRunRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"workflow and variables", `{"workflow":{"id":"w"},"variables":{"repo":"demo"},"errorHandling":"continue"}`, false},
		{"trailing comma", `{"workflow":{"id":"w"},}`, true},
		{"unknown field", `{"workflow":{"id":"w"},"priority":9}`, true},
		{"oversized", `{"workflow":"` + strings.Repeat("x", 2<<20) + `"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(tt.body))

			var req StartRunRequest
			err := DecodeJSONBody(w, r, &req, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, `{"id":"w"}`, string(req.Workflow))
			assert.Equal(t, "demo", req.Variables["repo"])
			assert.Equal(t, "continue", req.ErrorHandling)
		})
	}
}

func TestDecodeJSONBody_EmptyBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/runs", http.NoBody)

	var req StartRunRequest
	require.Error(t, DecodeJSONBody(w, r, &req, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "request body is empty", decodeResponse(t, w).Error.Message)
}

func TestValidateContentType(t *testing.T) {
	for contentType, want := range map[string]bool{
		"application/json":                true,
		"application/json; charset=UTF-8": true,
		"application/x-yaml":              false,
		"":                                false,
	} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/validate", nil)
		r.Header.Set("Content-Type", contentType)

		assert.Equal(t, want, ValidateContentType(w, r, nil), contentType)
		if !want {
			assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
		}
	}
}

func TestQueryInt(t *testing.T) {
	q := url.Values{"limit": {"25"}, "offset": {"-x"}}
	r := httptest.NewRequest(http.MethodGet, "/api/v1/runs?"+q.Encode(), nil)

	assert.Equal(t, 25, queryInt(r, "limit", 50))
	assert.Equal(t, 0, queryInt(r, "offset", 0))
	assert.Equal(t, 7, queryInt(r, "page", 7))
}

func TestResponseWriter_CapturesFirstStatus(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.False(t, rw.Written)

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusAccepted, rw.StatusCode)

	n, err := rw.Write([]byte(`{"success":true}`))
	require.NoError(t, err)
	assert.Equal(t, 16, n)

	_, _, err = rw.Hijack()
	assert.Error(t, err, "httptest recorder cannot be hijacked")
	assert.NotNil(t, rw.Unwrap())
}
