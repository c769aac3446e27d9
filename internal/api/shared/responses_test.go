package shared

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()

	RespondWithJSON(rr, req, http.StatusAccepted, map[string]any{"task_id": "task_1"})

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"task_id":"task_1"}`, rr.Body.String())
}

func TestRespondWithError_HidesDetails(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), TraceIDKey, "trace-123"))
	rr := httptest.NewRecorder()

	RespondWithError(rr, req, http.StatusInternalServerError, "Something went wrong",
		errors.New("dial postgres://admin:hunter2@db:5432 failed"))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "hunter2")

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, ErrorResponse{Error: "Something went wrong", TraceID: "trace-123"}, resp)
}

func TestTraceID(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))

	ctx := SetTraceID(context.Background())
	id := GetTraceID(ctx)
	assert.Len(t, id, 2*TraceIDLength)
	assert.NotEqual(t, id, GetTraceID(SetTraceID(context.Background())))
}

func TestDecodeAndValidate(t *testing.T) {
	type request struct {
		Name string `json:"name" validate:"required"`
	}

	var ok request
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"parser"}`))
	require.NoError(t, DecodeJSON(req, &ok))
	assert.NoError(t, ValidateRequest(&ok))

	var missing request
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	require.NoError(t, DecodeJSON(req, &missing))
	assert.Error(t, ValidateRequest(&missing))

	var unknown request
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x","extra":1}`))
	assert.Error(t, DecodeJSON(req, &unknown))
}
