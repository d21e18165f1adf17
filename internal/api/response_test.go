package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custard-io/custard/internal/fault"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (message, code string) {
	t.Helper()
	var resp struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Message, resp.Error.Code
}

func TestOkWrapsPayloadInData(t *testing.T) {
	rec := httptest.NewRecorder()
	Ok(rec, map[string]int{"n": 7})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 7, resp.Data["n"])
}

func TestErrFaultCarriesStableCode(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fault.New(fault.CodeAgentUnreachable, "agent is not connected"), http.StatusServiceUnavailable, "agent_unreachable"},
		{fault.New(fault.CodeUnsafeQuery, "only read statements are allowed"), http.StatusUnprocessableEntity, "unsafe_query"},
		{fault.New(fault.CodeNotFound, "no such thing"), http.StatusNotFound, "not_found"},
		{errors.New("plain"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range tests {
		t.Run(tc.wantCode, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ErrFault(rec, tc.err)

			assert.Equal(t, tc.wantStatus, rec.Code)
			_, code := decodeError(t, rec)
			assert.Equal(t, tc.wantCode, code)
		})
	}
}

func TestErrInternalHidesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrInternal(rec)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	message, code := decodeError(t, rec)
	assert.Equal(t, "internal server error", message)
	assert.Equal(t, "internal", code)
}
