package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custard-io/custard/internal/auth"
)

type fakeVerifier struct {
	identity *auth.Identity
	token    string
}

func (v *fakeVerifier) Verify(_ context.Context, token string) (*auth.Identity, error) {
	if token == v.token {
		return v.identity, nil
	}
	return nil, errors.New("bad token")
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "standard header", header: "Bearer abc", want: "abc"},
		{name: "lowercase scheme", header: "bearer abc", want: "abc"},
		{name: "wrong scheme", header: "Token abc", want: ""},
		{name: "scheme only", header: "Bearer", want: ""},
		{name: "no header no query", want: ""},
		{name: "query fallback", query: "xyz", want: "xyz"},
		{name: "header wins over query", header: "Bearer abc", query: "xyz", want: "abc"},
		{name: "malformed header blocks query fallback", header: "Token abc", query: "xyz", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			url := "/x"
			if tc.query != "" {
				url += "?access_token=" + tc.query
			}
			r := httptest.NewRequest(http.MethodGet, url, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			assert.Equal(t, tc.want, bearerToken(r))
		})
	}
}

func TestAuthenticate(t *testing.T) {
	identity := &auth.Identity{UserID: uuid.New(), Email: "a@example.com", Role: "user"}
	verifier := &fakeVerifier{identity: identity, token: "good-token"}

	var seen *auth.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = identityFromCtx(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := Authenticate(verifier)(next)

	t.Run("valid token reaches handler with identity", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer good-token")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, identity.UserID, seen.UserID)
	})

	t.Run("missing token is 401", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, seen)

		var resp struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "unauthorized", resp.Error.Code)
	})

	t.Run("invalid token is 401", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer forged")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, seen)
	})
}

func TestPaginationOpts(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{query: "", wantLimit: 50, wantOffset: 0},
		{query: "limit=10&offset=20", wantLimit: 10, wantOffset: 20},
		{query: "limit=0", wantLimit: 50},
		{query: "limit=-5", wantLimit: 50},
		{query: "limit=201", wantLimit: 50},
		{query: "limit=200", wantLimit: 200},
		{query: "offset=-1", wantOffset: 0},
		{query: "limit=abc&offset=def", wantLimit: 50, wantOffset: 0},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/x?"+tc.query, nil)
			opts := paginationOpts(r)
			assert.Equal(t, tc.wantLimit, opts.Limit)
			assert.Equal(t, tc.wantOffset, opts.Offset)
		})
	}
}
