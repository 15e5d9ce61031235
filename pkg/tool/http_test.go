package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/types"
)

func TestHTTPGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"temp": 21.5})
	}))
	defer srv.Close()

	out := NewHTTP().Run(context.Background(), Input{
		Args: map[string]any{
			"url":    srv.URL,
			"params": map[string]any{"page": 1},
		},
	})
	require.True(t, out.OK(), "outcome: %+v", out.Error)
	assert.Equal(t, 200, out.Data["status_code"])
	body := out.Data["data"].(map[string]any)
	assert.Equal(t, 21.5, body["temp"])
}

func TestHTTPPostPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["msg"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	out := NewHTTP().Run(context.Background(), Input{
		Args: map[string]any{
			"url":     srv.URL,
			"method":  "POST",
			"payload": map[string]any{"msg": "hello"},
		},
	})
	require.True(t, out.OK())
	assert.Equal(t, 201, out.Data["status_code"])
}

// Error responses still carry the decoded body so retry_when can
// inspect it.
func TestHTTPErrorStatusKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"reason": "warming up"})
	}))
	defer srv.Close()

	out := NewHTTP().Run(context.Background(), Input{
		Args: map[string]any{"url": srv.URL},
	})
	require.Equal(t, types.OutcomeError, out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, "503", out.Error.Code)
	assert.Equal(t, 503, out.Data["status_code"])
	body := out.Data["data"].(map[string]any)
	assert.Equal(t, "warming up", body["reason"])
}

func TestHTTPBearerAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out := NewHTTP().Run(context.Background(), Input{
		Args: map[string]any{"url": srv.URL},
		Auth: map[string]*types.Credential{
			"api": {Type: types.CredentialBearer, Data: map[string]string{"token": "sekrit"}},
		},
	})
	require.True(t, out.OK())
}

func TestHTTPHeaderCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.Header.Get("X-Custom-Key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out := NewHTTP().Run(context.Background(), Input{
		Args: map[string]any{"url": srv.URL},
		Auth: map[string]*types.Credential{
			"hdr": {Type: types.CredentialHeader, Data: map[string]string{"X-Custom-Key": "abc"}},
		},
	})
	require.True(t, out.OK())
}

func TestHTTPRejectsUnknownMethod(t *testing.T) {
	out := NewHTTP().Run(context.Background(), Input{
		Args: map[string]any{"url": "http://localhost", "method": "BREW"},
	})
	assert.Equal(t, types.OutcomeError, out.Status)
}
