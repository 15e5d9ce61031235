package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/metrics"
	"github.com/noetl/noetl/pkg/types"
)

// stubStats flips between a reachable and an unreachable store
type stubStats struct {
	err error
}

func (s *stubStats) CountJobsByStatus(context.Context) (map[types.JobStatus]int, error) {
	if s.err != nil {
		return nil, s.err
	}
	return map[types.JobStatus]int{types.JobQueued: 1}, nil
}

func get(t *testing.T, srv *httptest.Server, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestAdminEndpointsHealthyStore(t *testing.T) {
	stats := &stubStats{}
	admin := NewAdmin("broker", stats)
	admin.probe(context.Background())

	srv := httptest.NewServer(admin.Handler())
	defer srv.Close()

	for _, path := range []string{"/live", "/health", "/ready"} {
		code, _ := get(t, srv, path)
		assert.Equal(t, http.StatusOK, code, path)
	}

	code, body := get(t, srv, "/ready")
	require.Equal(t, http.StatusOK, code)
	var ready metrics.HealthStatus
	require.NoError(t, json.Unmarshal(body, &ready))
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, "ready", ready.Components["store"])

	code, body = get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "noetl_")
}

func TestReadinessTracksStoreProbe(t *testing.T) {
	stats := &stubStats{err: errors.New("connection refused")}
	admin := NewAdmin("worker", stats)
	admin.probe(context.Background())

	srv := httptest.NewServer(admin.Handler())
	defer srv.Close()

	code, body := get(t, srv, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	var ready metrics.HealthStatus
	require.NoError(t, json.Unmarshal(body, &ready))
	assert.Equal(t, "not_ready", ready.Status)
	assert.Contains(t, ready.Components["store"], "connection refused")

	// Liveness ignores the store: the process itself is fine.
	code, _ = get(t, srv, "/live")
	assert.Equal(t, http.StatusOK, code)

	// The next successful probe flips readiness back.
	stats.err = nil
	admin.probe(context.Background())
	code, _ = get(t, srv, "/ready")
	assert.Equal(t, http.StatusOK, code)
}
