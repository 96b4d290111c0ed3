package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor-council/internal/council"
)

func newTestServer(t *testing.T) (*councilServer, string) {
	t.Helper()
	root := t.TempDir()
	return newCouncilServer("127.0.0.1", 0, root, &council.Aggregator{}, nil), root
}

func serve(t *testing.T, s *councilServer, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestServe_Health(t *testing.T) {
	s, root := newTestServer(t)
	rec := serve(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, root, body["jobsDir"])
}

func TestServe_RoutingErrors(t *testing.T) {
	s, _ := newTestServer(t)

	rec := serve(t, s, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)

	rec = serve(t, s, http.MethodPost, "/health")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, rec).Code)

	rec = serve(t, s, http.MethodGet, "/jobs/job-1/stop")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServe_Jobs(t *testing.T) {
	s, root := newTestServer(t)
	dir := writeJob(t, root, "job-01srv", map[string]council.State{
		"alpha": council.StateDone,
		"beta":  council.StateTimedOut,
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "entities", "alpha", "output.txt"), []byte("0123456789"), 0o644))

	t.Run("list", func(t *testing.T) {
		rec := serve(t, s, http.MethodGet, "/jobs?match=job-01*")
		require.Equal(t, http.StatusOK, rec.Code)
		var jobs []council.JobSummary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
		require.Len(t, jobs, 1)
		assert.Equal(t, council.StateDone, jobs[0].State)
		assert.Equal(t, 2, jobs[0].Total)
	})

	t.Run("status", func(t *testing.T) {
		rec := serve(t, s, http.MethodGet, "/jobs/job-01srv")
		require.Equal(t, http.StatusOK, rec.Code)
		var snap map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, "done", snap["overallState"])
		counts := snap["counts"].(map[string]any)
		assert.Equal(t, 1.0, counts["done"])
		assert.Equal(t, 1.0, counts["timed_out"])
		assert.Equal(t, "v2:1:1:2:1", snap["waitCursor"])
	})

	t.Run("wait on a finished job returns at once", func(t *testing.T) {
		rec := serve(t, s, http.MethodGet, "/jobs/job-01srv/wait?timeoutSec=5")
		require.Equal(t, http.StatusOK, rec.Code)
		var res map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, false, res["timedOut"])
	})

	t.Run("wait rejects a malformed cursor", func(t *testing.T) {
		rec := serve(t, s, http.MethodGet, "/jobs/job-01srv/wait?cursor=v9:x")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("results with tail", func(t *testing.T) {
		rec := serve(t, s, http.MethodGet, "/jobs/job-01srv/results?tail=3")
		require.Equal(t, http.StatusOK, rec.Code)
		var res council.JobResults
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		require.Len(t, res.Entities, 2)
		for _, e := range res.Entities {
			if e.Name == "alpha" {
				assert.Equal(t, "789", e.Output)
				assert.True(t, e.Truncated)
			}
		}
	})

	t.Run("bad tail", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, serve(t, s, http.MethodGet, "/jobs/job-01srv/results?tail=abc").Code)
		assert.Equal(t, http.StatusBadRequest, serve(t, s, http.MethodGet, "/jobs/job-01srv/results?tail=-1").Code)
	})

	t.Run("stop signals nothing when no member runs", func(t *testing.T) {
		rec := serve(t, s, http.MethodPost, "/jobs/job-01srv/stop")
		require.Equal(t, http.StatusOK, rec.Code)
		var res council.StopResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Empty(t, res.Signaled)
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := serve(t, s, http.MethodGet, "/jobs/job-zzz")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
	})

	t.Run("dot ids are refused", func(t *testing.T) {
		rec := serve(t, s, http.MethodGet, "/jobs/..hidden")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "BAD_REQUEST", decodeError(t, rec).Code)
	})
}
