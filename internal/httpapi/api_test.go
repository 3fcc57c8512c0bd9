package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/calamares-go/installer/internal/httpapi"
	"github.com/calamares-go/installer/internal/job"
	"github.com/calamares-go/installer/internal/jobqueue"
	"github.com/calamares-go/installer/internal/metrics"
	"github.com/calamares-go/installer/internal/requirements"

	"github.com/stretchr/testify/require"
)

type prober struct {
	key     string
	entries requirements.List
}

func (p prober) InstanceKey() string { return p.key }

func (p prober) CheckRequirements(context.Context) requirements.List { return p.entries }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter(t *testing.T) {
	t.Parallel()
	collector := metrics.NewCollector()

	q := jobqueue.New(jobqueue.WithRecorder(collector))
	require.NoError(t, q.Enqueue(jobqueue.ExecBlock{Name: "exec", Entries: []jobqueue.Entry{
		{Job: job.NewFunc("unpack", nil), Module: "unpackfs@unpackfs"},
	}}))
	require.NoError(t, q.Start(t.Context()))
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, err := q.Wait(ctx)
	require.NoError(t, err)

	checker := requirements.NewChecker([]requirements.Prober{
		prober{key: "welcome@welcome", entries: requirements.List{
			{Name: "storage", Satisfied: true, Mandatory: true},
			{Name: "internet", Satisfied: false, Mandatory: false},
		}},
	}, requirements.WithRecorder(collector))
	_, err = checker.Run(t.Context())
	require.NoError(t, err)

	h := httpapi.NewRouter(httpapi.Sources{
		Metrics:      collector.Handler(),
		Progress:     func() httpapi.ProgressSource { return q },
		Requirements: func() httpapi.RequirementsSource { return checker },
	})

	t.Run("healthz", func(t *testing.T) {
		rec := get(t, h, "/healthz")
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("progress", func(t *testing.T) {
		rec := get(t, h, "/v1/progress")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var snap map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		require.Equal(t, "completed", snap["state"])
		require.Equal(t, 1.0, snap["progress"])
		require.Equal(t, 1.0, snap["finished"])
		require.NotEmpty(t, snap["run_id"])
	})

	t.Run("requirements", func(t *testing.T) {
		rec := get(t, h, "/v1/requirements")
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{
			"state": "finished",
			"satisfied": true,
			"outstanding": [],
			"entries": [
				{"name": "storage", "satisfied": true, "mandatory": true},
				{"name": "internet", "satisfied": false, "mandatory": false}
			]
		}`, rec.Body.String())
	})

	t.Run("metrics", func(t *testing.T) {
		rec := get(t, h, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), `installer_jobs_total{state="ok"} 1`)
		require.Contains(t, rec.Body.String(), "installer_requirements_satisfied 1")
	})

	t.Run("not found", func(t *testing.T) {
		rec := get(t, h, "/v1/nothing")
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRouterWithoutSources(t *testing.T) {
	t.Parallel()
	h := httpapi.NewRouter(httpapi.Sources{
		Progress: func() httpapi.ProgressSource { return nil },
	})

	require.Equal(t, http.StatusNotFound, get(t, h, "/v1/progress").Code)
	require.Equal(t, http.StatusNotFound, get(t, h, "/v1/requirements").Code)
	require.Equal(t, http.StatusNotFound, get(t, h, "/metrics").Code)
}
