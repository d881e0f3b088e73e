package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/phonecheck/phonecheck/internal/job"
	"github.com/phonecheck/phonecheck/internal/metrics"
	"github.com/phonecheck/phonecheck/internal/store"
)

// newTestServer builds an httptest.Server over an in-memory SQLite store,
// wrapped with the production middlewares.
func newTestServer(t *testing.T) (*httptest.Server, *job.Registry) {
	t.Helper()

	backend, err := store.NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	s := store.New(backend, 5*time.Second)
	t.Cleanup(func() { s.Close() })

	jobs := job.NewRegistry(s)
	h := NewHandler(jobs, metrics.New().Handler())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	handler := Chain(mux, RequestID, Logging, Auth([]string{apiKey()}))

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, jobs
}

func apiKey() string { return "test-api-key" }

func doRequest(t *testing.T, srv *httptest.Server, method, path string, withAuth bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if withAuth {
		req.Header.Set("X-API-Key", apiKey())
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func mustCreate(t *testing.T, jobs *job.Registry, numbers ...string) *job.Job {
	t.Helper()
	j, err := jobs.Create(context.Background(), 1, 1, numbers)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return j
}

func TestGetJob_Returns200(t *testing.T) {
	srv, jobs := newTestServer(t)
	j := mustCreate(t, jobs, "12345678901")

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/jobs/"+j.ID, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status = %d, want 200", resp.StatusCode)
	}

	var got job.Job
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != j.ID || got.Total != 1 || got.Status != job.StatusQueued {
		t.Errorf("got %+v", got)
	}
}

func TestGetJob_NotFound_Returns404(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doRequest(t, srv, http.MethodGet, "/api/v1/jobs/does-not-exist", true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	srv, jobs := newTestServer(t)
	first := mustCreate(t, jobs, "12345678901")
	second := mustCreate(t, jobs, "12345678902")
	mustCreate(t, jobs, "12345678903")
	if _, err := jobs.Update(context.Background(), second.ID, job.WithStatus(job.StatusRunning)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		query     string
		wantTotal int
		wantLen   int
		wantFirst string
	}{
		{"all", "", 3, 3, first.ID},
		{"paged", "?limit=1&offset=1", 3, 1, second.ID},
		{"past end", "?offset=10", 3, 0, ""},
		{"by status", "?status=running", 1, 1, second.ID},
		{"two statuses", "?status=running&status=queued", 3, 3, first.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, srv, http.MethodGet, "/api/v1/jobs"+tt.query, true)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			var body struct {
				Jobs  []*job.Job `json:"jobs"`
				Total int        `json:"total"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Total != tt.wantTotal || len(body.Jobs) != tt.wantLen {
				t.Fatalf("total = %d, len = %d; want %d, %d", body.Total, len(body.Jobs), tt.wantTotal, tt.wantLen)
			}
			if tt.wantFirst != "" && body.Jobs[0].ID != tt.wantFirst {
				t.Errorf("first = %s, want %s", body.Jobs[0].ID, tt.wantFirst)
			}
		})
	}
}

func TestListJobs_UnknownStatus_Returns400(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doRequest(t, srv, http.MethodGet, "/api/v1/jobs?status=processing", true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCancelJob(t *testing.T) {
	srv, jobs := newTestServer(t)
	j := mustCreate(t, jobs, "12345678901")

	resp := doRequest(t, srv, http.MethodPost, "/api/v1/jobs/"+j.ID+"/cancel", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: status = %d, want 200", resp.StatusCode)
	}
	got, err := jobs.Get(context.Background(), j.ID)
	if err != nil || got.Status != job.StatusCancelled {
		t.Fatalf("job = %+v, err = %v", got, err)
	}

	again := doRequest(t, srv, http.MethodPost, "/api/v1/jobs/"+j.ID+"/cancel", true)
	if again.StatusCode != http.StatusConflict {
		t.Errorf("second cancel: status = %d, want 409", again.StatusCode)
	}

	missing := doRequest(t, srv, http.MethodPost, "/api/v1/jobs/nope/cancel", true)
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", missing.StatusCode)
	}
}

func TestHealth_Returns200(t *testing.T) {
	srv, jobs := newTestServer(t)
	mustCreate(t, jobs, "12345678901")

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/health", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status = %d, want 200", resp.StatusCode)
	}

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result) //nolint:errcheck
	if result["status"] != "ok" {
		t.Errorf("health status = %v, want ok", result["status"])
	}
	if result["active_jobs"] != float64(1) {
		t.Errorf("active_jobs = %v, want 1", result["active_jobs"])
	}
}

func TestMetrics_Public(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodGet, "/metrics", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestAuth_NoAPIKey_Returns401(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/jobs", false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID on rejected request")
	}
}
