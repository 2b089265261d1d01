package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"reportflow/internal/dispatch"
	"reportflow/internal/domain"
	"reportflow/internal/notify"
	"reportflow/internal/runner"
	"reportflow/internal/scheduler"
	"reportflow/internal/status"
	"reportflow/internal/store"
	"reportflow/internal/throttle"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Repository) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	repo := store.NewSQLiteRepo(db)

	limiter := throttle.New(throttle.Config{MaxConcurrent: 2, MinInterval: time.Millisecond, CallTimeout: 5 * time.Second})
	backend, err := dispatch.NewBackend(dispatch.BackendConfig{Mode: dispatch.ModeStub}, limiter)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	st := status.New(repo, status.NewMemoryCache(time.Hour, time.Hour))
	run := runner.New(st, dispatch.NewDispatcher(backend, 4), notify.NewLogNotifier())

	sched := scheduler.New(repo, run, time.Hour)
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	srv := httptest.NewServer(NewServer(repo, sched, st, limiter))
	t.Cleanup(srv.Close)
	return srv, repo
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestCreateAndRunJob(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/jobs", map[string]any{
		"name":      "weekly revenue",
		"cron_expr": "*/5 * * * *",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job: got %d", resp.StatusCode)
	}
	created := decode[map[string]string](t, resp)
	if created["id"] == "" || created["task_id"] == "" {
		t.Fatalf("missing ids in response: %v", created)
	}

	resp = postJSON(t, srv.URL+"/api/jobs/"+created["id"]+"/run", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run job: got %d", resp.StatusCode)
	}
	ran := decode[map[string]string](t, resp)
	if ran["task_id"] != created["task_id"] {
		t.Fatalf("run returned task %q, want %q", ran["task_id"], created["task_id"])
	}

	// Stub backend completes quickly; poll the status endpoint until the
	// task settles.
	deadline := time.Now().Add(3 * time.Second)
	for {
		r, err := http.Get(srv.URL + "/api/tasks/" + created["task_id"] + "/status")
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		snap := decode[status.Snapshot](t, r)
		if snap.Status.Terminal() {
			if snap.Status != domain.StatusCompleted {
				t.Fatalf("task ended %s, want COMPLETED", snap.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never settled, last status %s", snap.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCreateJobRejectsBadCron(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/jobs", map[string]any{
		"name":      "broken",
		"cron_expr": "not a cron line",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", resp.StatusCode)
	}
}

func TestDeleteJobDisables(t *testing.T) {
	srv, repo := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/jobs", map[string]any{
		"name":      "nightly",
		"cron_expr": "0 2 * * *",
	})
	created := decode[map[string]string](t, resp)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/jobs/"+created["id"], nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: got %d", dresp.StatusCode)
	}

	job, err := repo.GetJob(context.Background(), created["id"])
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Enabled {
		t.Fatal("job still enabled after delete")
	}
}

func TestTaskStatusFallsBackToDurableRecord(t *testing.T) {
	srv, repo := newTestServer(t)

	id, err := repo.CreateTask(context.Background(), domain.TaskRecord{Name: "cold"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	r, err := http.Get(fmt.Sprintf("%s/api/tasks/%s/status", srv.URL, id))
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if r.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", r.StatusCode)
	}
	snap := decode[status.Snapshot](t, r)
	if snap.Status != domain.StatusPending {
		t.Fatalf("got status %s, want PENDING", snap.Status)
	}

	r, err = http.Get(srv.URL + "/api/tasks/tsk_missing/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusNotFound {
		t.Fatalf("got %d, want 404", r.StatusCode)
	}
}

func TestLimiterEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	r, err := http.Get(srv.URL + "/api/limiter/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	health := decode[throttle.Health](t, r)
	if health.State != throttle.StateHealthy {
		t.Fatalf("idle limiter reports %q, want %q", health.State, throttle.StateHealthy)
	}

	r, err = http.Get(srv.URL + "/api/limiter/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	stats := decode[throttle.Stats](t, r)
	if stats.Overall.Count != 0 {
		t.Fatalf("fresh limiter has %d calls recorded", stats.Overall.Count)
	}
}
