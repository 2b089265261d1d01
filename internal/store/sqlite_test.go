package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"reportflow/internal/domain"
)

func newTestRepo(t *testing.T) Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return NewSQLiteRepo(db)
}

func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	id, err := repo.CreateTask(ctx, domain.TaskRecord{Name: "weekly revenue", Owner: "ops"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("new task status = %s, want PENDING", got.Status)
	}
	if got.Name != "weekly revenue" {
		t.Errorf("name = %q", got.Name)
	}

	if err := repo.UpdateTaskStatus(ctx, id, domain.StatusProcessing, 10, "dispatch", ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = repo.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Status != domain.StatusProcessing || got.Progress != 10 || got.Step != "dispatch" {
		t.Errorf("after update: %+v", got)
	}
}

func TestTaskNotFound(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetTask(ctx, "tsk_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask missing: err = %v, want ErrNotFound", err)
	}
	if err := repo.UpdateTaskStatus(ctx, "tsk_missing", domain.StatusFailed, 0, "", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateTaskStatus missing: err = %v, want ErrNotFound", err)
	}
}

func TestJobDisableIsSoft(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	taskID, err := repo.CreateTask(ctx, domain.TaskRecord{Name: "report"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	jobID, err := repo.CreateJob(ctx, domain.ScheduledJob{Name: "nightly", CronExpr: "0 9 * * *", TaskID: taskID, Enabled: true})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	enabled, err := repo.ListEnabledJobs(ctx)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 1 {
		t.Fatalf("enabled jobs = %d, want 1", len(enabled))
	}

	if err := repo.DisableJob(ctx, jobID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	enabled, err = repo.ListEnabledJobs(ctx)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("enabled jobs after disable = %d, want 0", len(enabled))
	}

	// The record itself survives.
	j, err := repo.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get after disable: %v", err)
	}
	if j.Enabled {
		t.Error("job still enabled after DisableJob")
	}
}
