package runner

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"reportflow/internal/dispatch"
	"reportflow/internal/domain"
	"reportflow/internal/status"
	"reportflow/internal/store"
	"reportflow/internal/throttle"
)

type recordingNotifier struct {
	completed []string
	failed    []string
}

func (n *recordingNotifier) TaskCompleted(_ context.Context, taskID, _ string) {
	n.completed = append(n.completed, taskID)
}
func (n *recordingNotifier) TaskFailed(_ context.Context, taskID, _ string) {
	n.failed = append(n.failed, taskID)
}

func newHarness(t *testing.T, backend dispatch.BackendConfig) (*Runner, store.Repository, *recordingNotifier) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	repo := store.NewSQLiteRepo(db)
	st := status.New(repo, status.NewMemoryCache(0, 0))

	b, err := dispatch.NewBackend(backend, throttle.New(throttle.Config{MaxConcurrent: 4}))
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	n := &recordingNotifier{}
	return New(st, dispatch.NewDispatcher(b, 4), n), repo, n
}

func await(t *testing.T, h *Handle) domain.Status {
	t.Helper()
	select {
	case final := <-h.Done:
		return final
	case <-time.After(10 * time.Second):
		t.Fatal("execution never finished")
		return ""
	}
}

func TestLaunchDrivesTaskToCompleted(t *testing.T) {
	t.Parallel()
	r, repo, n := newHarness(t, dispatch.BackendConfig{Mode: dispatch.ModeStub})
	ctx := context.Background()

	id, err := repo.CreateTask(ctx, domain.TaskRecord{Name: "weekly report"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	h, err := r.Launch(ctx, domain.ExecutionRequest{
		TaskID:    id,
		Objective: "weekly report",
		Criteria:  domain.SuccessCriteria{RequiredFields: []string{"a", "b"}},
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	if final := await(t, h); final != domain.StatusCompleted {
		t.Fatalf("final = %s, want COMPLETED", final)
	}
	rec, _ := repo.GetTask(ctx, id)
	if rec.Status != domain.StatusCompleted || rec.Progress != 100 {
		t.Errorf("record = %+v", rec)
	}
	if len(n.completed) != 1 || n.completed[0] != id {
		t.Errorf("notifier completed = %v", n.completed)
	}
}

func TestLaunchReRunsTerminalTask(t *testing.T) {
	t.Parallel()
	r, repo, _ := newHarness(t, dispatch.BackendConfig{Mode: dispatch.ModeStub})
	ctx := context.Background()

	id, err := repo.CreateTask(ctx, domain.TaskRecord{Name: "report", Status: domain.StatusCompleted})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	h, err := r.Launch(ctx, domain.ExecutionRequest{TaskID: id, Objective: "report"})
	if err != nil {
		t.Fatalf("launch on COMPLETED task: %v", err)
	}
	if final := await(t, h); final != domain.StatusCompleted {
		t.Errorf("final = %s", final)
	}
}

type blockingEngine struct{ release chan struct{} }

func (e *blockingEngine) Run(ctx context.Context, req domain.ExecutionRequest) (<-chan dispatch.EngineEvent, error) {
	ch := make(chan dispatch.EngineEvent, 1)
	go func() {
		defer close(ch)
		select {
		case <-e.release:
			ch <- dispatch.EngineEvent{Result: &domain.ExecutionResult{Columns: []string{"a"}, Rows: [][]any{}}}
		case <-ctx.Done():
			ch <- dispatch.EngineEvent{Err: ctx.Err()}
		}
	}()
	return ch, nil
}

func TestCancellationDrivesTaskToCancelled(t *testing.T) {
	t.Parallel()
	eng := &blockingEngine{release: make(chan struct{})}
	r, repo, _ := newHarness(t, dispatch.BackendConfig{Mode: dispatch.ModeInternal, Engine: eng})

	id, err := repo.CreateTask(context.Background(), domain.TaskRecord{Name: "report"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h, err := r.Launch(ctx, domain.ExecutionRequest{TaskID: id, Objective: "report"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	cancel()

	final := await(t, h)
	if final != domain.StatusCancelled {
		t.Fatalf("final = %s, want CANCELLED", final)
	}
	rec, _ := repo.GetTask(context.Background(), id)
	if rec.Status != domain.StatusCancelled {
		t.Errorf("record status = %s, want CANCELLED (no non-terminal limbo)", rec.Status)
	}
}

func TestFailureKeepsDiagnosticsAndNotifies(t *testing.T) {
	t.Parallel()
	eng := &failingEngine{}
	r, repo, n := newHarness(t, dispatch.BackendConfig{Mode: dispatch.ModeInternal, Engine: eng})
	ctx := context.Background()

	id, err := repo.CreateTask(ctx, domain.TaskRecord{Name: "report"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	h, err := r.Launch(ctx, domain.ExecutionRequest{TaskID: id, Objective: "report"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if final := await(t, h); final != domain.StatusFailed {
		t.Fatalf("final = %s, want FAILED", final)
	}

	rec, _ := repo.GetTask(ctx, id)
	if rec.LastError == "" {
		t.Error("record has no failure reason")
	}
	if len(n.failed) != 1 {
		t.Errorf("notifier failed = %v", n.failed)
	}
}

type failingEngine struct{}

func (e *failingEngine) Run(ctx context.Context, req domain.ExecutionRequest) (<-chan dispatch.EngineEvent, error) {
	ch := make(chan dispatch.EngineEvent, 2)
	ch <- dispatch.EngineEvent{Stage: "orchestrating", Percent: 30}
	ch <- dispatch.EngineEvent{Err: &dispatch.ValidationError{Reason: "upstream returned no data"}}
	close(ch)
	return ch, nil
}
