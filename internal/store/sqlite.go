package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"reportflow/internal/domain"
)

var ErrNotFound = errors.New("record not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS task_records (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('PENDING','PROCESSING','ORCHESTRATING','GENERATING','COMPLETED','FAILED','CANCELLED')) DEFAULT 'PENDING',
  progress INTEGER NOT NULL DEFAULT 0,
  step TEXT NOT NULL DEFAULT '',
  last_error TEXT NOT NULL DEFAULT '',
  owner TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_task_records_status ON task_records(status, updated_at);
CREATE TABLE IF NOT EXISTS scheduled_jobs (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  task_id TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  priority INTEGER NOT NULL DEFAULT 5,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(task_id) REFERENCES task_records(id)
);
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_enabled ON scheduled_jobs(enabled);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the durable persistence collaborator. It owns the
// task_records and scheduled_jobs tables; lifecycle validation happens
// above it, never here.
type Repository interface {
	CreateTask(ctx context.Context, t domain.TaskRecord) (string, error)
	GetTask(ctx context.Context, id string) (domain.TaskRecord, error)
	UpdateTaskStatus(ctx context.Context, id string, status domain.Status, progress int, step, lastError string) error
	ListTasks(ctx context.Context, limit int) ([]domain.TaskRecord, error)

	CreateJob(ctx context.Context, j domain.ScheduledJob) (string, error)
	GetJob(ctx context.Context, id string) (domain.ScheduledJob, error)
	ListJobs(ctx context.Context) ([]domain.ScheduledJob, error)
	ListEnabledJobs(ctx context.Context) ([]domain.ScheduledJob, error)
	UpdateJob(ctx context.Context, j domain.ScheduledJob) error
	DisableJob(ctx context.Context, id string) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.TaskRecord) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	status := t.Status
	if status == "" {
		status = domain.StatusPending
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_records (id,name,status,progress,step,last_error,owner,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, t.Name, status, t.Progress, t.Step, t.LastError, t.Owner)
	return id, err
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.TaskRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,name,status,progress,step,last_error,owner,created_at,updated_at
FROM task_records WHERE id=?`, id)
	var t domain.TaskRecord
	if err := row.Scan(&t.ID, &t.Name, &t.Status, &t.Progress, &t.Step, &t.LastError, &t.Owner, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.TaskRecord{}, ErrNotFound
		}
		return domain.TaskRecord{}, err
	}
	return t, nil
}

func (r *sqliteRepo) UpdateTaskStatus(ctx context.Context, id string, status domain.Status, progress int, step, lastError string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE task_records SET status=?, progress=?, step=?, last_error=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, status, progress, step, lastError, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) ListTasks(ctx context.Context, limit int) ([]domain.TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,name,status,progress,step,last_error,owner,created_at,updated_at
FROM task_records ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.TaskRecord
	for rows.Next() {
		var t domain.TaskRecord
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.Progress, &t.Step, &t.LastError, &t.Owner, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) CreateJob(ctx context.Context, j domain.ScheduledJob) (string, error) {
	id := j.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if j.Priority == 0 {
		j.Priority = 5
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO scheduled_jobs (id,name,cron_expr,task_id,enabled,priority,created_at,updated_at)
VALUES (?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, j.Name, j.CronExpr, j.TaskID, j.Enabled, j.Priority)
	return id, err
}

func (r *sqliteRepo) GetJob(ctx context.Context, id string) (domain.ScheduledJob, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,name,cron_expr,task_id,enabled,priority,created_at,updated_at
FROM scheduled_jobs WHERE id=?`, id)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return domain.ScheduledJob{}, ErrNotFound
	}
	return j, err
}

func (r *sqliteRepo) ListJobs(ctx context.Context) ([]domain.ScheduledJob, error) {
	return r.listJobs(ctx, `
SELECT id,name,cron_expr,task_id,enabled,priority,created_at,updated_at
FROM scheduled_jobs ORDER BY name`)
}

func (r *sqliteRepo) ListEnabledJobs(ctx context.Context) ([]domain.ScheduledJob, error) {
	return r.listJobs(ctx, `
SELECT id,name,cron_expr,task_id,enabled,priority,created_at,updated_at
FROM scheduled_jobs WHERE enabled=1 ORDER BY name`)
}

func (r *sqliteRepo) listJobs(ctx context.Context, query string) ([]domain.ScheduledJob, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(scan func(dest ...any) error) (domain.ScheduledJob, error) {
	var j domain.ScheduledJob
	err := scan(&j.ID, &j.Name, &j.CronExpr, &j.TaskID, &j.Enabled, &j.Priority, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

func (r *sqliteRepo) UpdateJob(ctx context.Context, j domain.ScheduledJob) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_jobs SET name=?,cron_expr=?,task_id=?,enabled=?,priority=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, j.Name, j.CronExpr, j.TaskID, j.Enabled, j.Priority, j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) DisableJob(ctx context.Context, id string) error {
	// Soft delete: jobs are disabled, never removed.
	_, err := r.db.ExecContext(ctx, `
UPDATE scheduled_jobs SET enabled=0, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	return err
}
