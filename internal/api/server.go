// Package api is the thin JSON surface over the core services. No
// business logic lives here; handlers validate input and delegate.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"reportflow/internal/domain"
	"reportflow/internal/scheduler"
	"reportflow/internal/status"
	"reportflow/internal/store"
	"reportflow/internal/throttle"
)

type Server struct {
	repo    store.Repository
	sched   *scheduler.Service
	status  *status.Store
	limiter *throttle.Limiter
}

func NewServer(repo store.Repository, sched *scheduler.Service, st *status.Store, limiter *throttle.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{repo: repo, sched: sched, status: st, limiter: limiter}

	r.Get("/health", s.health)
	r.Get("/api/limiter/stats", s.limiterStats)
	r.Get("/api/limiter/health", s.limiterHealth)

	r.Post("/api/jobs", s.createJob)
	r.Get("/api/jobs", s.listJobs)
	r.Get("/api/jobs/{id}", s.getJob)
	r.Put("/api/jobs/{id}", s.updateJob)
	r.Delete("/api/jobs/{id}", s.deleteJob)
	r.Post("/api/jobs/{id}/run", s.runJob)

	r.Get("/api/tasks/{id}/status", s.taskStatus)
	r.Get("/api/tasks/running", s.runningTasks)
	r.Get("/api/tasks/stats", s.taskStats)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) limiterStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.Stats())
}

func (s *Server) limiterHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.HealthCheck())
}

type jobReq struct {
	Name     string `json:"name"`
	CronExpr string `json:"cron_expr"`
	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`
	Priority int    `json:"priority"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.CronExpr == "" {
		http.Error(w, "name and cron_expr are required", http.StatusBadRequest)
		return
	}

	taskID := req.TaskID
	if taskID == "" {
		name := req.TaskName
		if name == "" {
			name = req.Name
		}
		var err error
		taskID, err = s.repo.CreateTask(r.Context(), domain.TaskRecord{Name: name})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	jobID, err := s.repo.CreateJob(r.Context(), domain.ScheduledJob{
		Name: req.Name, CronExpr: req.CronExpr, TaskID: taskID,
		Enabled: true, Priority: req.Priority,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	job, err := s.repo.GetJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.sched.RegisterOrUpdate(job); err != nil {
		var se *scheduler.ScheduleError
		if errors.As(err, &se) {
			// Keep the row out of the reconcile loop's way.
			_ = s.repo.DisableJob(r.Context(), jobID)
			http.Error(w, se.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": jobID, "task_id": taskID, "key": scheduler.JobKey(jobID)})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.repo.ListJobs(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"active": s.sched.ListActive(),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.repo.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req jobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := s.repo.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if req.Name != "" {
		job.Name = req.Name
	}
	if req.CronExpr != "" {
		job.CronExpr = req.CronExpr
	}
	if req.TaskID != "" {
		job.TaskID = req.TaskID
	}
	if req.Priority != 0 {
		job.Priority = req.Priority
	}

	if err := s.sched.RegisterOrUpdate(job); err != nil {
		var se *scheduler.ScheduleError
		if errors.As(err, &se) {
			http.Error(w, se.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.repo.UpdateJob(r.Context(), job); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Remove(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Remove is a no-op for unregistered jobs; the durable record is
	// disabled either way.
	if err := s.repo.DisableJob(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h, err := s.sched.TriggerNow(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": h.TaskID})
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if snap, ok, err := s.status.GetStatus(r.Context(), id); err == nil && ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	// Snapshot miss: fall back to the durable record.
	rec, err := s.repo.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status.Snapshot{
		TaskID: rec.ID, Status: rec.Status, Progress: rec.Progress,
		Step: rec.Step, Error: rec.LastError, UpdatedAt: rec.UpdatedAt,
	})
}

func (s *Server) runningTasks(w http.ResponseWriter, r *http.Request) {
	running, err := s.status.ListRunning(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if running == nil {
		running = []status.Snapshot{}
	}
	writeJSON(w, http.StatusOK, running)
}

func (s *Server) taskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.status.Statistics(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
