// Package status owns the task lifecycle state machine and the ephemeral,
// TTL-bounded snapshot cache in front of durable storage. Transitions are
// validated against the lifecycle table; the cache is write-through and
// never the source of truth.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
	"reportflow/internal/store"
)

// InvalidTransitionError reports an illegal lifecycle change. Logged,
// rejected, non-fatal; state is left unchanged.
type InvalidTransitionError struct {
	TaskID string
	From   domain.Status
	To     domain.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for task %s", e.From, e.To, e.TaskID)
}

// Update carries the optional fields of a status change.
type Update struct {
	Progress *int
	Step     string
	Error    string
}

// Store validates lifecycle transitions, persists them, and keeps the
// snapshot cache fresh.
type Store struct {
	repo  store.Repository
	cache Cache

	// mu serializes read-validate-write cycles so two concurrent updates
	// can't both pass validation against the same stale state.
	mu sync.Mutex
}

func New(repo store.Repository, cache Cache) *Store {
	return &Store{repo: repo, cache: cache}
}

// UpdateStatus validates id's transition to newStatus against the
// lifecycle table. On violation it returns InvalidTransitionError and
// changes nothing; on success it persists the TaskRecord and refreshes
// the snapshot.
func (s *Store) UpdateStatus(ctx context.Context, id string, newStatus domain.Status, upd Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("load task %s: %w", id, err)
	}
	if !rec.Status.CanTransitionTo(newStatus) {
		err := &InvalidTransitionError{TaskID: id, From: rec.Status, To: newStatus}
		log.Warn().Str("task_id", id).Str("from", string(rec.Status)).Str("to", string(newStatus)).Msg("rejected status transition")
		return err
	}

	progress := rec.Progress
	if upd.Progress != nil {
		progress = *upd.Progress
	}
	step := rec.Step
	if upd.Step != "" {
		step = upd.Step
	}
	lastErr := rec.LastError
	if upd.Error != "" {
		lastErr = upd.Error
	}
	// Re-entry into PENDING from a terminal state is a fresh run: prior
	// progress, step and error are reset rather than carried over.
	if newStatus == domain.StatusPending && rec.Status.Terminal() {
		progress, step, lastErr = 0, "", ""
	}

	if err := s.repo.UpdateTaskStatus(ctx, id, newStatus, progress, step, lastErr); err != nil {
		return fmt.Errorf("persist task %s: %w", id, err)
	}

	now := time.Now()
	snap := Snapshot{
		TaskID:     id,
		Status:     newStatus,
		Progress:   progress,
		Step:       step,
		Error:      lastErr,
		UpdatedAt:  now,
		ProgressAt: now,
	}
	if err := s.cache.Put(ctx, snap); err != nil {
		// The cache is rebuilt from the record, not vice versa; a write
		// failure costs a fast path, nothing more.
		log.Warn().Str("task_id", id).Err(err).Msg("snapshot write failed")
	}
	log.Debug().Str("task_id", id).Str("from", string(rec.Status)).Str("to", string(newStatus)).Int("progress", progress).Msg("status updated")
	return nil
}

// GetStatus reads the snapshot fast path. ok=false signals the caller to
// fall back to durable storage.
func (s *Store) GetStatus(ctx context.Context, id string) (Snapshot, bool, error) {
	return s.cache.Get(ctx, id)
}

// SetProgress writes fine-grained progress to the snapshot only; the
// lifecycle status never changes here.
func (s *Store) SetProgress(ctx context.Context, id string, percent int, step, detail string) error {
	snap, ok, err := s.cache.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		// Seed from the durable record so progress against a cold cache
		// still lands somewhere visible.
		rec, err := s.repo.GetTask(ctx, id)
		if err != nil {
			return fmt.Errorf("load task %s: %w", id, err)
		}
		snap = Snapshot{TaskID: id, Status: rec.Status, Error: rec.LastError, UpdatedAt: time.Now()}
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	snap.Progress = percent
	snap.Step = step
	snap.Detail = detail
	snap.ProgressAt = time.Now()
	return s.cache.Put(ctx, snap)
}

// ListRunning returns snapshots in the PROCESSING, ORCHESTRATING or
// GENERATING states.
func (s *Store) ListRunning(ctx context.Context) ([]Snapshot, error) {
	all, err := s.cache.List(ctx)
	if err != nil {
		return nil, err
	}
	var running []Snapshot
	for _, snap := range all {
		if snap.Status.Running() {
			running = append(running, snap)
		}
	}
	return running, nil
}

// Cleanup evicts terminal-state snapshots whose last update predates the
// cutoff. Entries with a zero timestamp are evicted defensively. Returns
// the number of evictions.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultStatusTTL
	}
	cutoff := time.Now().Add(-olderThan)

	all, err := s.cache.List(ctx)
	if err != nil {
		return 0, err
	}
	evicted := 0
	for _, snap := range all {
		stale := snap.UpdatedAt.IsZero() || (snap.Status.Terminal() && snap.UpdatedAt.Before(cutoff))
		if !stale {
			continue
		}
		if err := s.cache.Delete(ctx, snap.TaskID); err != nil {
			return evicted, err
		}
		evicted++
	}
	if evicted > 0 {
		log.Info().Int("evicted", evicted).Dur("older_than", olderThan).Msg("snapshot cleanup")
	}
	return evicted, nil
}

// Statistics summarizes the snapshot cache.
type Statistics struct {
	Count       int                   `json:"count"`
	Running     int                   `json:"running"`
	ByStatus    map[domain.Status]int `json:"by_status"`
	AvgProgress float64               `json:"avg_progress"`
}

// Statistics returns counts, a status-distribution histogram and the
// average progress over cached snapshots.
func (s *Store) Statistics(ctx context.Context) (Statistics, error) {
	all, err := s.cache.List(ctx)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{ByStatus: make(map[domain.Status]int)}
	sum := 0
	for _, snap := range all {
		stats.Count++
		stats.ByStatus[snap.Status]++
		if snap.Status.Running() {
			stats.Running++
		}
		sum += snap.Progress
	}
	if stats.Count > 0 {
		stats.AvgProgress = float64(sum) / float64(stats.Count)
	}
	return stats, nil
}

// RunSweeper periodically evicts stale snapshots until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval, olderThan time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Cleanup(ctx, olderThan); err != nil {
				log.Error().Err(err).Msg("snapshot sweep failed")
			}
		}
	}
}
