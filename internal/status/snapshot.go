package status

import (
	"context"
	"sync"
	"time"

	"reportflow/internal/domain"
)

// Default TTLs for the ephemeral snapshot cache. Status outlives
// fine-grained progress.
const (
	DefaultStatusTTL   = 24 * time.Hour
	DefaultProgressTTL = time.Hour
)

// Snapshot is the fast-path view of a task's live status. Derived from the
// durable TaskRecord, never authoritative, independently evictable.
type Snapshot struct {
	TaskID     string        `json:"task_id"`
	Status     domain.Status `json:"status"`
	Progress   int           `json:"progress"`
	Step       string        `json:"step"`
	Detail     string        `json:"detail,omitempty"`
	Error      string        `json:"error,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
	ProgressAt time.Time     `json:"progress_at"`
}

// Cache stores snapshots with bounded TTLs. Implementations must be safe
// for concurrent use.
type Cache interface {
	Put(ctx context.Context, s Snapshot) error
	// Get returns ok=false on a miss; callers fall back to durable storage.
	Get(ctx context.Context, taskID string) (Snapshot, bool, error)
	Delete(ctx context.Context, taskID string) error
	List(ctx context.Context) ([]Snapshot, error)
}

// memoryCache is the default in-memory expiring cache: write-through on
// every transition, evicted on read past TTL and by periodic sweep.
type memoryCache struct {
	mu          sync.RWMutex
	entries     map[string]Snapshot
	statusTTL   time.Duration
	progressTTL time.Duration
}

// NewMemoryCache builds an in-memory cache. Zero TTLs use the defaults.
func NewMemoryCache(statusTTL, progressTTL time.Duration) Cache {
	if statusTTL <= 0 {
		statusTTL = DefaultStatusTTL
	}
	if progressTTL <= 0 {
		progressTTL = DefaultProgressTTL
	}
	return &memoryCache{
		entries:     make(map[string]Snapshot),
		statusTTL:   statusTTL,
		progressTTL: progressTTL,
	}
}

func (c *memoryCache) Put(_ context.Context, s Snapshot) error {
	c.mu.Lock()
	c.entries[s.TaskID] = s
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Get(_ context.Context, taskID string) (Snapshot, bool, error) {
	c.mu.RLock()
	s, ok := c.entries[taskID]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, false, nil
	}

	now := time.Now()
	if s.UpdatedAt.IsZero() || now.Sub(s.UpdatedAt) > c.statusTTL {
		c.mu.Lock()
		delete(c.entries, taskID)
		c.mu.Unlock()
		return Snapshot{}, false, nil
	}
	if now.Sub(s.ProgressAt) > c.progressTTL {
		// Progress is staler than its TTL allows; status stays usable.
		s.Progress = 0
		s.Step = ""
	}
	return s, true, nil
}

func (c *memoryCache) Delete(_ context.Context, taskID string) error {
	c.mu.Lock()
	delete(c.entries, taskID)
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) List(_ context.Context) ([]Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Snapshot, 0, len(c.entries))
	for _, s := range c.entries {
		out = append(out, s)
	}
	return out, nil
}
