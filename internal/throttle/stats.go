package throttle

import "time"

// latency keeps rolling aggregates using the incremental mean
// avg' = (avg*(n-1) + x) / n. An uninitialized min reports as 0.
type latency struct {
	Count int
	Avg   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (a *latency) observe(d time.Duration) {
	a.Count++
	a.Avg = (a.Avg*time.Duration(a.Count-1) + d) / time.Duration(a.Count)
	if a.Count == 1 || d < a.Min {
		a.Min = d
	}
	if d > a.Max {
		a.Max = d
	}
}

type stats struct {
	Total     int
	Successes int
	Failures  int
	Timeouts  int
	overall   latency
}

// Latency is the exported view of a latency aggregate.
type Latency struct {
	Count int           `json:"count"`
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// Stats is a point-in-time snapshot of limiter usage.
type Stats struct {
	MaxConcurrent int                `json:"max_concurrent"`
	InFlight      int                `json:"in_flight"`
	FreeSlots     int                `json:"free_slots"`
	Total         int                `json:"total"`
	Successes     int                `json:"successes"`
	Failures      int                `json:"failures"`
	Timeouts      int                `json:"timeouts"`
	Overall       Latency            `json:"overall"`
	ByTaskType    map[string]Latency `json:"by_task_type"`
	LastError     string             `json:"last_error,omitempty"`
}

// Stats returns a snapshot of slot usage, outcome counters and latency
// aggregates, overall and per task type.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	byType := make(map[string]Latency, len(l.byType))
	for k, v := range l.byType {
		byType[k] = Latency{Count: v.Count, Avg: v.Avg, Min: v.Min, Max: v.Max}
	}
	used := len(l.sem)
	return Stats{
		MaxConcurrent: l.cfg.MaxConcurrent,
		InFlight:      used,
		FreeSlots:     l.cfg.MaxConcurrent - used,
		Total:         l.stats.Total,
		Successes:     l.stats.Successes,
		Failures:      l.stats.Failures,
		Timeouts:      l.stats.Timeouts,
		Overall:       Latency{Count: l.stats.overall.Count, Avg: l.stats.overall.Avg, Min: l.stats.overall.Min, Max: l.stats.overall.Max},
		ByTaskType:    byType,
		LastError:     l.lastErr,
	}
}

// Health states reported by HealthCheck.
const (
	StateHealthy = "healthy"
	StateWarning = "warning"
	StateBusy    = "busy"
)

// Health describes the limiter's current condition.
type Health struct {
	State         string   `json:"state"`
	FreeSlots     int      `json:"free_slots"`
	InFlight      int      `json:"in_flight"`
	ProbableHangs []string `json:"probable_hangs,omitempty"`
}

// HealthCheck reports "busy" when no slots are free and flags in-flight
// calls running past their timeout as probable hangs.
func (l *Limiter) HealthCheck() Health {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	var hangs []string
	for id, c := range l.calls {
		if now.Sub(c.started) > c.timeout {
			hangs = append(hangs, id)
		}
	}

	used := len(l.sem)
	h := Health{
		State:         StateHealthy,
		FreeSlots:     l.cfg.MaxConcurrent - used,
		InFlight:      used,
		ProbableHangs: hangs,
	}
	switch {
	case h.FreeSlots == 0:
		h.State = StateBusy
	case len(hangs) > 0:
		h.State = StateWarning
	}
	return h
}
