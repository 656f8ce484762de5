// Package activity keeps an in-memory record of running and recently finished
// sync passes and jobs. It is informational only; the database stays the
// source of truth. A nil *Tracker is valid and records nothing.
package activity

import (
	"sort"
	"sync"
	"time"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusError     = "error"
)

// Counts are the per-run outcome counters.
type Counts struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Run is one tracked sync pass or job execution.
type Run struct {
	Key         string     `json:"key"`
	Kind        string     `json:"kind"` // "sync", "reconcile", "queue", ...
	Label       string     `json:"label"`
	Status      string     `json:"status"`
	Counts      Counts     `json:"counts"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	Message     string     `json:"message,omitempty"`
	Errors      []string   `json:"errors,omitempty"`
}

// Tracker tracks runs by key.
type Tracker struct {
	mu        sync.RWMutex
	active    map[string]*Run
	recent    []*Run
	maxRecent int
	now       func() time.Time
}

// NewTracker creates a tracker keeping the last 50 finished runs.
func NewTracker() *Tracker {
	return &Tracker{
		active:    make(map[string]*Run),
		maxRecent: 50,
		now:       time.Now,
	}
}

// Start begins tracking a run. It returns false when a run with the same key
// is already active in this process.
func (t *Tracker) Start(key, kind, label string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.active[key]; exists {
		return false
	}
	t.active[key] = &Run{
		Key:       key,
		Kind:      kind,
		Label:     label,
		Status:    StatusRunning,
		StartedAt: t.now(),
	}
	return true
}

// Add increments the counters of an active run.
func (t *Tracker) Add(key string, c Counts) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if run, ok := t.active[key]; ok {
		run.Counts.Processed += c.Processed
		run.Counts.Created += c.Created
		run.Counts.Updated += c.Updated
		run.Counts.Deleted += c.Deleted
		run.Counts.Skipped += c.Skipped
		run.Counts.Failed += c.Failed
	}
}

// Finish marks a run as done and moves it to the recent list. A run with
// errors that still made progress is partial.
func (t *Tracker) Finish(key string, c Counts, message string, errs []string, fatal error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.active[key]
	if !ok {
		return
	}
	now := t.now()
	run.Counts = c
	run.CompletedAt = &now
	run.Duration = now.Sub(run.StartedAt).Round(time.Millisecond).String()
	run.Message = message
	run.Errors = errs

	switch {
	case fatal != nil:
		run.Status = StatusError
		if run.Message == "" {
			run.Message = fatal.Error()
		}
	case len(errs) > 0:
		run.Status = StatusPartial
	default:
		run.Status = StatusCompleted
	}

	t.recent = append([]*Run{run}, t.recent...)
	if len(t.recent) > t.maxRecent {
		t.recent = t.recent[:t.maxRecent]
	}
	delete(t.active, key)
}

// Active returns copies of the running runs, oldest first.
func (t *Tracker) Active() []Run {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	out := make([]Run, 0, len(t.active))
	for _, run := range t.active {
		c := *run
		c.Duration = now.Sub(run.StartedAt).Round(time.Millisecond).String()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Recent returns copies of finished runs, newest first.
func (t *Tracker) Recent() []Run {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Run, len(t.recent))
	for i, run := range t.recent {
		out[i] = *run
	}
	return out
}

// Snapshot returns active and recent runs for the activity endpoint.
func (t *Tracker) Snapshot() map[string][]Run {
	return map[string][]Run{
		"active": t.Active(),
		"recent": t.Recent(),
	}
}

// IsRunning reports whether a run with key is active.
func (t *Tracker) IsRunning(key string) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.active[key]
	return ok
}
