package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/bridgesync/internal/db"
	"github.com/macjediwizard/bridgesync/internal/metrics"
)

const (
	cleanupInterval    = 24 * time.Hour
	logRetentionDays   = 30
	queueRetentionDays = 7
	jobTimeout         = 10 * time.Minute // Maximum time for a single job run
	leaseMargin        = time.Minute
)

var ErrUnknownJob = errors.New("unknown job")

// JobFunc is the work of a scheduled job.
type JobFunc func(ctx context.Context) error

// Job represents a scheduled job.
type Job struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	run      JobFunc
	ticker   *time.Ticker
	stopCh   chan struct{}
}

// Scheduler runs jobs on tickers. Each job has a single owner at a time: a
// per-job TryLock skips overlapping runs in this process and a database job
// lease skips runs while another process holds the job.
type Scheduler struct {
	db      *db.DB
	owner   string
	metrics *metrics.Metrics

	mu       sync.RWMutex
	jobs     map[string]*Job
	jobLocks map[string]*sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
}

// New creates a new scheduler. A nil database disables job leases.
func New(database *db.DB, m *metrics.Metrics) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:       database,
		owner:    "scheduler-" + uuid.New().String(),
		metrics:  m,
		jobs:     make(map[string]*Job),
		jobLocks: make(map[string]*sync.Mutex),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the registered jobs and the cleanup routine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	for _, job := range s.jobs {
		s.launch(job)
	}
	count := len(s.jobs)
	s.mu.Unlock()

	if s.db != nil {
		s.wg.Add(1)
		go s.cleanupRoutine()
	}

	log.Printf("[Scheduler] Started with %d jobs", count)
}

// Stop gracefully shuts down all jobs and waits for running ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	// Cancel context to stop all jobs
	s.cancel()

	s.mu.Lock()
	for _, job := range s.jobs {
		stopJob(job)
	}
	s.mu.Unlock()

	s.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

// AddJob registers or replaces a job. Jobs added after Start begin at once.
func (s *Scheduler) AddJob(name string, interval time.Duration, run JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.jobs[name]; exists {
		stopJob(existing)
	}

	job := &Job{
		name:     name,
		interval: interval,
		timeout:  jobTimeout,
		run:      run,
	}
	s.jobs[name] = job
	if s.started {
		s.launch(job)
	}

	log.Printf("[Scheduler] Added job %s with interval %v", name, interval)
}

// launch starts the job goroutine. Callers hold s.mu.
func (s *Scheduler) launch(job *Job) {
	job.ticker = time.NewTicker(job.interval)
	job.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.runJob(job, job.ticker, job.stopCh)
}

func stopJob(job *Job) {
	if job.stopCh != nil {
		close(job.stopCh)
		job.stopCh = nil
	}
	if job.ticker != nil {
		job.ticker.Stop()
	}
}

// RemoveJob removes a job.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[name]; exists {
		stopJob(job)
		delete(s.jobs, name)
		log.Printf("[Scheduler] Removed job %s", name)
	}
}

// UpdateJobInterval updates the interval of an existing job.
func (s *Scheduler) UpdateJobInterval(name string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[name]; exists {
		job.interval = interval
		if job.ticker != nil {
			job.ticker.Reset(interval)
		}
		log.Printf("[Scheduler] Updated interval of job %s to %v", name, interval)
	}
}

// Trigger runs a job once in the background, outside its schedule.
func (s *Scheduler) Trigger(name string) error {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJob(job)
	}()
	return nil
}

// GetJobCount returns the number of registered jobs.
func (s *Scheduler) GetJobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// JobNames returns the registered job names.
func (s *Scheduler) JobNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// runJob runs the job loop.
func (s *Scheduler) runJob(job *Job, ticker *time.Ticker, stopCh chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.executeJob(job)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.executeJob(job)
		}
	}
}

// getJobLock returns the mutex for a job, creating one if needed.
func (s *Scheduler) getJobLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, exists := s.jobLocks[name]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.jobLocks[name] = lock
	return lock
}

// executeJob runs a job once if no other run owns it. It reports whether
// the job ran.
func (s *Scheduler) executeJob(job *Job) bool {
	lock := s.getJobLock(job.name)

	// Try to acquire lock without blocking - skip if a run is in progress
	if !lock.TryLock() {
		log.Printf("[Scheduler] Skipping %s - already running", job.name)
		return false
	}
	defer lock.Unlock()

	if s.db != nil {
		err := s.db.AcquireJobLease(s.ctx, job.name, s.owner, job.timeout+leaseMargin)
		if errors.Is(err, db.ErrLeaseHeld) {
			return false
		}
		if err != nil {
			log.Printf("[Scheduler] Failed to acquire lease for %s: %v", job.name, err)
			return false
		}
		defer func() {
			if err := s.db.ReleaseJobLease(context.WithoutCancel(s.ctx), job.name, s.owner); err != nil {
				log.Printf("[Scheduler] Failed to release lease for %s: %v", job.name, err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.timeout)
	defer cancel()

	began := time.Now()
	err := job.run(ctx)
	s.metrics.JobRun(job.name, err)
	if err != nil {
		log.Printf("[Scheduler] Job %s failed after %v: %v", job.name, time.Since(began).Round(time.Millisecond), err)
	}
	return true
}

// cleanupRoutine runs periodic cleanup of old sync logs and queue items.
func (s *Scheduler) cleanupRoutine() {
	defer s.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup deletes sync logs and completed queue items older than their
// retention periods.
func (s *Scheduler) cleanup() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()

	now := time.Now()
	logs, err := s.db.CleanOldSyncLogs(ctx, now.AddDate(0, 0, -logRetentionDays))
	if err != nil {
		log.Printf("[Scheduler] Failed to clean old sync logs: %v", err)
	} else if logs > 0 {
		log.Printf("[Scheduler] Cleaned %d old sync logs", logs)
	}

	items, err := s.db.CleanCompletedItems(ctx, now.AddDate(0, 0, -queueRetentionDays))
	if err != nil {
		log.Printf("[Scheduler] Failed to clean completed queue items: %v", err)
	} else if items > 0 {
		log.Printf("[Scheduler] Cleaned %d completed queue items", items)
	}
}
