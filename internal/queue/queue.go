// Package queue drains the durable work queue with a bounded worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/bridgesync/internal/activity"
	"github.com/macjediwizard/bridgesync/internal/bridge"
	"github.com/macjediwizard/bridgesync/internal/db"
	"github.com/macjediwizard/bridgesync/internal/metrics"
	"github.com/macjediwizard/bridgesync/internal/notify"
	"github.com/macjediwizard/bridgesync/internal/orchestrator"
	"github.com/macjediwizard/bridgesync/internal/reconcile"
)

var (
	ErrUnknownType = errors.New("no handler for queue type")
	// ErrDeferred marks an item whose mapping is busy; it is retried later.
	ErrDeferred = errors.New("deferred")
)

const (
	defaultWorkers     = 4
	defaultBatchSize   = 50
	defaultMaxAttempts = 5
	defaultStaleGrace  = 10 * time.Minute
	maxErrorMessage    = 1000

	// deferDelay is how long a deferred item waits before it is claimable again.
	deferDelay = 30 * time.Second
)

// Handler processes one claimed item. A nil error completes the item.
type Handler func(ctx context.Context, item *db.QueueItem) error

// Options configures a Processor. Zero values get defaults; nil
// collaborators are disabled.
type Options struct {
	Workers     int
	BatchSize   int
	MaxAttempts int
	// StaleGrace is how long an item may stay processing before the stale
	// sweep requeues it.
	StaleGrace time.Duration
	Window     orchestrator.Window

	Metrics  *metrics.Metrics
	Notifier *notify.Notifier
	Tracker  *activity.Tracker
}

// Processor claims queue items and dispatches them to handlers by type.
type Processor struct {
	db          *db.DB
	orch        *orchestrator.Orchestrator
	rec         *reconcile.Reconciler
	workers     int
	batchSize   int
	maxAttempts int
	staleGrace  time.Duration
	window      orchestrator.Window

	metrics  *metrics.Metrics
	notifier *notify.Notifier
	tracker  *activity.Tracker

	mu       sync.RWMutex
	handlers map[db.QueueType]Handler
}

// New creates a processor with handlers for every queue type.
func New(database *db.DB, orch *orchestrator.Orchestrator, rec *reconcile.Reconciler, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.StaleGrace <= 0 {
		opts.StaleGrace = defaultStaleGrace
	}
	if opts.Window == nil {
		opts.Window = reconcile.DefaultWindow
	}
	p := &Processor{
		db:          database,
		orch:        orch,
		rec:         rec,
		workers:     opts.Workers,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		staleGrace:  opts.StaleGrace,
		window:      opts.Window,
		metrics:     opts.Metrics,
		notifier:    opts.Notifier,
		tracker:     opts.Tracker,
	}
	p.handlers = map[db.QueueType]Handler{
		db.QueueTypeSync:          p.handleSync,
		db.QueueTypeResourceSync:  p.handleResourceSync,
		db.QueueTypeWebhook:       p.handleWebhook,
		db.QueueTypeDeletion:      p.handleDeletion,
		db.QueueTypeDeletionCheck: p.handleDeletion,
	}
	return p
}

// Handle replaces the handler of a queue type.
func (p *Processor) Handle(queueType db.QueueType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[queueType] = h
}

func (p *Processor) handler(queueType db.QueueType) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[queueType]
	return h, ok
}

// Enqueue adds an item with the configured attempt limit.
func (p *Processor) Enqueue(ctx context.Context, item *db.QueueItem) (bool, error) {
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = p.maxAttempts
	}
	return p.db.Enqueue(ctx, item)
}

// DrainResult reports the outcome of one drain.
type DrainResult struct {
	Claimed   int           `json:"claimed"`
	Completed int           `json:"completed"`
	Deferred  int           `json:"deferred"`
	Failed    int           `json:"failed"`
	Exhausted int           `json:"exhausted"`
	Errors    []string      `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`

	mu sync.Mutex
}

func (r *DrainResult) add(f func(*DrainResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(r)
}

// Drain claims up to the batch size of due items, restricted to types when
// given, and processes them with at most Workers in flight. Claiming is
// atomic in the store, so concurrent drains never process the same item.
func (p *Processor) Drain(ctx context.Context, types ...db.QueueType) (*DrainResult, error) {
	const key = "queue:drain"
	began := time.Now()
	res := &DrainResult{}
	tracked := p.tracker.Start(key, "queue", "queue drain")

	var g errgroup.Group
	g.SetLimit(p.workers)
	var claimErr error
	for i := 0; i < p.batchSize; i++ {
		if ctx.Err() != nil {
			claimErr = ctx.Err()
			break
		}
		item, err := p.db.ClaimNext(ctx, types...)
		if errors.Is(err, db.ErrNotFound) {
			break
		}
		if err != nil {
			claimErr = err
			break
		}
		res.add(func(r *DrainResult) { r.Claimed++ })
		g.Go(func() error {
			p.process(ctx, res, item)
			return nil
		})
	}
	_ = g.Wait()
	res.Duration = time.Since(began)

	if tracked {
		p.tracker.Finish(key, activity.Counts{
			Processed: res.Claimed,
			Updated:   res.Completed,
			Failed:    res.Failed,
		}, fmt.Sprintf("%d claimed, %d completed, %d failed, %d exhausted", res.Claimed, res.Completed, res.Failed, res.Exhausted), res.Errors, claimErr)
	}
	if res.Claimed > 0 {
		log.Printf("[Queue] Drained %d items: %d completed, %d failed, %d exhausted (%v)",
			res.Claimed, res.Completed, res.Failed, res.Exhausted, res.Duration.Round(time.Millisecond))
	}
	if claimErr != nil {
		return res, fmt.Errorf("claim queue item: %w", claimErr)
	}
	return res, nil
}

// ProcessItem claims and processes one specific pending item. It reports
// false when the item was not pending.
func (p *Processor) ProcessItem(ctx context.Context, id string) (bool, error) {
	ok, err := p.db.ClaimItem(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	item, err := p.db.GetQueueItem(ctx, id)
	if err != nil {
		return true, err
	}
	res := &DrainResult{Claimed: 1}
	p.process(ctx, res, item)
	if len(res.Errors) > 0 {
		return true, errors.New(res.Errors[0])
	}
	return true, nil
}

// process runs the handler of a claimed item and records the outcome. The
// outcome is written even when ctx is cancelled so the item never stays
// processing.
func (p *Processor) process(ctx context.Context, res *DrainResult, item *db.QueueItem) {
	err := p.run(ctx, item)
	store := context.WithoutCancel(ctx)

	if err == nil {
		if cerr := p.db.CompleteItem(store, item.ID); cerr != nil {
			log.Printf("[Queue] Failed to complete item %s: %v", item.ID, cerr)
		}
		res.add(func(r *DrainResult) { r.Completed++ })
		p.metrics.QueueItem(string(item.QueueType), "completed")
		return
	}

	msg := err.Error()
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}

	// Waiting for a busy mapping does not use up an attempt.
	if errors.Is(err, ErrDeferred) {
		if derr := p.db.DeferItem(store, item.ID, msg, deferDelay); derr != nil {
			log.Printf("[Queue] Failed to defer item %s: %v", item.ID, derr)
		}
		res.add(func(r *DrainResult) { r.Deferred++ })
		p.metrics.QueueItem(string(item.QueueType), "deferred")
		return
	}

	terminal := isTerminal(err)
	exhausted, ferr := p.db.FailItem(store, item.ID, msg, terminal)
	if ferr != nil {
		log.Printf("[Queue] Failed to record failure of item %s: %v", item.ID, ferr)
	}

	outcome := "failed"
	if exhausted {
		outcome = "exhausted"
	}
	res.add(func(r *DrainResult) {
		r.Failed++
		if exhausted {
			r.Exhausted++
		}
		r.Errors = append(r.Errors, fmt.Sprintf("%s item %s: %s", item.QueueType, item.ID, msg))
	})
	p.metrics.QueueItem(string(item.QueueType), outcome)

	log.Printf("[Queue] %s item %s failed (attempt %d/%d, terminal=%v): %s",
		item.QueueType, item.ID, item.Attempts+1, item.MaxAttempts, terminal, msg)
	if exhausted {
		p.notifier.QueueItemExhausted(ctx, item.ID, string(item.QueueType), msg)
	}
}

func (p *Processor) run(ctx context.Context, item *db.QueueItem) (err error) {
	h, ok := p.handler(item.QueueType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, item.QueueType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, item)
}

// isTerminal reports whether a failure can never succeed on retry.
func isTerminal(err error) bool {
	return errors.Is(err, bridge.ErrValidation) || errors.Is(err, ErrUnknownType)
}

// RetrySweep reschedules failed items that still have attempts left.
func (p *Processor) RetrySweep(ctx context.Context) (int, error) {
	n, err := p.db.RetryFailed(ctx, p.batchSize)
	if err != nil {
		return n, err
	}
	if n > 0 {
		log.Printf("[Queue] Rescheduled %d failed items", n)
	}
	return n, nil
}

// StaleSweep requeues items stuck in processing beyond the grace period.
func (p *Processor) StaleSweep(ctx context.Context) (requeued, failed int64, err error) {
	requeued, failed, err = p.db.RequeueStale(ctx, p.staleGrace)
	if err != nil {
		return requeued, failed, err
	}
	if requeued > 0 || failed > 0 {
		log.Printf("[Queue] Stale sweep: %d requeued, %d failed", requeued, failed)
	}
	return requeued, failed, nil
}
