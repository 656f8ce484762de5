// Package orchestrator drives sync passes between registered bridges and
// aggregates their health.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/bridgesync/internal/activity"
	"github.com/macjediwizard/bridgesync/internal/bridge"
	"github.com/macjediwizard/bridgesync/internal/db"
	"github.com/macjediwizard/bridgesync/internal/metrics"
	"github.com/macjediwizard/bridgesync/internal/notify"
)

var (
	ErrUnknownBridge  = errors.New("unknown bridge")
	ErrSyncInProgress = errors.New("sync already in progress")
)

const (
	defaultWorkers      = 4
	defaultMappingLease = 2 * time.Minute
	maxErrorMessage     = 500

	defaultMaxMappingErrors = 5
)

// Options configures an Orchestrator. Zero values get defaults; nil
// collaborators are disabled.
type Options struct {
	// Owner identifies this process in mapping leases.
	Owner         string
	MappingLease  time.Duration
	// Workers bounds the events of one pass processed concurrently.
	Workers       int
	HealthTimeout time.Duration

	// MaxMappingErrors is the error count recorded for a failure no retry
	// can fix, so the retry sweep leaves the mapping alone.
	MaxMappingErrors int

	Metrics  *metrics.Metrics
	Notifier *notify.Notifier
	Tracker  *activity.Tracker
}

// Orchestrator runs sync passes between bridges of its registry.
type Orchestrator struct {
	db            *db.DB
	registry      *Registry
	owner         string
	lease         time.Duration
	workers       int
	healthTimeout time.Duration
	maxErrors     int

	metrics  *metrics.Metrics
	notifier *notify.Notifier
	tracker  *activity.Tracker
}

// New creates an orchestrator.
func New(database *db.DB, registry *Registry, opts Options) *Orchestrator {
	if opts.Owner == "" {
		opts.Owner = "orchestrator-" + uuid.New().String()
	}
	if opts.MappingLease <= 0 {
		opts.MappingLease = defaultMappingLease
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 10 * time.Second
	}
	if opts.MaxMappingErrors <= 0 {
		opts.MaxMappingErrors = defaultMaxMappingErrors
	}
	return &Orchestrator{
		db:            database,
		registry:      registry,
		owner:         opts.Owner,
		lease:         opts.MappingLease,
		workers:       opts.Workers,
		healthTimeout: opts.HealthTimeout,
		maxErrors:     opts.MaxMappingErrors,
		metrics:       opts.Metrics,
		notifier:      opts.Notifier,
		tracker:       opts.Tracker,
	}
}

// Registry returns the bridge registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// SyncOptions controls one sync pass.
type SyncOptions struct {
	// HandleDeletions queues a deletion check for every mapped event missing
	// from the pass. Deletions themselves are left to the reconciler.
	HandleDeletions bool
	// DryRun computes the counts without writing anything.
	DryRun bool
	// Direction is recorded on mappings created by the pass.
	Direction db.SyncDirection
}

// SyncResult reports the outcome of one sync pass.
type SyncResult struct {
	SourceBridge     string        `json:"source_bridge"`
	TargetBridge     string        `json:"target_bridge"`
	SourceCalendarID string        `json:"source_calendar_id"`
	TargetCalendarID string        `json:"target_calendar_id"`
	EventCount       int           `json:"event_count"`
	Created          int           `json:"created"`
	Updated          int           `json:"updated"`
	Skipped          int           `json:"skipped"`
	Conflicts        int           `json:"conflicts"`
	Deferred         int           `json:"deferred"`
	DeletionsQueued  int           `json:"deletions_queued"`
	Failed           int           `json:"failed"`
	Errors           []string      `json:"errors,omitempty"`
	DryRun           bool          `json:"dry_run"`
	Duration         time.Duration `json:"duration"`
}

// Status summarizes the result for the sync log.
func (r *SyncResult) Status() db.SyncLogStatus {
	switch {
	case r.Failed == 0:
		return db.SyncLogStatusSuccess
	case r.Created+r.Updated+r.Skipped > 0:
		return db.SyncLogStatusPartial
	default:
		return db.SyncLogStatusError
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCreated
	outcomeUpdated
	outcomeConflict
	outcomeDeferred
	outcomeFailed
)

func (oc outcome) String() string {
	return [...]string{"skipped", "created", "updated", "conflict", "deferred", "failed"}[oc]
}

// pass carries the state of one sync pass shared by its workers.
type pass struct {
	src, tgt       bridge.Bridge
	srcCal, tgtCal string
	start, end     time.Time
	opts           SyncOptions

	mu     sync.Mutex
	result *SyncResult
}

func (p *pass) record(eventID string, oc outcome, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.result
	switch oc {
	case outcomeCreated:
		r.Created++
	case outcomeUpdated:
		r.Updated++
	case outcomeConflict:
		r.Conflicts++
	case outcomeDeferred:
		r.Deferred++
	case outcomeFailed:
		r.Failed++
	default:
		r.Skipped++
	}
	if err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("event %s: %v", eventID, err))
	}
}

func (p *pass) direction() db.SyncDirection {
	if p.opts.Direction.IsValid() {
		return p.opts.Direction
	}
	return db.SyncDirectionSourceToTarget
}

// SyncBetweenBridges copies events starting in [start, end) from the source
// calendar to the target calendar. Per-event failures are collected in the
// result; an error is returned only when the pass could not run at all.
func (o *Orchestrator) SyncBetweenBridges(ctx context.Context, source, target, sourceCalendarID, targetCalendarID string, start, end time.Time, opts SyncOptions) (*SyncResult, error) {
	began := time.Now()
	result := &SyncResult{
		SourceBridge:     source,
		TargetBridge:     target,
		SourceCalendarID: sourceCalendarID,
		TargetCalendarID: targetCalendarID,
		DryRun:           opts.DryRun,
	}

	src, err := o.registry.Get(source)
	if err != nil {
		return result, err
	}
	tgt, err := o.registry.Get(target)
	if err != nil {
		return result, err
	}
	if !end.After(start) {
		return result, fmt.Errorf("%w: empty sync window", bridge.ErrValidation)
	}
	if source == target && sourceCalendarID == targetCalendarID {
		return result, fmt.Errorf("%w: source and target are the same calendar", bridge.ErrValidation)
	}

	key := fmt.Sprintf("sync:%s/%s->%s/%s", source, sourceCalendarID, target, targetCalendarID)
	if !o.tracker.Start(key, "sync", fmt.Sprintf("%s -> %s", source, target)) {
		return result, ErrSyncInProgress
	}

	p := &pass{
		src: src, tgt: tgt,
		srcCal: sourceCalendarID, tgtCal: targetCalendarID,
		start: start, end: end,
		opts:   opts,
		result: result,
	}

	events, err := src.GetEvents(ctx, sourceCalendarID, start, end)
	if err != nil {
		err = fmt.Errorf("fetch events from %s: %w", source, err)
		result.Duration = time.Since(began)
		result.Errors = append(result.Errors, err.Error())
		o.finishPass(ctx, key, p, err)
		return result, err
	}
	result.EventCount = len(events)

	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		seen[ev.ID] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, ev := range events {
		g.Go(func() error {
			oc, err := o.syncEvent(gctx, p, ev)
			p.record(ev.ID, oc, err)
			return nil
		})
	}
	_ = g.Wait()

	if opts.HandleDeletions {
		if err := o.queueDeletionChecks(ctx, p, seen); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	result.Duration = time.Since(began)
	o.finishPass(ctx, key, p, nil)
	return result, nil
}

func (o *Orchestrator) finishPass(ctx context.Context, key string, p *pass, fatal error) {
	r := p.result
	counts := activity.Counts{
		Processed: r.EventCount,
		Created:   r.Created,
		Updated:   r.Updated,
		Skipped:   r.Skipped + r.Conflicts + r.Deferred,
		Failed:    r.Failed,
	}
	message := fmt.Sprintf("%d created, %d updated, %d skipped, %d conflicts, %d deferred, %d failed",
		r.Created, r.Updated, r.Skipped, r.Conflicts, r.Deferred, r.Failed)
	o.tracker.Finish(key, counts, message, r.Errors, fatal)

	src, tgt := r.SourceBridge, r.TargetBridge
	if r.DryRun {
		log.Printf("[Orchestrator] Dry run %s -> %s: %s", src, tgt, message)
		return
	}

	o.metrics.SyncPass(src, tgt, r.Duration)
	for oc, n := range map[outcome]int{
		outcomeCreated: r.Created, outcomeUpdated: r.Updated, outcomeSkipped: r.Skipped,
		outcomeConflict: r.Conflicts, outcomeDeferred: r.Deferred, outcomeFailed: r.Failed,
	} {
		o.metrics.SyncEvent(src, tgt, oc.String(), n)
	}

	status := r.Status()
	if fatal != nil {
		status = db.SyncLogStatusError
	}
	entry := &db.SyncLog{
		SourceBridge:  src,
		TargetBridge:  tgt,
		Operation:     "sync",
		Status:        status,
		Duration:      r.Duration,
		EventCount:    r.EventCount,
		EventsCreated: r.Created,
		EventsUpdated: r.Updated,
		EventsFailed:  r.Failed,
		Details:       details(r, message),
	}
	// The pass may have been cut short by ctx; the audit record is still written.
	if err := o.db.CreateSyncLog(context.WithoutCancel(ctx), entry); err != nil {
		log.Printf("[Orchestrator] Failed to write sync log: %v", err)
	}
	log.Printf("[Orchestrator] Sync %s/%s -> %s/%s: %s (%v)",
		src, r.SourceCalendarID, tgt, r.TargetCalendarID, message, r.Duration.Round(time.Millisecond))
}

func details(r *SyncResult, message string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s -> %s: %s", r.SourceCalendarID, r.TargetCalendarID, message)
	if r.DeletionsQueued > 0 {
		fmt.Fprintf(&b, ", %d deletion checks queued", r.DeletionsQueued)
	}
	for i, e := range r.Errors {
		if i == 10 {
			fmt.Fprintf(&b, "\n... %d more errors", len(r.Errors)-i)
			break
		}
		b.WriteString("\n")
		b.WriteString(e)
	}
	return b.String()
}

// syncEvent handles one source event.
func (o *Orchestrator) syncEvent(ctx context.Context, p *pass, ev bridge.Event) (outcome, error) {
	m, err := o.db.FindMappingBySource(ctx, p.src.Name(), p.srcCal, ev.ID)
	if err == nil {
		return o.syncMapped(ctx, p, m, ev)
	}
	if !errors.Is(err, db.ErrNotFound) {
		return outcomeFailed, err
	}

	// The event may be the copy side of a pair created in the other direction.
	rev, err := o.db.FindMappingByTarget(ctx, p.src.Name(), p.srcCal, ev.ID)
	if err == nil {
		return o.syncReverse(ctx, p, rev, ev)
	}
	if !errors.Is(err, db.ErrNotFound) {
		return outcomeFailed, err
	}

	if p.src.IsBridgeOriginated(ev) {
		return outcomeSkipped, nil
	}
	return o.create(ctx, p, ev)
}

func (o *Orchestrator) create(ctx context.Context, p *pass, ev bridge.Event) (outcome, error) {
	if p.opts.DryRun {
		return outcomeCreated, nil
	}
	m := &db.Mapping{
		SourceBridge:     p.src.Name(),
		TargetBridge:     p.tgt.Name(),
		SourceCalendarID: p.srcCal,
		TargetCalendarID: p.tgtCal,
		SourceEventID:    ev.ID,
		SyncDirection:    p.direction(),
		EventData:        snapshotOf(ev),
		SourceModifiedAt: modifiedAt(ev),
	}
	if err := o.db.ReserveMapping(ctx, m, o.owner, o.lease); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			// Another pass reserved the event first; its mapping wins.
			return outcomeConflict, nil
		}
		return outcomeFailed, err
	}
	return o.pushCreate(ctx, p.tgt, m, ev)
}

type action int

const (
	actionNone action = iota
	actionCreate
	actionUpdate
)

// plan decides what a mapped source event needs. Errored mappings wait for
// the retry sweep to move them back to pending.
func plan(m *db.Mapping, ev bridge.Event) action {
	switch {
	case m.SyncStatus == db.MappingStatusCancelled, m.SyncStatus == db.MappingStatusError:
		return actionNone
	case !m.HasTarget():
		return actionCreate
	case m.SyncStatus != db.MappingStatusSynced:
		return actionUpdate
	case changed(m, ev):
		return actionUpdate
	}
	return actionNone
}

// changed reports whether the source event differs from the synced snapshot
// and was modified after the last sync.
func changed(m *db.Mapping, ev bridge.Event) bool {
	if snapshotOf(ev) == m.EventData {
		return false
	}
	mark := m.SourceModifiedAt
	if mark == nil {
		mark = m.LastSyncedAt
	}
	return mark == nil || ev.LastModified.IsZero() || ev.LastModified.After(*mark)
}

func (o *Orchestrator) syncMapped(ctx context.Context, p *pass, m *db.Mapping, ev bridge.Event) (outcome, error) {
	if m.TargetBridge != p.tgt.Name() || m.TargetCalendarID != p.tgtCal {
		return outcomeConflict, fmt.Errorf("already mapped to %s/%s", m.TargetBridge, m.TargetCalendarID)
	}
	act := plan(m, ev)
	if act == actionNone {
		return outcomeSkipped, nil
	}
	if p.opts.DryRun {
		if act == actionCreate {
			return outcomeCreated, nil
		}
		return outcomeUpdated, nil
	}

	leased, err := o.db.AcquireMappingLease(ctx, m.ID, o.owner, o.lease)
	switch {
	case errors.Is(err, db.ErrLeaseHeld):
		return outcomeDeferred, nil
	case errors.Is(err, db.ErrNotFound):
		return outcomeSkipped, nil
	case err != nil:
		return outcomeFailed, err
	}

	// Decide again on the row as it is now that it is ours.
	switch plan(leased, ev) {
	case actionCreate:
		return o.pushCreate(ctx, p.tgt, leased, ev)
	case actionUpdate:
		return o.pushUpdate(ctx, p.tgt, leased, ev)
	default:
		o.release(ctx, leased)
		return outcomeSkipped, nil
	}
}

// pushCreate creates the target event of a leased mapping.
func (o *Orchestrator) pushCreate(ctx context.Context, tgt bridge.Bridge, m *db.Mapping, ev bridge.Event) (outcome, error) {
	targetID, err := tgt.CreateEvent(ctx, m.TargetCalendarID, copyFor(ev))
	if err != nil {
		err = fmt.Errorf("create on %s: %w", tgt.Name(), err)
		o.markError(ctx, m, err)
		return outcomeFailed, err
	}

	if err := o.db.MarkMappingSynced(ctx, m.ID, m.LeaseOwner, targetID, snapshotOf(ev), modifiedAt(ev)); err != nil {
		// Without the mapping row the new event would be created again on the
		// next pass, so take it back.
		log.Printf("[Orchestrator] Mapping %s not recorded, removing %s/%s: %v", m.ID, tgt.Name(), targetID, err)
		if delErr := tgt.DeleteEvent(context.WithoutCancel(ctx), m.TargetCalendarID, targetID); delErr != nil {
			log.Printf("[Orchestrator] Failed to remove unrecorded event %s/%s: %v", tgt.Name(), targetID, delErr)
		}
		o.release(ctx, m)
		return outcomeFailed, err
	}
	return outcomeCreated, nil
}

// pushUpdate updates the target event of a leased mapping. A target that no
// longer exists is handed to the reconciler.
func (o *Orchestrator) pushUpdate(ctx context.Context, tgt bridge.Bridge, m *db.Mapping, ev bridge.Event) (outcome, error) {
	err := tgt.UpdateEvent(ctx, m.TargetCalendarID, m.TargetEventID, copyFor(ev))
	if bridge.Classify(err) == bridge.StatusNotFound {
		o.release(ctx, m)
		if _, qerr := o.db.Enqueue(ctx, db.NewMappingItem(db.QueueTypeDeletionCheck, m, "target_missing", db.PriorityHigh)); qerr != nil {
			return outcomeFailed, qerr
		}
		return outcomeDeferred, nil
	}
	if err != nil {
		err = fmt.Errorf("update on %s: %w", tgt.Name(), err)
		o.markError(ctx, m, err)
		return outcomeFailed, err
	}
	if err := o.db.MarkMappingSynced(ctx, m.ID, m.LeaseOwner, m.TargetEventID, snapshotOf(ev), modifiedAt(ev)); err != nil {
		return outcomeFailed, err
	}
	return outcomeUpdated, nil
}

// syncReverse handles an event on the copy side of a pair. Changes flow back
// to the original only for bidirectional pairs.
func (o *Orchestrator) syncReverse(ctx context.Context, p *pass, m *db.Mapping, ev bridge.Event) (outcome, error) {
	if m.SyncDirection != db.SyncDirectionBidirectional && m.SyncDirection != db.SyncDirectionTargetToSource {
		return outcomeSkipped, nil
	}
	if m.SourceBridge != p.tgt.Name() || m.SourceCalendarID != p.tgtCal {
		return outcomeSkipped, nil
	}
	if !reverseChanged(m, ev) {
		return outcomeSkipped, nil
	}
	if p.opts.DryRun {
		return outcomeUpdated, nil
	}

	leased, err := o.db.AcquireMappingLease(ctx, m.ID, o.owner, o.lease)
	switch {
	case errors.Is(err, db.ErrLeaseHeld):
		return outcomeDeferred, nil
	case errors.Is(err, db.ErrNotFound):
		return outcomeSkipped, nil
	case err != nil:
		return outcomeFailed, err
	}
	if leased.SyncStatus == db.MappingStatusCancelled || leased.SyncStatus == db.MappingStatusError || !reverseChanged(leased, ev) {
		o.release(ctx, leased)
		return outcomeSkipped, nil
	}

	back := copyFor(ev)
	back.Origin = ""
	if err := p.tgt.UpdateEvent(ctx, leased.SourceCalendarID, leased.SourceEventID, back); err != nil {
		if bridge.Classify(err) == bridge.StatusNotFound {
			o.release(ctx, leased)
			_, qerr := o.db.Enqueue(ctx, db.NewMappingItem(db.QueueTypeDeletionCheck, leased, "source_missing", db.PriorityHigh))
			return outcomeDeferred, qerr
		}
		err = fmt.Errorf("update on %s: %w", p.tgt.Name(), err)
		o.markError(ctx, leased, err)
		return outcomeFailed, err
	}

	// Record the original's new modification time so the next forward pass
	// does not copy the change straight back.
	var sourceModified *time.Time
	if res := p.tgt.GetEvent(ctx, leased.SourceCalendarID, leased.SourceEventID); res.Status == bridge.StatusOK {
		sourceModified = modifiedAt(*res.Event)
	}
	if err := o.db.MarkMappingSynced(ctx, leased.ID, leased.LeaseOwner, leased.TargetEventID, snapshotOf(ev), sourceModified); err != nil {
		return outcomeFailed, err
	}
	return outcomeUpdated, nil
}

func reverseChanged(m *db.Mapping, ev bridge.Event) bool {
	if snapshotOf(ev) == m.EventData {
		return false
	}
	return m.LastSyncedAt == nil || ev.LastModified.After(*m.LastSyncedAt)
}

// queueDeletionChecks enqueues a deletion check for every live mapping of the
// pair whose event was expected in the window but not returned.
func (o *Orchestrator) queueDeletionChecks(ctx context.Context, p *pass, seen map[string]bool) error {
	mappings, err := o.db.ListMappings(ctx, db.MappingFilter{
		SourceBridge:     p.src.Name(),
		TargetBridge:     p.tgt.Name(),
		SourceCalendarID: p.srcCal,
		TargetCalendarID: p.tgtCal,
		ExcludeCancelled: true,
	})
	if err != nil {
		return fmt.Errorf("list mappings for deletion checks: %w", err)
	}

	queued := 0
	for _, m := range mappings {
		if seen[m.SourceEventID] {
			continue
		}
		if span, ok := snapshotSpan(m.EventData); ok && !bridge.Within(span, p.start, p.end) {
			continue
		}
		if p.opts.DryRun {
			queued++
			continue
		}
		ok, err := o.db.Enqueue(ctx, db.NewMappingItem(db.QueueTypeDeletionCheck, m, "sync_pass", db.PriorityNormal))
		if err != nil {
			return fmt.Errorf("queue deletion check for mapping %s: %w", m.ID, err)
		}
		if ok {
			queued++
		}
	}

	p.mu.Lock()
	p.result.DeletionsQueued = queued
	p.mu.Unlock()
	return nil
}

func (o *Orchestrator) markError(ctx context.Context, m *db.Mapping, cause error) {
	msg := cause.Error()
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	// A payload the bridge rejects fails the same way on every retry.
	terminal := errors.Is(cause, bridge.ErrValidation)
	if err := o.db.MarkMappingError(context.WithoutCancel(ctx), m.ID, m.LeaseOwner, msg, terminal, o.maxErrors); err != nil {
		log.Printf("[Orchestrator] Failed to mark mapping %s as errored: %v", m.ID, err)
		return
	}
	o.notifier.MappingErrored(ctx, m.ID, m.SourceBridge+" -> "+m.TargetBridge, msg)
}

func (o *Orchestrator) release(ctx context.Context, m *db.Mapping) {
	if err := o.db.ReleaseMappingLease(context.WithoutCancel(ctx), m.ID, m.LeaseOwner); err != nil {
		log.Printf("[Orchestrator] Failed to release mapping %s: %v", m.ID, err)
	}
}

func modifiedAt(ev bridge.Event) *time.Time {
	if ev.LastModified.IsZero() {
		return nil
	}
	t := ev.LastModified.UTC()
	return &t
}
