package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/bridgesync/internal/activity"
	"github.com/macjediwizard/bridgesync/internal/bridge"
	"github.com/macjediwizard/bridgesync/internal/db"
)

// Job names.
const (
	JobDeletionChecks = "deletion_checks"
	JobDeletedEvents  = "deleted_events"
	JobCancellations  = "cancellations"
	JobReenabled      = "reenabled"
)

// Result reports the outcome of one reconcile job.
type Result struct {
	Job           string        `json:"job"`
	Checked       int           `json:"checked"`
	Deleted       int           `json:"deleted"`
	Cancelled     int           `json:"cancelled"`
	SourceDeleted int           `json:"source_deleted"`
	Unlinked      int           `json:"unlinked"`
	Reenabled     int           `json:"reenabled"`
	Deferred      int           `json:"deferred"`
	SyncsQueued   int           `json:"syncs_queued"`
	Failed        int           `json:"failed"`
	Errors        []string      `json:"errors,omitempty"`
	Duration      time.Duration `json:"duration"`

	mu sync.Mutex
}

func (res *Result) record(mappingID string, a Action, err error) {
	res.mu.Lock()
	defer res.mu.Unlock()

	res.Checked++
	if err != nil {
		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("mapping %s: %v", mappingID, err))
		return
	}
	switch a {
	case ActionDeleted:
		res.Deleted++
	case ActionCancelled:
		res.Cancelled++
	case ActionSourceDeleted:
		res.SourceDeleted++
	case ActionUnlinked:
		res.Unlinked++
	case ActionReenabled:
		res.Reenabled++
	case ActionDeferred:
		res.Deferred++
	}
}

func (res *Result) fail(err error) {
	res.mu.Lock()
	defer res.mu.Unlock()
	res.Failed++
	res.Errors = append(res.Errors, err.Error())
}

// Removed returns the number of remote events removed by the job.
func (res *Result) Removed() int {
	return res.Deleted + res.Cancelled + res.SourceDeleted
}

func (res *Result) summary() string {
	return fmt.Sprintf("%d checked, %d deleted, %d cancelled, %d source deleted, %d unlinked, %d re-enabled, %d deferred, %d failed",
		res.Checked, res.Deleted, res.Cancelled, res.SourceDeleted, res.Unlinked, res.Reenabled, res.Deferred, res.Failed)
}

// ProcessDeletionChecks is the pull path: every live mapping with a side on a
// bridge without push notifications is verified with single-event lookups.
func (r *Reconciler) ProcessDeletionChecks(ctx context.Context) (*Result, error) {
	return r.run(ctx, JobDeletionChecks, func(ctx context.Context, res *Result) error {
		seen := make(map[string]bool)
		var ids []string
		for _, b := range r.registry.All() {
			if !pollOnly(b) {
				continue
			}
			for _, f := range []db.MappingFilter{
				{SourceBridge: b.Name(), ExcludeCancelled: true},
				{TargetBridge: b.Name(), ExcludeCancelled: true},
			} {
				ms, err := r.db.ListMappings(ctx, f)
				if err != nil {
					return err
				}
				for _, m := range ms {
					if !seen[m.ID] {
						seen[m.ID] = true
						ids = append(ids, m.ID)
					}
				}
			}
		}
		r.resolveAll(ctx, res, ids, func(ctx context.Context, id string) (Action, error) {
			return r.Resolve(ctx, id, TriggerPoll)
		})
		return nil
	})
}

// SyncDeletedEvents runs delta queries for the calendars of active resource
// mappings on bridges that support them and resolves every mapping whose
// event the delta reports as removed. Changed events queue a resource sync.
func (r *Reconciler) SyncDeletedEvents(ctx context.Context) (*Result, error) {
	return r.run(ctx, JobDeletedEvents, func(ctx context.Context, res *Result) error {
		sides, err := r.sides(ctx)
		if err != nil {
			return err
		}
		start, end := r.window(time.Now().UTC())

		seen := make(map[string]bool)
		var ids []string
		for _, s := range sides {
			ds, ok := s.bridge.(bridge.DeltaSource)
			if !ok {
				continue
			}
			removed, err := r.delta(ctx, res, s, ds, start, end)
			if errors.Is(err, bridge.ErrUnsupported) {
				continue
			}
			if err != nil {
				res.fail(fmt.Errorf("delta %s/%s: %w", s.bridge.Name(), s.calendarID, err))
				continue
			}
			for _, eventID := range removed {
				ms, err := r.db.FindMappingsByEvent(ctx, s.bridge.Name(), eventID)
				if err != nil {
					res.fail(err)
					continue
				}
				for _, m := range ms {
					if !seen[m.ID] {
						seen[m.ID] = true
						ids = append(ids, m.ID)
					}
				}
			}
		}
		r.resolveAll(ctx, res, ids, func(ctx context.Context, id string) (Action, error) {
			return r.Resolve(ctx, id, TriggerDelta)
		})
		return nil
	})
}

// delta runs one delta query and stores the next token. An expired token is
// discarded and the query restarted once.
func (r *Reconciler) delta(ctx context.Context, res *Result, s side, ds bridge.DeltaSource, start, end time.Time) ([]string, error) {
	token := ""
	state, err := r.db.GetDeltaState(ctx, s.bridge.Name(), s.calendarID)
	switch {
	case err == nil:
		token = state.DeltaToken
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	page, err := ds.Changes(ctx, s.calendarID, token, start, end)
	if errors.Is(err, bridge.ErrDeltaExpired) && token != "" {
		log.Printf("[Reconcile] Delta token for %s/%s expired, restarting", s.bridge.Name(), s.calendarID)
		if err := r.db.ClearDeltaState(ctx, s.bridge.Name(), s.calendarID); err != nil {
			return nil, err
		}
		token = ""
		page, err = ds.Changes(ctx, s.calendarID, "", start, end)
	}
	if err != nil {
		return nil, err
	}

	if page.NextToken != "" {
		if err := r.db.UpsertDeltaState(ctx, &db.DeltaState{
			Bridge:     s.bridge.Name(),
			CalendarID: s.calendarID,
			DeltaToken: page.NextToken,
		}); err != nil {
			return nil, err
		}
	}

	// A fresh delta returns the whole window; only incremental changes are news.
	if token != "" && len(page.Changed) > 0 {
		ok, err := r.db.Enqueue(ctx, db.NewResourceItem(s.bridge.Name(), s.calendarID, db.PriorityNormal))
		if err != nil {
			return nil, err
		}
		if ok {
			res.mu.Lock()
			res.SyncsQueued++
			res.mu.Unlock()
		}
	}
	return page.Removed, nil
}

// DetectAndProcessCancellations finds inactive reservations whose mapping is
// still live and resolves them, which removes the copy and cancels the mapping.
func (r *Reconciler) DetectAndProcessCancellations(ctx context.Context) (*Result, error) {
	return r.run(ctx, JobCancellations, func(ctx context.Context, res *Result) error {
		ids, err := r.scanReservations(ctx, res, func(rv bridge.Reservation, m *db.Mapping) bool {
			return !rv.Active && m.SyncStatus != db.MappingStatusCancelled
		})
		if err != nil {
			return err
		}
		r.resolveAll(ctx, res, ids, func(ctx context.Context, id string) (Action, error) {
			return r.Resolve(ctx, id, TriggerCancellation)
		})
		return nil
	})
}

// DetectAndProcessReenabledReservations finds active reservations whose most
// recent mapping is cancelled and resets those mappings to pending.
func (r *Reconciler) DetectAndProcessReenabledReservations(ctx context.Context) (*Result, error) {
	return r.run(ctx, JobReenabled, func(ctx context.Context, res *Result) error {
		ids, err := r.scanReservations(ctx, res, func(rv bridge.Reservation, m *db.Mapping) bool {
			return rv.Active && m.SyncStatus == db.MappingStatusCancelled
		})
		if err != nil {
			return err
		}
		r.resolveAll(ctx, res, ids, r.Reenable)
		return nil
	})
}

// scanReservations lists the reservations of every reservation-capable side
// of the active resource mappings and returns the ids of the mappings that
// match.
func (r *Reconciler) scanReservations(ctx context.Context, res *Result, match func(bridge.Reservation, *db.Mapping) bool) ([]string, error) {
	sides, err := r.sides(ctx)
	if err != nil {
		return nil, err
	}
	start, end := r.window(time.Now().UTC())

	var ids []string
	for _, s := range sides {
		rs, ok := s.bridge.(bridge.ReservationSource)
		if !ok {
			continue
		}
		reservations, err := rs.ListReservations(ctx, s.calendarID, start, end)
		if err != nil {
			res.fail(fmt.Errorf("list reservations %s/%s: %w", s.bridge.Name(), s.calendarID, err))
			continue
		}
		for _, rv := range reservations {
			m, err := r.db.FindMappingBySource(ctx, s.bridge.Name(), s.calendarID, rv.EventID)
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			if err != nil {
				res.fail(err)
				continue
			}
			if match(rv, m) {
				ids = append(ids, m.ID)
			}
		}
	}
	return ids, nil
}

type side struct {
	bridge     bridge.Bridge
	calendarID string
}

// sides returns the distinct (bridge, calendar) pairs of the active resource
// mappings whose bridge is registered.
func (r *Reconciler) sides(ctx context.Context) ([]side, error) {
	rms, err := r.db.ListActiveResourceMappings(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []side
	add := func(name, calendarID string) {
		key := name + "\x00" + calendarID
		if seen[key] {
			return
		}
		b, err := r.registry.Get(name)
		if err != nil {
			return
		}
		seen[key] = true
		out = append(out, side{bridge: b, calendarID: calendarID})
	}
	for _, rm := range rms {
		add(rm.BridgeFrom, rm.ResourceID)
		add(rm.BridgeTo, rm.CalendarID)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].bridge.Name() != out[j].bridge.Name() {
			return out[i].bridge.Name() < out[j].bridge.Name()
		}
		return out[i].calendarID < out[j].calendarID
	})
	return out, nil
}

// resolveAll applies fn to every mapping id with a bounded pool. Failures are
// isolated per mapping.
func (r *Reconciler) resolveAll(ctx context.Context, res *Result, ids []string, fn func(context.Context, string) (Action, error)) {
	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, id := range ids {
		if ctx.Err() != nil {
			res.fail(ctx.Err())
			break
		}
		g.Go(func() error {
			a, err := fn(ctx, id)
			res.record(id, a, err)
			return nil
		})
	}
	_ = g.Wait()
}

// run wraps a job with activity tracking, metrics and a sync log entry.
func (r *Reconciler) run(ctx context.Context, job string, fn func(context.Context, *Result) error) (*Result, error) {
	key := "reconcile:" + job
	if !r.tracker.Start(key, "reconcile", strings.ReplaceAll(job, "_", " ")) {
		return nil, ErrJobInProgress
	}

	began := time.Now()
	res := &Result{Job: job}
	err := fn(ctx, res)
	res.Duration = time.Since(began)

	r.tracker.Finish(key, activity.Counts{
		Processed: res.Checked,
		Deleted:   res.Removed(),
		Updated:   res.Reenabled,
		Skipped:   res.Deferred,
		Failed:    res.Failed,
	}, res.summary(), res.Errors, err)
	r.metrics.JobRun(job, err)
	for a, n := range map[Action]int{
		ActionDeleted: res.Deleted, ActionCancelled: res.Cancelled, ActionSourceDeleted: res.SourceDeleted,
		ActionUnlinked: res.Unlinked, ActionReenabled: res.Reenabled, ActionDeferred: res.Deferred,
	} {
		r.metrics.Reconcile(job, a.String(), n)
	}

	status := db.SyncLogStatusSuccess
	details := res.summary()
	switch {
	case err != nil:
		status = db.SyncLogStatusError
		details += "\n" + err.Error()
	case res.Failed > 0:
		status = db.SyncLogStatusPartial
	}
	if logErr := r.db.CreateSyncLog(context.WithoutCancel(ctx), &db.SyncLog{
		Operation:     job,
		Status:        status,
		Duration:      res.Duration,
		EventCount:    res.Checked,
		EventsUpdated: res.Reenabled,
		EventsDeleted: res.Removed(),
		EventsFailed:  res.Failed,
		Details:       details,
	}); logErr != nil {
		log.Printf("[Reconcile] Failed to write sync log: %v", logErr)
	}

	if err != nil {
		log.Printf("[Reconcile] %s failed after %v: %v", job, res.Duration.Round(time.Millisecond), err)
		return res, err
	}
	if res.Checked > 0 || res.Failed > 0 {
		log.Printf("[Reconcile] %s: %s (%v)", job, res.summary(), res.Duration.Round(time.Millisecond))
	}
	return res, nil
}

// pollOnly reports whether deletions on b are only visible by polling.
func pollOnly(b bridge.Bridge) bool {
	caps := b.Capabilities()
	return caps.PollOnly || !caps.SupportsWebhooks
}
