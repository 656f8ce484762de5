// Package reconcile detects deleted, cancelled and re-enabled events and
// applies the result to mappings and remote events.
//
// Every trigger (webhook deletion, poll check, delta removal, reservation
// cancellation) ends in Resolve, which verifies both sides of a mapping with
// single-event lookups before acting. A mapping that is already resolved is
// left alone, so repeated or concurrent triggers converge.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/macjediwizard/bridgesync/internal/activity"
	"github.com/macjediwizard/bridgesync/internal/bridge"
	"github.com/macjediwizard/bridgesync/internal/db"
	"github.com/macjediwizard/bridgesync/internal/metrics"
	"github.com/macjediwizard/bridgesync/internal/orchestrator"
)

var ErrJobInProgress = errors.New("reconcile job already running")

// Trigger names what caused a resolution.
type Trigger string

const (
	TriggerWebhook      Trigger = "webhook"
	TriggerPoll         Trigger = "poll"
	TriggerDelta        Trigger = "delta"
	TriggerSyncPass     Trigger = "sync_pass"
	TriggerCancellation Trigger = "cancellation"
	TriggerReenable     Trigger = "reenable"
)

// Action is the outcome of resolving one mapping.
type Action int

const (
	// ActionNone means both sides still exist or the mapping was already resolved.
	ActionNone Action = iota
	// ActionDeleted means the source was gone; the copy and the mapping were removed.
	ActionDeleted
	// ActionCancelled means the source reservation was gone or inactive; the
	// copy was removed and the mapping kept as cancelled.
	ActionCancelled
	// ActionSourceDeleted means the copy of a bidirectional pair was gone;
	// the original and the mapping were removed.
	ActionSourceDeleted
	// ActionUnlinked means the copy of a one-way pair was gone; the mapping
	// was removed so the next pass copies the event again.
	ActionUnlinked
	// ActionReenabled means a cancelled mapping was reset to pending.
	ActionReenabled
	// ActionDeferred means another worker holds the mapping.
	ActionDeferred
)

func (a Action) String() string {
	switch a {
	case ActionDeleted:
		return "deleted"
	case ActionCancelled:
		return "cancelled"
	case ActionSourceDeleted:
		return "source_deleted"
	case ActionUnlinked:
		return "unlinked"
	case ActionReenabled:
		return "reenabled"
	case ActionDeferred:
		return "deferred"
	default:
		return "none"
	}
}

// Options configures a Reconciler. Zero values get defaults; nil
// collaborators are disabled.
type Options struct {
	Owner        string
	MappingLease time.Duration
	Workers      int
	// Window bounds the reservations and delta queries looked at.
	Window orchestrator.Window

	Metrics *metrics.Metrics
	Tracker *activity.Tracker
}

// Reconciler resolves deletions and cancellations for the bridges of a registry.
type Reconciler struct {
	db       *db.DB
	registry *orchestrator.Registry
	owner    string
	lease    time.Duration
	workers  int
	window   orchestrator.Window

	metrics *metrics.Metrics
	tracker *activity.Tracker
}

// DefaultWindow covers one day back and thirty days ahead.
func DefaultWindow(now time.Time) (time.Time, time.Time) {
	return now.AddDate(0, 0, -1), now.AddDate(0, 0, 30)
}

// New creates a reconciler.
func New(database *db.DB, registry *orchestrator.Registry, opts Options) *Reconciler {
	if opts.Owner == "" {
		opts.Owner = "reconcile-" + uuid.New().String()
	}
	if opts.MappingLease <= 0 {
		opts.MappingLease = 2 * time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Window == nil {
		opts.Window = DefaultWindow
	}
	return &Reconciler{
		db:       database,
		registry: registry,
		owner:    opts.Owner,
		lease:    opts.MappingLease,
		workers:  opts.Workers,
		window:   opts.Window,
		metrics:  opts.Metrics,
		tracker:  opts.Tracker,
	}
}

// Resolve verifies both sides of a mapping and applies what it finds:
//   - source gone: delete the copy, then cancel the mapping if the source is an
//     inactive reservation or remove it if the source was deleted;
//   - copy gone: for bidirectional pairs delete the original, then remove the mapping;
//   - both present: nothing.
//
// Transient lookup or delete failures leave the mapping untouched and are
// returned for retry.
func (r *Reconciler) Resolve(ctx context.Context, mappingID string, trigger Trigger) (Action, error) {
	m, err := r.db.AcquireMappingLease(ctx, mappingID, r.owner, r.lease)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return ActionNone, nil
	case errors.Is(err, db.ErrLeaseHeld):
		return ActionDeferred, nil
	case err != nil:
		return ActionNone, err
	}

	if m.SyncStatus == db.MappingStatusCancelled {
		r.release(ctx, m)
		return ActionNone, nil
	}
	src, tgt, err := r.pair(m)
	if err != nil {
		r.release(ctx, m)
		return ActionNone, err
	}

	res := src.GetEvent(ctx, m.SourceCalendarID, m.SourceEventID)
	switch res.Status {
	case bridge.StatusNotFound:
		return r.sourceGone(ctx, m, src, tgt, res.Inactive, trigger)
	case bridge.StatusOK:
	default:
		r.release(ctx, m)
		return ActionNone, fmt.Errorf("look up %s/%s on %s: %w", m.SourceCalendarID, m.SourceEventID, src.Name(), res.Err)
	}

	if !m.HasTarget() {
		r.release(ctx, m)
		return ActionNone, nil
	}
	res = tgt.GetEvent(ctx, m.TargetCalendarID, m.TargetEventID)
	switch res.Status {
	case bridge.StatusNotFound:
		return r.targetGone(ctx, m, src, trigger)
	case bridge.StatusOK:
		r.release(ctx, m)
		return ActionNone, nil
	default:
		r.release(ctx, m)
		return ActionNone, fmt.Errorf("look up %s/%s on %s: %w", m.TargetCalendarID, m.TargetEventID, tgt.Name(), res.Err)
	}
}

func (r *Reconciler) sourceGone(ctx context.Context, m *db.Mapping, src, tgt bridge.Bridge, inactive bool, trigger Trigger) (Action, error) {
	if m.HasTarget() {
		if err := deleteEvent(ctx, tgt, m.TargetCalendarID, m.TargetEventID); err != nil {
			r.release(ctx, m)
			return ActionNone, err
		}
	}

	if inactive {
		if err := r.db.MarkMappingCancelled(ctx, m.ID, m.LeaseOwner); err != nil {
			return ActionNone, err
		}
		log.Printf("[Reconcile] Mapping %s cancelled (%s): %s/%s gone from %s", m.ID, trigger, m.SourceCalendarID, m.SourceEventID, src.Name())
		return ActionCancelled, nil
	}
	if err := r.db.DeleteMapping(ctx, m.ID, m.LeaseOwner); err != nil {
		return ActionNone, err
	}
	log.Printf("[Reconcile] Mapping %s removed (%s): %s/%s deleted from %s", m.ID, trigger, m.SourceCalendarID, m.SourceEventID, src.Name())
	return ActionDeleted, nil
}

func (r *Reconciler) targetGone(ctx context.Context, m *db.Mapping, src bridge.Bridge, trigger Trigger) (Action, error) {
	action := ActionUnlinked
	if m.SyncDirection == db.SyncDirectionBidirectional {
		if err := deleteEvent(ctx, src, m.SourceCalendarID, m.SourceEventID); err != nil {
			r.release(ctx, m)
			return ActionNone, err
		}
		action = ActionSourceDeleted
	}
	if err := r.db.DeleteMapping(ctx, m.ID, m.LeaseOwner); err != nil {
		return ActionNone, err
	}
	log.Printf("[Reconcile] Mapping %s %s (%s): %s/%s gone from %s", m.ID, action, trigger, m.TargetCalendarID, m.TargetEventID, m.TargetBridge)
	return action, nil
}

// Reenable resets a cancelled mapping to pending so the next sync pass
// creates a fresh copy. A previous copy still present on the target is
// deleted first; if its state cannot be determined the mapping is left
// cancelled and the error returned.
func (r *Reconciler) Reenable(ctx context.Context, mappingID string) (Action, error) {
	m, err := r.db.AcquireMappingLease(ctx, mappingID, r.owner, r.lease)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return ActionNone, nil
	case errors.Is(err, db.ErrLeaseHeld):
		return ActionDeferred, nil
	case err != nil:
		return ActionNone, err
	}

	if m.SyncStatus != db.MappingStatusCancelled {
		r.release(ctx, m)
		return ActionNone, nil
	}
	_, tgt, err := r.pair(m)
	if err != nil {
		r.release(ctx, m)
		return ActionNone, err
	}

	if m.HasTarget() {
		res := tgt.GetEvent(ctx, m.TargetCalendarID, m.TargetEventID)
		switch res.Status {
		case bridge.StatusOK:
			if err := deleteEvent(ctx, tgt, m.TargetCalendarID, m.TargetEventID); err != nil {
				r.release(ctx, m)
				return ActionNone, err
			}
		case bridge.StatusNotFound:
		default:
			r.release(ctx, m)
			return ActionNone, fmt.Errorf("verify previous copy %s/%s on %s: %w", m.TargetCalendarID, m.TargetEventID, tgt.Name(), res.Err)
		}
	}

	err = r.db.ResetMappingForReenable(ctx, m.ID, m.LeaseOwner)
	if errors.Is(err, db.ErrDuplicate) {
		// The event was mapped again in the meantime.
		r.release(ctx, m)
		return ActionNone, nil
	}
	if err != nil {
		return ActionNone, err
	}
	log.Printf("[Reconcile] Mapping %s re-enabled: %s/%s is active again on %s", m.ID, m.SourceCalendarID, m.SourceEventID, m.SourceBridge)
	return ActionReenabled, nil
}

func (r *Reconciler) pair(m *db.Mapping) (bridge.Bridge, bridge.Bridge, error) {
	src, err := r.registry.Get(m.SourceBridge)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: mapping %s: %w", bridge.ErrValidation, m.ID, err)
	}
	tgt, err := r.registry.Get(m.TargetBridge)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: mapping %s: %w", bridge.ErrValidation, m.ID, err)
	}
	return src, tgt, nil
}

func (r *Reconciler) release(ctx context.Context, m *db.Mapping) {
	if err := r.db.ReleaseMappingLease(context.WithoutCancel(ctx), m.ID, m.LeaseOwner); err != nil {
		log.Printf("[Reconcile] Failed to release mapping %s: %v", m.ID, err)
	}
}

// deleteEvent deletes a remote event; an event that is already gone counts
// as deleted.
func deleteEvent(ctx context.Context, b bridge.Bridge, calendarID, eventID string) error {
	err := b.DeleteEvent(ctx, calendarID, eventID)
	if err == nil || bridge.Classify(err) == bridge.StatusNotFound {
		return nil
	}
	return fmt.Errorf("delete %s/%s on %s: %w", calendarID, eventID, b.Name(), err)
}
