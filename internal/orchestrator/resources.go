package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/macjediwizard/bridgesync/internal/db"
)

// Window returns the sync window for a pass started at now.
type Window func(now time.Time) (start, end time.Time)

// ResourceSyncResult aggregates the passes run for resource mappings.
type ResourceSyncResult struct {
	Mappings int           `json:"mappings"`
	Passes   []*SyncResult `json:"passes"`
	Errors   []string      `json:"errors,omitempty"`
}

// Totals sums the created, updated and failed counts of all passes.
func (r *ResourceSyncResult) Totals() (created, updated, failed int) {
	for _, p := range r.Passes {
		created += p.Created
		updated += p.Updated
		failed += p.Failed
	}
	return created, updated, failed
}

// SyncResourceMappings runs a sync pass for every active, enabled resource
// mapping. A failing mapping does not stop the others.
func (o *Orchestrator) SyncResourceMappings(ctx context.Context, window Window, opts SyncOptions) (*ResourceSyncResult, error) {
	rms, err := o.db.ListActiveResourceMappings(ctx)
	if err != nil {
		return nil, err
	}
	return o.syncResources(ctx, rms, window, opts), nil
}

// SyncResource runs the passes of the resource mappings that include the
// given resource or calendar of a bridge. Webhook notifications land here.
func (o *Orchestrator) SyncResource(ctx context.Context, bridgeName, resourceID string, window Window, opts SyncOptions) (*ResourceSyncResult, error) {
	if _, err := o.registry.Get(bridgeName); err != nil {
		return nil, err
	}
	all, err := o.db.ListResourceMappingsByResource(ctx, bridgeName, resourceID)
	if err != nil {
		return nil, err
	}
	rms := all[:0]
	for _, rm := range all {
		if rm.SyncEnabled {
			rms = append(rms, rm)
		}
	}
	return o.syncResources(ctx, rms, window, opts), nil
}

func (o *Orchestrator) syncResources(ctx context.Context, rms []*db.ResourceMapping, window Window, opts SyncOptions) *ResourceSyncResult {
	result := &ResourceSyncResult{Mappings: len(rms)}
	for _, rm := range rms {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err().Error())
			break
		}
		start, end := window(time.Now().UTC())
		ok := true
		for _, leg := range legs(rm) {
			legOpts := opts
			legOpts.Direction = leg.direction
			pr, err := o.SyncBetweenBridges(ctx, leg.source, leg.target, leg.sourceCal, leg.targetCal, start, end, legOpts)
			result.Passes = append(result.Passes, pr)
			if err != nil {
				ok = false
				result.Errors = append(result.Errors, fmt.Sprintf("resource mapping %s (%s -> %s): %v", rm.ID, leg.source, leg.target, err))
			}
		}
		if ok && !opts.DryRun {
			if err := o.db.TouchResourceMappingSynced(ctx, rm.ID, time.Now()); err != nil {
				log.Printf("[Orchestrator] Failed to record sync time of resource mapping %s: %v", rm.ID, err)
			}
		}
	}
	return result
}

type leg struct {
	source, target       string
	sourceCal, targetCal string
	direction            db.SyncDirection
}

// legs returns the passes a resource mapping needs. A bidirectional mapping
// runs both ways; its copies are recognized through their mappings.
func legs(rm *db.ResourceMapping) []leg {
	forward := leg{
		source: rm.BridgeFrom, target: rm.BridgeTo,
		sourceCal: rm.ResourceID, targetCal: rm.CalendarID,
		direction: db.SyncDirectionSourceToTarget,
	}
	backward := leg{
		source: rm.BridgeTo, target: rm.BridgeFrom,
		sourceCal: rm.CalendarID, targetCal: rm.ResourceID,
		direction: db.SyncDirectionSourceToTarget,
	}
	switch rm.SyncDirection {
	case db.SyncDirectionTargetToSource:
		return []leg{backward}
	case db.SyncDirectionBidirectional:
		forward.direction = db.SyncDirectionBidirectional
		backward.direction = db.SyncDirectionBidirectional
		return []leg{forward, backward}
	default:
		return []leg{forward}
	}
}
