package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/macjediwizard/bridgesync/internal/bridge"
	"github.com/macjediwizard/bridgesync/internal/db"
	"github.com/macjediwizard/bridgesync/internal/orchestrator"
	"github.com/macjediwizard/bridgesync/internal/reconcile"
)

func decode(item *db.QueueItem, v any) error {
	if err := item.DecodePayload(v); err != nil {
		return fmt.Errorf("%w: %w", bridge.ErrValidation, err)
	}
	return nil
}

func (p *Processor) handleSync(ctx context.Context, item *db.QueueItem) error {
	var payload db.SyncPayload
	if err := decode(item, &payload); err != nil {
		return err
	}
	if item.SourceBridge == "" || item.TargetBridge == "" || payload.SourceCalendarID == "" || payload.TargetCalendarID == "" {
		return fmt.Errorf("%w: sync item needs both bridges and calendars", bridge.ErrValidation)
	}

	start, end := p.window(time.Now().UTC())
	_, err := p.orch.SyncBetweenBridges(ctx, item.SourceBridge, item.TargetBridge,
		payload.SourceCalendarID, payload.TargetCalendarID, start, end,
		orchestrator.SyncOptions{HandleDeletions: payload.HandleDeletions, Direction: payload.Direction})
	switch {
	case errors.Is(err, orchestrator.ErrSyncInProgress):
		return fmt.Errorf("%w: %w", ErrDeferred, err)
	case errors.Is(err, orchestrator.ErrUnknownBridge):
		return fmt.Errorf("%w: %w", bridge.ErrValidation, err)
	}
	return err
}

func (p *Processor) handleResourceSync(ctx context.Context, item *db.QueueItem) error {
	var payload db.ResourcePayload
	if err := decode(item, &payload); err != nil {
		return err
	}
	if payload.Bridge == "" || payload.ResourceID == "" {
		return fmt.Errorf("%w: resource_sync item needs bridge and resource_id", bridge.ErrValidation)
	}

	res, err := p.orch.SyncResource(ctx, payload.Bridge, payload.ResourceID, p.window, orchestrator.SyncOptions{HandleDeletions: true})
	if errors.Is(err, orchestrator.ErrUnknownBridge) {
		return fmt.Errorf("%w: %w", bridge.ErrValidation, err)
	}
	if err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return errors.New(strings.Join(res.Errors, "; "))
	}
	return nil
}

// handleWebhook turns a change notification into follow-up work: a deletion
// item per affected mapping, or a resource sync for creations and updates.
func (p *Processor) handleWebhook(ctx context.Context, item *db.QueueItem) error {
	var payload db.WebhookPayload
	if err := decode(item, &payload); err != nil {
		return err
	}

	switch payload.Action {
	case db.ActionDeleted:
		if payload.EventID == "" {
			return fmt.Errorf("%w: deleted notification without event_id", bridge.ErrValidation)
		}
		mappings, err := p.db.FindMappingsByEvent(ctx, item.SourceBridge, payload.EventID)
		if err != nil {
			return err
		}
		for _, m := range mappings {
			if _, err := p.Enqueue(ctx, db.NewMappingItem(db.QueueTypeDeletion, m, string(reconcile.TriggerWebhook), db.PriorityHigh)); err != nil {
				return err
			}
		}
		return nil

	case db.ActionCreated, db.ActionUpdated:
		if payload.ResourceID == "" {
			return fmt.Errorf("%w: %s notification without resource_id", bridge.ErrValidation, payload.Action)
		}
		_, err := p.Enqueue(ctx, db.NewResourceItem(item.SourceBridge, payload.ResourceID, db.PriorityNormal))
		return err

	default:
		return fmt.Errorf("%w: unknown webhook action %q", bridge.ErrValidation, payload.Action)
	}
}

// handleDeletion resolves the mapping of a deletion or deletion_check item.
func (p *Processor) handleDeletion(ctx context.Context, item *db.QueueItem) error {
	var payload db.MappingPayload
	if err := decode(item, &payload); err != nil {
		return err
	}
	if payload.MappingID == "" {
		return fmt.Errorf("%w: %s item without mapping_id", bridge.ErrValidation, item.QueueType)
	}

	trigger := reconcile.TriggerWebhook
	if item.QueueType == db.QueueTypeDeletionCheck {
		trigger = reconcile.TriggerSyncPass
	}
	if payload.Reason == string(reconcile.TriggerDelta) {
		trigger = reconcile.TriggerDelta
	}

	action, err := p.rec.Resolve(ctx, payload.MappingID, trigger)
	if err != nil {
		return err
	}
	if action == reconcile.ActionDeferred {
		return fmt.Errorf("%w: mapping %s is leased", ErrDeferred, payload.MappingID)
	}
	return nil
}
