package db

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// MappingPayload is the payload of deletion and deletion_check items.
type MappingPayload struct {
	MappingID string `json:"mapping_id"`
	// Reason records what triggered the item ("webhook", "sync_pass", "delta").
	Reason string `json:"reason,omitempty"`
}

// ResourcePayload is the payload of resource_sync items.
type ResourcePayload struct {
	Bridge     string `json:"bridge"`
	ResourceID string `json:"resource_id"`
}

// SyncPayload is the payload of sync items.
type SyncPayload struct {
	SourceCalendarID string        `json:"source_calendar_id"`
	TargetCalendarID string        `json:"target_calendar_id"`
	Direction        SyncDirection `json:"direction,omitempty"`
	HandleDeletions  bool          `json:"handle_deletions,omitempty"`
}

// WebhookPayload is a change notification received from a bridge.
type WebhookPayload struct {
	Action     string          `json:"action"` // created, updated or deleted
	ResourceID string          `json:"resource_id"`
	EventID    string          `json:"event_id"`
	Event      json.RawMessage `json:"event,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Webhook actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// NewMappingItem builds a queue item referencing one mapping, deduplicated on
// the mapping id so a mapping has at most one open item per type.
func NewMappingItem(queueType QueueType, m *Mapping, reason string, priority int) *QueueItem {
	payload, _ := json.Marshal(MappingPayload{MappingID: m.ID, Reason: reason})
	return &QueueItem{
		QueueType:    queueType,
		SourceBridge: m.SourceBridge,
		TargetBridge: m.TargetBridge,
		Priority:     priority,
		Payload:      string(payload),
		DedupeKey:    "mapping:" + m.ID,
	}
}

// NewResourceItem builds a resource_sync item for one resource on a bridge.
func NewResourceItem(bridge, resourceID string, priority int) *QueueItem {
	payload, _ := json.Marshal(ResourcePayload{Bridge: bridge, ResourceID: resourceID})
	return &QueueItem{
		QueueType:    QueueTypeResourceSync,
		SourceBridge: bridge,
		Priority:     priority,
		Payload:      string(payload),
		DedupeKey:    "resource:" + bridge + ":" + resourceID,
	}
}

// NewSyncItem builds a sync item for one calendar pair, deduplicated on the
// pair so repeated triggers collapse into one open pass.
func NewSyncItem(source, target string, p SyncPayload, priority int) *QueueItem {
	payload, _ := json.Marshal(p)
	return &QueueItem{
		QueueType:    QueueTypeSync,
		SourceBridge: source,
		TargetBridge: target,
		Priority:     priority,
		Payload:      string(payload),
		DedupeKey:    "sync:" + source + ":" + p.SourceCalendarID + ":" + target + ":" + p.TargetCalendarID,
	}
}

// NewWebhookItem builds a webhook item for a notification received from bridge.
func NewWebhookItem(bridge string, p WebhookPayload) (*QueueItem, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}
	priority := PriorityNormal
	if p.Action == ActionDeleted {
		priority = PriorityHigh
	}
	return &QueueItem{
		QueueType:    QueueTypeWebhook,
		SourceBridge: bridge,
		Priority:     priority,
		Payload:      string(payload),
	}, nil
}

// DecodePayload unmarshals the item's JSON payload into v.
func (qi *QueueItem) DecodePayload(v any) error {
	if err := json.Unmarshal([]byte(qi.Payload), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", qi.QueueType, err)
	}
	return nil
}
