package db

import (
	"time"
)

// SyncDirection represents the direction of synchronization for a pair.
type SyncDirection string

const (
	SyncDirectionSourceToTarget SyncDirection = "source_to_target"
	SyncDirectionTargetToSource SyncDirection = "target_to_source"
	SyncDirectionBidirectional  SyncDirection = "bidirectional"
)

// ValidSyncDirections contains all valid sync direction values.
var ValidSyncDirections = map[SyncDirection]bool{
	SyncDirectionSourceToTarget: true,
	SyncDirectionTargetToSource: true,
	SyncDirectionBidirectional:  true,
}

// IsValid returns true if the sync direction is a known valid value.
func (sd SyncDirection) IsValid() bool {
	return ValidSyncDirections[sd]
}

// MappingStatus is the lifecycle state of a Mapping.
type MappingStatus string

const (
	MappingStatusPending   MappingStatus = "pending"
	MappingStatusSynced    MappingStatus = "synced"
	MappingStatusCancelled MappingStatus = "cancelled"
	MappingStatusError     MappingStatus = "error"
)

// ValidMappingStatuses contains all valid mapping status values.
var ValidMappingStatuses = map[MappingStatus]bool{
	MappingStatusPending:   true,
	MappingStatusSynced:    true,
	MappingStatusCancelled: true,
	MappingStatusError:     true,
}

// IsValid returns true if the mapping status is a known valid value.
func (ms MappingStatus) IsValid() bool {
	return ValidMappingStatuses[ms]
}

// QueueType identifies the kind of work a QueueItem carries.
type QueueType string

const (
	QueueTypeSync          QueueType = "sync"
	QueueTypeWebhook       QueueType = "webhook"
	QueueTypeDeletion      QueueType = "deletion"
	QueueTypeDeletionCheck QueueType = "deletion_check"
	QueueTypeResourceSync  QueueType = "resource_sync"
)

// ValidQueueTypes contains all valid queue type values.
var ValidQueueTypes = map[QueueType]bool{
	QueueTypeSync:          true,
	QueueTypeWebhook:       true,
	QueueTypeDeletion:      true,
	QueueTypeDeletionCheck: true,
	QueueTypeResourceSync:  true,
}

// IsValid returns true if the queue type is a known valid value.
func (qt QueueType) IsValid() bool {
	return ValidQueueTypes[qt]
}

// QueueStatus is the processing state of a QueueItem.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// Queue priorities. Lower values are claimed first.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
	PriorityLow    = 9
)

// SyncLogStatus is the outcome recorded in a SyncLog.
type SyncLogStatus string

const (
	SyncLogStatusSuccess SyncLogStatus = "success"
	SyncLogStatusPartial SyncLogStatus = "partial" // some events failed
	SyncLogStatusError   SyncLogStatus = "error"
)

// Mapping identifies one synchronized event pair.
type Mapping struct {
	ID               string        `json:"id"`
	SourceBridge     string        `json:"source_bridge"`
	TargetBridge     string        `json:"target_bridge"`
	SourceCalendarID string        `json:"source_calendar_id"`
	TargetCalendarID string        `json:"target_calendar_id"`
	SourceEventID    string        `json:"source_event_id"`
	TargetEventID    string        `json:"target_event_id"` // empty until created, cleared on re-enable
	SyncDirection    SyncDirection `json:"sync_direction"`
	SyncStatus       MappingStatus `json:"sync_status"`
	EventData        string        `json:"event_data"` // opaque snapshot
	SourceModifiedAt *time.Time    `json:"source_modified_at"`
	LastSyncedAt     *time.Time    `json:"last_synced_at"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	ErrorCount       int           `json:"error_count"`
	LeaseOwner       string        `json:"-"`
	LeaseExpiresAt   *time.Time    `json:"-"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// HasTarget reports whether the target side event has been created.
func (m *Mapping) HasTarget() bool {
	return m.TargetEventID != ""
}

// ResourceMapping maps a resource on one bridge to a calendar on another.
type ResourceMapping struct {
	ID            string        `json:"id"`
	BridgeFrom    string        `json:"bridge_from"`
	BridgeTo      string        `json:"bridge_to"`
	ResourceID    string        `json:"resource_id"`
	CalendarID    string        `json:"calendar_id"`
	SyncDirection SyncDirection `json:"sync_direction"`
	IsActive      bool          `json:"is_active"`
	SyncEnabled   bool          `json:"sync_enabled"`
	LastSyncedAt  *time.Time    `json:"last_synced_at"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// QueueItem is one unit of asynchronous work.
type QueueItem struct {
	ID           string      `json:"id"`
	QueueType    QueueType   `json:"queue_type"`
	SourceBridge string      `json:"source_bridge"`
	TargetBridge string      `json:"target_bridge"`
	Priority     int         `json:"priority"`
	Payload      string      `json:"payload"` // JSON
	DedupeKey    string      `json:"dedupe_key,omitempty"`
	Status       QueueStatus `json:"status"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"max_attempts"`
	ScheduledAt  time.Time   `json:"scheduled_at"`
	StartedAt    *time.Time  `json:"started_at"`
	ProcessedAt  *time.Time  `json:"processed_at"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Exhausted reports whether a failed item has used all of its attempts.
func (qi *QueueItem) Exhausted() bool {
	return qi.Status == QueueStatusFailed && qi.Attempts >= qi.MaxAttempts
}

// SyncLog is an append-only audit record of one operation.
type SyncLog struct {
	ID            string        `json:"id"`
	SourceBridge  string        `json:"source_bridge"`
	TargetBridge  string        `json:"target_bridge"`
	Operation     string        `json:"operation"`
	Status        SyncLogStatus `json:"status"`
	Duration      time.Duration `json:"duration"`
	EventCount    int           `json:"event_count"`
	EventsCreated int           `json:"events_created"`
	EventsUpdated int           `json:"events_updated"`
	EventsDeleted int           `json:"events_deleted"`
	EventsFailed  int           `json:"events_failed"`
	Details       string        `json:"details"`
	CreatedAt     time.Time     `json:"created_at"`
}

// DeltaState stores the delta query token for one bridge calendar.
type DeltaState struct {
	ID         string    `json:"id"`
	Bridge     string    `json:"bridge"`
	CalendarID string    `json:"calendar_id"`
	DeltaToken string    `json:"delta_token"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Stats summarizes store contents for health and statistics endpoints.
type Stats struct {
	Mappings          map[MappingStatus]int `json:"mappings"`
	Queue             map[QueueStatus]int   `json:"queue"`
	QueueByType       map[QueueType]int     `json:"queue_by_type"`
	FailedExhausted   int                   `json:"failed_exhausted"`
	ActiveResources   int                   `json:"active_resource_mappings"`
	SyncLogsSuccess24 int                   `json:"sync_logs_success_24h"`
	SyncLogsPartial24 int                   `json:"sync_logs_partial_24h"`
	SyncLogsError24   int                   `json:"sync_logs_error_24h"`
}
