package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSyncLog creates a new sync log entry.
func (db *DB) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sync_logs (id, source_bridge, target_bridge, operation, status, duration_ms,
		event_count, events_created, events_updated, events_deleted, events_failed, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.exec(ctx, query,
		log.ID, log.SourceBridge, log.TargetBridge, log.Operation, log.Status, log.Duration.Milliseconds(),
		log.EventCount, log.EventsCreated, log.EventsUpdated, log.EventsDeleted, log.EventsFailed,
		log.Details, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	return nil
}

// GetSyncLogs returns the most recent sync logs. Empty bridge names match all.
func (db *DB) GetSyncLogs(ctx context.Context, sourceBridge, targetBridge string, limit int) ([]*SyncLog, error) {
	query := `SELECT id, source_bridge, target_bridge, operation, status, duration_ms,
		event_count, events_created, events_updated, events_deleted, events_failed, details, created_at
		FROM sync_logs WHERE 1 = 1`
	var args []any
	if sourceBridge != "" {
		query += ` AND source_bridge = ?`
		args = append(args, sourceBridge)
	}
	if targetBridge != "" {
		query += ` AND target_bridge = ?`
		args = append(args, targetBridge)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log := &SyncLog{}
		var durationMs int64
		if err := rows.Scan(&log.ID, &log.SourceBridge, &log.TargetBridge, &log.Operation, &log.Status, &durationMs,
			&log.EventCount, &log.EventsCreated, &log.EventsUpdated, &log.EventsDeleted, &log.EventsFailed,
			&log.Details, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// CountSyncLogsSince returns sync log counts by status created after since.
func (db *DB) CountSyncLogsSince(ctx context.Context, since time.Time) (map[SyncLogStatus]int, error) {
	rows, err := db.query(ctx, `SELECT status, COUNT(*) FROM sync_logs WHERE created_at >= ? GROUP BY status`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count sync logs: %w", err)
	}
	defer rows.Close()

	counts := map[SyncLogStatus]int{}
	for rows.Next() {
		var status SyncLogStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan sync log count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CleanOldSyncLogs removes sync logs older than the specified duration.
func (db *DB) CleanOldSyncLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := db.exec(ctx, `DELETE FROM sync_logs WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}
	return result.RowsAffected()
}
