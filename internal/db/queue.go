package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const queueItemColumns = `id, queue_type, source_bridge, target_bridge, priority, payload, dedupe_key,
	status, attempts, max_attempts, scheduled_at, started_at, processed_at, error_message,
	created_at, updated_at`

// Retry backoff bounds for failed queue items.
const (
	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = time.Hour
)

// Enqueue adds an item to the queue. When DedupeKey is set and an open item
// (pending or processing) of the same type already carries it, nothing is
// inserted and false is returned.
func (db *DB) Enqueue(ctx context.Context, item *QueueItem) (bool, error) {
	if !item.QueueType.IsValid() {
		return false, fmt.Errorf("invalid queue type %q", item.QueueType)
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Priority == 0 {
		item.Priority = PriorityNormal
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = 5
	}
	if item.Payload == "" {
		item.Payload = "{}"
	}
	now := time.Now().UTC()
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = now
	}
	item.ScheduledAt = item.ScheduledAt.UTC()
	item.Status = QueueStatusPending
	item.Attempts = 0
	item.CreatedAt = now
	item.UpdatedAt = now

	args := []any{
		item.ID, item.QueueType, item.SourceBridge, item.TargetBridge, item.Priority, item.Payload,
		item.DedupeKey, item.Status, item.MaxAttempts, item.ScheduledAt, item.CreatedAt, item.UpdatedAt,
	}
	columns := `id, queue_type, source_bridge, target_bridge, priority, payload, dedupe_key,
		status, max_attempts, scheduled_at, created_at, updated_at`

	var query string
	if item.DedupeKey == "" {
		query = `INSERT INTO queue_items (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	} else {
		query = `INSERT INTO queue_items (` + columns + `)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM queue_items
				WHERE queue_type = ? AND dedupe_key = ? AND status IN ('pending', 'processing')
			)`
		args = append(args, item.QueueType, item.DedupeKey)
	}

	result, err := db.exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClaimNext atomically moves the next due pending item to processing and
// returns it. Items are taken in (priority, scheduled_at) order. When types is
// non-empty only those queue types are considered. ErrNotFound means the
// queue has nothing due.
func (db *DB) ClaimNext(ctx context.Context, types ...QueueType) (*QueueItem, error) {
	now := time.Now().UTC()
	args := []any{now, now, now}

	typeFilter := ""
	if len(types) > 0 {
		typeFilter = ` AND queue_type IN (` + placeholders(len(types)) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}

	query := `UPDATE queue_items SET status = 'processing', started_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM queue_items
			WHERE status = 'pending' AND scheduled_at <= ?` + typeFilter + `
			ORDER BY priority ASC, scheduled_at ASC
			LIMIT 1` + db.dialect.skipLocked + `
		) AND status = 'pending'
		RETURNING id`

	// RETURNING only the id keeps column types intact on sqlite, where
	// returned expressions carry no declared type.
	var id string
	err := db.queryRow(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue item: %w", err)
	}
	return db.GetQueueItem(ctx, id)
}

// ClaimItem claims one specific pending item. It reports false when another
// worker got there first or the item is no longer pending.
func (db *DB) ClaimItem(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	query := `UPDATE queue_items SET status = 'processing', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`

	result, err := db.exec(ctx, query, now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim queue item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// CompleteItem marks a processing item completed.
func (db *DB) CompleteItem(ctx context.Context, id string) error {
	now := time.Now().UTC()
	query := `UPDATE queue_items SET status = 'completed', processed_at = ?, error_message = '', updated_at = ?
		WHERE id = ? AND status = 'processing'`
	if err := db.execAffected(ctx, query, now, now, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to complete queue item: %w", err)
	}
	return nil
}

// FailItem records a failed attempt. A terminal failure uses up all remaining
// attempts so the retry sweep never picks the item up again. It reports
// whether the item is now exhausted.
func (db *DB) FailItem(ctx context.Context, id, message string, terminal bool) (bool, error) {
	now := time.Now().UTC()
	maxExpr := "max_attempts"
	if terminal {
		maxExpr = "attempts + 1"
	}
	query := `UPDATE queue_items SET status = 'failed', attempts = attempts + 1, max_attempts = ` + maxExpr + `,
		error_message = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
		RETURNING attempts, max_attempts`

	var attempts, maxAttempts int
	err := db.queryRow(ctx, query, message, now, now, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to fail queue item: %w", err)
	}
	return attempts >= maxAttempts, nil
}

// DeferItem returns a processing item to pending, due after delay, without
// counting an attempt. It is used when the item could not run yet, such as
// when its mapping is leased by another worker.
func (db *DB) DeferItem(ctx context.Context, id, message string, delay time.Duration) error {
	now := time.Now().UTC()
	query := `UPDATE queue_items SET status = 'pending', scheduled_at = ?, started_at = NULL,
		error_message = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`
	if err := db.execAffected(ctx, query, now.Add(delay), message, now, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to defer queue item: %w", err)
	}
	return nil
}

// RetryFailed reschedules up to limit failed items that still have attempts
// left, with exponential backoff on the attempt count.
func (db *DB) RetryFailed(ctx context.Context, limit int) (int, error) {
	query := `SELECT id, attempts FROM queue_items
		WHERE status = 'failed' AND attempts < max_attempts
		ORDER BY priority ASC, updated_at ASC
		LIMIT ?`

	rows, err := db.query(ctx, query, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable items: %w", err)
	}

	type retryable struct {
		id       string
		attempts int
	}
	var items []retryable
	for rows.Next() {
		var r retryable
		if err := rows.Scan(&r.id, &r.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan retryable item: %w", err)
		}
		items = append(items, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	retried := 0
	for _, r := range items {
		update := `UPDATE queue_items SET status = 'pending', scheduled_at = ?, started_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'failed' AND attempts < max_attempts`
		result, err := db.exec(ctx, update, now.Add(RetryBackoff(r.attempts)), now, r.id)
		if err != nil {
			return retried, fmt.Errorf("failed to reschedule item: %w", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			retried++
		}
	}
	return retried, nil
}

// RetryBackoff returns the delay before the next attempt after attempts failures.
func RetryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := retryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}

// RequeueStale returns items stuck in processing longer than grace to pending,
// counting the interrupted run as an attempt. Items with no attempts left are
// moved to failed instead.
func (db *DB) RequeueStale(ctx context.Context, grace time.Duration) (requeued, failed int64, err error) {
	now := time.Now().UTC()
	cutoff := now.Add(-grace)
	const msg = "processing exceeded grace period"

	exhaust := `UPDATE queue_items SET status = 'failed', attempts = attempts + 1, error_message = ?,
		processed_at = ?, updated_at = ?
		WHERE status = 'processing' AND started_at < ? AND attempts + 1 >= max_attempts`
	result, err := db.exec(ctx, exhaust, msg, now, now, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fail stale items: %w", err)
	}
	failed, _ = result.RowsAffected()

	requeue := `UPDATE queue_items SET status = 'pending', attempts = attempts + 1, error_message = ?,
		started_at = NULL, scheduled_at = ?, updated_at = ?
		WHERE status = 'processing' AND started_at < ?`
	result, err = db.exec(ctx, requeue, msg, now, now, cutoff)
	if err != nil {
		return 0, failed, fmt.Errorf("failed to requeue stale items: %w", err)
	}
	requeued, _ = result.RowsAffected()
	return requeued, failed, nil
}

// GetQueueItem returns a queue item by ID.
func (db *DB) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	item, err := scanQueueItem(db.queryRow(ctx, `SELECT `+queueItemColumns+` FROM queue_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

// ListFailedItems returns failed items, exhausted ones first.
func (db *DB) ListFailedItems(ctx context.Context, limit int) ([]*QueueItem, error) {
	query := `SELECT ` + queueItemColumns + ` FROM queue_items
		WHERE status = 'failed'
		ORDER BY CASE WHEN attempts >= max_attempts THEN 0 ELSE 1 END, updated_at DESC
		LIMIT ?`

	rows, err := db.query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed items: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountQueueByStatus returns queue item counts keyed by status.
func (db *DB) CountQueueByStatus(ctx context.Context) (map[QueueStatus]int, error) {
	rows, err := db.query(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	counts := map[QueueStatus]int{
		QueueStatusPending:    0,
		QueueStatusProcessing: 0,
		QueueStatusCompleted:  0,
		QueueStatusFailed:     0,
	}
	for rows.Next() {
		var status QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountOpenQueueByType returns pending and processing item counts keyed by type.
func (db *DB) CountOpenQueueByType(ctx context.Context) (map[QueueType]int, error) {
	rows, err := db.query(ctx, `SELECT queue_type, COUNT(*) FROM queue_items
		WHERE status IN ('pending', 'processing') GROUP BY queue_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	counts := make(map[QueueType]int, len(ValidQueueTypes))
	for t := range ValidQueueTypes {
		counts[t] = 0
	}
	for rows.Next() {
		var t QueueType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// CountExhaustedItems returns the number of failed items with no attempts left.
func (db *DB) CountExhaustedItems(ctx context.Context) (int, error) {
	var n int
	err := db.queryRow(ctx, `SELECT COUNT(*) FROM queue_items
		WHERE status = 'failed' AND attempts >= max_attempts`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count exhausted items: %w", err)
	}
	return n, nil
}

// CleanCompletedItems deletes completed items processed before olderThan.
func (db *DB) CleanCompletedItems(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := db.exec(ctx, `DELETE FROM queue_items WHERE status = 'completed' AND processed_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean completed items: %w", err)
	}
	return result.RowsAffected()
}

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	item := &QueueItem{}
	var startedAt, processedAt sql.NullTime

	err := row.Scan(
		&item.ID, &item.QueueType, &item.SourceBridge, &item.TargetBridge, &item.Priority,
		&item.Payload, &item.DedupeKey, &item.Status, &item.Attempts, &item.MaxAttempts,
		&item.ScheduledAt, &startedAt, &processedAt, &item.ErrorMessage,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.StartedAt = timePtr(startedAt)
	item.ProcessedAt = timePtr(processedAt)
	return item, nil
}
