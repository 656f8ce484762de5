package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const mappingColumns = `id, source_bridge, target_bridge, source_calendar_id, target_calendar_id,
	source_event_id, target_event_id, sync_direction, sync_status, event_data,
	source_modified_at, last_synced_at, error_message, error_count,
	lease_owner, lease_expires_at, created_at, updated_at`

// MappingFilter narrows ListMappings. Zero values are ignored.
type MappingFilter struct {
	SourceBridge     string
	TargetBridge     string
	SourceCalendarID string
	TargetCalendarID string
	Status           MappingStatus
	ExcludeCancelled bool
	Limit            int
	Offset           int
}

// leaseToken returns a token unique to one lease acquisition. Two claims by
// the same owner never share a token, so neither can release the other.
func leaseToken(owner string) string {
	return owner + "/" + uuid.New().String()
}

// ReserveMapping inserts a pending mapping for a source event that has no live
// mapping yet, leased for ttl. The lease token is left in m.LeaseOwner. It
// returns ErrDuplicate when another live mapping already holds the source
// tuple; that mapping wins.
func (db *DB) ReserveMapping(ctx context.Context, m *Mapping, owner string, ttl time.Duration) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if !m.SyncDirection.IsValid() {
		m.SyncDirection = SyncDirectionSourceToTarget
	}
	now := time.Now().UTC()
	expires := now.Add(ttl)
	token := leaseToken(owner)
	m.SyncStatus = MappingStatusPending
	m.LeaseOwner = token
	m.LeaseExpiresAt = &expires
	m.CreatedAt = now
	m.UpdatedAt = now

	query := `INSERT INTO mappings (id, source_bridge, target_bridge, source_calendar_id, target_calendar_id,
		source_event_id, target_event_id, sync_direction, sync_status, event_data,
		source_modified_at, lease_owner, lease_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.exec(ctx, query,
		m.ID, m.SourceBridge, m.TargetBridge, m.SourceCalendarID, m.TargetCalendarID,
		m.SourceEventID, nullString(m.TargetEventID), m.SyncDirection, m.SyncStatus, m.EventData,
		nullTime(m.SourceModifiedAt), token, expires, now, now,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: mapping for %s/%s/%s", ErrDuplicate, m.SourceBridge, m.SourceCalendarID, m.SourceEventID)
	}
	if err != nil {
		return fmt.Errorf("failed to reserve mapping: %w", err)
	}
	return nil
}

// GetMapping returns a mapping by ID.
func (db *DB) GetMapping(ctx context.Context, id string) (*Mapping, error) {
	row := db.queryRow(ctx, `SELECT `+mappingColumns+` FROM mappings WHERE id = ?`, id)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return m, nil
}

// FindMappingBySource returns the mapping for a source event tuple. A live
// mapping is preferred; otherwise the most recently updated cancelled one.
func (db *DB) FindMappingBySource(ctx context.Context, bridge, calendarID, eventID string) (*Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings
		WHERE source_bridge = ? AND source_calendar_id = ? AND source_event_id = ?
		ORDER BY CASE WHEN sync_status = 'cancelled' THEN 1 ELSE 0 END, updated_at DESC
		LIMIT 1`
	return db.findMapping(ctx, query, bridge, calendarID, eventID)
}

// FindMappingByTarget returns the live mapping whose target side is the given event.
func (db *DB) FindMappingByTarget(ctx context.Context, bridge, calendarID, eventID string) (*Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings
		WHERE target_bridge = ? AND target_calendar_id = ? AND target_event_id = ?
		AND sync_status <> 'cancelled'
		LIMIT 1`
	return db.findMapping(ctx, query, bridge, calendarID, eventID)
}

func (db *DB) findMapping(ctx context.Context, query string, args ...any) (*Mapping, error) {
	m, err := scanMapping(db.queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find mapping: %w", err)
	}
	return m, nil
}

// FindMappingsByEvent returns live mappings where the event appears on either
// side of the pair. Webhook payloads do not always carry a calendar id.
func (db *DB) FindMappingsByEvent(ctx context.Context, bridge, eventID string) ([]*Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings
		WHERE sync_status <> 'cancelled'
		AND ((source_bridge = ? AND source_event_id = ?) OR (target_bridge = ? AND target_event_id = ?))
		ORDER BY created_at`
	return db.listMappings(ctx, query, bridge, eventID, bridge, eventID)
}

// ListMappings returns mappings matching the filter, newest first.
func (db *DB) ListMappings(ctx context.Context, f MappingFilter) ([]*Mapping, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.SourceBridge != "" {
		add("source_bridge = ?", f.SourceBridge)
	}
	if f.TargetBridge != "" {
		add("target_bridge = ?", f.TargetBridge)
	}
	if f.SourceCalendarID != "" {
		add("source_calendar_id = ?", f.SourceCalendarID)
	}
	if f.TargetCalendarID != "" {
		add("target_calendar_id = ?", f.TargetCalendarID)
	}
	if f.Status != "" {
		add("sync_status = ?", f.Status)
	}
	if f.ExcludeCancelled {
		where = append(where, "sync_status <> 'cancelled'")
	}

	query := `SELECT ` + mappingColumns + ` FROM mappings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	return db.listMappings(ctx, query, args...)
}

func (db *DB) listMappings(ctx context.Context, query string, args ...any) ([]*Mapping, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// AcquireMappingLease claims an existing mapping for owner and returns it with
// a fresh lease token in LeaseOwner; the Mark, Release and Delete calls take
// that token. It returns ErrLeaseHeld while any unexpired lease exists, the
// owner's own included.
func (db *DB) AcquireMappingLease(ctx context.Context, id, owner string, ttl time.Duration) (*Mapping, error) {
	now := time.Now().UTC()
	token := leaseToken(owner)
	query := `UPDATE mappings SET lease_owner = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND (lease_expires_at IS NULL OR lease_expires_at < ?)`

	err := db.execAffected(ctx, query, token, now.Add(ttl), now, id, now)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := db.GetMapping(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrLeaseHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire mapping lease: %w", err)
	}
	return db.GetMapping(ctx, id)
}

// ReleaseMappingLease drops the lease held under token without changing the mapping.
func (db *DB) ReleaseMappingLease(ctx context.Context, id, token string) error {
	query := `UPDATE mappings SET lease_owner = '', lease_expires_at = NULL
		WHERE id = ? AND lease_owner = ?`
	if _, err := db.exec(ctx, query, id, token); err != nil {
		return fmt.Errorf("failed to release mapping lease: %w", err)
	}
	return nil
}

// MarkMappingSynced records a successful create or update and releases the lease.
func (db *DB) MarkMappingSynced(ctx context.Context, id, token, targetEventID, eventData string, sourceModified *time.Time) error {
	now := time.Now().UTC()
	query := `UPDATE mappings SET target_event_id = ?, sync_status = 'synced', event_data = ?,
		source_modified_at = ?, last_synced_at = ?, error_message = '', error_count = 0,
		lease_owner = '', lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ?`

	result, err := db.exec(ctx, query, nullString(targetEventID), eventData, nullTime(sourceModified), now, now, id, token)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: target event %s already mapped", ErrDuplicate, targetEventID)
	}
	if err != nil {
		return fmt.Errorf("failed to mark mapping synced: %w", err)
	}
	return db.leaseResult(ctx, id, result)
}

// MarkMappingError records a failed attempt. The mapping keeps its target id.
// A terminal failure raises error_count to at least maxErrors, so
// ResetErroredMappings(maxErrors) leaves it for an operator.
func (db *DB) MarkMappingError(ctx context.Context, id, token, message string, terminal bool, maxErrors int) error {
	floor := 0
	if terminal {
		floor = maxErrors
	}
	query := `UPDATE mappings SET sync_status = 'error', error_message = ?,
		error_count = CASE WHEN error_count + 1 > ? THEN error_count + 1 ELSE ? END,
		lease_owner = '', lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ?`

	result, err := db.exec(ctx, query, message, floor, floor, time.Now().UTC(), id, token)
	if err != nil {
		return fmt.Errorf("failed to mark mapping error: %w", err)
	}
	return db.leaseResult(ctx, id, result)
}

// MarkMappingCancelled moves a mapping to cancelled. The target event id is
// kept so a later re-enable can verify the old remote event is gone.
func (db *DB) MarkMappingCancelled(ctx context.Context, id, token string) error {
	query := `UPDATE mappings SET sync_status = 'cancelled', error_message = '',
		lease_owner = '', lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ?`

	result, err := db.exec(ctx, query, time.Now().UTC(), id, token)
	if err != nil {
		return fmt.Errorf("failed to mark mapping cancelled: %w", err)
	}
	return db.leaseResult(ctx, id, result)
}

// ResetMappingForReenable moves a cancelled mapping back to pending with its
// remote event id cleared, so the next sync creates a fresh remote event.
func (db *DB) ResetMappingForReenable(ctx context.Context, id, token string) error {
	query := `UPDATE mappings SET sync_status = 'pending', target_event_id = NULL, event_data = '',
		last_synced_at = NULL, error_message = '', error_count = 0,
		lease_owner = '', lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND sync_status = 'cancelled'`

	result, err := db.exec(ctx, query, time.Now().UTC(), id, token)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: source event already has a live mapping", ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to reset mapping: %w", err)
	}
	return db.leaseResult(ctx, id, result)
}

// DeleteMapping hard-deletes a mapping leased under token.
func (db *DB) DeleteMapping(ctx context.Context, id, token string) error {
	result, err := db.exec(ctx, `DELETE FROM mappings WHERE id = ? AND lease_owner = ?`, id, token)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return db.leaseResult(ctx, id, result)
}

// ResetErroredMappings moves errored mappings with fewer than maxErrors
// failures back to pending.
func (db *DB) ResetErroredMappings(ctx context.Context, maxErrors int) (int64, error) {
	now := time.Now().UTC()
	query := `UPDATE mappings SET sync_status = 'pending', updated_at = ?
		WHERE sync_status = 'error' AND error_count < ?
		AND (lease_expires_at IS NULL OR lease_expires_at < ?)`

	result, err := db.exec(ctx, query, now, maxErrors, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reset errored mappings: %w", err)
	}
	return result.RowsAffected()
}

// CountMappingsByStatus returns mapping counts keyed by status.
func (db *DB) CountMappingsByStatus(ctx context.Context) (map[MappingStatus]int, error) {
	rows, err := db.query(ctx, `SELECT sync_status, COUNT(*) FROM mappings GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count mappings: %w", err)
	}
	defer rows.Close()

	counts := make(map[MappingStatus]int, len(ValidMappingStatuses))
	for status := range ValidMappingStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var status MappingStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan mapping count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// leaseResult turns a zero-row lease-guarded write into ErrNotFound or ErrLeaseLost.
func (db *DB) leaseResult(ctx context.Context, id string, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := db.GetMapping(ctx, id); err != nil {
		return err
	}
	return ErrLeaseLost
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (*Mapping, error) {
	m := &Mapping{}
	var targetEventID sql.NullString
	var sourceModified, lastSynced, leaseExpires sql.NullTime

	err := row.Scan(
		&m.ID, &m.SourceBridge, &m.TargetBridge, &m.SourceCalendarID, &m.TargetCalendarID,
		&m.SourceEventID, &targetEventID, &m.SyncDirection, &m.SyncStatus, &m.EventData,
		&sourceModified, &lastSynced, &m.ErrorMessage, &m.ErrorCount,
		&m.LeaseOwner, &leaseExpires, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.TargetEventID = targetEventID.String
	m.SourceModifiedAt = timePtr(sourceModified)
	m.LastSyncedAt = timePtr(lastSynced)
	m.LeaseExpiresAt = timePtr(leaseExpires)
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
