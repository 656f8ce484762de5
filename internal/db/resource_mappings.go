package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const resourceMappingColumns = `id, bridge_from, bridge_to, resource_id, calendar_id, sync_direction,
	is_active, sync_enabled, last_synced_at, created_at, updated_at`

// CreateResourceMapping creates a new resource mapping. A duplicate
// (bridge_from, bridge_to, resource_id, calendar_id) returns ErrDuplicate.
func (db *DB) CreateResourceMapping(ctx context.Context, rm *ResourceMapping) error {
	if rm.ID == "" {
		rm.ID = uuid.New().String()
	}
	if rm.SyncDirection == "" {
		rm.SyncDirection = SyncDirectionSourceToTarget
	}
	now := time.Now().UTC()
	rm.CreatedAt = now
	rm.UpdatedAt = now

	query := `INSERT INTO resource_mappings (` + resourceMappingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.exec(ctx, query,
		rm.ID, rm.BridgeFrom, rm.BridgeTo, rm.ResourceID, rm.CalendarID, rm.SyncDirection,
		rm.IsActive, rm.SyncEnabled, nullTime(rm.LastSyncedAt), rm.CreatedAt, rm.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: resource mapping %s/%s/%s/%s", ErrDuplicate, rm.BridgeFrom, rm.BridgeTo, rm.ResourceID, rm.CalendarID)
	}
	if err != nil {
		return fmt.Errorf("failed to create resource mapping: %w", err)
	}
	return nil
}

// GetResourceMapping returns a resource mapping by ID.
func (db *DB) GetResourceMapping(ctx context.Context, id string) (*ResourceMapping, error) {
	row := db.queryRow(ctx, `SELECT `+resourceMappingColumns+` FROM resource_mappings WHERE id = ?`, id)
	rm, err := scanResourceMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource mapping: %w", err)
	}
	return rm, nil
}

// ListResourceMappings returns all resource mappings, including inactive ones.
func (db *DB) ListResourceMappings(ctx context.Context) ([]*ResourceMapping, error) {
	return db.listResourceMappings(ctx, `SELECT `+resourceMappingColumns+` FROM resource_mappings
		ORDER BY bridge_from, bridge_to, resource_id`)
}

// ListActiveResourceMappings returns mappings that are active and enabled for sync.
func (db *DB) ListActiveResourceMappings(ctx context.Context) ([]*ResourceMapping, error) {
	return db.listResourceMappings(ctx, `SELECT `+resourceMappingColumns+` FROM resource_mappings
		WHERE is_active = ? AND sync_enabled = ?
		ORDER BY bridge_from, bridge_to, resource_id`, true, true)
}

// ListResourceMappingsByResource returns active mappings for one resource on a bridge.
// A resource may appear on either side of the mapping.
func (db *DB) ListResourceMappingsByResource(ctx context.Context, bridge, resourceID string) ([]*ResourceMapping, error) {
	return db.listResourceMappings(ctx, `SELECT `+resourceMappingColumns+` FROM resource_mappings
		WHERE is_active = ? AND ((bridge_from = ? AND resource_id = ?) OR (bridge_to = ? AND calendar_id = ?))
		ORDER BY created_at`, true, bridge, resourceID, bridge, resourceID)
}

func (db *DB) listResourceMappings(ctx context.Context, query string, args ...any) ([]*ResourceMapping, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*ResourceMapping
	for rows.Next() {
		rm, err := scanResourceMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource mapping: %w", err)
		}
		mappings = append(mappings, rm)
	}
	return mappings, rows.Err()
}

// UpdateResourceMapping updates a resource mapping.
func (db *DB) UpdateResourceMapping(ctx context.Context, rm *ResourceMapping) error {
	rm.UpdatedAt = time.Now().UTC()

	query := `UPDATE resource_mappings SET bridge_from = ?, bridge_to = ?, resource_id = ?, calendar_id = ?,
		sync_direction = ?, is_active = ?, sync_enabled = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.exec(ctx, query,
		rm.BridgeFrom, rm.BridgeTo, rm.ResourceID, rm.CalendarID,
		rm.SyncDirection, rm.IsActive, rm.SyncEnabled, rm.UpdatedAt, rm.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: resource mapping %s/%s/%s/%s", ErrDuplicate, rm.BridgeFrom, rm.BridgeTo, rm.ResourceID, rm.CalendarID)
	}
	if err != nil {
		return fmt.Errorf("failed to update resource mapping: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateResourceMapping soft-deletes a resource mapping.
func (db *DB) DeactivateResourceMapping(ctx context.Context, id string) error {
	query := `UPDATE resource_mappings SET is_active = ?, updated_at = ? WHERE id = ?`
	if err := db.execAffected(ctx, query, false, time.Now().UTC(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to deactivate resource mapping: %w", err)
	}
	return nil
}

// TouchResourceMappingSynced records the time of the last sync pass.
func (db *DB) TouchResourceMappingSynced(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE resource_mappings SET last_synced_at = ?, updated_at = ? WHERE id = ?`
	if _, err := db.exec(ctx, query, at.UTC(), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch resource mapping: %w", err)
	}
	return nil
}

// CountActiveResourceMappings returns the number of active resource mappings.
func (db *DB) CountActiveResourceMappings(ctx context.Context) (int, error) {
	var n int
	err := db.queryRow(ctx, `SELECT COUNT(*) FROM resource_mappings WHERE is_active = ?`, true).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count resource mappings: %w", err)
	}
	return n, nil
}

func scanResourceMapping(row rowScanner) (*ResourceMapping, error) {
	rm := &ResourceMapping{}
	var lastSynced sql.NullTime

	err := row.Scan(
		&rm.ID, &rm.BridgeFrom, &rm.BridgeTo, &rm.ResourceID, &rm.CalendarID, &rm.SyncDirection,
		&rm.IsActive, &rm.SyncEnabled, &lastSynced, &rm.CreatedAt, &rm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rm.LastSyncedAt = timePtr(lastSynced)
	return rm, nil
}
