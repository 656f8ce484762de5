package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetDeltaState returns the stored delta token for a bridge calendar.
func (db *DB) GetDeltaState(ctx context.Context, bridge, calendarID string) (*DeltaState, error) {
	query := `SELECT id, bridge, calendar_id, delta_token, updated_at
		FROM delta_states WHERE bridge = ? AND calendar_id = ?`

	state := &DeltaState{}
	err := db.queryRow(ctx, query, bridge, calendarID).Scan(
		&state.ID, &state.Bridge, &state.CalendarID, &state.DeltaToken, &state.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delta state: %w", err)
	}
	return state, nil
}

// UpsertDeltaState creates or updates a delta state.
func (db *DB) UpsertDeltaState(ctx context.Context, state *DeltaState) error {
	now := time.Now().UTC()
	state.UpdatedAt = now

	// Try to update first
	query := `UPDATE delta_states SET delta_token = ?, updated_at = ? WHERE bridge = ? AND calendar_id = ?`
	result, err := db.exec(ctx, query, state.DeltaToken, now, state.Bridge, state.CalendarID)
	if err != nil {
		return fmt.Errorf("failed to update delta state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	if state.ID == "" {
		state.ID = uuid.New().String()
	}
	insert := `INSERT INTO delta_states (id, bridge, calendar_id, delta_token, updated_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := db.exec(ctx, insert, state.ID, state.Bridge, state.CalendarID, state.DeltaToken, now); err != nil {
		return fmt.Errorf("failed to insert delta state: %w", err)
	}
	return nil
}

// ClearDeltaState removes a stored token so the next delta query starts over.
func (db *DB) ClearDeltaState(ctx context.Context, bridge, calendarID string) error {
	if _, err := db.exec(ctx, `DELETE FROM delta_states WHERE bridge = ? AND calendar_id = ?`, bridge, calendarID); err != nil {
		return fmt.Errorf("failed to clear delta state: %w", err)
	}
	return nil
}

// AcquireJobLease claims the named job for owner until ttl elapses. It returns
// ErrLeaseHeld while another owner's lease is unexpired. Re-acquiring an own
// lease extends it.
func (db *DB) AcquireJobLease(ctx context.Context, name, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	query := `UPDATE job_leases SET owner = ?, expires_at = ?
		WHERE name = ? AND (expires_at < ? OR owner = ?)`
	result, err := db.exec(ctx, query, owner, expires, name, now, owner)
	if err != nil {
		return fmt.Errorf("failed to acquire job lease: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	_, err = db.exec(ctx, `INSERT INTO job_leases (name, owner, expires_at) VALUES (?, ?, ?)`, name, owner, expires)
	if isUniqueViolation(err) {
		return ErrLeaseHeld
	}
	if err != nil {
		return fmt.Errorf("failed to insert job lease: %w", err)
	}
	return nil
}

// ReleaseJobLease gives up owner's lease on the named job.
func (db *DB) ReleaseJobLease(ctx context.Context, name, owner string) error {
	if _, err := db.exec(ctx, `DELETE FROM job_leases WHERE name = ? AND owner = ?`, name, owner); err != nil {
		return fmt.Errorf("failed to release job lease: %w", err)
	}
	return nil
}
