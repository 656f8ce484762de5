package db

import (
	"context"
	"time"
)

// GetStats collects the counts reported by the statistics endpoint.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	mappings, err := db.CountMappingsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := db.CountQueueByStatus(ctx)
	if err != nil {
		return nil, err
	}
	byType, err := db.CountOpenQueueByType(ctx)
	if err != nil {
		return nil, err
	}
	exhausted, err := db.CountExhaustedItems(ctx)
	if err != nil {
		return nil, err
	}
	active, err := db.CountActiveResourceMappings(ctx)
	if err != nil {
		return nil, err
	}
	logs, err := db.CountSyncLogsSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}

	return &Stats{
		Mappings:          mappings,
		Queue:             queue,
		QueueByType:       byType,
		FailedExhausted:   exhausted,
		ActiveResources:   active,
		SyncLogsSuccess24: logs[SyncLogStatusSuccess],
		SyncLogsPartial24: logs[SyncLogStatusPartial],
		SyncLogsError24:   logs[SyncLogStatusError],
	}, nil
}
