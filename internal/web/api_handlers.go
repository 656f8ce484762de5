package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/bridgesync/internal/db"
	"github.com/macjediwizard/bridgesync/internal/orchestrator"
	"github.com/macjediwizard/bridgesync/internal/reconcile"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// queryLimit parses the limit query parameter, clamped to maxListLimit.
func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// APIResourceMappingRequest is the body of resource mapping create and update
// requests. Update ignores the bridge and resource fields.
type APIResourceMappingRequest struct {
	BridgeFrom    string `json:"bridge_from"`
	BridgeTo      string `json:"bridge_to"`
	ResourceID    string `json:"resource_id"`
	CalendarID    string `json:"calendar_id"`
	SyncDirection string `json:"sync_direction"`
	SyncEnabled   *bool  `json:"sync_enabled"`
	IsActive      *bool  `json:"is_active"`
}

// APIListResourceMappings returns all resource mappings, including
// deactivated ones.
func (h *Handlers) APIListResourceMappings(c *gin.Context) {
	rms, err := h.db.ListResourceMappings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load resource mappings")})
		return
	}
	if rms == nil {
		rms = []*db.ResourceMapping{}
	}
	c.JSON(http.StatusOK, rms)
}

// APIGetResourceMapping returns a single resource mapping.
func (h *Handlers) APIGetResourceMapping(c *gin.Context) {
	rm, err := h.db.GetResourceMapping(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Resource mapping not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load resource mapping")})
		return
	}
	c.JSON(http.StatusOK, rm)
}

// APICreateResourceMapping creates a resource mapping between two registered
// bridges.
func (h *Handlers) APICreateResourceMapping(c *gin.Context) {
	var req APIResourceMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if req.BridgeFrom == "" || req.BridgeTo == "" || req.ResourceID == "" || req.CalendarID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
		return
	}
	if req.BridgeFrom == req.BridgeTo {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bridges must differ"})
		return
	}
	for _, name := range []string{req.BridgeFrom, req.BridgeTo} {
		if _, err := h.orch.Registry().Get(name); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown bridge: " + name})
			return
		}
	}
	direction := db.SyncDirection(req.SyncDirection)
	if direction == "" {
		direction = db.SyncDirectionSourceToTarget
	}
	if !direction.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sync direction"})
		return
	}

	rm := &db.ResourceMapping{
		BridgeFrom:    req.BridgeFrom,
		BridgeTo:      req.BridgeTo,
		ResourceID:    req.ResourceID,
		CalendarID:    req.CalendarID,
		SyncDirection: direction,
		IsActive:      true,
		SyncEnabled:   req.SyncEnabled == nil || *req.SyncEnabled,
	}
	err := h.db.CreateResourceMapping(c.Request.Context(), rm)
	if errors.Is(err, db.ErrDuplicate) {
		c.JSON(http.StatusConflict, gin.H{"error": "Resource mapping already exists"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to create resource mapping")})
		return
	}

	c.JSON(http.StatusCreated, rm)
}

// APIUpdateResourceMapping changes the direction and flags of a resource
// mapping.
func (h *Handlers) APIUpdateResourceMapping(c *gin.Context) {
	ctx := c.Request.Context()
	rm, err := h.db.GetResourceMapping(ctx, c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Resource mapping not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load resource mapping")})
		return
	}

	var req APIResourceMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.SyncDirection != "" {
		direction := db.SyncDirection(req.SyncDirection)
		if !direction.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sync direction"})
			return
		}
		rm.SyncDirection = direction
	}
	if req.SyncEnabled != nil {
		rm.SyncEnabled = *req.SyncEnabled
	}
	if req.IsActive != nil {
		rm.IsActive = *req.IsActive
	}

	if err := h.db.UpdateResourceMapping(ctx, rm); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update resource mapping")})
		return
	}
	c.JSON(http.StatusOK, rm)
}

// APIDeleteResourceMapping deactivates a resource mapping. Its event
// mappings stay so a later reactivation does not duplicate events.
func (h *Handlers) APIDeleteResourceMapping(c *gin.Context) {
	err := h.db.DeactivateResourceMapping(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Resource mapping not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to delete resource mapping")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Resource mapping deactivated"})
}

// APIStats returns mapping, queue and sync log counts.
func (h *Handlers) APIStats(c *gin.Context) {
	stats, err := h.db.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load statistics")})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// APIBridges checks every registered bridge.
func (h *Handlers) APIBridges(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.GetAllBridgesInfo(c.Request.Context()))
}

// APISyncRequest is the body of a sync trigger.
type APISyncRequest struct {
	Source           string `json:"source"`
	Target           string `json:"target"`
	SourceCalendarID string `json:"source_calendar_id"`
	TargetCalendarID string `json:"target_calendar_id"`
	Direction        string `json:"direction"`
	HandleDeletions  bool   `json:"handle_deletions"`
	DryRun           bool   `json:"dry_run"`
	// Async queues the pass instead of running it within the request.
	Async bool `json:"async"`
}

// APITriggerSync runs or queues a sync pass between two bridges. Without a
// body it queues a sync of every resource mapping.
func (h *Handlers) APITriggerSync(c *gin.Context) {
	var req APISyncRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}
	ctx := c.Request.Context()

	if req.Source == "" && req.Target == "" {
		h.queueResourceSyncs(c)
		return
	}
	if req.Source == "" || req.Target == "" || req.SourceCalendarID == "" || req.TargetCalendarID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
		return
	}
	direction := db.SyncDirection(req.Direction)
	if direction != "" && !direction.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sync direction"})
		return
	}

	if req.Async {
		item := db.NewSyncItem(req.Source, req.Target, db.SyncPayload{
			SourceCalendarID: req.SourceCalendarID,
			TargetCalendarID: req.TargetCalendarID,
			Direction:        direction,
			HandleDeletions:  req.HandleDeletions,
		}, db.PriorityHigh)
		queued, err := h.queue.Enqueue(ctx, item)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to queue sync")})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": queued, "id": item.ID})
		return
	}

	start, end := h.window(time.Now().UTC())
	res, err := h.orch.SyncBetweenBridges(ctx, req.Source, req.Target, req.SourceCalendarID, req.TargetCalendarID, start, end,
		orchestrator.SyncOptions{HandleDeletions: req.HandleDeletions, DryRun: req.DryRun, Direction: direction})
	switch {
	case errors.Is(err, orchestrator.ErrUnknownBridge):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown bridge"})
	case errors.Is(err, orchestrator.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "Sync already in progress"})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": sanitizeError(err, "Sync failed"), "result": res})
	default:
		c.JSON(http.StatusOK, res)
	}
}

func (h *Handlers) queueResourceSyncs(c *gin.Context) {
	ctx := c.Request.Context()
	rms, err := h.db.ListActiveResourceMappings(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load resource mappings")})
		return
	}
	queued := 0
	for _, rm := range rms {
		if !rm.SyncEnabled {
			continue
		}
		ok, err := h.queue.Enqueue(ctx, db.NewResourceItem(rm.BridgeFrom, rm.ResourceID, db.PriorityNormal))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to queue sync")})
			return
		}
		if ok {
			queued++
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}

// reconcileJob returns the reconciler operation of a job name.
func (h *Handlers) reconcileJob(name string) (func(context.Context) (*reconcile.Result, error), bool) {
	switch name {
	case reconcile.JobDeletionChecks:
		return h.rec.ProcessDeletionChecks, true
	case reconcile.JobDeletedEvents:
		return h.rec.SyncDeletedEvents, true
	case reconcile.JobCancellations:
		return h.rec.DetectAndProcessCancellations, true
	case reconcile.JobReenabled:
		return h.rec.DetectAndProcessReenabledReservations, true
	}
	return nil, false
}

// APIRunReconcile runs one reconciliation job and returns its result.
func (h *Handlers) APIRunReconcile(c *gin.Context) {
	run, ok := h.reconcileJob(c.Param("job"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown reconcile job"})
		return
	}
	res, err := run(c.Request.Context())
	if errors.Is(err, reconcile.ErrJobInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "Job already running"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Reconcile job failed")})
		return
	}
	c.JSON(http.StatusOK, res)
}

// APIRetryQueue reschedules failed queue items that have attempts left and
// requeues stale processing items.
func (h *Handlers) APIRetryQueue(c *gin.Context) {
	ctx := c.Request.Context()
	rescheduled, err := h.queue.RetrySweep(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to retry queue items")})
		return
	}
	requeued, failed, err := h.queue.StaleSweep(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to sweep stale items")})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rescheduled":   rescheduled,
		"stale_requeue": requeued,
		"stale_failed":  failed,
	})
}

// APIFailedQueueItems lists failed queue items, exhausted ones first.
func (h *Handlers) APIFailedQueueItems(c *gin.Context) {
	items, err := h.db.ListFailedItems(c.Request.Context(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load queue items")})
		return
	}
	if items == nil {
		items = []*db.QueueItem{}
	}
	c.JSON(http.StatusOK, items)
}

// APISyncLogs returns recent sync logs, optionally filtered by bridge.
func (h *Handlers) APISyncLogs(c *gin.Context) {
	logs, err := h.db.GetSyncLogs(c.Request.Context(), c.Query("source"), c.Query("target"), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load sync logs")})
		return
	}
	if logs == nil {
		logs = []*db.SyncLog{}
	}
	c.JSON(http.StatusOK, logs)
}

// APIActivity returns active and recent job runs.
func (h *Handlers) APIActivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.Snapshot())
}

// APISubscriptions returns the push subscriptions held by this process.
func (h *Handlers) APISubscriptions(c *gin.Context) {
	if h.subs == nil {
		c.JSON(http.StatusOK, []orchestrator.Subscription{})
		return
	}
	c.JSON(http.StatusOK, h.subs.Active())
}
