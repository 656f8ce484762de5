// Package web is the HTTP surface of the engine: webhook ingestion from the
// bridges and a JSON administration API.
package web

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/bridgesync/internal/activity"
	"github.com/macjediwizard/bridgesync/internal/db"
	"github.com/macjediwizard/bridgesync/internal/metrics"
	"github.com/macjediwizard/bridgesync/internal/orchestrator"
	"github.com/macjediwizard/bridgesync/internal/queue"
	"github.com/macjediwizard/bridgesync/internal/reconcile"
)

const healthTimeout = 5 * time.Second

// Deps are the collaborators of the HTTP handlers. Subscriptions, Tracker
// and Metrics may be nil.
type Deps struct {
	DB            *db.DB
	Orchestrator  *orchestrator.Orchestrator
	Reconciler    *reconcile.Reconciler
	Queue         *queue.Processor
	Subscriptions *orchestrator.Subscriptions
	Tracker       *activity.Tracker
	Metrics       *metrics.Metrics
	Window        orchestrator.Window
	// GraphClientState must match the clientState of Graph notifications.
	// Empty disables the check.
	GraphClientState string
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	db          *db.DB
	orch        *orchestrator.Orchestrator
	rec         *reconcile.Reconciler
	queue       *queue.Processor
	subs        *orchestrator.Subscriptions
	tracker     *activity.Tracker
	metrics     *metrics.Metrics
	window      orchestrator.Window
	clientState string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	if d.Window == nil {
		d.Window = reconcile.DefaultWindow
	}
	return &Handlers{
		db:          d.DB,
		orch:        d.Orchestrator,
		rec:         d.Reconciler,
		queue:       d.Queue,
		subs:        d.Subscriptions,
		tracker:     d.Tracker,
		metrics:     d.Metrics,
		window:      d.Window,
		clientState: d.GraphClientState,
	}
}

// sanitizeError returns a user-safe error message without exposing internal details.
// Internal error details are logged but not returned to the client.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// HealthCheck reports whether the database answers. Bridge health is
// reported separately by /api/bridges since it costs remote calls.
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   orchestrator.HealthUnhealthy,
			"database": sanitizeError(err, "database unreachable"),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   orchestrator.HealthHealthy,
		"database": "ok",
		"bridges":  h.orch.Registry().Names(),
	})
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Metrics serves the prometheus collectors.
func (h *Handlers) Metrics(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Metrics disabled"})
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
