package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/bridgesync/internal/bridge"
)

// Health statuses.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// BridgeInfo is the health check result of one bridge.
type BridgeInfo struct {
	Name         string              `json:"name"`
	Type         string              `json:"type"`
	Status       string              `json:"status"`
	Capabilities bridge.Capabilities `json:"capabilities"`
	Calendars    int                 `json:"calendars"`
	LatencyMS    int64               `json:"latency_ms"`
	Error        string              `json:"error,omitempty"`
}

// BridgesInfo aggregates the health checks of all registered bridges.
type BridgesInfo struct {
	Status    string       `json:"status"`
	Bridges   []BridgeInfo `json:"bridges"`
	CheckedAt time.Time    `json:"checked_at"`
}

// GetAllBridgesInfo checks every registered bridge concurrently. The overall
// status is healthy only if every check succeeds, degraded if some do and
// unhealthy if none do or no bridge is registered.
func (o *Orchestrator) GetAllBridgesInfo(ctx context.Context) *BridgesInfo {
	bridges := o.registry.All()
	infos := make([]BridgeInfo, len(bridges))

	var g errgroup.Group
	for i, b := range bridges {
		g.Go(func() error {
			infos[i] = o.checkBridge(ctx, b)
			return nil
		})
	}
	_ = g.Wait()

	up := 0
	for _, info := range infos {
		if info.Status == HealthHealthy {
			up++
		}
	}
	status := HealthDegraded
	switch {
	case len(infos) > 0 && up == len(infos):
		status = HealthHealthy
	case up == 0:
		status = HealthUnhealthy
	}

	return &BridgesInfo{Status: status, Bridges: infos, CheckedAt: time.Now().UTC()}
}

// checkBridge fetches the capabilities and lists calendars as a lightweight call.
func (o *Orchestrator) checkBridge(ctx context.Context, b bridge.Bridge) BridgeInfo {
	info := BridgeInfo{
		Name:         b.Name(),
		Type:         b.Type(),
		Capabilities: b.Capabilities(),
	}

	ctx, cancel := context.WithTimeout(ctx, o.healthTimeout)
	defer cancel()

	began := time.Now()
	cals, err := b.GetCalendars(ctx)
	latency := time.Since(began)
	info.LatencyMS = latency.Milliseconds()

	if err != nil {
		info.Status = HealthUnhealthy
		info.Error = bridge.Classify(err).String()
		o.metrics.BridgeHealth(b.Name(), false, latency)
		o.notifier.BridgeUnhealthy(ctx, b.Name(), err.Error())
		return info
	}
	info.Status = HealthHealthy
	info.Calendars = len(cals)
	o.metrics.BridgeHealth(b.Name(), true, latency)
	o.notifier.BridgeRecovered(ctx, b.Name())
	return info
}
