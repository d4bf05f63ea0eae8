package health

import (
	"context"
	"fmt"
	"time"

	"github.com/tonwhales/tonhub-connect/internal/domain"
	"github.com/tonwhales/tonhub-connect/internal/metrics"
)

// DatabasePinger is the storage surface a health check needs.
type DatabasePinger interface {
	Ping() error
}

// Checker aggregates the daemon's liveness signals: storage reachability and
// the remote transport state.
type Checker struct {
	db      DatabasePinger
	bridge  func() domain.BridgeStatus
	started time.Time
}

// NewChecker builds a checker. db may be nil for memory-only deployments.
func NewChecker(db DatabasePinger, bridge func() domain.BridgeStatus) *Checker {
	return &Checker{
		db:      db,
		bridge:  bridge,
		started: time.Now(),
	}
}

// Check returns nil when the daemon is able to serve. The bridge being
// temporarily disconnected is degraded-but-alive and does not fail the
// check; an unreachable store does.
func (c *Checker) Check(_ context.Context) error {
	if c.db != nil {
		if err := c.db.Ping(); err != nil {
			return fmt.Errorf("storage unreachable: %w", err)
		}
	}
	return nil
}

// Snapshot is the summarized state reported by the admin API.
type Snapshot struct {
	Uptime            string              `json:"uptime"`
	Bridge            domain.BridgeStatus `json:"bridge"`
	ActiveConnections int64               `json:"activeConnections"`
	PendingRequests   int64               `json:"pendingRequests"`
	ErrorCount        int64               `json:"errorCount"`
}

// Snapshot captures the current summarized state.
func (c *Checker) Snapshot() Snapshot {
	bridge := domain.BridgeDisconnected
	if c.bridge != nil {
		bridge = c.bridge()
	}
	return Snapshot{
		Uptime:            time.Since(c.started).Round(time.Second).String(),
		Bridge:            bridge,
		ActiveConnections: metrics.GetActiveConnectionsCount(),
		PendingRequests:   metrics.GetPendingRequestsCount(),
		ErrorCount:        metrics.GetErrorCount(),
	}
}
