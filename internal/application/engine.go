package application

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tonwhales/tonhub-connect/internal/bridge"
	"github.com/tonwhales/tonhub-connect/internal/config"
	"github.com/tonwhales/tonhub-connect/internal/health"
	"github.com/tonwhales/tonhub-connect/internal/metrics"
	"github.com/tonwhales/tonhub-connect/internal/storage"
	"github.com/tonwhales/tonhub-connect/internal/tonconnect"
	"github.com/tonwhales/tonhub-connect/internal/watcher"
	"github.com/tonwhales/tonhub-connect/internal/web"
)

// Engine ties together the components of the wallet-side connect daemon:
// storage, session managers, the relay client, the pending-request watcher
// and the admin API.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	db        *storage.DB
	store     *tonconnect.Store
	pending   *tonconnect.PendingRequestRegistry
	approvals *web.ApprovalQueue

	Sessions *tonconnect.SessionRegistry
	Bridge   *bridge.Client
	Watcher  *watcher.Watcher
	Web      *web.Server
	Health   *health.Checker

	metricsServer *http.Server
	log           *zap.Logger
}

// New builds a fully wired engine from configuration.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	builder := NewEngineBuilder(ctx, cfg)

	if err := builder.BuildStorage(); err != nil {
		return nil, fmt.Errorf("failed building storage: %w", err)
	}
	if err := builder.BuildSessions(); err != nil {
		return nil, fmt.Errorf("failed building sessions: %w", err)
	}
	builder.BuildBridge()
	builder.BuildWatcher()
	builder.BuildWeb()

	engine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}
	return engine, nil
}

// Start launches every component. Blocking work happens in goroutines; the
// call returns once everything is spinning.
func (e *Engine) Start() error {
	metrics.RegisterMetrics()

	// sync the connection gauge with what storage already holds
	if _, err := e.store.List(e.ctx); err != nil {
		e.log.Warn("Initial connection load failed", zap.Error(err))
	}

	e.Bridge.Start(e.ctx)
	e.Watcher.Start(e.ctx)

	if e.config.Web.Enabled {
		e.Web.Start()
	}
	if e.config.Metrics.Enabled {
		e.startMetricsServer()
	}

	e.log.Info("Engine started",
		zap.String("instance", e.config.General.InstanceName),
		zap.String("address", e.config.Wallet.Address),
		zap.String("network", e.config.Wallet.Network))
	return nil
}

func (e *Engine) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	e.metricsServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", e.config.Metrics.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		e.log.Info("Metrics server listening", zap.Int("port", e.config.Metrics.Port))
		if err := e.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// HandleConnectURL forwards a TonConnect universal link to the bridge
// client. Exposed for local integrations (deep link handlers).
func (e *Engine) HandleConnectURL(ctx context.Context, rawURL string) (tonconnect.ConnectEvent, error) {
	return e.Bridge.HandleConnectURL(ctx, rawURL)
}

// Shutdown stops every component gracefully, storage last.
func (e *Engine) Shutdown() {
	e.log.Info("Initiating graceful shutdown...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if e.Web != nil {
		if err := e.Web.Stop(shutdownCtx); err != nil {
			e.log.Warn("Admin API shutdown failed", zap.Error(err))
		} else {
			e.log.Debug("✅ Admin API stopped")
		}
	}
	if e.metricsServer != nil {
		if err := e.metricsServer.Shutdown(shutdownCtx); err != nil {
			e.log.Warn("Metrics server shutdown failed", zap.Error(err))
		} else {
			e.log.Debug("✅ Metrics server stopped")
		}
	}

	e.Watcher.Stop()
	e.log.Debug("✅ Watcher stopped")

	e.Bridge.Stop()
	e.log.Debug("✅ Bridge client stopped")

	e.cancel()

	if e.db != nil {
		if err := e.db.CloseDB(); err != nil {
			e.log.Warn("Database close failed", zap.Error(err))
		} else {
			e.log.Debug("✅ Database closed")
		}
	}
	e.log.Info("Shutdown complete")
}
