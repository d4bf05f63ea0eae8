package application

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tonwhales/tonhub-connect/internal/bridge"
	"github.com/tonwhales/tonhub-connect/internal/config"
	"github.com/tonwhales/tonhub-connect/internal/constants"
	"github.com/tonwhales/tonhub-connect/internal/domain"
	"github.com/tonwhales/tonhub-connect/internal/errors"
	"github.com/tonwhales/tonhub-connect/internal/health"
	"github.com/tonwhales/tonhub-connect/internal/logger"
	"github.com/tonwhales/tonhub-connect/internal/storage"
	"github.com/tonwhales/tonhub-connect/internal/tonconnect"
	"github.com/tonwhales/tonhub-connect/internal/watcher"
	"github.com/tonwhales/tonhub-connect/internal/web"
)

// deferredPublisher breaks the construction cycle between the response
// dispatcher (needs a publisher) and the bridge client (needs the session
// registry the dispatcher is part of). Publishes before the client exists
// fail loudly.
type deferredPublisher struct {
	mu    sync.RWMutex
	inner domain.RelayPublisher
}

func (p *deferredPublisher) set(inner domain.RelayPublisher) {
	p.mu.Lock()
	p.inner = inner
	p.mu.Unlock()
}

func (p *deferredPublisher) Publish(ctx context.Context, from, to string, payload []byte, ttl int) error {
	p.mu.RLock()
	inner := p.inner
	p.mu.RUnlock()
	if inner == nil {
		return fmt.Errorf("relay publisher not ready")
	}
	return inner.Publish(ctx, from, to, payload, ttl)
}

// EngineBuilder incrementally constructs an Engine.
type EngineBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	log    *zap.Logger

	db        *storage.DB
	kv        storage.KV
	store     *tonconnect.Store
	pending   *tonconnect.PendingRequestRegistry
	approvals *web.ApprovalQueue
	publisher *deferredPublisher
	sessions  *tonconnect.SessionRegistry
	bridge    *bridge.Client
	watcher   *watcher.Watcher
	webServer *web.Server
	checker   *health.Checker
}

// NewEngineBuilder creates a builder with its own cancelable context.
func NewEngineBuilder(ctx context.Context, cfg *config.Config) *EngineBuilder {
	c, cancel := context.WithCancel(ctx)
	return &EngineBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
		log:    logger.New("engine"),
	}
}

// BuildStorage connects the durable store, or falls back to the in-memory
// KV when no database is configured.
func (b *EngineBuilder) BuildStorage() error {
	dbURI := b.config.Database.URL
	if dbURI == "" && b.config.Database.Server == "" {
		b.log.Info("No database configured, connections are kept in memory only")
		b.kv = storage.NewMemoryKV()
		return nil
	}

	if dbURI == "" {
		dbURI = fmt.Sprintf("postgres://root@%s:%d/%s?sslmode=disable",
			b.config.Database.Server,
			b.config.Database.Port,
			constants.DatabaseName)
	}

	db, err := storage.InitDB(b.ctx, dbURI, b.config.Bridge.WorkerQueueSize)
	if err != nil {
		return errors.DatabaseConnectionError(err)
	}
	if err := db.CreateDatabaseIfNotExists(b.ctx, constants.DatabaseName); err != nil {
		b.log.Warn("Database creation check failed", zap.Error(err))
	}
	if err := db.InitializeSchema(b.ctx); err != nil {
		db.CloseDB()
		return errors.DatabaseError("initialize_schema", err)
	}

	b.db = db
	b.kv = storage.NewConnectionsKV(db)
	return nil
}

// BuildSessions assembles the per-wallet session machinery: connection
// store, pending registry, approval queue, checkers and the session manager
// registry.
func (b *EngineBuilder) BuildSessions() error {
	wallet := b.config.Wallet
	if wallet.Address == "" {
		return errors.ConfigurationError("wallet.ADDRESS", "wallet address is required")
	}

	network := tonconnect.NetworkMainnet
	if wallet.Network == "testnet" {
		network = tonconnect.NetworkTestnet
	}

	b.store = tonconnect.NewStore(b.kv, wallet.Address)
	b.pending = tonconnect.NewPendingRequestRegistry()
	b.approvals = web.NewApprovalQueue()
	b.publisher = &deferredPublisher{}

	b.sessions = tonconnect.NewSessionRegistry(tonconnect.ManagerDeps{
		Store:      b.store,
		Registry:   b.pending,
		Dispatcher: tonconnect.NewResponseDispatcher(b.publisher, b.config.Bridge.MessageTTL),
		Manifests:  tonconnect.NewManifestResolver(),
		Approver:   b.approvals,
		TxChecker:  tonconnect.NewTransactionChecker(wallet.MaxMessages, network),
		SignData:   tonconnect.NewSignDataChecker(),
		Identity: tonconnect.WalletIdentity{
			Address:         wallet.Address,
			Network:         network,
			PublicKey:       wallet.PublicKey,
			WalletStateInit: wallet.StateInit,
		},
		Device: tonconnect.BuildDeviceInfo(wallet.AppVersion, wallet.MaxMessages),
	})
	return nil
}

// BuildBridge creates the relay client and closes the publisher loop.
func (b *EngineBuilder) BuildBridge() {
	b.bridge = bridge.NewClient(b.config.Bridge, b.sessions)
	b.publisher.set(b.bridge)

	// connection changes resubscribe the relay watch set
	b.store.OnChange(func(string) {
		b.bridge.RefreshSessions()
	})
}

// BuildWatcher creates the pending-request feed client.
func (b *EngineBuilder) BuildWatcher() {
	b.watcher = watcher.New(b.config.Bridge, b.config.Wallet.Address, b.pending)
}

// BuildWeb creates the admin API server and its health checker.
func (b *EngineBuilder) BuildWeb() {
	var pinger health.DatabasePinger
	if b.db != nil {
		pinger = b.db
	}
	b.checker = health.NewChecker(pinger, b.bridge.Status)

	b.webServer = web.NewServer(
		b.config.Web,
		b.sessions,
		b.pending,
		b.approvals,
		b.bridge.Status,
		b.watcher.Status,
		b.checker.Check,
	)
}

// Build assembles the final Engine.
func (b *EngineBuilder) Build() (*Engine, error) {
	if b.sessions == nil || b.bridge == nil || b.watcher == nil {
		return nil, fmt.Errorf("engine builder incomplete")
	}
	return &Engine{
		ctx:       b.ctx,
		cancel:    b.cancel,
		config:    b.config,
		db:        b.db,
		store:     b.store,
		pending:   b.pending,
		approvals: b.approvals,
		Sessions:  b.sessions,
		Bridge:    b.bridge,
		Watcher:   b.watcher,
		Web:       b.webServer,
		Health:    b.checker,
		log:       logger.New("engine"),
	}, nil
}
