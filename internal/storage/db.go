package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tonwhales/tonhub-connect/internal/constants"
	"github.com/tonwhales/tonhub-connect/internal/logger"
	"github.com/tonwhales/tonhub-connect/internal/metrics"

	"go.uber.org/zap"
)

// DBState represents the current state of the database connection
type DBState int

const (
	DBStateInitial DBState = iota
	DBStateConnecting
	DBStateConnected
	DBStateDisconnecting
	DBStateClosed
)

// DB represents the PostgreSQL connection backing the connection store
type DB struct {
	Pool       *pgxpool.Pool
	state      DBState
	stateMu    sync.RWMutex
	errors     chan error
	errorCount int32
	errorMu    sync.RWMutex
}

// createPoolBasedOnLoad sizes the pool from the configured ceiling of
// concurrently tracked bridge sessions.
func createPoolBasedOnLoad(ctx context.Context, dbURI string, maxSessions int) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}

	var maxConns, minConns int32
	var scaleType string

	if maxSessions <= 200 {
		// Small scale: development, testing, single-wallet deployments
		maxConns = int32(constants.DBPoolSmallMaxConns)
		minConns = int32(constants.DBPoolSmallMinConns)
		scaleType = "small"
	} else if maxSessions <= 2000 {
		// Medium scale: typical production deployments
		maxConns = int32(constants.DBPoolMediumMaxConns)
		minConns = int32(constants.DBPoolMediumMinConns)
		scaleType = "medium"
	} else {
		// Large scale: many wallets behind one daemon
		maxConns = int32(constants.DBPoolLargeMaxConns)
		minConns = int32(constants.DBPoolLargeMinConns)
		scaleType = "large"
	}

	config.MaxConns = maxConns
	config.MinConns = minConns
	config.MaxConnLifetime = constants.DBConnMaxLifetime
	config.MaxConnIdleTime = constants.DBConnMaxIdleTime
	config.ConnConfig.ConnectTimeout = constants.DBConnAcquireTimeout
	config.HealthCheckPeriod = 30 * time.Second

	logger.Info("Database connection pool configured based on load",
		zap.String("scale_type", scaleType),
		zap.Int("max_sessions", maxSessions),
		zap.Int32("db_max_conns", maxConns),
		zap.Int32("db_min_conns", minConns),
		zap.Duration("max_lifetime", constants.DBConnMaxLifetime),
		zap.Duration("max_idle_time", constants.DBConnMaxIdleTime))

	return pgxpool.NewWithConfig(ctx, config)
}

// InitDB initializes the database connection with retries and load-based pooling
func InitDB(ctx context.Context, dbURI string, maxSessions int) (*DB, error) {
	var pool *pgxpool.Pool
	var err error
	backoff := 2 * time.Second
	attempts := 0

	db := &DB{
		state:  DBStateConnecting,
		errors: make(chan error, 100),
	}

	for i := 0; i < 5; i++ {
		attempts++
		pool, err = createPoolBasedOnLoad(ctx, dbURI, maxSessions)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				db.Pool = pool
				db.state = DBStateConnected

				stat := pool.Stat()
				logger.Info("✅ DB Connected Successfully",
					zap.Int("attempts", attempts),
					zap.Int("max_sessions", maxSessions),
					zap.Int32("db_max_connections", stat.MaxConns()),
					zap.Int32("db_total_connections", stat.TotalConns()))
				metrics.DBConnections.WithLabelValues("success").Inc()
				return db, nil
			}
			pool.Close()
		}

		logger.Warn("Failed to connect to DB, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff))
		metrics.DBConnections.WithLabelValues("failure").Inc()
		time.Sleep(backoff)
		backoff *= 2
	}

	db.state = DBStateClosed
	metrics.DBErrors.WithLabelValues("connection_failed").Inc()
	return nil, fmt.Errorf("failed to connect to DB after %d attempts: %w", attempts, err)
}

// CloseDB closes the database connection
func (db *DB) CloseDB() error {
	db.stateMu.Lock()
	if db.state == DBStateDisconnecting || db.state == DBStateClosed {
		db.stateMu.Unlock()
		return nil
	}
	db.state = DBStateDisconnecting
	db.stateMu.Unlock()

	if db.Pool != nil {
		db.Pool.Close()
		db.state = DBStateClosed
		logger.Debug("Database connection closed")
		metrics.DBConnections.WithLabelValues("closed").Inc()
		return nil
	}

	return fmt.Errorf("database pool is nil")
}

// ExecuteQuery handles single-row queries (SELECT)
func (db *DB) ExecuteQuery(ctx context.Context, query string, args ...interface{}) (pgx.Row, error) {
	if !db.isConnected() {
		return nil, fmt.Errorf("database is not connected")
	}
	return db.Pool.QueryRow(ctx, query, args...), nil
}

// ExecuteCommand handles INSERT, UPDATE, DELETE commands
func (db *DB) ExecuteCommand(ctx context.Context, query string, args ...interface{}) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	_, err := db.Pool.Exec(ctx, query, args...)
	if err != nil {
		db.recordError(fmt.Errorf("command execution failed: %w", err))
		logger.Error("Command execution failed",
			zap.Error(err),
			zap.String("query", query))
		metrics.DBErrors.WithLabelValues("command_execution_failed").Inc()
	}
	return err
}

// isConnected checks if the database is in a connected state
func (db *DB) isConnected() bool {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.state == DBStateConnected
}

// recordError records an error in the database service
func (db *DB) recordError(err error) {
	db.errorMu.Lock()
	db.errorCount++
	count := db.errorCount
	db.errorMu.Unlock()

	select {
	case db.errors <- err:
	default:
		logger.Error("Database error (channel full)",
			zap.Error(err),
			zap.Int32("error_count", count))
	}
}

// Ping checks database connectivity
func (db *DB) Ping() error {
	if db.Pool == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return db.Pool.Ping(ctx)
}

// Stats returns database connection pool statistics
func (db *DB) Stats() DatabaseStats {
	if db.Pool == nil {
		return DatabaseStats{}
	}

	stat := db.Pool.Stat()
	return DatabaseStats{
		OpenConnections:    int(stat.TotalConns()),
		InUse:              int(stat.AcquiredConns()),
		Idle:               int(stat.IdleConns()),
		MaxOpenConnections: int(stat.MaxConns()),
	}
}

// DatabaseStats represents database connection pool statistics
type DatabaseStats struct {
	OpenConnections    int
	InUse              int
	Idle               int
	MaxOpenConnections int
}
