package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/tonwhales/tonhub-connect/internal/metrics"
)

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("storage: record not found")

// KV is the persistence contract of the connection store. Keys are
// (wallet address, dApp endpoint) pairs; values are opaque JSON payloads.
type KV interface {
	Get(ctx context.Context, address, endpoint string) ([]byte, error)
	Put(ctx context.Context, address, endpoint string, record []byte) error
	Delete(ctx context.Context, address, endpoint string) error
	List(ctx context.Context, address string) (map[string][]byte, error)
}

// ConnectionsKV implements KV on top of the connections table.
type ConnectionsKV struct {
	db *DB
}

// NewConnectionsKV returns a KV backed by the database.
func NewConnectionsKV(db *DB) *ConnectionsKV {
	return &ConnectionsKV{db: db}
}

// Get returns the record for (address, endpoint) or ErrNotFound.
func (kv *ConnectionsKV) Get(ctx context.Context, address, endpoint string) ([]byte, error) {
	row, err := kv.db.ExecuteQuery(ctx,
		`SELECT record FROM connections WHERE address = $1 AND endpoint = $2`,
		address, endpoint)
	if err != nil {
		return nil, err
	}

	var record []byte
	if err := row.Scan(&record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		metrics.DBErrors.WithLabelValues("query_failed").Inc()
		return nil, err
	}
	metrics.DBOperations.WithLabelValues("get").Inc()
	return record, nil
}

// Put upserts the record for (address, endpoint).
func (kv *ConnectionsKV) Put(ctx context.Context, address, endpoint string, record []byte) error {
	err := kv.db.ExecuteCommand(ctx,
		`INSERT INTO connections (address, endpoint, record, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (address, endpoint)
		 DO UPDATE SET record = EXCLUDED.record, updated_at = now()`,
		address, endpoint, record)
	if err != nil {
		return err
	}
	metrics.DBOperations.WithLabelValues("put").Inc()
	return nil
}

// Delete removes the record for (address, endpoint). Deleting a missing
// record is not an error.
func (kv *ConnectionsKV) Delete(ctx context.Context, address, endpoint string) error {
	err := kv.db.ExecuteCommand(ctx,
		`DELETE FROM connections WHERE address = $1 AND endpoint = $2`,
		address, endpoint)
	if err != nil {
		return err
	}
	metrics.DBOperations.WithLabelValues("delete").Inc()
	return nil
}

// List returns every record of one wallet address keyed by endpoint.
func (kv *ConnectionsKV) List(ctx context.Context, address string) (map[string][]byte, error) {
	if !kv.db.isConnected() {
		return nil, errors.New("database is not connected")
	}

	rows, err := kv.db.Pool.Query(ctx,
		`SELECT endpoint, record FROM connections WHERE address = $1`, address)
	if err != nil {
		metrics.DBErrors.WithLabelValues("query_failed").Inc()
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var endpoint string
		var record []byte
		if err := rows.Scan(&endpoint, &record); err != nil {
			return nil, err
		}
		out[endpoint] = record
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	metrics.DBOperations.WithLabelValues("list").Inc()
	return out, nil
}
