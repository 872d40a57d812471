// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the tables the store writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS task_results (
    id           UUID PRIMARY KEY,
    task_id      TEXT NOT NULL,
    task_name    TEXT NOT NULL,
    method       TEXT NOT NULL,
    item_count   INTEGER NOT NULL,
    completed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS task_results_task_idx ON task_results (task_id, completed_at DESC);
CREATE TABLE IF NOT EXISTS result_items (
    result_id UUID NOT NULL REFERENCES task_results (id) ON DELETE CASCADE,
    position  INTEGER NOT NULL,
    data      JSONB NOT NULL,
    PRIMARY KEY (result_id, position)
);
CREATE TABLE IF NOT EXISTS pool_identities (
    id         TEXT PRIMARY KEY,
    data       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS pool_proxies (
    id         TEXT PRIMARY KEY,
    data       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);`

const (
	sqlInsertResult = `
        INSERT INTO task_results (id, task_id, task_name, method, item_count, completed_at)
        VALUES ($1, $2, $3, $4, $5, $6);
    `
	sqlLatestItems = `
        SELECT i.data
        FROM result_items i
        JOIN (
            SELECT id FROM task_results
            WHERE task_id = $1
            ORDER BY completed_at DESC
            LIMIT 1
        ) r ON i.result_id = r.id
        ORDER BY i.position ASC;
    `
	sqlUpsertIdentity = `
        INSERT INTO pool_identities (id, data, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET
            data = EXCLUDED.data,
            updated_at = EXCLUDED.updated_at;
    `
	sqlUpsertProxy = `
        INSERT INTO pool_proxies (id, data, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET
            data = EXCLUDED.data,
            updated_at = EXCLUDED.updated_at;
    `
	sqlLoadIdentities = `SELECT data FROM pool_identities ORDER BY id;`
	sqlLoadProxies    = `SELECT data FROM pool_proxies ORDER BY id;`
)

var resultItemColumns = []string{"result_id", "position", "data"}

// Store is the PostgreSQL result sink and pool store.
type Store struct {
	pool  DBPool
	log   *zap.Logger
	newID func() string
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:  pool,
		log:   logger.Named("store"),
		newID: uuid.NewString,
	}, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, rolling back unless it commits.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Save writes one result row and its items in a single transaction.
func (s *Store) Save(ctx context.Context, result schemas.TaskResult) error {
	id := s.newID()
	rows := make([][]any, len(result.Items))
	for i, item := range result.Items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to encode item %d: %w", i, err)
		}
		rows[i] = []any{id, i, data}
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sqlInsertResult,
			id, result.TaskID, result.TaskName, string(result.Method), len(result.Items), result.CompletedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to insert result: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"result_items"}, resultItemColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy result items: %w", err)
		}
		if int(n) != len(rows) {
			return fmt.Errorf("mismatch in copied item count: expected %d, got %d", len(rows), n)
		}
		return nil
	})
}

// Latest returns the items of the most recent result for taskID.
func (s *Store) Latest(ctx context.Context, taskID string) ([]schemas.Item, error) {
	rows, err := s.pool.Query(ctx, sqlLatestItems, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	items := []schemas.Item{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		var item schemas.Item
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("failed to decode item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return items, nil
}

// SaveIdentities upserts identity records.
func (s *Store) SaveIdentities(ctx context.Context, identities []schemas.Identity) error {
	ids := make([]string, len(identities))
	records := make([]any, len(identities))
	for i, ident := range identities {
		ids[i], records[i] = ident.ID, ident
	}
	return s.upsert(ctx, sqlUpsertIdentity, "identity", ids, records)
}

// SaveProxies upserts proxy records, health included.
func (s *Store) SaveProxies(ctx context.Context, proxies []schemas.Proxy) error {
	ids := make([]string, len(proxies))
	records := make([]any, len(proxies))
	for i, p := range proxies {
		ids[i], records[i] = p.ID, p
	}
	return s.upsert(ctx, sqlUpsertProxy, "proxy", ids, records)
}

func (s *Store) upsert(ctx context.Context, sql, kind string, ids []string, records []any) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for i, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s: %w", kind, ids[i], err)
		}
		batch.Queue(sql, ids[i], data, now)
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		if br == nil {
			return fmt.Errorf("failed to send batch: batch results is nil")
		}
		defer func() { _ = br.Close() }()

		for i := range records {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("failed to upsert %s %s: %w", kind, ids[i], err)
			}
		}
		return nil
	})
}

// LoadIdentities reads every stored identity.
func (s *Store) LoadIdentities(ctx context.Context) ([]schemas.Identity, error) {
	return load[schemas.Identity](ctx, s.pool, sqlLoadIdentities)
}

// LoadProxies reads every stored proxy.
func (s *Store) LoadProxies(ctx context.Context) ([]schemas.Proxy, error) {
	return load[schemas.Proxy](ctx, s.pool, sqlLoadProxies)
}

func load[T any](ctx context.Context, pool DBPool, sql string) ([]T, error) {
	rows, err := pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to query pool records: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan pool record: %w", err)
		}
		var rec T
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode pool record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
