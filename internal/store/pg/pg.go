// Package pg implements the transaction provider on PostgreSQL via
// pgx. Schema lives in migrations/postgres.
package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/syncrelay/internal/observability/logger"
	"github.com/dropDatabas3/syncrelay/internal/protocol"
	"github.com/dropDatabas3/syncrelay/internal/store"
)

type Store struct {
	pool *pgxpool.Pool
}

// Tuning mirrors the storage.postgres config block.
type Tuning struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime string
}

// New creates a pgx-backed provider. Startup ping is non-blocking: a
// temporarily unreachable database does not prevent the process from
// starting.
func New(ctx context.Context, dsn string, t Tuning) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: parse dsn: %w", err)
	}

	if t.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(t.MaxOpenConns)
	}
	// MaxIdleConns maps to MinConns in pgxpool terms
	if t.MaxIdleConns > 0 {
		pcfg.MinConns = int32(t.MaxIdleConns)
	}
	if t.ConnMaxLifetime != "" {
		if d, err := time.ParseDuration(t.ConnMaxLifetime); err == nil {
			pcfg.MaxConnLifetime = d
			pcfg.MaxConnIdleTime = d
		}
	}
	if pcfg.MaxConns == 0 {
		pcfg.MaxConns = 8
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pg: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		logger.Named("pg").Warn("startup ping failed", logger.Err(err))
	} else {
		logger.Named("pg").Info("pool ready", logger.Int("max_conns", int(pcfg.MaxConns)))
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Transaction(ctx context.Context, clientGroupID, clientID string, fn func(tx store.Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return &store.OpenError{Err: err}
	}
	defer pgtx.Rollback(ctx)

	t := &tx{pgtx: pgtx, clientGroupID: clientGroupID, clientID: clientID}
	if err := fn(t); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("pg: commit: %w", err)
	}
	return nil
}

type tx struct {
	pgtx          pgx.Tx
	clientGroupID string
	clientID      string
}

func (t *tx) UpdateClientMutationID(ctx context.Context) (int64, error) {
	var lmid int64
	err := t.pgtx.QueryRow(ctx, `
		INSERT INTO sync_client (client_group_id, client_id, last_mutation_id)
		VALUES ($1, $2, 1)
		ON CONFLICT (client_group_id, client_id)
		DO UPDATE SET last_mutation_id = sync_client.last_mutation_id + 1
		RETURNING last_mutation_id`,
		t.clientGroupID, t.clientID,
	).Scan(&lmid)
	if err != nil {
		return 0, fmt.Errorf("pg: update client mutation id: %w", err)
	}
	return lmid, nil
}

func (t *tx) WriteMutationResult(ctx context.Context, r protocol.MutationResult) error {
	_, err := t.pgtx.Exec(ctx, `
		INSERT INTO mutation_result (client_group_id, client_id, mutation_id, error, message, details, data, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, now())
		ON CONFLICT (client_group_id, client_id, mutation_id)
		DO UPDATE SET error = EXCLUDED.error, message = EXCLUDED.message, details = EXCLUDED.details, data = EXCLUDED.data`,
		t.clientGroupID, t.clientID, r.ID.ID,
		string(r.Result.Error), r.Result.Message, []byte(r.Result.Details), []byte(r.Result.Data),
	)
	if err != nil {
		return fmt.Errorf("pg: write mutation result: %w", err)
	}
	return nil
}

func (t *tx) AppGet(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := t.pgtx.QueryRow(ctx, `SELECT value FROM app_data WHERE key = $1`, key).Scan(&v)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pg: app get: %w", err)
	}
	return v, true, nil
}

func (t *tx) AppSet(ctx context.Context, key string, value []byte) error {
	_, err := t.pgtx.Exec(ctx, `
		INSERT INTO app_data (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("pg: app set: %w", err)
	}
	return nil
}

func (t *tx) AppDelete(ctx context.Context, key string) error {
	if _, err := t.pgtx.Exec(ctx, `DELETE FROM app_data WHERE key = $1`, key); err != nil {
		return fmt.Errorf("pg: app delete: %w", err)
	}
	return nil
}
