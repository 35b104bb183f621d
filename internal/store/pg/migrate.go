package pg

import (
	"context"
	"fmt"
	"hash/fnv"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/dropDatabas3/syncrelay/internal/observability/logger"
	migrations "github.com/dropDatabas3/syncrelay/migrations/postgres"
)

const migrateLockWait = 30 * time.Second

// migrationLockID derives a deterministic advisory lock ID so that
// concurrent replicas never apply the same migration twice.
func migrationLockID() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("syncrelay:migrate"))
	return int64(h.Sum64())
}

// Migrate applies pending embedded migrations. Applied versions are
// tracked in schema_migrations; the whole run holds an advisory lock.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	lockID := migrationLockID()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("pg: acquire migration conn: %w", err)
	}
	defer conn.Release()

	lctx, cancel := context.WithTimeout(ctx, migrateLockWait)
	defer cancel()

	var got bool
	if err := conn.QueryRow(lctx, "select pg_try_advisory_lock($1)", lockID).Scan(&got); err != nil {
		return 0, fmt.Errorf("pg: try migration lock: %w", err)
	}
	if !got {
		logger.Named("pg").Info("migration lock held elsewhere, waiting")
		if _, err := conn.Exec(lctx, "select pg_advisory_lock($1)", lockID); err != nil {
			return 0, fmt.Errorf("pg: wait migration lock: %w", err)
		}
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), "select pg_advisory_unlock($1)", lockID); err != nil {
			logger.Named("pg").Warn("release migration lock", logger.Err(err))
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT        PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return 0, fmt.Errorf("pg: ensure schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := conn.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return 0, fmt.Errorf("pg: read applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return 0, fmt.Errorf("pg: scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("pg: read applied migrations: %w", err)
	}

	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return 0, fmt.Errorf("pg: list migrations: %w", err)
	}
	sort.Strings(names)

	count := 0
	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		if applied[version] {
			continue
		}
		body, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return count, fmt.Errorf("pg: read migration %s: %w", name, err)
		}

		tx, err := conn.Begin(ctx)
		if err != nil {
			return count, fmt.Errorf("pg: begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(body)); err != nil {
			_ = tx.Rollback(ctx)
			return count, fmt.Errorf("pg: apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			_ = tx.Rollback(ctx)
			return count, fmt.Errorf("pg: record migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return count, fmt.Errorf("pg: commit migration %s: %w", name, err)
		}

		logger.Named("pg").Info("applied migration", logger.String("version", version))
		count++
	}
	return count, nil
}
