package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migration is one step of the Postgres schema. Nexus ships the whole
// current schema as a single idempotent step (Schema is all
// CREATE TABLE IF NOT EXISTS), matching the teacher's MigrationManager
// shape (ordered, versioned, tracked in a state table) without needing
// the teacher's JSON-file state store, since Postgres already gives us a
// durable place to record it.
type migration struct {
	ID  string
	SQL string
}

var migrations = []migration{
	{ID: "0001_initial_schema", SQL: Schema},
}

// AppliedMigration records one row of the schema_migrations table.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies and reports on PostgresStore's schema, the
// migration-tool counterpart to the teacher's internal/infra
// MigrationManager, scoped here to the single Conversation Store schema
// instead of the teacher's generic workspace-migration registry.
type Migrator struct {
	pool *pgxpool.Pool
}

// NewMigrator opens its own short-lived pool against dsn so `nexus
// migrate` never needs a running daemon.
func NewMigrator(ctx context.Context, dsn string) (*Migrator, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Migrator{pool: pool}, nil
}

// Close releases the migrator's pool.
func (m *Migrator) Close() {
	m.pool.Close()
}

const migrationsTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	id         TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, migrationsTableDDL)
	return err
}

func (m *Migrator) appliedIDs(ctx context.Context) (map[string]time.Time, error) {
	rows, err := m.pool.Query(ctx, `SELECT id, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		applied[id] = at
	}
	return applied, rows.Err()
}

// Up applies pending migrations in order, stopping after steps of them
// (0 means all) and returns the IDs it applied.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	applied, err := m.appliedIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}

	var done []string
	for _, mig := range migrations {
		if _, ok := applied[mig.ID]; ok {
			continue
		}
		if steps > 0 && len(done) >= steps {
			break
		}

		tx, err := m.pool.Begin(ctx)
		if err != nil {
			return done, fmt.Errorf("begin migration %s: %w", mig.ID, err)
		}
		if _, err := tx.Exec(ctx, mig.SQL); err != nil {
			tx.Rollback(ctx)
			return done, fmt.Errorf("apply migration %s: %w", mig.ID, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (id) VALUES ($1)`, mig.ID); err != nil {
			tx.Rollback(ctx)
			return done, fmt.Errorf("record migration %s: %w", mig.ID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return done, fmt.Errorf("commit migration %s: %w", mig.ID, err)
		}
		done = append(done, mig.ID)
	}
	return done, nil
}

// Status reports which migrations have been applied and which remain
// pending, without applying anything.
func (m *Migrator) Status(ctx context.Context) (applied []AppliedMigration, pending []string, err error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	appliedIDs, err := m.appliedIDs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load applied migrations: %w", err)
	}

	for _, mig := range migrations {
		if at, ok := appliedIDs[mig.ID]; ok {
			applied = append(applied, AppliedMigration{ID: mig.ID, AppliedAt: at})
		} else {
			pending = append(pending, mig.ID)
		}
	}
	return applied, pending, nil
}
