// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/maintgate/internal/model"
	"github.com/alfredjeanlab/maintgate/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return newWithDB(db), nil
}

func newWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Get(ctx context.Context) (*model.MaintenanceState, error) {
	st, err := queryGetState(ctx, s.db)
	if err != nil {
		return nil, model.Unavailable("get maintenance state", err)
	}
	return st, nil
}

func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	return model.Unavailable("bootstrap maintenance state", queryBootstrap(ctx, s.db))
}

func (s *PostgresStore) History(ctx context.Context, limit int) ([]*model.Revision, error) {
	revs, err := queryHistory(ctx, s.db, limit)
	if err != nil {
		return nil, model.Unavailable("list maintenance history", err)
	}
	return revs, nil
}

// Set runs the compare-and-set and the history insert in one transaction, so
// a conflicting or failed write leaves no trace.
func (s *PostgresStore) Set(ctx context.Context, next *model.MaintenanceState, expectedRevision int64) (*model.MaintenanceState, error) {
	if expectedRevision < 0 {
		return nil, model.ErrConflict
	}

	st := next.Clone().Normalize()
	st.UpdatedAt = s.now()

	err := s.runInTransaction(ctx, func(tx executor) error {
		if err := queryBootstrap(ctx, tx); err != nil {
			return model.Unavailable("bootstrap maintenance state", err)
		}
		rev, err := queryCompareAndSet(ctx, tx, st, expectedRevision)
		if err != nil {
			return err
		}
		st.Revision = rev
		if err := queryInsertHistory(ctx, tx, st); err != nil {
			return model.Unavailable("record maintenance history", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// runInTransaction begins a database transaction, calls fn, and commits on
// success or rolls back on error.
func (s *PostgresStore) runInTransaction(ctx context.Context, fn func(tx executor) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Unavailable("begin transaction", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return model.Unavailable("commit transaction", err)
	}
	return nil
}
