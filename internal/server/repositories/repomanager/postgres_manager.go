// Package repomanager vends SQL-backed repository implementations and runs
// the embedded goose migrations. The same queries serve PostgreSQL (pgx) and
// embedded SQLite; only the goose dialect differs.
package repomanager

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/memoryweaver/internal/dbx"
	"github.com/dmitrijs2005/memoryweaver/internal/server/migrations"
	"github.com/dmitrijs2005/memoryweaver/internal/server/repositories/files"
	"github.com/dmitrijs2005/memoryweaver/internal/server/repositories/memories"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Supported database drivers, as accepted by Open.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// PostgresRepositoryManager vends repositories bound to a DBTX.
type PostgresRepositoryManager struct {
	dialect string
}

// Memories returns a memories.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Memories(db dbx.DBTX) memories.Repository {
	return memories.NewPostgresRepository(db)
}

// Files returns a files.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Files(db dbx.DBTX) files.Repository {
	return files.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect(m.dialect); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return err
	}
	return nil
}

// NewPostgresRepositoryManager constructs a PostgreSQL-backed RepositoryManager.
func NewPostgresRepositoryManager(db *sql.DB) (RepositoryManager, error) {
	return &PostgresRepositoryManager{dialect: "pgx"}, nil
}

// NewSQLiteRepositoryManager constructs a manager for an embedded SQLite
// database.
func NewSQLiteRepositoryManager(db *sql.DB) (RepositoryManager, error) {
	return &PostgresRepositoryManager{dialect: "sqlite3"}, nil
}

// Open connects to the metadata database and returns a matching manager.
// SQLite connections get foreign keys switched on so file rows cascade
// with their memory.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, RepositoryManager, error) {
	switch driver {
	case DriverPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		m, err := NewPostgresRepositoryManager(db)
		return db, m, err
	case DriverSQLite:
		db, err := sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		// one writer serializes transactions on a single connection
		db.SetMaxOpenConns(1)
		m, err := NewSQLiteRepositoryManager(db)
		return db, m, err
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// sqliteDSN asks the driver to enable foreign keys on every connection it
// opens, so cascades survive the pool replacing a connection.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}
