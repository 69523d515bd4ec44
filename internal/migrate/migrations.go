package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed sql/sqlite/*.sql sql/postgres/*.sql
var migrationsFS embed.FS

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func provider(db *sql.DB, dialect Dialect) (*goose.Provider, error) {
	var gd goose.Dialect
	switch dialect {
	case SQLite:
		gd = goose.DialectSQLite3
	case Postgres:
		gd = goose.DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	fsys, err := fs.Sub(migrationsFS, "sql/"+string(dialect))
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(gd, db, fsys)
}

// Up applies every pending embedded migration and returns the schema version.
func Up(ctx context.Context, db *sql.DB, dialect Dialect) (int64, error) {
	p, err := provider(db, dialect)
	if err != nil {
		return 0, err
	}
	if _, err := p.Up(ctx); err != nil {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	return p.GetDBVersion(ctx)
}

// Status lists every known migration with its applied state.
func Status(ctx context.Context, db *sql.DB, dialect Dialect) ([]*goose.MigrationStatus, error) {
	p, err := provider(db, dialect)
	if err != nil {
		return nil, err
	}
	return p.Status(ctx)
}

// Migrate applies the sqlite migrations.
func Migrate(db *sql.DB) error {
	_, err := Up(context.Background(), db, SQLite)
	return err
}
