package db

import (
	"database/sql"
	"embed"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/sklog"
)

//go:embed migrations/sqlite migrations/postgres
var migrationFS embed.FS

// Dialect names a supported SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DialectForURL derives the backend and driver DSN from a connection URL.
// Postgres URLs pass through unchanged; anything else is treated as a
// sqlite file path, with an optional sqlite:// prefix.
func DialectForURL(connURL string) (Dialect, string) {
	if strings.HasPrefix(connURL, "postgres://") || strings.HasPrefix(connURL, "postgresql://") {
		return DialectPostgres, connURL
	}
	path := strings.TrimPrefix(connURL, "sqlite://")
	return DialectSQLite, path
}

// Migrate brings the database schema up to the latest version.
func Migrate(sqlDB *sql.DB, dialect Dialect) error {
	sub, err := fs.Sub(migrationFS, "migrations/"+string(dialect))
	if err != nil {
		return skerr.Wrap(err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return skerr.Wrap(err)
	}

	var m *migrate.Migrate
	switch dialect {
	case DialectSQLite:
		driver, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return skerr.Wrap(err)
		}
		m, err = migrate.NewWithInstance("iofs", source, "sqlite", driver)
		if err != nil {
			return skerr.Wrap(err)
		}
	case DialectPostgres:
		driver, err := migratepgx.WithInstance(sqlDB, &migratepgx.Config{})
		if err != nil {
			return skerr.Wrap(err)
		}
		m, err = migrate.NewWithInstance("iofs", source, "postgres", driver)
		if err != nil {
			return skerr.Wrap(err)
		}
	default:
		return skerr.Fmt("unknown dialect %q", dialect)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return skerr.Wrapf(err, "applying migrations")
	}
	version, dirty, err := m.Version()
	if err != nil {
		return skerr.Wrap(err)
	}
	if dirty {
		return skerr.Fmt("database schema is dirty at version %d", version)
	}
	sklog.Infof("Database schema at version %d", version)
	return nil
}
