package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
)

// sqlSchemas embeds the SQL migration files so a silo binary carries its own
// schema.
//
//go:embed migrations/*.sql
var sqlSchemas embed.FS

const (
	// LatestMigrationVersion is the latest migration version of the
	// database, used to implement downgrade protection for the daemon.
	//
	// NOTE: This MUST be updated when a new migration is added.
	LatestMigrationVersion uint = 1
)

// ErrMigrationDowngrade is returned when the database on disk is newer than
// the migrations compiled into the binary.
var ErrMigrationDowngrade = errors.New("database downgrade detected")

// MigrationTarget selects which version ApplyMigrations migrates to.
type MigrationTarget func(mig *migrate.Migrate) error

var (
	// TargetLatest migrates to the latest version available.
	TargetLatest = func(mig *migrate.Migrate) error {
		return mig.Up()
	}

	// TargetVersion returns a MigrationTarget that migrates to the given
	// version.
	TargetVersion = func(version uint) MigrationTarget {
		return func(mig *migrate.Migrate) error {
			return mig.Migrate(version)
		}
	}
)

// migrationLogger adapts the package logger to the migrate.Logger interface.
type migrationLogger struct{}

// Printf implements the migrate.Logger interface.
func (m *migrationLogger) Printf(format string, v ...any) {
	log.Infof(strings.TrimRight(format, "\n"), v...)
}

// Verbose returns true when verbose logging is enabled.
func (m *migrationLogger) Verbose() bool {
	return true
}

// ApplyMigrations brings the schema of the given database up (or down) to
// the target version, refusing to run against a database that is newer than
// the binary or left dirty by a failed migration.
func ApplyMigrations(db *sql.DB, target MigrationTarget) error {
	driver, err := migsqlite.WithInstance(db, &migsqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	src, err := httpfs.New(http.FS(sqlSchemas), "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}

	mig, err := migrate.NewWithInstance("migrations", src, "hive", driver)
	if err != nil {
		return err
	}
	mig.Log = &migrationLogger{}

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("unable to determine current migration "+
			"version: %w", err)
	}

	// A dirty version means a previous migration did not complete and
	// the database needs manual intervention.
	if dirty {
		return fmt.Errorf("database is in a dirty state at version "+
			"%v, manual intervention required", version)
	}

	// Down migrations may drop data, so refuse to run an old binary
	// against a newer database.
	if version > LatestMigrationVersion {
		return fmt.Errorf("%w: db_version=%v, "+
			"latest_migration_version=%v", ErrMigrationDowngrade,
			version, LatestMigrationVersion)
	}

	if err := target(mig); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, _, err = mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("unable to get db version after "+
			"migration: %w", err)
	}
	log.Infof("Database at migration version %v", version)

	return nil
}
