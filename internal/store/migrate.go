package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/hfsslive/trackcore/internal/obslog"
)

// migrateUp applies any pending migrations from the embedded migrations
// directory. It is a no-op if the database is already at the latest
// version, and is always run after schema.sql has initialized a fresh
// database so the schema_migrations table is baselined correctly.
func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(s.DB, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	obslog.Logf("store: schema is current")
	return nil
}

// Version reports the current migration version, for the /health endpoint.
func (s *Store) Version() (uint, bool, error) {
	var version sql.NullInt64
	var dirty sql.NullBool
	err := s.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if err != nil {
		return 0, false, err
	}
	return uint(version.Int64), dirty.Bool, nil
}
