// Package store implements the relational Store described in spec §3/§6: a
// races/flights/points schema with triggers maintaining each flight's
// denormalized first_fix/last_fix/total_points. The Store itself is
// documented as an external collaborator, but this module still needs a
// concrete client to exercise the invariants, so it is implemented against
// an embeddable SQL engine the way the teacher implements its own local
// store (embedded schema.sql + golang-migrate migrations).
package store

import (
	"database/sql"
	"embed"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/hfsslive/trackcore/internal/obslog"
)

//go:embed schema.sql
var schemaSQL string

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a *sql.DB opened against modernc.org/sqlite. A process holds
// two Stores: Primary (writes, and reads when no replica is configured) and
// Replica (read-only fan-out queries), per spec §5's "dual-database"
// routing note.
type Store struct {
	*sql.DB
}

// Open opens (creating if necessary) a database at uri, applies pragmas,
// and ensures the schema is current: a fresh database is initialized from
// the embedded schema.sql and baselined at the latest migration version; an
// existing database has pending migrations applied via golang-migrate.
func Open(uri string) (*Store, error) {
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", uri, err)
	}
	if err := applyPragmas(db); err != nil {
		return nil, err
	}
	s := &Store{db}

	fresh, err := s.isFresh()
	if err != nil {
		return nil, err
	}
	if fresh {
		if _, err := db.Exec(schemaSQL); err != nil {
			return nil, fmt.Errorf("store: initialize schema: %w", err)
		}
		obslog.Logf("store: initialized fresh database at %s", uri)
	}

	if err := s.migrateUp(); err != nil {
		return nil, fmt.Errorf("store: apply migrations: %w", err)
	}
	return s, nil
}

// OpenReadOnly opens a Store intended only for read queries (the fan-out
// hub's replica connection). It still runs through Open so schema setup is
// consistent if the replica URI happens to point at a not-yet-initialized
// file, which is the common case for a single-file sqlite deployment where
// "replica" is configured identically to primary.
func OpenReadOnly(uri string) (*Store, error) {
	return Open(uri)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) isFresh() (bool, error) {
	var count int
	err := s.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: inspect schema: %w", err)
	}
	return count == 0, nil
}
