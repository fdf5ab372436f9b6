// Package store is the bot's single-file persistence layer: a SQLite database
// holding the mail state machine, per-module state blobs, and the inventory
// reservation ledger. All mutation goes through WithTx, which serializes
// writers process-wide and runs IMMEDIATE transactions; readers may use
// concurrent snapshot reads through ReadTx.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the current store layout. Opening a store with an unknown
// version aborts startup.
const SchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS mail (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kmail_id   INTEGER NOT NULL DEFAULT 0,
	state      TEXT    NOT NULL,
	user_id    INTEGER NOT NULL,
	data_blob  TEXT    NOT NULL,
	items_only INTEGER NOT NULL DEFAULT 0,
	error_code INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS mail_state ON mail(state);
CREATE INDEX IF NOT EXISTS mail_user ON mail(user_id, state);

CREATE TABLE IF NOT EXISTS state (
	manager TEXT NOT NULL,
	module  TEXT NOT NULL,
	blob    TEXT NOT NULL,
	PRIMARY KEY (manager, module)
);

CREATE TABLE IF NOT EXISTS inventory (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	iid          INTEGER NOT NULL,
	reserved     INTEGER NOT NULL,
	reserved_by  TEXT    NOT NULL,
	reserve_info INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS inventory_item ON inventory(iid);
CREATE INDEX IF NOT EXISTS inventory_holder ON inventory(reserved_by, reserve_info);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store wraps the SQLite database. The mutex is the process-wide writer lock
// the ledger and mail handler rely on for linearizability.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the store, runs an integrity check, and verifies the
// schema version. Corruption or an unknown version is fatal to startup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: setting busy timeout: %w", err)
	}

	var check string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&check); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: integrity check %s: %w", path, err)
	}
	if check != "ok" {
		db.Close()
		return nil, fmt.Errorf("store: %s is corrupt: %s", path, check)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.checkVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkVersion() error {
	var v int
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&v)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec("INSERT INTO meta (key, value) VALUES ('schema_version', ?)", SchemaVersion)
		if err != nil {
			return fmt.Errorf("store: recording schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("store: reading schema version: %w", err)
	case v != SchemaVersion:
		return fmt.Errorf("store: unsupported schema version %d (want %d)", v, SchemaVersion)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the filesystem path of the store.
func (s *Store) Path() string { return s.path }

// WithTx runs fn inside an IMMEDIATE write transaction while holding the
// process-wide writer lock. An error from fn rolls the transaction back.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// ReadTx runs fn inside a read-only snapshot transaction. Readers do not take
// the writer lock.
func (s *Store) ReadTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin read: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}
