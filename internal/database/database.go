// Package database provides the SQLite connection and migration runner
// backing the local message cache.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidemail/core/internal/logging"
	_ "modernc.org/sqlite"
)

// Connection pool constants.
const (
	// MaxOpenConns limits concurrent connections. SQLite with WAL mode only
	// supports one writer at a time, so many connections just increase lock
	// contention; this is kept modest.
	MaxOpenConns = 8

	// BaseIdleConns is the minimum number of idle connections kept warm.
	BaseIdleConns = 2

	// MaxIdleConns caps idle connections to bound memory usage.
	MaxIdleConns = 4

	// IdleConnsPerAccount is the extra idle connection kept per configured
	// account.
	IdleConnsPerAccount = 1

	// CheckpointInterval is how often the background WAL checkpoint runs.
	CheckpointInterval = 5 * time.Minute
)

// DB wraps the SQL connection used by the cache actor.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates the SQLite database at path, applying the pragmas
// the cache relies on (WAL mode, foreign keys, a generous busy timeout so
// the single-writer cache actor never trips SQLITE_BUSY against a reader).
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// PRAGMAs are per-connection and database/sql opens connections lazily,
	// so they're embedded in the DSN to guarantee every pooled connection
	// gets the same configuration.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(BaseIdleConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set database permissions: %w", err)
	}

	return &DB{DB: db, path: path}, nil
}

// UpdateIdleConns scales idle connections with the number of configured
// accounts. Call this whenever an account is added or removed.
func (db *DB) UpdateIdleConns(numAccounts int) {
	log := logging.WithComponent("database")

	idleConns := BaseIdleConns + numAccounts*IdleConnsPerAccount
	if idleConns < BaseIdleConns {
		idleConns = BaseIdleConns
	}
	if idleConns > MaxIdleConns {
		idleConns = MaxIdleConns
	}
	db.SetMaxIdleConns(idleConns)

	log.Debug().Int("accounts", numAccounts).Int("idleConns", idleConns).Msg("updated connection pool")
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Checkpoint merges the write-ahead log back into the main database file
// using PASSIVE mode, which checkpoints as much as possible without
// blocking concurrent readers/writers.
func (db *DB) Checkpoint() error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}

// StartCheckpointRoutine runs periodic WAL checkpoints until ctx is
// cancelled. Call once at startup.
func (db *DB) StartCheckpointRoutine(ctx context.Context) {
	log := logging.WithComponent("database")

	ticker := time.NewTicker(CheckpointInterval)
	defer ticker.Stop()

	log.Debug().Dur("interval", CheckpointInterval).Msg("WAL checkpoint routine started")

	for {
		select {
		case <-ticker.C:
			if err := db.Checkpoint(); err != nil {
				log.Error().Err(err).Msg("periodic WAL checkpoint failed")
			}
		case <-ctx.Done():
			log.Debug().Msg("WAL checkpoint routine stopped")
			return
		}
	}
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Migrate runs all pending migrations in order, recording each applied
// version in a tracking table so the runner is idempotent across restarts.
func (db *DB) Migrate() error {
	log := logging.WithComponent("database")

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		log.Debug().Int("version", m.Version).Msg("applying migration")
		if err := db.applyMigration(m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
	}

	// The search index is external-content FTS: its rows are a projection of
	// the messages table, so a full rebuild on every startup makes databases
	// that predate the index (or whose messages table was just rebuilt)
	// searchable without any external reindexing step.
	if _, err := db.Exec(`INSERT INTO messages_fts(messages_fts) VALUES('rebuild')`); err != nil {
		return fmt.Errorf("failed to rebuild search index: %w", err)
	}

	return nil
}

// applyMigration runs one migration on a pinned connection with foreign key
// enforcement suspended. Table rebuilds drop and recreate parent tables
// while child rows still reference them; with enforcement on, the DROP
// itself would fail mid-rebuild.
func (db *DB) applyMigration(m Migration) error {
	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys=OFF"); err != nil {
		return err
	}
	defer conn.ExecContext(ctx, "PRAGMA foreign_keys=ON")

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if m.Func != nil {
		if err := m.Func(tx); err != nil {
			return fmt.Errorf("migration func failed: %w", err)
		}
	} else if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
