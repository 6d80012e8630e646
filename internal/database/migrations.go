package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// Migration is one forward-only, numbered schema change. Either SQL is
// executed directly, or — for changes that need to inspect existing schema
// state before deciding what to do — Func runs instead, inside the same
// transaction as the version bookkeeping.
type Migration struct {
	Version int
	SQL     string
	Func    func(tx *sql.Tx) error
}

// migrations is the ordered list of every schema change this cache has ever
// shipped. A fresh database starts at the baseline shape folders/messages/
// attachments had before multi-account support and account-scoped primary
// keys existed; later versions grow it in place, exactly as a database
// opened from an older build of this module would be grown in place.
//
// Every step tolerates a database that already carries part of its change:
// tables and triggers are created IF NOT EXISTS, added columns ignore
// "duplicate column name", and the key rebuild inspects the live schema
// before acting. Opening an old cache file that never had a migrations
// table therefore converges on the same schema as a fresh database, no
// matter which of these shapes it already passed through.
var migrations = []Migration{
	{
		// Baseline shape: single-account, keyed by path/envelope_hash alone.
		Version: 1,
		SQL: `
			CREATE TABLE IF NOT EXISTS folders (
				path TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				mailbox_hash INTEGER NOT NULL UNIQUE,
				unread_count INTEGER DEFAULT 0,
				total_count INTEGER DEFAULT 0
			);

			CREATE TABLE IF NOT EXISTS messages (
				envelope_hash INTEGER PRIMARY KEY,
				mailbox_hash INTEGER NOT NULL,
				subject TEXT,
				sender TEXT,
				date TEXT,
				timestamp INTEGER NOT NULL DEFAULT 0,
				is_read INTEGER DEFAULT 0,
				is_starred INTEGER DEFAULT 0,
				has_attachments INTEGER DEFAULT 0,
				thread_id INTEGER,
				body_rendered TEXT,
				FOREIGN KEY (mailbox_hash) REFERENCES folders(mailbox_hash)
			);

			CREATE INDEX IF NOT EXISTS idx_messages_mailbox ON messages(mailbox_hash, timestamp DESC);

			CREATE TABLE IF NOT EXISTS attachments (
				envelope_hash INTEGER NOT NULL,
				idx INTEGER NOT NULL,
				filename TEXT NOT NULL DEFAULT 'unnamed',
				mime_type TEXT NOT NULL DEFAULT 'application/octet-stream',
				data BLOB NOT NULL,
				PRIMARY KEY (envelope_hash, idx)
			);
		`,
	},
	{
		// Dual-truth flag protocol and threading columns.
		Version: 2,
		Func: addColumns("messages",
			"flags_server INTEGER DEFAULT 0",
			"flags_local INTEGER DEFAULT 0",
			"pending_op TEXT",
			"message_id TEXT",
			"in_reply_to TEXT",
			"thread_depth INTEGER DEFAULT 0",
			"body_markdown TEXT",
			"reply_to TEXT",
			"recipient TEXT",
		),
	},
	{
		// Multi-account support: every row gains an account scope.
		Version: 3,
		Func: func(tx *sql.Tx) error {
			for _, table := range []string{"folders", "messages", "attachments"} {
				if err := addColumns(table, "account_id TEXT NOT NULL DEFAULT ''")(tx); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		// Rebuild every primary key to be account-scoped. A database that
		// reached version 3 still has the original single-account primary
		// keys (path, envelope_hash, (envelope_hash, idx)) with account_id
		// bolted on as a plain column; two accounts subscribed to the same
		// folder path, or syncing messages that happen to collide on
		// envelope_hash, would silently clobber each other's rows. This
		// migration swaps every affected table for one keyed on
		// (account_id, ...) instead, carrying existing rows forward with
		// whatever account_id they already have (empty string for rows
		// written before version 3 existed).
		Version: 4,
		Func:    rebuildAccountScopedKeys,
	},
	{
		// Full-text search index over subject/sender/rendered body, kept in
		// sync with the messages table via triggers.
		Version: 5,
		SQL:     createSearchIndexSQL,
	},
	{
		Version: 6,
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
			CREATE INDEX IF NOT EXISTS idx_folders_account ON folders(account_id);
			CREATE INDEX IF NOT EXISTS idx_messages_account_mailbox ON messages(account_id, mailbox_hash, timestamp DESC);
		`,
	},
	{
		// Persist the adapter-assigned UID alongside envelope_hash. Without
		// it, a later flag write-through or move has no way back to the
		// message on the wire — envelope_hash is a one-way hash, not an
		// address.
		Version: 7,
		Func:    addColumns("messages", "uid INTEGER NOT NULL DEFAULT 0"),
	},
}

// createSearchIndexSQL builds the external-content FTS index and the three
// triggers that keep it coherent with the messages table. Applied as
// migration 5 and again after any rebuild of the messages table, since
// dropping that table takes the triggers down and orphans the index.
const createSearchIndexSQL = `
	CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
		subject,
		sender,
		body_rendered,
		content='messages',
		content_rowid='rowid'
	);

	CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
		INSERT INTO messages_fts(rowid, subject, sender, body_rendered)
		VALUES (new.rowid, new.subject, new.sender, new.body_rendered);
	END;

	CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, subject, sender, body_rendered)
		VALUES('delete', old.rowid, old.subject, old.sender, old.body_rendered);
	END;

	CREATE TRIGGER IF NOT EXISTS messages_fts_au AFTER UPDATE ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, subject, sender, body_rendered)
		VALUES('delete', old.rowid, old.subject, old.sender, old.body_rendered);
		INSERT INTO messages_fts(rowid, subject, sender, body_rendered)
		VALUES (new.rowid, new.subject, new.sender, new.body_rendered);
	END;
`

// addColumns returns a migration func that ALTERs table to add each column
// definition, ignoring "duplicate column name" so a database that already
// grew some of the columns out-of-band converges instead of failing.
func addColumns(table string, defs ...string) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		for _, def := range defs {
			if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, def)); err != nil {
				if strings.Contains(err.Error(), "duplicate column name") {
					continue
				}
				return fmt.Errorf("add column %s %s: %w", table, def, err)
			}
		}
		return nil
	}
}

// rebuildAccountScopedKeys inspects the messages table's primary key and,
// if it is still the pre-multi-account envelope_hash key, rebuilds
// folders, messages and attachments together, each under a composite
// (account_id, ...) key via the standard
// SQLite create-copy-drop-rename sequence (no in-place ALTER can change a
// primary key). Dropping the messages table also invalidates the search
// index and its triggers, so those are torn down first and recreated after
// if they already existed; the full index repopulation happens at the end
// of Migrate.
func rebuildAccountScopedKeys(tx *sql.Tx) error {
	needsRebuild, err := tableLacksAccountScopedKey(tx, "messages", "envelope_hash")
	if err != nil {
		return fmt.Errorf("failed to inspect messages schema: %w", err)
	}
	if !needsRebuild {
		return nil
	}

	hadSearchIndex, err := tableExists(tx, "messages_fts")
	if err != nil {
		return fmt.Errorf("failed to inspect search index: %w", err)
	}

	stmts := []string{
		`DROP TRIGGER IF EXISTS messages_fts_ai`,
		`DROP TRIGGER IF EXISTS messages_fts_ad`,
		`DROP TRIGGER IF EXISTS messages_fts_au`,
		`DROP TABLE IF EXISTS messages_fts`,

		`CREATE TABLE folders_v2 (
			account_id TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			name TEXT NOT NULL,
			mailbox_hash INTEGER NOT NULL,
			unread_count INTEGER DEFAULT 0,
			total_count INTEGER DEFAULT 0,
			PRIMARY KEY (account_id, path),
			UNIQUE (account_id, mailbox_hash)
		)`,
		`INSERT INTO folders_v2 (account_id, path, name, mailbox_hash, unread_count, total_count)
		 SELECT COALESCE(account_id, ''), path, name, mailbox_hash, unread_count, total_count FROM folders`,
		`DROP TABLE folders`,
		`ALTER TABLE folders_v2 RENAME TO folders`,

		`CREATE TABLE messages_v2 (
			account_id TEXT NOT NULL DEFAULT '',
			envelope_hash INTEGER NOT NULL,
			mailbox_hash INTEGER NOT NULL,
			subject TEXT,
			sender TEXT,
			recipient TEXT,
			date TEXT,
			timestamp INTEGER NOT NULL DEFAULT 0,
			is_read INTEGER DEFAULT 0,
			is_starred INTEGER DEFAULT 0,
			has_attachments INTEGER DEFAULT 0,
			thread_id INTEGER,
			thread_depth INTEGER DEFAULT 0,
			message_id TEXT,
			in_reply_to TEXT,
			reply_to TEXT,
			flags_server INTEGER DEFAULT 0,
			flags_local INTEGER DEFAULT 0,
			pending_op TEXT,
			body_rendered TEXT,
			body_markdown TEXT,
			PRIMARY KEY (account_id, envelope_hash),
			FOREIGN KEY (account_id, mailbox_hash) REFERENCES folders(account_id, mailbox_hash)
		)`,
		`INSERT INTO messages_v2 (account_id, envelope_hash, mailbox_hash, subject, sender, recipient,
			date, timestamp, is_read, is_starred, has_attachments, thread_id, thread_depth,
			message_id, in_reply_to, reply_to, flags_server, flags_local, pending_op,
			body_rendered, body_markdown)
		 SELECT COALESCE(account_id, ''), envelope_hash, mailbox_hash, subject, sender, recipient,
			date, timestamp, is_read, is_starred, has_attachments, thread_id, thread_depth,
			message_id, in_reply_to, reply_to, flags_server, flags_local, pending_op,
			body_rendered, body_markdown
		 FROM messages`,
		`DROP TABLE messages`,
		`ALTER TABLE messages_v2 RENAME TO messages`,
		`CREATE INDEX idx_messages_mailbox ON messages(mailbox_hash, timestamp DESC)`,

		`CREATE TABLE attachments_v2 (
			account_id TEXT NOT NULL DEFAULT '',
			envelope_hash INTEGER NOT NULL,
			idx INTEGER NOT NULL,
			filename TEXT NOT NULL DEFAULT 'unnamed',
			mime_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			data BLOB NOT NULL,
			PRIMARY KEY (account_id, envelope_hash, idx),
			FOREIGN KEY (account_id, envelope_hash) REFERENCES messages(account_id, envelope_hash) ON DELETE CASCADE
		)`,
		`INSERT INTO attachments_v2 (account_id, envelope_hash, idx, filename, mime_type, data)
		 SELECT COALESCE(account_id, ''), envelope_hash, idx, filename, mime_type, data FROM attachments`,
		`DROP TABLE attachments`,
		`ALTER TABLE attachments_v2 RENAME TO attachments`,
	}

	if hadSearchIndex {
		stmts = append(stmts, createSearchIndexSQL)
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("rebuild step failed (%s...): %w", truncate(stmt, 40), err)
		}
	}

	return nil
}

// tableLacksAccountScopedKey reports whether table's primary key is still
// just pkColumn alone, i.e. account_id has not yet been folded into the key.
func tableLacksAccountScopedKey(tx *sql.Tx, table, pkColumn string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == pkColumn && pk == 1 {
			return true, nil
		}
		if name == "account_id" && pk == 1 {
			return false, nil
		}
	}
	return false, rows.Err()
}

func tableExists(tx *sql.Tx, name string) (bool, error) {
	var count int
	err := tx.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?`, name).Scan(&count)
	return count > 0, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
