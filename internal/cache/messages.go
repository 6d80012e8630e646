package cache

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tidemail/core/internal/model"
)

// DefaultPageSize is the default page size LoadMessages uses when a caller
// doesn't need a specific window.
const DefaultPageSize = 50

// SaveMessages replaces every non-pending message row in mailboxHash with
// the given summaries. A row with a pending_op marker is never replaced —
// its flags_local and pending_op are left untouched and only its
// server-reported fields (subject, sender, flags_server, ...) are
// refreshed, so a local flag change made while a sync is mid-flight can
// never be clobbered by the sync that triggered it.
func (h Handle) SaveMessages(ctx context.Context, accountID string, mailboxHash uint64, messages []model.MessageSummary) error {
	return errReply(ctx, h, func(db *sql.DB) error {
		return saveMessages(db, accountID, mailboxHash, messages)
	})
}

func saveMessages(db *sql.DB, accountID string, mailboxHash uint64, messages []model.MessageSummary) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("save_messages: begin tx: %w", err)
	}
	defer tx.Rollback()

	pending := make(map[uint64]bool)
	rows, err := tx.Query(`
		SELECT envelope_hash FROM messages
		WHERE account_id = ? AND mailbox_hash = ? AND pending_op IS NOT NULL
	`, accountID, mailboxHash)
	if err != nil {
		return fmt.Errorf("save_messages: query pending: %w", err)
	}
	for rows.Next() {
		var h uint64
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return fmt.Errorf("save_messages: scan pending: %w", err)
		}
		pending[h] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("save_messages: pending: %w", err)
	}
	rows.Close()

	if _, err := tx.Exec(`DELETE FROM attachments WHERE account_id = ? AND envelope_hash IN (
		SELECT envelope_hash FROM messages WHERE account_id = ? AND mailbox_hash = ? AND pending_op IS NULL
	)`, accountID, accountID, mailboxHash); err != nil {
		return fmt.Errorf("save_messages: cascade attachments: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE account_id = ? AND mailbox_hash = ? AND pending_op IS NULL`,
		accountID, mailboxHash); err != nil {
		return fmt.Errorf("save_messages: delete non-pending: %w", err)
	}

	insert, err := tx.Prepare(`
		INSERT OR IGNORE INTO messages
		(envelope_hash, mailbox_hash, uid, subject, sender, date, timestamp,
		 is_read, is_starred, has_attachments, thread_id, flags_server, flags_local,
		 message_id, in_reply_to, thread_depth, reply_to, recipient, account_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("save_messages: prepare insert: %w", err)
	}
	defer insert.Close()

	updateServer, err := tx.Prepare(`
		UPDATE messages SET flags_server = ?, subject = ?, sender = ?,
			date = ?, timestamp = ?, has_attachments = ?, thread_id = ?,
			message_id = ?, in_reply_to = ?, thread_depth = ?, reply_to = ?,
			recipient = ?, uid = ?
		WHERE account_id = ? AND envelope_hash = ? AND pending_op IS NOT NULL
	`)
	if err != nil {
		return fmt.Errorf("save_messages: prepare update: %w", err)
	}
	defer updateServer.Close()

	for _, m := range messages {
		serverFlags := packFlags(m.IsRead, m.IsStarred)

		if pending[m.EnvelopeHash] {
			if _, err := updateServer.Exec(
				serverFlags, m.Subject, m.From, m.Date, m.Timestamp, m.HasAttachments,
				nullableThreadID(m.ThreadID), m.MessageID, m.InReplyTo, m.ThreadDepth, m.ReplyTo,
				m.To, m.UID,
				accountID, m.EnvelopeHash,
			); err != nil {
				return fmt.Errorf("save_messages: update pending %d: %w", m.EnvelopeHash, err)
			}
			continue
		}

		if _, err := insert.Exec(
			m.EnvelopeHash, mailboxHash, m.UID, m.Subject, m.From, m.Date, m.Timestamp,
			m.IsRead, m.IsStarred, m.HasAttachments, nullableThreadID(m.ThreadID),
			serverFlags, serverFlags, m.MessageID, m.InReplyTo, m.ThreadDepth, m.ReplyTo, m.To,
			accountID,
		); err != nil {
			return fmt.Errorf("save_messages: insert %d: %w", m.EnvelopeHash, err)
		}
	}

	return tx.Commit()
}

func nullableThreadID(id *uint64) any {
	if id == nil {
		return nil
	}
	return *id
}

// LoadMessages returns the messages in mailboxHash ordered so that threads
// sort by their most recent message, newest thread first, with each
// thread's own messages in chronological order.
func (h Handle) LoadMessages(ctx context.Context, accountID string, mailboxHash uint64, limit, offset int) ([]model.MessageSummary, error) {
	return valueReply(ctx, h, func(db *sql.DB) ([]model.MessageSummary, error) {
		return loadMessages(db, accountID, mailboxHash, limit, offset)
	})
}

func loadMessages(db *sql.DB, accountID string, mailboxHash uint64, limit, offset int) ([]model.MessageSummary, error) {
	rows, err := db.Query(`
		SELECT envelope_hash, subject, sender, date, timestamp,
		       is_read, is_starred, has_attachments, thread_id,
		       flags_server, flags_local, pending_op, mailbox_hash,
		       message_id, in_reply_to, thread_depth, reply_to, recipient, uid
		FROM messages
		WHERE mailbox_hash = ? AND (account_id = ? OR account_id = '')
		ORDER BY
			MAX(timestamp) OVER (PARTITION BY COALESCE(thread_id, envelope_hash)) DESC,
			COALESCE(thread_id, envelope_hash),
			timestamp ASC
		LIMIT ? OFFSET ?
	`, mailboxHash, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("load_messages: query: %w", err)
	}
	defer rows.Close()

	var out []model.MessageSummary
	for rows.Next() {
		m, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("load_messages: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by *sql.Rows, letting scanSummary serve both
// LoadMessages and Search.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSummary decodes one row in the column order shared by LoadMessages
// and Search, resolving the dual-truth effective flags as it goes:
// pending_op set means flags_local is authoritative, otherwise flags_server
// is.
func scanSummary(row rowScanner) (model.MessageSummary, error) {
	var m model.MessageSummary
	var threadID sql.NullInt64
	var flagsServer, flagsLocal sql.NullInt64
	var pendingOp sql.NullString
	var messageID, inReplyTo, replyTo, recipient sql.NullString
	var threadDepth sql.NullInt64

	if err := row.Scan(
		&m.EnvelopeHash, &m.Subject, &m.From, &m.Date, &m.Timestamp,
		&m.IsRead, &m.IsStarred, &m.HasAttachments, &threadID,
		&flagsServer, &flagsLocal, &pendingOp, &m.MailboxHash,
		&messageID, &inReplyTo, &threadDepth, &replyTo, &recipient, &m.UID,
	); err != nil {
		return m, fmt.Errorf("scan: %w", err)
	}

	if threadID.Valid {
		id := uint64(threadID.Int64)
		m.ThreadID = &id
	}

	effective := uint8(flagsServer.Int64)
	if pendingOp.Valid {
		effective = uint8(flagsLocal.Int64)
	}
	m.IsRead, m.IsStarred = unpackFlags(effective)

	m.MessageID = messageID.String
	m.InReplyTo = inReplyTo.String
	m.ReplyTo = replyTo.String
	m.To = recipient.String
	m.ThreadDepth = uint32(threadDepth.Int64)

	return m, nil
}
