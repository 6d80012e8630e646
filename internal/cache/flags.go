package cache

import (
	"context"
	"database/sql"
	"fmt"
)

// Flag bits packed into the flags_server/flags_local columns. Mirrors the
// compact two-bit encoding the dual-truth protocol was built around: bit 0
// is SEEN, bit 1 is FLAGGED. Any richer flag (answered, forwarded, draft,
// deleted) lives only on the server side and is re-derived from the IMAP
// envelope on every sync, never round-tripped through pending_op.
const (
	flagSeen    uint8 = 1 << 0
	flagStarred uint8 = 1 << 1
)

func packFlags(isRead, isStarred bool) uint8 {
	var f uint8
	if isRead {
		f |= flagSeen
	}
	if isStarred {
		f |= flagStarred
	}
	return f
}

func unpackFlags(f uint8) (isRead, isStarred bool) {
	return f&flagSeen != 0, f&flagStarred != 0
}

// UpdateFlags applies a local flag change immediately and marks the row
// pending the given remote operation (e.g. "seen" or "unseen"). The
// effective flags callers see from LoadMessages/Search flip right away;
// flags_server is untouched until the sync orchestrator confirms the
// remote write and calls ClearPendingOp.
func (h Handle) UpdateFlags(ctx context.Context, accountID string, envelopeHash uint64, isRead, isStarred bool, pendingOp string) error {
	return errReply(ctx, h, func(db *sql.DB) error {
		local := packFlags(isRead, isStarred)
		_, err := db.Exec(
			`UPDATE messages SET flags_local = ?, pending_op = ?, is_read = ?, is_starred = ?
			 WHERE account_id = ? AND envelope_hash = ?`,
			local, pendingOp, isRead, isStarred, accountID, envelopeHash,
		)
		if err != nil {
			return fmt.Errorf("update_flags: %w", err)
		}
		return nil
	})
}

// ClearPendingOp is called once the remote adapter confirms the pending
// flag write succeeded. It collapses flags_server and flags_local back to
// the same value and clears pending_op, returning the row to the Clean
// state.
func (h Handle) ClearPendingOp(ctx context.Context, accountID string, envelopeHash uint64, isRead, isStarred bool) error {
	return errReply(ctx, h, func(db *sql.DB) error {
		server := packFlags(isRead, isStarred)
		_, err := db.Exec(
			`UPDATE messages SET flags_server = ?, flags_local = ?, pending_op = NULL,
			 is_read = ?, is_starred = ?
			 WHERE account_id = ? AND envelope_hash = ?`,
			server, server, isRead, isStarred, accountID, envelopeHash,
		)
		if err != nil {
			return fmt.Errorf("clear_pending_op: %w", err)
		}
		return nil
	})
}

// RevertPendingOp is called when the remote write fails.
// It discards the local override, resetting flags_local back to whatever
// flags_server currently holds, and clears pending_op.
func (h Handle) RevertPendingOp(ctx context.Context, accountID string, envelopeHash uint64) error {
	return errReply(ctx, h, func(db *sql.DB) error {
		_, err := db.Exec(
			`UPDATE messages SET flags_local = flags_server, pending_op = NULL,
			 is_read = CASE WHEN (flags_server & 1) != 0 THEN 1 ELSE 0 END,
			 is_starred = CASE WHEN (flags_server & 2) != 0 THEN 1 ELSE 0 END
			 WHERE account_id = ? AND envelope_hash = ?`,
			accountID, envelopeHash,
		)
		if err != nil {
			return fmt.Errorf("revert_pending_op: %w", err)
		}
		return nil
	})
}
