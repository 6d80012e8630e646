package sync

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// These constants name the pending_op markers this orchestrator writes. They are
// opaque to the cache (only presence is checked, not the string value),
// but naming them here keeps every write-through call site consistent.
const (
	opMarkSeen   = "mark_seen"
	opMarkUnseen = "mark_unseen"
	opStar       = "star"
	opUnstar     = "unstar"
)

// SetRead applies a read/unread change optimistically to the cache, then
// writes it through to the adapter. On adapter success the row is resolved
// to Clean with the new server flags; on failure it reverts to whatever
// flags_server last held and the error is returned so the caller can
// surface it.
func (o *Orchestrator) SetRead(ctx context.Context, accountID, folderPath string, uid uint32, envelopeHash uint64, isRead, isStarred bool) error {
	op := opMarkUnseen
	if isRead {
		op = opMarkSeen
	}
	return o.writeThroughFlags(ctx, accountID, folderPath, uid, envelopeHash, isRead, isStarred, op, imap.FlagSeen)
}

// SetStarred is SetRead's counterpart for the \Flagged bit.
func (o *Orchestrator) SetStarred(ctx context.Context, accountID, folderPath string, uid uint32, envelopeHash uint64, isRead, isStarred bool) error {
	op := opUnstar
	if isStarred {
		op = opStar
	}
	return o.writeThroughFlags(ctx, accountID, folderPath, uid, envelopeHash, isRead, isStarred, op, imap.FlagFlagged)
}

func (o *Orchestrator) writeThroughFlags(ctx context.Context, accountID, folderPath string, uid uint32, envelopeHash uint64, isRead, isStarred bool, op string, changed imap.Flag) error {
	if err := o.cache.UpdateFlags(ctx, accountID, envelopeHash, isRead, isStarred, op); err != nil {
		return fmt.Errorf("set flags: optimistic update: %w", err)
	}

	if err := o.applyFlagToAdapter(ctx, accountID, folderPath, uid, changed, flagShouldBeSet(op)); err != nil {
		if revertErr := o.cache.RevertPendingOp(ctx, accountID, envelopeHash); revertErr != nil {
			o.log.Error().Err(revertErr).Str("account", accountID).Msg("failed to revert pending op after adapter failure")
		}
		return fmt.Errorf("set flags: adapter write failed, reverted: %w", err)
	}

	if err := o.cache.ClearPendingOp(ctx, accountID, envelopeHash, isRead, isStarred); err != nil {
		return fmt.Errorf("set flags: clear pending op: %w", err)
	}
	return nil
}

func flagShouldBeSet(op string) bool {
	return op == opMarkSeen || op == opStar
}

func (o *Orchestrator) applyFlagToAdapter(ctx context.Context, accountID, folderPath string, uid uint32, flag imap.Flag, set bool) (retErr error) {
	conn, err := o.pool.GetConnection(ctx, accountID)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer func() { o.checkin(conn, retErr) }()

	client := conn.Client()
	if _, err := client.SelectMailbox(ctx, folderPath); err != nil {
		return fmt.Errorf("select %s: %w", folderPath, err)
	}

	return client.StoreFlags([]imap.UID{imap.UID(uid)}, []imap.Flag{flag}, set)
}
