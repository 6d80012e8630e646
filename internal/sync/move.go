package sync

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// MoveMessage relocates a message from srcFolder to destFolder using
// copy-then-delete semantics against the adapter: only once the server
// confirms both steps does the local cache row get removed. A failure at
// either step leaves the cached message untouched, so a flaky move never
// strands a message that still exists (once, or twice) on the server but
// has vanished locally.
func (o *Orchestrator) MoveMessage(ctx context.Context, accountID, srcFolder, destFolder string, uid uint32, envelopeHash uint64) (retErr error) {
	conn, err := o.pool.GetConnection(ctx, accountID)
	if err != nil {
		return fmt.Errorf("move message: get connection: %w", err)
	}
	defer func() { o.checkin(conn, retErr) }()

	client := conn.Client()
	if _, err := client.SelectMailbox(ctx, srcFolder); err != nil {
		return fmt.Errorf("move message: select %s: %w", srcFolder, err)
	}

	uids := []imap.UID{imap.UID(uid)}
	if err := client.CopyMessages(uids, destFolder); err != nil {
		return fmt.Errorf("move message: copy to %s: %w", destFolder, err)
	}
	if err := client.DeleteMessagesByUID(uids); err != nil {
		return fmt.Errorf("move message: delete source: %w", err)
	}

	if err := o.cache.RemoveMessage(ctx, accountID, envelopeHash); err != nil {
		return fmt.Errorf("move message: remove from cache: %w", err)
	}

	o.log.Info().Str("account", accountID).Str("from", srcFolder).Str("to", destFolder).Uint32("uid", uid).Msg("message moved")
	return nil
}
