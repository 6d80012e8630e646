package cache

import (
	"context"
	"database/sql"
	"fmt"
)

// RemoveMessage deletes a single message and its attachments, scoped to
// accountID so a move/delete confirmed against one account's mailbox can
// never clobber another account's row sharing the same envelope hash.
func (h Handle) RemoveMessage(ctx context.Context, accountID string, envelopeHash uint64) error {
	return errReply(ctx, h, func(db *sql.DB) error {
		return removeMessage(db, accountID, envelopeHash)
	})
}

func removeMessage(db *sql.DB, accountID string, envelopeHash uint64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("remove_message: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM attachments WHERE account_id = ? AND envelope_hash = ?`, accountID, envelopeHash); err != nil {
		return fmt.Errorf("remove_message: attachments: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE account_id = ? AND envelope_hash = ?`, accountID, envelopeHash); err != nil {
		return fmt.Errorf("remove_message: %w", err)
	}

	return tx.Commit()
}

// RemoveAccount deletes every row scoped to accountID: attachments,
// messages, then folders, in that order to respect the foreign key from
// messages to folders.
func (h Handle) RemoveAccount(ctx context.Context, accountID string) error {
	return errReply(ctx, h, func(db *sql.DB) error {
		return removeAccount(db, accountID)
	})
}

func removeAccount(db *sql.DB, accountID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("remove_account: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM attachments WHERE account_id = ? AND envelope_hash IN (
		SELECT envelope_hash FROM messages WHERE account_id = ?
	)`, accountID, accountID); err != nil {
		return fmt.Errorf("remove_account: attachments: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("remove_account: messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM folders WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("remove_account: folders: %w", err)
	}

	return tx.Commit()
}
