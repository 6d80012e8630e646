package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/tidemail/core/internal/model"
)

// SaveFolders upserts the given folders for accountID and sweeps away any
// folder row scoped to this account whose mailbox hash is no longer present
// in the server's list — cascading the delete down to that folder's
// messages and their attachments. Calling SaveFolders with an empty slice
// means "the server reports no folders for this account" and clears all of
// the account's local data.
func (h Handle) SaveFolders(ctx context.Context, accountID string, folders []model.Folder) error {
	return errReply(ctx, h, func(db *sql.DB) error {
		return saveFolders(db, accountID, folders)
	})
}

func saveFolders(db *sql.DB, accountID string, folders []model.Folder) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("save_folders: begin tx: %w", err)
	}
	defer tx.Rollback()

	upsert, err := tx.Prepare(`
		INSERT INTO folders (path, name, mailbox_hash, unread_count, total_count, account_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, path) DO UPDATE SET
			name = excluded.name,
			mailbox_hash = excluded.mailbox_hash,
			unread_count = excluded.unread_count,
			total_count = excluded.total_count
	`)
	if err != nil {
		return fmt.Errorf("save_folders: prepare upsert: %w", err)
	}
	defer upsert.Close()

	for _, f := range folders {
		if _, err := upsert.Exec(f.Path, f.Name, f.MailboxHash, f.UnreadCount, f.TotalCount, accountID); err != nil {
			return fmt.Errorf("save_folders: upsert %s: %w", f.Path, err)
		}
	}

	if len(folders) == 0 {
		if _, err := tx.Exec(`DELETE FROM attachments WHERE account_id = ? AND envelope_hash IN (
			SELECT envelope_hash FROM messages WHERE account_id = ?
		)`, accountID, accountID); err != nil {
			return fmt.Errorf("save_folders: cascade attachments: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM messages WHERE account_id = ?`, accountID); err != nil {
			return fmt.Errorf("save_folders: cascade messages: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM folders WHERE account_id = ?`, accountID); err != nil {
			return fmt.Errorf("save_folders: delete folders: %w", err)
		}
		return tx.Commit()
	}

	placeholders, args := inClause(folders)
	args = append([]any{accountID}, args...)

	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM attachments WHERE account_id = ? AND envelope_hash IN (
		SELECT envelope_hash FROM messages WHERE account_id = ? AND mailbox_hash NOT IN (%s)
	)`, placeholders), append([]any{accountID}, args...)...); err != nil {
		return fmt.Errorf("save_folders: sweep attachments: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf(
		`DELETE FROM messages WHERE account_id = ? AND mailbox_hash NOT IN (%s)`, placeholders), args...); err != nil {
		return fmt.Errorf("save_folders: sweep messages: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf(
		`DELETE FROM folders WHERE account_id = ? AND mailbox_hash NOT IN (%s)`, placeholders), args...); err != nil {
		return fmt.Errorf("save_folders: sweep folders: %w", err)
	}

	return tx.Commit()
}

func inClause(folders []model.Folder) (string, []any) {
	placeholders := make([]byte, 0, len(folders)*2)
	args := make([]any, 0, len(folders))
	for i, f := range folders {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, f.MailboxHash)
	}
	return string(placeholders), args
}

// LoadFolders returns every folder scoped to accountID (plus any
// pre-multi-account row that still carries the empty account_id sentinel),
// sorted with INBOX first and the rest alphabetical.
func (h Handle) LoadFolders(ctx context.Context, accountID string) ([]model.Folder, error) {
	return valueReply(ctx, h, func(db *sql.DB) ([]model.Folder, error) {
		return loadFolders(db, accountID)
	})
}

func loadFolders(db *sql.DB, accountID string) ([]model.Folder, error) {
	rows, err := db.Query(`
		SELECT path, name, mailbox_hash, unread_count, total_count FROM folders
		WHERE account_id = ? OR account_id = ''
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("load_folders: query: %w", err)
	}
	defer rows.Close()

	var folders []model.Folder
	for rows.Next() {
		f := model.Folder{AccountID: accountID}
		if err := rows.Scan(&f.Path, &f.Name, &f.MailboxHash, &f.UnreadCount, &f.TotalCount); err != nil {
			return nil, fmt.Errorf("load_folders: scan: %w", err)
		}
		folders = append(folders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load_folders: %w", err)
	}

	sort.SliceStable(folders, func(i, j int) bool {
		if folders[i].Path == "INBOX" {
			return true
		}
		if folders[j].Path == "INBOX" {
			return false
		}
		return folders[i].Path < folders[j].Path
	})

	return folders, nil
}
