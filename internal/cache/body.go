package cache

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tidemail/core/internal/model"
)

// LoadBody returns the rendered body and attachments for (accountID,
// envelopeHash), or ok=false if the message has never had its body fetched
// (body_rendered is still NULL) or does not belong to this account.
func (h Handle) LoadBody(ctx context.Context, accountID string, envelopeHash uint64) (model.Body, bool, error) {
	type reply struct {
		body model.Body
		ok   bool
	}
	r, err := valueReply(ctx, h, func(db *sql.DB) (reply, error) {
		b, ok, err := loadBody(db, accountID, envelopeHash)
		return reply{body: b, ok: ok}, err
	})
	return r.body, r.ok, err
}

func loadBody(db *sql.DB, accountID string, envelopeHash uint64) (model.Body, bool, error) {
	var plainText, markdown sql.NullString
	err := db.QueryRow(
		`SELECT body_rendered, body_markdown FROM messages WHERE account_id = ? AND envelope_hash = ?`,
		accountID, envelopeHash,
	).Scan(&plainText, &markdown)
	if err == sql.ErrNoRows {
		return model.Body{}, false, nil
	}
	if err != nil {
		return model.Body{}, false, fmt.Errorf("load_body: %w", err)
	}
	if !plainText.Valid {
		return model.Body{}, false, nil
	}

	rows, err := db.Query(
		`SELECT filename, mime_type, data FROM attachments WHERE account_id = ? AND envelope_hash = ? ORDER BY idx`,
		accountID, envelopeHash,
	)
	if err != nil {
		return model.Body{}, false, fmt.Errorf("load_body: attachments: %w", err)
	}
	defer rows.Close()

	var atts []model.Attachment
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.Filename, &a.MimeType, &a.Data); err != nil {
			return model.Body{}, false, fmt.Errorf("load_body: scan attachment: %w", err)
		}
		atts = append(atts, a)
	}
	if err := rows.Err(); err != nil {
		return model.Body{}, false, fmt.Errorf("load_body: %w", err)
	}

	return model.Body{
		PlainText:   plainText.String,
		Markdown:    markdown.String,
		Attachments: atts,
	}, true, nil
}

// SaveBody stores the rendered body for (accountID, envelopeHash) and
// replaces its full attachment set.
func (h Handle) SaveBody(ctx context.Context, accountID string, envelopeHash uint64, body model.Body) error {
	return errReply(ctx, h, func(db *sql.DB) error {
		return saveBody(db, accountID, envelopeHash, body)
	})
}

func saveBody(db *sql.DB, accountID string, envelopeHash uint64, body model.Body) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("save_body: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE messages SET body_rendered = ?, body_markdown = ? WHERE account_id = ? AND envelope_hash = ?`,
		body.PlainText, body.Markdown, accountID, envelopeHash,
	); err != nil {
		return fmt.Errorf("save_body: update: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM attachments WHERE account_id = ? AND envelope_hash = ?`, accountID, envelopeHash); err != nil {
		return fmt.Errorf("save_body: clear attachments: %w", err)
	}

	insert, err := tx.Prepare(
		`INSERT INTO attachments (account_id, envelope_hash, idx, filename, mime_type, data) VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("save_body: prepare insert: %w", err)
	}
	defer insert.Close()

	for i, a := range body.Attachments {
		if _, err := insert.Exec(accountID, envelopeHash, i, a.Filename, a.MimeType, a.Data); err != nil {
			return fmt.Errorf("save_body: insert attachment %d: %w", i, err)
		}
	}

	return tx.Commit()
}
