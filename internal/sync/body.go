package sync

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/tidemail/core/internal/mailrender"
	"github.com/tidemail/core/internal/model"
)

// FetchBody retrieves the raw RFC 5322 bytes for one message, renders its
// plain and markdown forms, persists the result (and any attachments) via
// save_body, and returns it. folderPath and uid locate the message on the
// wire; envelopeHash locates the cache row the rendered body attaches to.
func (o *Orchestrator) FetchBody(ctx context.Context, accountID, folderPath string, uid uint32, envelopeHash uint64) (_ model.Body, retErr error) {
	conn, err := o.pool.GetConnection(ctx, accountID)
	if err != nil {
		return model.Body{}, fmt.Errorf("fetch body: get connection: %w", err)
	}
	defer func() { o.checkin(conn, retErr) }()

	client := conn.Client()
	if _, err := client.SelectMailbox(ctx, folderPath); err != nil {
		return model.Body{}, fmt.Errorf("fetch body: select %s: %w", folderPath, err)
	}

	raw, err := client.FetchRawMessage(ctx, imap.UID(uid))
	if err != nil {
		return model.Body{}, fmt.Errorf("fetch body: fetch uid %d: %w", uid, err)
	}

	parsed := parseRawMessage(raw)
	body := model.Body{
		PlainText:   mailrender.Render(parsed.textPlain, parsed.textHTML),
		Markdown:    mailrender.RenderMarkdown(parsed.textPlain, parsed.textHTML),
		Attachments: parsed.attachments,
	}

	if err := o.cache.SaveBody(ctx, accountID, envelopeHash, body); err != nil {
		return model.Body{}, fmt.Errorf("fetch body: save: %w", err)
	}

	o.log.Info().Str("account", accountID).Uint32("uid", uid).Int("attachments", len(body.Attachments)).Msg("body fetch complete")
	return body, nil
}
