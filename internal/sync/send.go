package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/tidemail/core/internal/config"
	ourimap "github.com/tidemail/core/internal/imap"
	"github.com/tidemail/core/internal/smtp"
)

// SendMessage renders msg once, submits it over SMTP, and records the same
// bytes in the account's sent folder so the stored copy carries the exact
// Message-ID that went out on the wire. A failed APPEND does not fail the
// send: the mail is already delivered, and the next folder sync of a
// provider that self-records (Gmail does) picks the copy up anyway.
func (o *Orchestrator) SendMessage(ctx context.Context, accountID string, smtpCfg config.SMTPConfig, msg *smtp.ComposeMessage) error {
	raw, err := msg.ToRFC822()
	if err != nil {
		return fmt.Errorf("send message: compose: %w", err)
	}

	if err := smtp.SendRaw(smtpCfg, msg.From.Address, msg.AllRecipients(), raw); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	if err := o.recordSent(ctx, accountID, raw); err != nil {
		o.log.Warn().Err(err).Str("account", accountID).Msg("sent mail not recorded in sent folder")
	}
	return nil
}

func (o *Orchestrator) recordSent(ctx context.Context, accountID string, raw []byte) (retErr error) {
	conn, err := o.pool.GetConnection(ctx, accountID)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer func() { o.checkin(conn, retErr) }()

	client := conn.Client()
	folder, err := sentFolder(client)
	if err != nil {
		return err
	}

	if _, err := client.AppendMessage(folder, []imap.Flag{imap.FlagSeen}, time.Now(), raw); err != nil {
		return fmt.Errorf("append to %s: %w", folder, err)
	}
	return nil
}

// sentFolder picks the server-claimed \Sent mailbox, falling back to the
// conventional "Sent" path when the server advertises no special-use roles.
func sentFolder(client *ourimap.Client) (string, error) {
	mailboxes, err := client.ListMailboxes()
	if err != nil {
		return "", fmt.Errorf("list mailboxes: %w", err)
	}
	for _, mb := range mailboxes {
		if mb.SpecialUse == imap.MailboxAttrSent {
			return mb.Name, nil
		}
	}
	return "Sent", nil
}
