package sync

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	ourimap "github.com/tidemail/core/internal/imap"
	"github.com/tidemail/core/internal/model"
)

// SyncEnvelopes selects folderPath, streams every envelope whose INTERNALDATE
// is on or after since (zero value means "all messages"), and reconciles
// them into the cache. Headers are fetched in one streamed FETCH command —
// not a round-trip per message — and thread fields are computed before the
// batch is handed to the cache in a single transaction.
func (o *Orchestrator) SyncEnvelopes(ctx context.Context, accountID, folderPath string, since time.Time) (retErr error) {
	conn, err := o.pool.GetConnection(ctx, accountID)
	if err != nil {
		return fmt.Errorf("sync envelopes: get connection: %w", err)
	}
	defer func() { o.checkin(conn, retErr) }()

	client := conn.Client()
	if _, err := client.SelectMailbox(ctx, folderPath); err != nil {
		return fmt.Errorf("sync envelopes: select %s: %w", folderPath, err)
	}

	uids, err := searchUIDs(client, since)
	if err != nil {
		return fmt.Errorf("sync envelopes: search: %w", err)
	}
	if len(uids) == 0 {
		return nil
	}

	mbHash := mailboxHash(accountID, folderPath)
	summaries, err := fetchEnvelopes(ctx, client, accountID, mbHash, uids)
	if err != nil {
		return fmt.Errorf("sync envelopes: fetch: %w", err)
	}

	if err := o.cache.SaveMessages(ctx, accountID, mbHash, summaries); err != nil {
		return fmt.Errorf("sync envelopes: save: %w", err)
	}

	o.log.Info().Str("account", accountID).Str("folder", folderPath).Int("count", len(summaries)).Msg("envelope sync complete")
	return nil
}

func searchUIDs(client *ourimap.Client, since time.Time) ([]imap.UID, error) {
	raw := client.RawClient()
	criteria := &imap.SearchCriteria{}
	if !since.IsZero() {
		criteria.Since = since
	}
	data, err := raw.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	var uids []imap.UID
	for _, u := range data.AllUIDs() {
		uids = append(uids, imap.UID(u))
	}
	return uids, nil
}

// fetchEnvelopes streams ENVELOPE+FLAGS+HEADER for uids and converts each
// into a model.MessageSummary. Thread fields are derived from the
// References header carried in the same streamed HEADER fetch, so this
// never issues a second round-trip per message.
func fetchEnvelopes(ctx context.Context, client *ourimap.Client, accountID string, mbHash uint64, uids []imap.UID) ([]model.MessageSummary, error) {
	raw := client.RawClient()

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchOptions := &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		RFC822Size:   true,
		InternalDate: true,
		BodySection: []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierHeader, Peek: true},
		},
	}

	fetchCmd := raw.Fetch(uidSet, fetchOptions)

	var summaries []model.MessageSummary
	for {
		if ctx.Err() != nil {
			break
		}
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var uid imap.UID
		var envelope *imap.Envelope
		var flags []imap.Flag
		var headerBytes []byte

		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				uid = data.UID
			case imapclient.FetchItemDataEnvelope:
				envelope = data.Envelope
			case imapclient.FetchItemDataFlags:
				flags = data.Flags
			case imapclient.FetchItemDataBodySection:
				if data.Literal != nil {
					headerBytes, _ = io.ReadAll(data.Literal)
				}
			}
		}
		if uid == 0 || envelope == nil {
			continue
		}

		summaries = append(summaries, buildSummary(accountID, mbHash, uid, envelope, flags, headerBytes))
	}

	if err := fetchCmd.Close(); err != nil {
		return summaries, err
	}
	return summaries, nil
}

func buildSummary(accountID string, mbHash uint64, uid imap.UID, envelope *imap.Envelope, flags []imap.Flag, headerBytes []byte) model.MessageSummary {
	var references []string
	if len(headerBytes) > 0 {
		references = extractReferences(headerBytes)
	}

	var inReplyTo string
	if len(references) > 0 {
		inReplyTo = references[len(references)-1]
	} else if len(envelope.InReplyTo) > 0 {
		inReplyTo = envelope.InReplyTo[0]
	}

	threadID := computeThreadID(envelope.MessageID, references)

	s := model.MessageSummary{
		AccountID:    accountID,
		MailboxHash:  mbHash,
		UID:          uint32(uid),
		Subject:      envelope.Subject,
		Date:         envelope.Date.UTC().Format(time.RFC3339),
		Timestamp:    envelope.Date.UTC().Unix(),
		MessageID:    envelope.MessageID,
		InReplyTo:    inReplyTo,
		ThreadID:     &threadID,
		ThreadDepth:  uint32(len(references)),
		EnvelopeHash: envelopeHash(accountID, envelope.MessageID, mbHash, uint32(uid)),
	}

	if len(envelope.From) > 0 {
		s.From = addressString(envelope.From[0])
	}
	if len(envelope.To) > 0 {
		parts := make([]string, len(envelope.To))
		for i, a := range envelope.To {
			parts[i] = addressString(a)
		}
		s.To = strings.Join(parts, ", ")
	}
	if len(envelope.ReplyTo) > 0 {
		s.ReplyTo = envelope.ReplyTo[0].Addr()
	}

	for _, flag := range flags {
		switch flag {
		case imap.FlagSeen:
			s.IsRead = true
		case imap.FlagFlagged:
			s.IsStarred = true
		}
	}

	if len(headerBytes) > 0 {
		lower := strings.ToLower(string(headerBytes))
		if strings.Contains(lower, "multipart/mixed") || strings.Contains(lower, "content-disposition: attachment") {
			s.HasAttachments = true
		}
	}

	return s
}

func addressString(a imap.Address) string {
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.Addr())
	}
	return a.Addr()
}

// extractReferences parses the References header out of a raw header blob.
// Folded header lines are unwrapped before splitting on whitespace.
func extractReferences(header []byte) []string {
	const prefix = "references:"
	lines := strings.Split(string(header), "\n")
	var value string
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if strings.HasPrefix(strings.ToLower(line), prefix) {
			value = strings.TrimSpace(line[len(prefix):])
			for i+1 < len(lines) && (strings.HasPrefix(lines[i+1], " ") || strings.HasPrefix(lines[i+1], "\t")) {
				i++
				value += " " + strings.TrimSpace(lines[i])
			}
			break
		}
	}
	if value == "" {
		return nil
	}
	return strings.Fields(value)
}
