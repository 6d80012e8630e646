package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tidemail/core/internal/model"
)

// searchResultLimit caps the rows a single search returns; the index is a
// convenience for locating a message, not a reporting tool.
const searchResultLimit = 200

// Search runs a full-text query across subject, sender, and rendered body
// and returns matches newest-first. An empty or all-whitespace query
// returns no results rather than matching everything.
func (h Handle) Search(ctx context.Context, query string) ([]model.SearchHit, error) {
	return valueReply(ctx, h, func(db *sql.DB) ([]model.SearchHit, error) {
		return search(db, query)
	})
}

func search(db *sql.DB, query string) ([]model.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	ftsQuery := rewriteSearchQuery(query)

	rows, err := db.Query(`
		SELECT m.envelope_hash, m.subject, m.sender, m.date, m.timestamp,
		       m.is_read, m.is_starred, m.has_attachments, m.thread_id,
		       m.flags_server, m.flags_local, m.pending_op, m.mailbox_hash,
		       m.message_id, m.in_reply_to, m.thread_depth, m.reply_to, m.recipient, m.uid
		FROM messages m
		WHERE m.rowid IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)
		ORDER BY m.timestamp DESC
		LIMIT ?
	`, ftsQuery, searchResultLimit)
	if err != nil {
		return nil, fmt.Errorf("search: query: %w", err)
	}
	defer rows.Close()

	var hits []model.SearchHit
	for rows.Next() {
		m, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		hits = append(hits, m)
	}
	return hits, rows.Err()
}

// rewriteSearchQuery turns a plain-language query into an FTS5 MATCH
// expression. A query already using FTS syntax (it contains a double
// quote) is passed through untouched; otherwise every plain alphanumeric
// token of at least 3 characters gets a trailing '*' so "invoic" still
// matches "invoice" and "invoicing".
func rewriteSearchQuery(query string) string {
	if strings.Contains(query, `"`) {
		return query
	}

	tokens := strings.Fields(query)
	for i, tok := range tokens {
		if shouldWildcard(tok) {
			tokens[i] = tok + "*"
		}
	}
	return strings.Join(tokens, " ")
}

func shouldWildcard(token string) bool {
	if len(token) < 3 || strings.HasSuffix(token, "*") {
		return false
	}
	for _, r := range token {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
		if !isAlnum {
			return false
		}
	}
	return true
}
