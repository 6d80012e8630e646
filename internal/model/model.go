// Package model holds the domain types shared by the store, sync, and
// collaborator packages.
package model

import "time"

// Account identifies one configured mailbox (IMAP + SMTP) within the cache.
// All rows in every other table are scoped to an AccountID.
type Account struct {
	ID   string
	Name string
}

// Folder is a single IMAP mailbox as mirrored locally. MailboxHash is a
// stable identifier for the folder derived by the remote adapter (not an
// IMAP UID), used as the foreign key messages hang off of.
type Folder struct {
	AccountID    string
	Path         string
	Name         string
	MailboxHash  uint64
	UnreadCount  int
	TotalCount   int
}

// Address is a single RFC 5322 mailbox.
type Address struct {
	Name  string
	Email string
}

// MessageSummary is the envelope-level view of a message used for list
// views, thread clustering, and search results. It never carries the
// rendered body or attachment bytes.
type MessageSummary struct {
	AccountID      string
	EnvelopeHash   uint64
	MailboxHash    uint64
	UID            uint32
	Subject        string
	From           string
	To             string
	Date           string
	Timestamp      int64
	IsRead         bool
	IsStarred      bool
	HasAttachments bool
	ThreadID       *uint64
	ThreadDepth    uint32
	MessageID      string
	InReplyTo      string
	ReplyTo        string
}

// Body is the rendered content of a single message plus its attachments.
type Body struct {
	PlainText   string
	Markdown    string
	Attachments []Attachment
}

// Attachment is a single extracted MIME part stored alongside a message's
// rendered body.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// SearchHit is a MessageSummary returned from the full-text search index.
type SearchHit = MessageSummary

// FetchOptions controls how much of a message the sync orchestrator
// retrieves from the remote adapter in one pass.
type FetchOptions struct {
	Envelope    bool
	Flags       bool
	Body        bool
	Attachments bool
}

// DefaultFetchOptions fetches only envelope and flag data.
func DefaultFetchOptions() FetchOptions {
	return FetchOptions{Envelope: true, Flags: true}
}

// FullFetchOptions fetches everything, including the rendered body.
func FullFetchOptions() FetchOptions {
	return FetchOptions{Envelope: true, Flags: true, Body: true, Attachments: true}
}

// SyncProgress reports folder sync progress for UI consumers.
type SyncProgress struct {
	AccountID string
	FolderID  string
	Fetched   int
	Total     int
	Phase     string
	At        time.Time
}
