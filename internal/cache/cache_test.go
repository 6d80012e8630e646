package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidemail/core/internal/database"
	"github.com/tidemail/core/internal/model"
)

func newTestCache(t *testing.T) Handle {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	actor, handle := NewActor(db)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go actor.Run(ctx)
	return handle
}

func TestSaveLoadFoldersAccountIsolation(t *testing.T) {
	h := newTestCache(t)
	ctx := context.Background()

	if err := h.SaveFolders(ctx, "acct-a", []model.Folder{
		{Path: "INBOX", Name: "Inbox", MailboxHash: 1},
		{Path: "Sent", Name: "Sent", MailboxHash: 2},
	}); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := h.SaveFolders(ctx, "acct-b", []model.Folder{
		{Path: "INBOX", Name: "Inbox", MailboxHash: 3},
	}); err != nil {
		t.Fatalf("save b: %v", err)
	}

	foldersA, err := h.LoadFolders(ctx, "acct-a")
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	if len(foldersA) != 2 {
		t.Fatalf("expected 2 folders for acct-a, got %d", len(foldersA))
	}
	if foldersA[0].Path != "INBOX" {
		t.Fatalf("expected INBOX first, got %s", foldersA[0].Path)
	}

	foldersB, err := h.LoadFolders(ctx, "acct-b")
	if err != nil {
		t.Fatalf("load b: %v", err)
	}
	if len(foldersB) != 1 {
		t.Fatalf("expected 1 folder for acct-b, got %d", len(foldersB))
	}
}

func TestSaveFoldersSweepsRemovedMailboxes(t *testing.T) {
	h := newTestCache(t)
	ctx := context.Background()

	if err := h.SaveFolders(ctx, "acct-a", []model.Folder{
		{Path: "INBOX", Name: "Inbox", MailboxHash: 1},
		{Path: "Archive", Name: "Archive", MailboxHash: 2},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := h.SaveMessages(ctx, "acct-a", 2, []model.MessageSummary{
		{EnvelopeHash: 100, Timestamp: 1, Subject: "old"},
	}); err != nil {
		t.Fatalf("save messages: %v", err)
	}

	// Server no longer reports the Archive folder.
	if err := h.SaveFolders(ctx, "acct-a", []model.Folder{
		{Path: "INBOX", Name: "Inbox", MailboxHash: 1},
	}); err != nil {
		t.Fatalf("resave: %v", err)
	}

	folders, err := h.LoadFolders(ctx, "acct-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(folders) != 1 {
		t.Fatalf("expected Archive swept away, got %d folders", len(folders))
	}

	msgs, err := h.LoadMessages(ctx, "acct-a", 2, 50, 0)
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected orphaned messages swept away, got %d", len(msgs))
	}
}

func TestDualTruthFlagsSurviveResync(t *testing.T) {
	h := newTestCache(t)
	ctx := context.Background()

	if err := h.SaveFolders(ctx, "acct-a", []model.Folder{{Path: "INBOX", Name: "Inbox", MailboxHash: 1}}); err != nil {
		t.Fatalf("save folders: %v", err)
	}
	if err := h.SaveMessages(ctx, "acct-a", 1, []model.MessageSummary{
		{EnvelopeHash: 42, Timestamp: 1, Subject: "hi", IsRead: false},
	}); err != nil {
		t.Fatalf("save messages: %v", err)
	}

	// Local edit: mark read, pending a "seen" write to the server.
	if err := h.UpdateFlags(ctx, "acct-a", 42, true, false, "seen"); err != nil {
		t.Fatalf("update flags: %v", err)
	}

	msgs, err := h.LoadMessages(ctx, "acct-a", 1, 50, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].IsRead {
		t.Fatalf("expected effective flags to reflect pending local edit, got %+v", msgs)
	}

	// A resync arrives mid-flight still reporting the old server state. It
	// must not clobber the pending local read flag.
	if err := h.SaveMessages(ctx, "acct-a", 1, []model.MessageSummary{
		{EnvelopeHash: 42, Timestamp: 1, Subject: "hi", IsRead: false},
	}); err != nil {
		t.Fatalf("resync: %v", err)
	}

	msgs, err = h.LoadMessages(ctx, "acct-a", 1, 50, 0)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].IsRead {
		t.Fatalf("expected pending edit to survive resync, got %+v", msgs)
	}

	// Confirmation arrives: clear the pending op.
	if err := h.ClearPendingOp(ctx, "acct-a", 42, true, false); err != nil {
		t.Fatalf("clear pending: %v", err)
	}
	msgs, err = h.LoadMessages(ctx, "acct-a", 1, 50, 0)
	if err != nil {
		t.Fatalf("reload 2: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].IsRead {
		t.Fatalf("expected confirmed read flag, got %+v", msgs)
	}
}

func TestResyncUpdatesServerFlagsUnderPendingEdit(t *testing.T) {
	h := newTestCache(t)
	ctx := context.Background()

	if err := h.SaveFolders(ctx, "acct-a", []model.Folder{{Path: "INBOX", Name: "Inbox", MailboxHash: 1}}); err != nil {
		t.Fatalf("save folders: %v", err)
	}
	if err := h.SaveMessages(ctx, "acct-a", 1, []model.MessageSummary{
		{EnvelopeHash: 5, Timestamp: 1, Subject: "hi"},
	}); err != nil {
		t.Fatalf("save messages: %v", err)
	}

	// Local edit sets both bits while the server still reports neither.
	if err := h.UpdateFlags(ctx, "acct-a", 5, true, true, "mark_read"); err != nil {
		t.Fatalf("update flags: %v", err)
	}
	if err := h.SaveMessages(ctx, "acct-a", 1, []model.MessageSummary{
		{EnvelopeHash: 5, Timestamp: 1, Subject: "hi", IsRead: false, IsStarred: false},
	}); err != nil {
		t.Fatalf("resync: %v", err)
	}

	// Effective flags still show the local edit; the server truth was only
	// recorded underneath it.
	msgs, err := h.LoadMessages(ctx, "acct-a", 1, 50, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].IsRead || !msgs[0].IsStarred {
		t.Fatalf("expected local edit visible after resync, got %+v", msgs)
	}

	// A revert now lands on the server truth the resync recorded.
	if err := h.RevertPendingOp(ctx, "acct-a", 5); err != nil {
		t.Fatalf("revert: %v", err)
	}
	msgs, err = h.LoadMessages(ctx, "acct-a", 1, 50, 0)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(msgs) != 1 || msgs[0].IsRead || msgs[0].IsStarred {
		t.Fatalf("expected revert to restore the resynced server flags, got %+v", msgs)
	}
}

func TestRevertPendingOpRestoresServerFlags(t *testing.T) {
	h := newTestCache(t)
	ctx := context.Background()

	if err := h.SaveFolders(ctx, "acct-a", []model.Folder{{Path: "INBOX", Name: "Inbox", MailboxHash: 1}}); err != nil {
		t.Fatalf("save folders: %v", err)
	}
	if err := h.SaveMessages(ctx, "acct-a", 1, []model.MessageSummary{
		{EnvelopeHash: 7, Timestamp: 1, Subject: "hi", IsRead: false},
	}); err != nil {
		t.Fatalf("save messages: %v", err)
	}
	if err := h.UpdateFlags(ctx, "acct-a", 7, true, false, "seen"); err != nil {
		t.Fatalf("update flags: %v", err)
	}
	if err := h.RevertPendingOp(ctx, "acct-a", 7); err != nil {
		t.Fatalf("revert: %v", err)
	}

	msgs, err := h.LoadMessages(ctx, "acct-a", 1, 50, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 1 || msgs[0].IsRead {
		t.Fatalf("expected reverted flag to match server state (unread), got %+v", msgs)
	}
}

func TestSearchRewriteAndCoherence(t *testing.T) {
	h := newTestCache(t)
	ctx := context.Background()

	if err := h.SaveFolders(ctx, "acct-a", []model.Folder{{Path: "INBOX", Name: "Inbox", MailboxHash: 1}}); err != nil {
		t.Fatalf("save folders: %v", err)
	}
	if err := h.SaveMessages(ctx, "acct-a", 1, []model.MessageSummary{
		{EnvelopeHash: 1, Timestamp: time.Now().Unix(), Subject: "Invoice for June", From: "billing@example.com"},
		{EnvelopeHash: 2, Timestamp: time.Now().Unix() - 10, Subject: "Weekly digest", From: "news@example.com"},
	}); err != nil {
		t.Fatalf("save messages: %v", err)
	}

	hits, err := h.Search(ctx, "invoic")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].EnvelopeHash != 1 {
		t.Fatalf("expected prefix match on invoic*, got %+v", hits)
	}

	if hits, err := h.Search(ctx, "   "); err != nil || len(hits) != 0 {
		t.Fatalf("expected blank query to return no results, got %+v err=%v", hits, err)
	}

	// A quoted query is user-authored match syntax: passed through without
	// the prefix rewrite, so the exact token "invoic" matches nothing.
	if hits, err := h.Search(ctx, `"invoic"`); err != nil || len(hits) != 0 {
		t.Fatalf("expected quoted query to skip prefix rewrite, got %+v err=%v", hits, err)
	}
}

func TestSaveFoldersEmptySetClearsAccount(t *testing.T) {
	h := newTestCache(t)
	ctx := context.Background()

	if err := h.SaveFolders(ctx, "acct-a", []model.Folder{{Path: "INBOX", Name: "Inbox", MailboxHash: 1}}); err != nil {
		t.Fatalf("save folders: %v", err)
	}
	if err := h.SaveMessages(ctx, "acct-a", 1, []model.MessageSummary{
		{EnvelopeHash: 1, Timestamp: 1, Subject: "hi"},
	}); err != nil {
		t.Fatalf("save messages: %v", err)
	}

	if err := h.SaveFolders(ctx, "acct-a", nil); err != nil {
		t.Fatalf("save empty: %v", err)
	}

	folders, err := h.LoadFolders(ctx, "acct-a")
	if err != nil {
		t.Fatalf("load folders: %v", err)
	}
	if len(folders) != 0 {
		t.Fatalf("expected account cleared, got %+v", folders)
	}
	msgs, err := h.LoadMessages(ctx, "acct-a", 1, 50, 0)
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected messages cleared, got %+v", msgs)
	}
}

func TestLoadMessagesClustersThreads(t *testing.T) {
	h := newTestCache(t)
	ctx := context.Background()

	if err := h.SaveFolders(ctx, "acct-a", []model.Folder{{Path: "INBOX", Name: "Inbox", MailboxHash: 1}}); err != nil {
		t.Fatalf("save folders: %v", err)
	}

	threadA := uint64(1000)
	threadB := uint64(2000)
	if err := h.SaveMessages(ctx, "acct-a", 1, []model.MessageSummary{
		{EnvelopeHash: 1, Timestamp: 10, Subject: "a-root", ThreadID: &threadA},
		{EnvelopeHash: 2, Timestamp: 40, Subject: "a-reply", ThreadID: &threadA},
		{EnvelopeHash: 3, Timestamp: 20, Subject: "b-root", ThreadID: &threadB},
		{EnvelopeHash: 4, Timestamp: 30, Subject: "b-reply", ThreadID: &threadB},
	}); err != nil {
		t.Fatalf("save messages: %v", err)
	}

	msgs, err := h.LoadMessages(ctx, "acct-a", 1, 50, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := make([]uint64, len(msgs))
	for i, m := range msgs {
		got[i] = m.EnvelopeHash
	}
	// Thread A's newest message (t=40) beats thread B's newest (t=30), so A
	// clusters first, each thread in chronological order.
	want := []uint64{1, 2, 3, 4}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("unexpected thread ordering: got %v, want %v", got, want)
		}
	}
}

func TestRemoveMessageDeletesAttachments(t *testing.T) {
	h := newTestCache(t)
	ctx := context.Background()

	if err := h.SaveFolders(ctx, "acct-a", []model.Folder{{Path: "INBOX", Name: "Inbox", MailboxHash: 1}}); err != nil {
		t.Fatalf("save folders: %v", err)
	}
	if err := h.SaveMessages(ctx, "acct-a", 1, []model.MessageSummary{
		{EnvelopeHash: 9, Timestamp: 1, Subject: "hi"},
	}); err != nil {
		t.Fatalf("save messages: %v", err)
	}
	if err := h.SaveBody(ctx, "acct-a", 9, model.Body{
		PlainText:   "hello",
		Attachments: []model.Attachment{{Filename: "a.txt", MimeType: "text/plain", Data: []byte("x")}},
	}); err != nil {
		t.Fatalf("save body: %v", err)
	}

	if err := h.RemoveMessage(ctx, "acct-a", 9); err != nil {
		t.Fatalf("remove: %v", err)
	}

	_, ok, err := h.LoadBody(ctx, "acct-a", 9)
	if err != nil {
		t.Fatalf("load body: %v", err)
	}
	if ok {
		t.Fatalf("expected body to be gone after remove")
	}
}

func TestLoadBodyIsAccountScoped(t *testing.T) {
	h := newTestCache(t)
	ctx := context.Background()

	if err := h.SaveFolders(ctx, "acct-a", []model.Folder{{Path: "INBOX", Name: "Inbox", MailboxHash: 1}}); err != nil {
		t.Fatalf("save folders a: %v", err)
	}
	if err := h.SaveMessages(ctx, "acct-a", 1, []model.MessageSummary{
		{EnvelopeHash: 42, Timestamp: 1, Subject: "hi"},
	}); err != nil {
		t.Fatalf("save messages a: %v", err)
	}
	if err := h.SaveBody(ctx, "acct-a", 42, model.Body{PlainText: "hello from a"}); err != nil {
		t.Fatalf("save body a: %v", err)
	}

	_, ok, err := h.LoadBody(ctx, "acct-b", 42)
	if err != nil {
		t.Fatalf("load body b: %v", err)
	}
	if ok {
		t.Fatalf("expected acct-b to observe no body for a message it never saved, even with a colliding envelope hash")
	}

	body, ok, err := h.LoadBody(ctx, "acct-a", 42)
	if err != nil {
		t.Fatalf("load body a: %v", err)
	}
	if !ok || body.PlainText != "hello from a" {
		t.Fatalf("expected acct-a's own body, got ok=%v body=%+v", ok, body)
	}
}

func TestRemoveAccountIsScoped(t *testing.T) {
	h := newTestCache(t)
	ctx := context.Background()

	if err := h.SaveFolders(ctx, "acct-a", []model.Folder{{Path: "INBOX", Name: "Inbox", MailboxHash: 1}}); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := h.SaveFolders(ctx, "acct-b", []model.Folder{{Path: "INBOX", Name: "Inbox", MailboxHash: 2}}); err != nil {
		t.Fatalf("save b: %v", err)
	}

	if err := h.RemoveAccount(ctx, "acct-a"); err != nil {
		t.Fatalf("remove account: %v", err)
	}

	foldersA, err := h.LoadFolders(ctx, "acct-a")
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	if len(foldersA) != 0 {
		t.Fatalf("expected acct-a wiped, got %+v", foldersA)
	}

	foldersB, err := h.LoadFolders(ctx, "acct-b")
	if err != nil {
		t.Fatalf("load b: %v", err)
	}
	if len(foldersB) != 1 {
		t.Fatalf("expected acct-b untouched, got %+v", foldersB)
	}
}
