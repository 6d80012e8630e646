package sync

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"

	ourimap "github.com/tidemail/core/internal/imap"
	"github.com/tidemail/core/internal/model"
)

// folderStatusWorkers bounds how many STATUS round-trips run concurrently
// against the server during a folder sync.
const folderStatusWorkers = 5

// SyncFolders lists the account's mailboxes, fetches per-folder counts, and
// reconciles them into the cache. Sorting puts INBOX first and the rest
// alphabetically.
func (o *Orchestrator) SyncFolders(ctx context.Context, accountID string) (retErr error) {
	conn, err := o.pool.GetConnection(ctx, accountID)
	if err != nil {
		return fmt.Errorf("sync folders: get connection: %w", err)
	}
	defer func() { o.checkin(conn, retErr) }()

	client := conn.Client()
	mailboxes, err := client.ListMailboxes()
	if err != nil {
		return fmt.Errorf("sync folders: list mailboxes: %w", err)
	}

	statuses := o.fetchStatusesParallel(ctx, client, mailboxes)

	folders := make([]model.Folder, 0, len(mailboxes))
	for _, mb := range mailboxes {
		st := statuses[mb.Name]
		f := model.Folder{
			AccountID:   accountID,
			Path:        mb.Name,
			Name:        extractFolderName(mb.Name, mb.Delimiter),
			MailboxHash: mailboxHash(accountID, mb.Name),
		}
		if st != nil {
			f.TotalCount = int(st.Messages)
			f.UnreadCount = int(st.Unseen)
		}
		folders = append(folders, f)
	}

	sort.Slice(folders, func(i, j int) bool {
		if folders[i].Path == "INBOX" {
			return true
		}
		if folders[j].Path == "INBOX" {
			return false
		}
		return folders[i].Path < folders[j].Path
	})

	if err := o.cache.SaveFolders(ctx, accountID, folders); err != nil {
		return fmt.Errorf("sync folders: save: %w", err)
	}

	o.log.Info().Str("account", accountID).Int("folders", len(folders)).Msg("folder sync complete")
	return nil
}

func (o *Orchestrator) fetchStatusesParallel(ctx context.Context, client *ourimap.Client, mailboxes []*ourimap.Mailbox) map[string]*ourimap.Mailbox {
	results := make(map[string]*ourimap.Mailbox, len(mailboxes))
	var mu gosync.Mutex
	var wg gosync.WaitGroup
	sem := make(chan struct{}, folderStatusWorkers)

	for _, mb := range mailboxes {
		mb := mb
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			st, err := client.GetMailboxStatus(ctx, mb.Name)
			if err != nil {
				o.log.Debug().Err(err).Str("mailbox", mb.Name).Msg("status fetch failed, counts will be zero")
				return
			}
			mu.Lock()
			results[mb.Name] = st
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func extractFolderName(path, delimiter string) string {
	if delimiter == "" {
		return path
	}
	idx := -1
	for i := len(path) - len(delimiter); i >= 0; i-- {
		if path[i:i+len(delimiter)] == delimiter {
			idx = i
			break
		}
	}
	if idx == -1 {
		return path
	}
	return path[idx+len(delimiter):]
}
