package sync

import (
	"context"
	"time"

	ourimap "github.com/tidemail/core/internal/imap"
)

// Watch drains the IDLE manager's event channel and schedules a refresh for
// whatever folder the event concerns. Neither EventNewMail nor EventExpunge
// carries a delta, so every event is just the adapter's single "go resync
// this folder" push; Watch exists purely to turn that push into a
// SyncEnvelopes call, not to interpret it. It runs until ctx is cancelled
// or the events channel is closed.
func (o *Orchestrator) Watch(ctx context.Context, events <-chan ourimap.MailEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.handleWatchEvent(ctx, ev)
		}
	}
}

func (o *Orchestrator) handleWatchEvent(ctx context.Context, ev ourimap.MailEvent) {
	folder := ev.Folder
	if folder == "" {
		folder = "INBOX"
	}

	log := o.log.With().Str("account", ev.AccountID).Str("folder", folder).Str("event", ev.Type.String()).Logger()
	log.Debug().Msg("watch event received, scheduling refresh")

	if err := o.SyncEnvelopes(ctx, ev.AccountID, folder, time.Time{}); err != nil {
		log.Error().Err(err).Msg("refresh after watch event failed")
	}
}
