// tidemaild runs the sync core headless: it resolves accounts, opens the
// cache, connects each account, performs an initial folder and INBOX sync,
// and then keeps the cache fresh from IDLE pushes until interrupted. A UI
// talks to the same cache file this process maintains.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidemail/core/internal/cache"
	"github.com/tidemail/core/internal/config"
	"github.com/tidemail/core/internal/credentials"
	"github.com/tidemail/core/internal/database"
	"github.com/tidemail/core/internal/imap"
	"github.com/tidemail/core/internal/logging"
	"github.com/tidemail/core/internal/sync"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		logging.SetLevel(zerolog.DebugLevel)
	} else {
		logging.SetLevel(zerolog.InfoLevel)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tidemaild: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log := logging.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	accounts, err := config.ResolveAllAccounts(credentials.NewStore())
	if err != nil {
		var ni *config.NeedsInput
		if errors.As(err, &ni) {
			if ni.Kind == config.PasswordOnly {
				return fmt.Errorf("no usable password for account %s (%s@%s); store one with tidemail-creds", ni.AccountID, ni.Username, ni.Server)
			}
			return fmt.Errorf("no accounts configured; add one with tidemail-creds")
		}
		return err
	}

	dataDir, err := os.UserCacheDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	db, err := database.Open(filepath.Join(dataDir, "tidemail", "cache.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}
	db.UpdateIdleConns(len(accounts))
	go db.StartCheckpointRoutine(ctx)

	actor, handle := cache.NewActor(db)
	go actor.Run(ctx)

	creds := credentialsByAccount(accounts)
	getCredentials := func(accountID string) (*imap.ClientConfig, error) {
		cc, ok := creds[accountID]
		if !ok {
			return nil, fmt.Errorf("unknown account %s", accountID)
		}
		return cc, nil
	}

	pool := imap.NewPool(imap.DefaultPoolConfig(), getCredentials)
	defer pool.CloseAll()
	go pool.StartCleanupRoutine(ctx)

	orch := sync.NewOrchestrator(handle, pool)

	idle := imap.NewIdleManager(imap.DefaultIdleConfig(), getCredentials)
	idle.Start(ctx)
	defer idle.Stop()

	for _, acct := range accounts {
		if err := orch.VerifyAccount(ctx, acct.ID); err != nil {
			log.Error().Err(err).Str("account", acct.Label).Msg("account unreachable, skipping")
			continue
		}
		if err := orch.SyncFolders(ctx, acct.ID); err != nil {
			log.Error().Err(err).Str("account", acct.Label).Msg("initial folder sync failed")
			continue
		}
		if err := orch.SyncEnvelopes(ctx, acct.ID, "INBOX", time.Time{}); err != nil {
			log.Error().Err(err).Str("account", acct.Label).Msg("initial envelope sync failed")
		}
		idle.StartAccount(acct.ID, acct.Label)
	}

	log.Info().Int("accounts", len(accounts)).Msg("sync core running")
	orch.Watch(ctx, idle.Events())
	return nil
}

func credentialsByAccount(accounts []config.Account) map[string]*imap.ClientConfig {
	out := make(map[string]*imap.ClientConfig, len(accounts))
	for _, acct := range accounts {
		cc := imap.DefaultConfig()
		cc.Host = acct.IMAPServer
		cc.Port = acct.IMAPPort
		cc.Username = acct.Username
		cc.Password = acct.Password
		if acct.UseStartTLS {
			cc.Security = imap.SecurityStartTLS
		}
		out[acct.ID] = &cc
	}
	return out
}
