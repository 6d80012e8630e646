// Package sync is the orchestrator that drives the remote mailbox adapter
// and the local cache in lockstep: folder discovery, envelope streaming,
// body fetch, flag write-through, message moves, and a watch signal.
// Nothing in this package owns the database or the wire connection — both
// are handed in, so the orchestrator itself is just the policy that ties
// them together.
package sync

import (
	"context"
	"fmt"

	"github.com/tidemail/core/internal/cache"
	ourimap "github.com/tidemail/core/internal/imap"
	"github.com/tidemail/core/internal/logging"
	"github.com/rs/zerolog"
)

// Orchestrator drives folder/envelope/body/flag traffic between the remote
// adapter (pooled IMAP connections) and the local cache for every account;
// each call names the account it acts on.
type Orchestrator struct {
	cache cache.Handle
	pool  *ourimap.Pool
	log   zerolog.Logger
}

// NewOrchestrator builds an Orchestrator over an already-running cache
// actor and connection pool. Both are expected to outlive the Orchestrator.
func NewOrchestrator(c cache.Handle, pool *ourimap.Pool) *Orchestrator {
	return &Orchestrator{
		cache: c,
		pool:  pool,
		log:   logging.WithComponent("sync"),
	}
}

// VerifyAccount establishes (or reuses) a connection for the account and
// returns it to the pool, proving the endpoint is reachable and the
// credentials work before the account is declared online.
func (o *Orchestrator) VerifyAccount(ctx context.Context, accountID string) error {
	conn, err := o.pool.GetConnection(ctx, accountID)
	if err != nil {
		return fmt.Errorf("verify account: %w", err)
	}
	o.pool.Release(conn)
	o.log.Info().Str("account", accountID).Msg("account verified reachable")
	return nil
}

// checkin hands a connection back to the pool. A connection whose operation
// failed is discarded rather than parked: the error may have left a
// half-written command on the wire, and the next borrower would inherit it.
func (o *Orchestrator) checkin(conn *ourimap.PooledConnection, err error) {
	if err != nil {
		o.pool.Discard(conn)
		return
	}
	o.pool.Release(conn)
}
