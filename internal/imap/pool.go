package imap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidemail/core/internal/logging"
	"github.com/rs/zerolog"
)

// PoolConfig bounds the connection pool's behavior per account.
type PoolConfig struct {
	// MaxConnections caps concurrent connections per account. Most IMAP
	// providers throttle or reject clients that open too many.
	MaxConnections int

	// IdleTimeout is how long an unused connection is kept before the
	// cleanup pass logs it out.
	IdleTimeout time.Duration
}

// DefaultPoolConfig returns the pool bounds used in production.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections: 3,
		IdleTimeout:    5 * time.Minute,
	}
}

// PooledConnection is one live, authenticated connection checked out of or
// parked in the pool.
type PooledConnection struct {
	client    *Client
	accountID string
	lastUsed  time.Time
}

// Client returns the underlying IMAP client.
func (pc *PooledConnection) Client() *Client {
	return pc.client
}

// Pool hands out authenticated IMAP connections per account, reusing parked
// ones and dialing new ones up to the per-account cap. Callers that hit the
// cap block until a connection is released or their context expires.
type Pool struct {
	config         PoolConfig
	getCredentials func(accountID string) (*ClientConfig, error)

	mu    sync.Mutex
	idle  map[string][]*PooledConnection
	slots map[string]chan struct{}
	log   zerolog.Logger
}

// NewPool builds a pool. getCredentials maps an account ID to a ready
// ClientConfig; it is called on every fresh dial so password changes take
// effect without restarting the pool.
func NewPool(config PoolConfig, getCredentials func(accountID string) (*ClientConfig, error)) *Pool {
	return &Pool{
		config:         config,
		getCredentials: getCredentials,
		idle:           make(map[string][]*PooledConnection),
		slots:          make(map[string]chan struct{}),
		log:            logging.WithComponent("imap-pool"),
	}
}

// slotsFor returns the per-account semaphore, creating it on first use.
func (p *Pool) slotsFor(accountID string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.slots[accountID]
	if !ok {
		sem = make(chan struct{}, p.config.MaxConnections)
		p.slots[accountID] = sem
	}
	return sem
}

// GetConnection checks out a connection for the account: a parked one if
// available, a fresh dial otherwise. Blocks when the account is at its
// connection cap until a slot frees or ctx expires.
func (p *Pool) GetConnection(ctx context.Context, accountID string) (*PooledConnection, error) {
	sem := p.slotsFor(accountID)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for connection slot: %w", ctx.Err())
	}

	p.mu.Lock()
	if parked := p.idle[accountID]; len(parked) > 0 {
		conn := parked[len(parked)-1]
		p.idle[accountID] = parked[:len(parked)-1]
		p.mu.Unlock()
		conn.lastUsed = time.Now()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(accountID)
	if err != nil {
		<-sem
		return nil, err
	}
	return conn, nil
}

func (p *Pool) dial(accountID string) (*PooledConnection, error) {
	creds, err := p.getCredentials(accountID)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	client := NewClient(*creds)
	if err := client.Connect(); err != nil {
		return nil, err
	}
	if err := client.Login(); err != nil {
		client.ForceClose()
		return nil, err
	}

	p.log.Debug().Str("account", accountID).Msg("dialed new connection")
	return &PooledConnection{
		client:    client,
		accountID: accountID,
		lastUsed:  time.Now(),
	}, nil
}

// Release parks the connection for reuse and frees its slot.
func (p *Pool) Release(conn *PooledConnection) {
	if conn == nil {
		return
	}
	conn.lastUsed = time.Now()
	p.mu.Lock()
	p.idle[conn.accountID] = append(p.idle[conn.accountID], conn)
	sem := p.slots[conn.accountID]
	p.mu.Unlock()
	<-sem
}

// Discard closes the connection instead of parking it and frees its slot.
// Use after an error that leaves the wire state suspect.
func (p *Pool) Discard(conn *PooledConnection) {
	if conn == nil {
		return
	}
	conn.client.ForceClose()
	p.mu.Lock()
	sem := p.slots[conn.accountID]
	p.mu.Unlock()
	<-sem
}

// CloseAll logs out every parked connection. Checked-out connections are
// their holders' responsibility.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	parked := p.idle
	p.idle = make(map[string][]*PooledConnection)
	p.mu.Unlock()

	for _, conns := range parked {
		for _, conn := range conns {
			conn.client.Close()
		}
	}
}

// StartCleanupRoutine periodically logs out parked connections that have
// sat unused past IdleTimeout, until ctx is cancelled. Run in its own
// goroutine.
func (p *Pool) StartCleanupRoutine(ctx context.Context) {
	interval := p.config.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	cutoff := time.Now().Add(-p.config.IdleTimeout)
	var stale []*PooledConnection

	p.mu.Lock()
	for accountID, conns := range p.idle {
		kept := conns[:0]
		for _, conn := range conns {
			if conn.lastUsed.Before(cutoff) {
				stale = append(stale, conn)
			} else {
				kept = append(kept, conn)
			}
		}
		p.idle[accountID] = kept
	}
	p.mu.Unlock()

	for _, conn := range stale {
		p.log.Debug().Str("account", conn.accountID).Msg("closing idle connection")
		conn.client.Close()
	}
}
