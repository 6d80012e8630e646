// Package cache implements the single-writer actor and query layer that
// back the local message store. One goroutine owns the SQLite connection;
// every other goroutine talks to it only through a Handle, so no two
// statements ever execute concurrently.
package cache

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tidemail/core/internal/database"
	"github.com/tidemail/core/internal/logging"
	"github.com/rs/zerolog"
)

// command is a unit of work submitted to the actor. Each exported Handle
// method builds one of these as a closure over its own reply channel, the
// Go analogue of sending an enum variant carrying a oneshot reply sender.
type command func(db *sql.DB)

// Handle is a cheap, copyable reference to a running actor. It holds no
// database handle of its own — every operation is serialized through the
// actor's command channel.
type Handle struct {
	cmds chan command
}

// Actor owns the database connection and runs the command loop.
type Actor struct {
	db   *database.DB
	cmds chan command
	log  zerolog.Logger
}

// NewActor creates an actor bound to db. Call Run in its own goroutine to
// start serving commands, then share the returned Handle with callers.
func NewActor(db *database.DB) (*Actor, Handle) {
	cmds := make(chan command, 64)
	a := &Actor{
		db:   db,
		cmds: cmds,
		log:  logging.WithComponent("cache"),
	}
	return a, Handle{cmds: cmds}
}

// Run processes commands until ctx is cancelled or the channel is closed.
// It is the only goroutine that ever touches the underlying *sql.DB for
// cache operations.
func (a *Actor) Run(ctx context.Context) {
	a.log.Debug().Msg("cache actor starting")
	for {
		select {
		case cmd, ok := <-a.cmds:
			if !ok {
				a.log.Debug().Msg("cache actor exiting: channel closed")
				return
			}
			cmd(a.db.DB)
		case <-ctx.Done():
			a.log.Debug().Msg("cache actor exiting: context cancelled")
			return
		}
	}
}

// submit sends cmd to the actor and blocks until it has been accepted or
// ctx is done. A cancelled context here means the cache is unavailable.
func (h Handle) submit(ctx context.Context, cmd command) error {
	select {
	case h.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cache unavailable: %w", ctx.Err())
	}
}

// errReply is a small helper for the common case of a command that only
// reports success or failure.
func errReply(ctx context.Context, h Handle, fn func(db *sql.DB) error) error {
	reply := make(chan error, 1)
	if err := h.submit(ctx, func(db *sql.DB) { reply <- fn(db) }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("cache unavailable: %w", ctx.Err())
	}
}

// result pairs a value with an error for the generic value-returning
// commands below.
type result[T any] struct {
	val T
	err error
}

// valueReply is errReply's counterpart for commands that return a value.
func valueReply[T any](ctx context.Context, h Handle, fn func(db *sql.DB) (T, error)) (T, error) {
	reply := make(chan result[T], 1)
	if err := h.submit(ctx, func(db *sql.DB) {
		val, err := fn(db)
		reply <- result[T]{val: val, err: err}
	}); err != nil {
		var zero T
		return zero, err
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("cache unavailable: %w", ctx.Err())
	}
}
