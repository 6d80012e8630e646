// Package logging provides the component-scoped zerolog loggers used
// throughout the module.
package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	base   zerolog.Logger
	levelM sync.Mutex
)

func root() zerolog.Logger {
	once.Do(func() {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	})
	return base
}

// WithComponent returns a logger tagged with a "component" field, the same
// shape used across every package in this module.
func WithComponent(name string) zerolog.Logger {
	return root().With().Str("component", name).Logger()
}

// SetLevel adjusts the global minimum log level (e.g. for -debug flags).
func SetLevel(level zerolog.Level) {
	levelM.Lock()
	defer levelM.Unlock()
	zerolog.SetGlobalLevel(level)
}
