package imap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/tidemail/core/internal/logging"
	"github.com/rs/zerolog"
)

// EventType classifies a watch notification.
type EventType int

const (
	EventNewMail EventType = iota
	EventExpunge
)

func (t EventType) String() string {
	switch t {
	case EventNewMail:
		return "new_mail"
	case EventExpunge:
		return "expunge"
	default:
		return "unknown"
	}
}

// MailEvent is a single unsolicited notification received while idling.
// It is deliberately thin — a consumer only learns that something changed,
// not what changed. The resync that follows re-fetches the folder anyway,
// so carrying UID-level detail here would buy nothing.
type MailEvent struct {
	Type      EventType
	AccountID string
	Folder    string
	Count     uint32
	SeqNum    uint32
}

// IdleConfig tunes the per-account IDLE loop.
type IdleConfig struct {
	// CycleLength is how long to sit in one IDLE before cycling it.
	// RFC 2177 recommends re-issuing well under 29 minutes; many NAT
	// middleboxes drop silent connections far sooner.
	CycleLength time.Duration

	// ReconnectBackoff / MaxReconnectBackoff bound the exponential retry
	// delay after a failed connection.
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration

	// MaxReconnectAttempts is how many consecutive failures are tolerated
	// before the account's watcher gives up.
	MaxReconnectAttempts int

	// EventSendTimeout is how long to wait on a full event channel before
	// dropping a notification. Dropping is safe: the next event triggers
	// the same folder resync.
	EventSendTimeout time.Duration
}

// DefaultIdleConfig returns the production IDLE tuning.
func DefaultIdleConfig() IdleConfig {
	return IdleConfig{
		CycleLength:          10 * time.Minute,
		ReconnectBackoff:     time.Second,
		MaxReconnectBackoff:  5 * time.Minute,
		MaxReconnectAttempts: 10,
		EventSendTimeout:     2 * time.Second,
	}
}

// IdleManager runs one watcher goroutine per account, each holding a
// dedicated IMAP connection in IDLE on INBOX, and fans every notification
// into a single events channel.
type IdleManager struct {
	config         IdleConfig
	getCredentials func(accountID string) (*ClientConfig, error)
	events         chan MailEvent
	log            zerolog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	watchers map[string]*accountWatcher
}

// NewIdleManager builds a manager; no watcher runs until StartAccount.
func NewIdleManager(config IdleConfig, getCredentials func(accountID string) (*ClientConfig, error)) *IdleManager {
	return &IdleManager{
		config:         config,
		getCredentials: getCredentials,
		events:         make(chan MailEvent, 64),
		log:            logging.WithComponent("imap-idle"),
		watchers:       make(map[string]*accountWatcher),
	}
}

// Start binds the manager's lifetime to ctx. Must be called before any
// StartAccount.
func (m *IdleManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx, m.cancel = context.WithCancel(ctx)
}

// Stop cancels every watcher and waits for them to wind down.
func (m *IdleManager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	watchers := make([]*accountWatcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*accountWatcher)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, w := range watchers {
		w.wait()
	}
}

// Events is the fan-in channel every account's notifications arrive on.
func (m *IdleManager) Events() <-chan MailEvent {
	return m.events
}

// StartAccount launches (or restarts) the watcher for one account.
func (m *IdleManager) StartAccount(accountID, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		m.log.Error().Str("account", label).Msg("idle manager not started")
		return
	}
	if old, ok := m.watchers[accountID]; ok {
		old.stop()
	}

	w := &accountWatcher{
		accountID:      accountID,
		config:         m.config,
		getCredentials: m.getCredentials,
		events:         m.events,
		log:            m.log.With().Str("account", label).Logger(),
		done:           make(chan struct{}),
	}
	w.ctx, w.cancel = context.WithCancel(m.ctx)
	m.watchers[accountID] = w
	go w.run()
}

// StopAccount tears down one account's watcher (used on account removal).
func (m *IdleManager) StopAccount(accountID string) {
	m.mu.Lock()
	w, ok := m.watchers[accountID]
	delete(m.watchers, accountID)
	m.mu.Unlock()
	if ok {
		w.stop()
		w.wait()
	}
}

// accountWatcher is the per-account IDLE loop: connect, select INBOX, sit
// in IDLE for a cycle, repeat; back off exponentially on failure.
type accountWatcher struct {
	accountID      string
	config         IdleConfig
	getCredentials func(accountID string) (*ClientConfig, error)
	events         chan<- MailEvent
	log            zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *accountWatcher) stop() { w.cancel() }
func (w *accountWatcher) wait() { <-w.done }

func (w *accountWatcher) run() {
	defer close(w.done)

	backoff := w.config.ReconnectBackoff
	failures := 0

	for w.ctx.Err() == nil {
		client, err := w.connect()
		if err != nil {
			failures++
			if failures >= w.config.MaxReconnectAttempts {
				w.log.Error().Err(err).Int("failures", failures).Msg("giving up on IDLE for this account")
				return
			}
			w.log.Warn().Err(err).Dur("backoff", backoff).Msg("IDLE connect failed, retrying")
			select {
			case <-time.After(backoff):
			case <-w.ctx.Done():
				return
			}
			backoff = min(backoff*2, w.config.MaxReconnectBackoff)
			continue
		}

		backoff = w.config.ReconnectBackoff
		failures = 0

		for w.ctx.Err() == nil {
			if err := w.idleOnce(client); err != nil {
				w.log.Warn().Err(err).Msg("IDLE cycle failed, reconnecting")
				break
			}
		}
		client.Close()
	}
}

// connect dials a dedicated connection whose unilateral-data handler turns
// EXISTS and EXPUNGE pushes into MailEvents, then parks it in INBOX.
func (w *accountWatcher) connect() (*imapclient.Client, error) {
	creds, err := w.getCredentials(w.accountID)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	options := &imapclient.Options{
		TLSConfig: creds.TLSConfig,
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					w.send(MailEvent{
						Type:      EventNewMail,
						AccountID: w.accountID,
						Folder:    "INBOX",
						Count:     *data.NumMessages,
					})
				}
			},
			Expunge: func(seqNum uint32) {
				w.send(MailEvent{
					Type:      EventExpunge,
					AccountID: w.accountID,
					Folder:    "INBOX",
					SeqNum:    seqNum,
				})
			},
		},
	}

	addr := fmt.Sprintf("%s:%d", creds.Host, creds.Port)
	var client *imapclient.Client
	switch creds.Security {
	case SecurityStartTLS:
		client, err = imapclient.DialStartTLS(addr, options)
	case SecurityNone:
		client, err = imapclient.DialInsecure(addr, options)
	default:
		client, err = imapclient.DialTLS(addr, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if err := client.WaitGreeting(); err != nil {
		client.Close()
		return nil, fmt.Errorf("server greeting: %w", err)
	}

	if client.Caps().Has(imap.CapLoginDisabled) {
		err = client.Authenticate(sasl.NewPlainClient("", creds.Username, creds.Password))
	} else {
		err = client.Login(creds.Username, creds.Password).Wait()
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	if !client.Caps().Has(imap.CapIdle) {
		client.Close()
		return nil, fmt.Errorf("server does not support IDLE")
	}

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	w.log.Info().Msg("watching INBOX")
	return client, nil
}

// idleOnce holds one IDLE open for a cycle. Unilateral data arrives through
// the handler installed at connect time; this function only paces the
// cycle and verifies the connection is still alive between cycles.
func (w *accountWatcher) idleOnce(client *imapclient.Client) error {
	if err := client.Noop().Wait(); err != nil {
		return fmt.Errorf("connection check: %w", err)
	}

	idleCmd, err := client.Idle()
	if err != nil {
		return fmt.Errorf("start IDLE: %w", err)
	}

	timer := time.NewTimer(w.config.CycleLength)
	defer timer.Stop()

	select {
	case <-w.ctx.Done():
		idleCmd.Close()
		return w.ctx.Err()
	case <-timer.C:
		return idleCmd.Close()
	}
}

// send delivers an event without blocking the IDLE goroutine indefinitely;
// a full channel drops the event, which costs at most one delayed resync.
func (w *accountWatcher) send(event MailEvent) {
	select {
	case w.events <- event:
	case <-time.After(w.config.EventSendTimeout):
		w.log.Warn().Str("event", event.Type.String()).Msg("event channel full, dropping")
	case <-w.ctx.Done():
	}
}
