// Package imap implements the remote mailbox adapter: connect/login, list
// mailboxes, select, fetch envelopes/flags/raw bodies, append, copy,
// delete+expunge, and an IDLE-based watch signal.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/tidemail/core/internal/logging"
	"github.com/rs/zerolog"
)

// SecurityType selects how the TCP connection is (or isn't) encrypted.
type SecurityType string

const (
	SecurityNone     SecurityType = "none"
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// ClientConfig holds everything needed to reach and authenticate against
// one IMAP endpoint.
type ClientConfig struct {
	Host     string
	Port     int
	Security SecurityType
	Username string
	Password string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// TLSConfig overrides certificate verification when set.
	TLSConfig *tls.Config
}

// DefaultConfig returns a ClientConfig with implicit TLS on 993. The read
// timeout is generous because a full body fetch of a large message can
// legitimately take minutes on a slow link.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Port:           993,
		Security:       SecurityTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

// deadlineConn arms a fresh read/write deadline before every operation.
// go-imap v2 has no built-in socket timeouts, so without this a dead
// connection blocks its caller forever.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// Client wraps one authenticated IMAP connection.
type Client struct {
	config ClientConfig
	client *imapclient.Client
	caps   imap.CapSet
	log    zerolog.Logger
}

// NewClient builds a client; it does not dial until Connect.
func NewClient(config ClientConfig) *Client {
	return &Client{
		config: config,
		log:    logging.WithComponent("imap"),
	}
}

// Connect dials the endpoint, waits for the server greeting, and records
// the advertised capabilities. It does not authenticate; call Login next.
func (c *Client) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	c.log.Debug().Str("addr", addr).Str("security", string(c.config.Security)).Msg("connecting")

	client, err := c.dial(addr)
	if err != nil {
		return err
	}
	c.client = client

	if err := c.client.WaitGreeting(); err != nil {
		c.client.Close()
		return fmt.Errorf("server greeting: %w", err)
	}
	c.caps = c.client.Caps()

	c.log.Info().Str("host", c.config.Host).Msg("connected")
	return nil
}

func (c *Client) dial(addr string) (*imapclient.Client, error) {
	options := &imapclient.Options{}
	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}

	wrap := func(conn net.Conn) net.Conn {
		return &deadlineConn{
			Conn:         conn,
			readTimeout:  c.config.ReadTimeout,
			writeTimeout: c.config.WriteTimeout,
		}
	}

	switch c.config.Security {
	case SecurityStartTLS:
		if c.config.TLSConfig != nil {
			options.TLSConfig = c.config.TLSConfig
		}
		client, err := imapclient.DialStartTLS(addr, options)
		if err != nil {
			return nil, fmt.Errorf("starttls dial: %w", err)
		}
		return client, nil
	case SecurityNone:
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		return imapclient.New(wrap(conn), options), nil
	default:
		tlsConfig := c.config.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: c.config.Host}
		}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("tls dial: %w", err)
		}
		return imapclient.New(wrap(conn), options), nil
	}
}

// Login authenticates with the resolved account password. LOGIN is used by
// default; AUTHENTICATE PLAIN only when the server disables LOGIN, since a
// failed AUTHENTICATE can corrupt the wire state and prevent a fallback
// (seen with Proton Bridge).
func (c *Client) Login() error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}

	if c.caps.Has(imap.CapLoginDisabled) {
		saslClient := sasl.NewPlainClient("", c.config.Username, c.config.Password)
		if err := c.client.Authenticate(saslClient); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	} else if err := c.client.Login(c.config.Username, c.config.Password).Wait(); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	// Capabilities may change after authentication.
	c.caps = c.client.Caps()
	c.log.Info().Str("username", c.config.Username).Msg("logged in")
	return nil
}

// Close logs out gracefully and closes the connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Logout().Wait(); err != nil {
		c.log.Warn().Err(err).Msg("logout failed, closing anyway")
	}
	return c.client.Close()
}

// ForceClose tears the connection down without a LOGOUT round-trip. Use
// when the connection is already known dead so shutdown never blocks on a
// socket that will never answer.
func (c *Client) ForceClose() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Caps returns the server capabilities recorded at connect/login time.
func (c *Client) Caps() imap.CapSet {
	return c.caps
}

// RawClient exposes the underlying go-imap client for streamed commands
// (FETCH/SEARCH) that don't fit a wrapped method.
func (c *Client) RawClient() *imapclient.Client {
	return c.client
}

// Mailbox describes one folder on the server, with whatever status fields
// the producing call populated.
type Mailbox struct {
	Name       string
	Delimiter  string
	SpecialUse imap.MailboxAttr

	UIDValidity uint32
	UIDNext     uint32
	Messages    uint32
	Unseen      uint32
}

// specialUseAttrs are the RFC 6154 roles a server can claim for a mailbox.
var specialUseAttrs = []imap.MailboxAttr{
	imap.MailboxAttrAll,
	imap.MailboxAttrArchive,
	imap.MailboxAttrDrafts,
	imap.MailboxAttrJunk,
	imap.MailboxAttrSent,
	imap.MailboxAttrTrash,
	imap.MailboxAttrFlagged,
}

// ListMailboxes lists every folder, carrying through the server-claimed
// special-use role where one is advertised. Roles are taken only from
// attributes, never guessed from folder names: a stale "sent-mail" folder
// created by another client must not shadow the provider's real one.
func (c *Client) ListMailboxes() ([]*Mailbox, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	listCmd := c.client.List("", "*", nil)

	var mailboxes []*Mailbox
	for {
		mbox := listCmd.Next()
		if mbox == nil {
			break
		}
		mb := &Mailbox{
			Name:      mbox.Mailbox,
			Delimiter: string(mbox.Delim),
		}
		for _, attr := range mbox.Attrs {
			for _, special := range specialUseAttrs {
				if attr == special {
					mb.SpecialUse = attr
				}
			}
		}
		mailboxes = append(mailboxes, mb)
	}
	if err := listCmd.Close(); err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	c.log.Debug().Int("count", len(mailboxes)).Msg("listed mailboxes")
	return mailboxes, nil
}

// waitCtx runs fn (a blocking go-imap Wait) in a goroutine so the caller
// can bail out on context cancellation. The abandoned goroutine finishes
// against the socket deadline and its result is dropped.
func waitCtx[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := fn()
		ch <- result{val, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.val, r.err
	}
}

// SelectMailbox selects a folder, making it the target of subsequent
// fetch/store/copy/expunge calls on this connection.
func (c *Client) SelectMailbox(ctx context.Context, name string) (*Mailbox, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	data, err := waitCtx(ctx, c.client.Select(name, nil).Wait)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", name, err)
	}
	return &Mailbox{
		Name:        name,
		UIDValidity: data.UIDValidity,
		UIDNext:     uint32(data.UIDNext),
		Messages:    data.NumMessages,
	}, nil
}

// GetMailboxStatus fetches a folder's counts without selecting it.
func (c *Client) GetMailboxStatus(ctx context.Context, name string) (*Mailbox, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	options := &imap.StatusOptions{
		NumMessages: true,
		UIDNext:     true,
		UIDValidity: true,
		NumUnseen:   true,
	}
	data, err := waitCtx(ctx, c.client.Status(name, options).Wait)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", name, err)
	}

	mb := &Mailbox{
		Name:        name,
		UIDValidity: data.UIDValidity,
		UIDNext:     uint32(data.UIDNext),
	}
	if data.NumMessages != nil {
		mb.Messages = *data.NumMessages
	}
	if data.NumUnseen != nil {
		mb.Unseen = *data.NumUnseen
	}
	return mb, nil
}

// StoreFlags adds (add=true) or removes (add=false) flags on the given
// UIDs. The mailbox must already be selected on this connection.
func (c *Client) StoreFlags(uids []imap.UID, flags []imap.Flag, add bool) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	if len(uids) == 0 {
		return nil
	}

	op := imap.StoreFlagsAdd
	if !add {
		op = imap.StoreFlagsDel
	}
	storeCmd := c.client.Store(uidSetOf(uids), &imap.StoreFlags{
		Op:     op,
		Flags:  flags,
		Silent: true,
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("store flags: %w", err)
	}
	return nil
}

// CopyMessages copies the given UIDs into destMailbox. The source mailbox
// must already be selected.
func (c *Client) CopyMessages(uids []imap.UID, destMailbox string) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	if len(uids) == 0 {
		return nil
	}

	if _, err := c.client.Copy(uidSetOf(uids), destMailbox).Wait(); err != nil {
		return fmt.Errorf("copy to %s: %w", destMailbox, err)
	}
	return nil
}

// DeleteMessagesByUID flags the given UIDs \Deleted and expunges them. With
// UIDPLUS the expunge is scoped to exactly these UIDs; otherwise a plain
// EXPUNGE runs, which also removes any other \Deleted messages in the
// selected mailbox.
func (c *Client) DeleteMessagesByUID(uids []imap.UID) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	if len(uids) == 0 {
		return nil
	}

	uidSet := uidSetOf(uids)
	storeCmd := c.client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.FlagDeleted},
		Silent: true,
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("flag deleted: %w", err)
	}

	if c.caps.Has(imap.CapUIDPlus) {
		if err := c.client.UIDExpunge(uidSet).Close(); err != nil {
			return fmt.Errorf("uid expunge: %w", err)
		}
		return nil
	}
	if err := c.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}

// AppendMessage stores raw RFC 5322 bytes into mailbox (used to record
// sent mail) and returns the assigned UID.
func (c *Client) AppendMessage(mailbox string, flags []imap.Flag, date time.Time, msg []byte) (imap.UID, error) {
	if c.client == nil {
		return 0, fmt.Errorf("not connected")
	}

	options := &imap.AppendOptions{Flags: flags}
	if !date.IsZero() {
		options.Time = date
	}

	appendCmd := c.client.Append(mailbox, int64(len(msg)), options)
	if _, err := appendCmd.Write(msg); err != nil {
		return 0, fmt.Errorf("append write: %w", err)
	}
	if err := appendCmd.Close(); err != nil {
		return 0, fmt.Errorf("append close: %w", err)
	}
	data, err := appendCmd.Wait()
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", mailbox, err)
	}
	return data.UID, nil
}

// maxMessageSize caps how much of a single message body FetchRawMessage
// will read, guarding against a pathological or hostile server streaming
// an unbounded literal.
const maxMessageSize = 64 * 1024 * 1024

// FetchRawMessage streams the full RFC 5322 bytes of the message at uid in
// the currently selected mailbox, without setting \Seen.
func (c *Client) FetchRawMessage(ctx context.Context, uid imap.UID) ([]byte, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	fetchOptions := &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierNone, Peek: true},
		},
	}
	fetchCmd := c.client.Fetch(uidSetOf([]imap.UID{uid}), fetchOptions)

	msg := fetchCmd.Next()
	if msg == nil {
		fetchCmd.Close()
		return nil, fmt.Errorf("message not found: UID %d", uid)
	}

	var rawBytes []byte
	for {
		if ctx.Err() != nil {
			fetchCmd.Close()
			return nil, ctx.Err()
		}
		item := msg.Next()
		if item == nil {
			break
		}
		if data, ok := item.(imapclient.FetchItemDataBodySection); ok && data.Literal != nil {
			var err error
			rawBytes, err = io.ReadAll(io.LimitReader(data.Literal, maxMessageSize))
			if err != nil {
				fetchCmd.Close()
				return nil, fmt.Errorf("read message body: %w", err)
			}
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch UID %d: %w", uid, err)
	}
	if len(rawBytes) == 0 {
		return nil, fmt.Errorf("message body not found: UID %d", uid)
	}
	return rawBytes, nil
}

func uidSetOf(uids []imap.UID) imap.UIDSet {
	set := imap.UIDSet{}
	for _, uid := range uids {
		set.AddNum(uid)
	}
	return set
}
