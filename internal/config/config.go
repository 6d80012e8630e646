// Package config resolves account and layout configuration from the
// platform config directory, environment variables, and the credential
// resolver: a multi-account JSON config file with legacy single-account
// auto-migration, and one optional environment-provisioned account that is
// never persisted.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidemail/core/internal/logging"
)

// EnvAccountID is the reserved, stable account ID used for the single
// account synthesized from environment variables. It is never written to
// disk.
const EnvAccountID = "env-account"

const appDirName = "tidemail"

// PasswordBackend discriminates how a stored password should be resolved:
// either "ask the keyring" or "use this inline plaintext value". Go has no
// tagged unions, so the JSON `backend` discriminator is handled by hand in
// MarshalJSON/UnmarshalJSON.
type PasswordBackend struct {
	Keyring   bool
	Plaintext string
	isPlain   bool
}

func KeyringBackend() PasswordBackend { return PasswordBackend{Keyring: true} }

func PlaintextBackend(value string) PasswordBackend {
	return PasswordBackend{Plaintext: value, isPlain: true}
}

func (b PasswordBackend) IsPlaintext() bool { return b.isPlain }

type passwordBackendWire struct {
	Backend string `json:"backend"`
	Value   string `json:"value,omitempty"`
}

func (b PasswordBackend) MarshalJSON() ([]byte, error) {
	if b.isPlain {
		return json.Marshal(passwordBackendWire{Backend: "plaintext", Value: b.Plaintext})
	}
	return json.Marshal(passwordBackendWire{Backend: "keyring"})
}

func (b *PasswordBackend) UnmarshalJSON(data []byte) error {
	var w passwordBackendWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Backend {
	case "plaintext":
		*b = PlaintextBackend(w.Value)
	case "keyring", "":
		*b = KeyringBackend()
	default:
		return fmt.Errorf("unknown password backend %q", w.Backend)
	}
	return nil
}

// SMTPOverrides carries per-field optional overrides layered onto the IMAP
// connection's defaults when resolving the outgoing-mail submitter's
// configuration. An unset field inherits from the IMAP side (port always
// defaults to 587, STARTTLS always defaults to true, independent of the
// IMAP port/security choice).
type SMTPOverrides struct {
	Server      *string          `json:"server,omitempty"`
	Port        *int             `json:"port,omitempty"`
	Username    *string          `json:"username,omitempty"`
	Password    *PasswordBackend `json:"password,omitempty"`
	UseStartTLS *bool            `json:"use_starttls,omitempty"`
}

// FileAccount is one account entry as persisted in config.json.
type FileAccount struct {
	ID             string          `json:"id"`
	Label          string          `json:"label"`
	Server         string          `json:"server"`
	Port           int             `json:"port"`
	Username       string          `json:"username"`
	StartTLS       bool            `json:"starttls"`
	Password       PasswordBackend `json:"password"`
	EmailAddresses []string        `json:"email_addresses"`
	SMTP           SMTPOverrides   `json:"smtp"`
}

// File is the on-disk shape of config.json.
type File struct {
	Accounts []FileAccount `json:"accounts"`
}

// legacyFile is the pre-multi-account on-disk shape: a single account
// inlined at the top level instead of nested under "accounts".
type legacyFile struct {
	Server         string          `json:"server"`
	Port           int             `json:"port"`
	Username       string          `json:"username"`
	StartTLS       bool            `json:"starttls"`
	Password       PasswordBackend `json:"password"`
	EmailAddresses []string        `json:"email_addresses"`
}

// SMTPConfig is the fully resolved, ready-to-dial SMTP configuration for one
// account, after overlaying SMTPOverrides onto the IMAP defaults.
type SMTPConfig struct {
	Server      string
	Port        int
	Username    string
	Password    string
	UseStartTLS bool
}

// Account is a fully resolved account: every field a caller needs to open
// an IMAP session and an SMTP submitter, with the password already pulled
// from the keyring or plaintext config.
type Account struct {
	ID             string
	Label          string
	IMAPServer     string
	IMAPPort       int
	Username       string
	Password       string
	UseStartTLS    bool
	EmailAddresses []string
	SMTP           SMTPConfig
	SMTPOverrides  SMTPOverrides
}

// PasswordResolver abstracts the credential resolver (keyring-or-plaintext)
// so this package never imports internal/credentials directly — see
// internal/credentials for the concrete implementation.
type PasswordResolver interface {
	ResolvePassword(backend PasswordBackend, username, server string) (string, error)
	ResolveSMTPPassword(backend PasswordBackend, accountID, fallback string) (string, error)
}

// NeedsInputKind discriminates the two ways account resolution can fail to
// produce a ready-to-use account list.
type NeedsInputKind int

const (
	// FullSetup means no config exists at all; the caller should present a
	// complete account setup flow.
	FullSetup NeedsInputKind = iota
	// PasswordOnly means a config file exists but a specific account's
	// password could not be resolved; the caller should prompt only for
	// that account's password.
	PasswordOnly
)

// NeedsInput is returned by ResolveAllAccounts when no account could be
// fully resolved, telling the caller which recovery UI to show.
type NeedsInput struct {
	Kind      NeedsInputKind
	AccountID string
	Server    string
	Port      int
	Username  string
	StartTLS  bool
	Reason    string
}

func (n *NeedsInput) Error() string {
	if n.Kind == FullSetup {
		return "no account configuration found"
	}
	return fmt.Sprintf("password unavailable for account %s (%s@%s): %s", n.AccountID, n.Username, n.Server, n.Reason)
}

// Dir returns the platform config directory for this application,
// e.g. $XDG_CONFIG_HOME/tidemail or ~/.config/tidemail.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(base, appDirName), nil
}

func configPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads config.json, auto-migrating a legacy single-account layout to
// the multi-account shape and rewriting it to disk. Returns (nil, nil) if
// no config file exists yet.
func Load() (*File, error) {
	log := logging.WithComponent("config")

	path, err := configPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var multi File
	if err := json.Unmarshal(data, &multi); err == nil && multi.Accounts != nil {
		return &multi, nil
	}

	var legacy legacyFile
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parse config: neither multi-account nor legacy shape: %w", err)
	}
	if legacy.Server == "" {
		return nil, fmt.Errorf("parse config: legacy shape missing server")
	}

	log.Info().Msg("migrating legacy single-account config to multi-account format")
	migrated := &File{
		Accounts: []FileAccount{{
			ID:             uuid.NewString(),
			Label:          legacy.Username,
			Server:         legacy.Server,
			Port:           legacy.Port,
			Username:       legacy.Username,
			StartTLS:       legacy.StartTLS,
			Password:       legacy.Password,
			EmailAddresses: legacy.EmailAddresses,
		}},
	}
	if err := Save(migrated); err != nil {
		log.Warn().Err(err).Msg("failed to write migrated config")
	}
	return migrated, nil
}

// Save writes the multi-account config back to config.json.
func Save(cfg *File) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(dir, "config.json")
	return os.WriteFile(path, data, 0600)
}

// AddAccount appends a new account to the on-disk config and saves it.
func AddAccount(fa FileAccount) error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = &File{}
	}
	cfg.Accounts = append(cfg.Accounts, fa)
	return Save(cfg)
}

// RemoveAccount deletes the account with the given ID from the on-disk
// config and saves it. Returns without error if the account was not found.
func RemoveAccount(accountID string) error {
	cfg, err := Load()
	if err != nil || cfg == nil {
		return err
	}
	out := cfg.Accounts[:0]
	for _, a := range cfg.Accounts {
		if a.ID != accountID {
			out = append(out, a)
		}
	}
	cfg.Accounts = out
	return Save(cfg)
}

func envAccount() (*legacyEnv, bool) {
	server := os.Getenv("TIDEMAIL_SERVER")
	username := os.Getenv("TIDEMAIL_USER")
	password := os.Getenv("TIDEMAIL_PASSWORD")
	if server == "" || username == "" || password == "" {
		return nil, false
	}

	port := 993
	if p := os.Getenv("TIDEMAIL_PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}
	startTLS := false
	if v := strings.ToLower(os.Getenv("TIDEMAIL_STARTTLS")); v == "true" || v == "1" {
		startTLS = true
	}
	var addrs []string
	if from := os.Getenv("TIDEMAIL_FROM"); from != "" {
		for _, a := range strings.Split(from, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
	}
	smtpServer := os.Getenv("TIDEMAIL_SMTP_SERVER")
	if smtpServer == "" {
		smtpServer = server
	}
	smtpPort := 587
	if p := os.Getenv("TIDEMAIL_SMTP_PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			smtpPort = v
		}
	}

	return &legacyEnv{
		server: server, port: port, username: username, password: password,
		startTLS: startTLS, addrs: addrs, smtpServer: smtpServer, smtpPort: smtpPort,
	}, true
}

type legacyEnv struct {
	server, username, password string
	port                       int
	startTLS                   bool
	addrs                      []string
	smtpServer                 string
	smtpPort                   int
}

// ResolveAllAccounts produces the fully resolved account list a running
// instance should sync: the environment-provisioned account if one is
// fully specified, else every account in config.json whose password
// resolves. If nothing resolves, it returns a NeedsInput describing what
// the caller should ask the user for.
func ResolveAllAccounts(resolver PasswordResolver) ([]Account, error) {
	log := logging.WithComponent("config")

	if env, ok := envAccount(); ok {
		log.Info().Msg("config resolved from environment variables")
		return []Account{{
			ID:             EnvAccountID,
			Label:          env.username,
			IMAPServer:     env.server,
			IMAPPort:       env.port,
			Username:       env.username,
			Password:       env.password,
			UseStartTLS:    env.startTLS,
			EmailAddresses: env.addrs,
			SMTP: SMTPConfig{
				Server: env.smtpServer, Port: env.smtpPort,
				Username: env.username, Password: env.password, UseStartTLS: true,
			},
		}}, nil
	}

	multi, err := Load()
	if err != nil {
		log.Warn().Err(err).Msg("config file error, falling back to full setup")
		return nil, &NeedsInput{Kind: FullSetup}
	}
	if multi == nil {
		log.Info().Msg("no config file found, need full setup")
		return nil, &NeedsInput{Kind: FullSetup}
	}

	var accounts []Account
	var firstFailure *FileAccount
	for i := range multi.Accounts {
		fa := &multi.Accounts[i]
		password, perr := resolver.ResolvePassword(fa.Password, fa.Username, fa.Server)
		if perr != nil {
			log.Warn().Err(perr).Str("account", fa.Label).Msg("failed to resolve password")
			if firstFailure == nil {
				firstFailure = fa
			}
			continue
		}
		accounts = append(accounts, resolveAccount(fa, password, resolver))
	}

	if len(accounts) == 0 && len(multi.Accounts) > 0 {
		return nil, &NeedsInput{
			Kind: PasswordOnly, AccountID: firstFailure.ID, Server: firstFailure.Server,
			Port: firstFailure.Port, Username: firstFailure.Username, StartTLS: firstFailure.StartTLS,
			Reason: "keyring unavailable for all accounts",
		}
	}
	if len(accounts) == 0 {
		return nil, &NeedsInput{Kind: FullSetup}
	}
	return accounts, nil
}

func resolveAccount(fa *FileAccount, password string, resolver PasswordResolver) Account {
	smtp := resolveSMTP(fa, password, resolver)
	return Account{
		ID: fa.ID, Label: fa.Label, IMAPServer: fa.Server, IMAPPort: fa.Port,
		Username: fa.Username, Password: password, UseStartTLS: fa.StartTLS,
		EmailAddresses: fa.EmailAddresses, SMTP: smtp, SMTPOverrides: fa.SMTP,
	}
}

// resolveSMTP overlays SMTPOverrides onto the IMAP connection's resolved
// values: unspecified fields inherit from IMAP, except that the port
// always defaults to the submission port 587 and STARTTLS to true.
func resolveSMTP(fa *FileAccount, imapPassword string, resolver PasswordResolver) SMTPConfig {
	ov := fa.SMTP
	server := fa.Server
	if ov.Server != nil {
		server = *ov.Server
	}
	port := 587
	if ov.Port != nil {
		port = *ov.Port
	}
	username := fa.Username
	if ov.Username != nil {
		username = *ov.Username
	}
	startTLS := true
	if ov.UseStartTLS != nil {
		startTLS = *ov.UseStartTLS
	}
	password := imapPassword
	if ov.Password != nil {
		if p, err := resolver.ResolveSMTPPassword(*ov.Password, fa.ID, imapPassword); err == nil {
			password = p
		}
	}
	return SMTPConfig{Server: server, Port: port, Username: username, Password: password, UseStartTLS: startTLS}
}
