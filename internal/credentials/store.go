// Package credentials resolves and stores account passwords: from the OS
// keyring, or from a plaintext value carried in the config file when the
// account's password backend names one.
package credentials

import (
	"errors"
	"fmt"

	"github.com/tidemail/core/internal/config"
	"github.com/tidemail/core/internal/logging"
	"github.com/rs/zerolog"
	gokeyring "github.com/zalando/go-keyring"
)

// service is the OS keyring service name every credential in this module
// is stored under.
const service = "nevermail"

// ErrCredentialNotFound is returned when the OS keyring holds no entry for
// the requested key.
var ErrCredentialNotFound = errors.New("credential not found")

// Store resolves and persists passwords via the OS keyring. IMAP passwords
// are keyed by "{username}@{server}", SMTP override passwords by
// "smtp-{account_id}".
type Store struct {
	log zerolog.Logger
}

// NewStore constructs a credential Store. There is nothing to open eagerly;
// keyring backends are probed lazily per call so a missing backend never
// fails startup.
func NewStore() *Store {
	return &Store{log: logging.WithComponent("credentials")}
}

func imapKey(username, server string) string {
	return fmt.Sprintf("%s@%s", username, server)
}

func smtpKey(accountID string) string {
	return fmt.Sprintf("smtp-%s", accountID)
}

// GetPassword fetches the IMAP password for username@server from the OS
// keyring.
func (s *Store) GetPassword(username, server string) (string, error) {
	key := imapKey(username, server)
	s.log.Debug().Str("key", key).Msg("keyring get")
	password, err := gokeyring.Get(service, key)
	if err != nil {
		if errors.Is(err, gokeyring.ErrNotFound) {
			return "", ErrCredentialNotFound
		}
		return "", fmt.Errorf("keyring get: %w", err)
	}
	return password, nil
}

// SetPassword stores the IMAP password for username@server in the OS
// keyring.
func (s *Store) SetPassword(username, server, password string) error {
	key := imapKey(username, server)
	s.log.Debug().Str("key", key).Msg("keyring set")
	if err := gokeyring.Set(service, key, password); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

// DeletePassword removes the IMAP password for username@server from the OS
// keyring.
func (s *Store) DeletePassword(username, server string) error {
	key := imapKey(username, server)
	if err := gokeyring.Delete(service, key); err != nil {
		if errors.Is(err, gokeyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}

// GetSMTPPassword fetches an account's SMTP override password from the OS
// keyring.
func (s *Store) GetSMTPPassword(accountID string) (string, error) {
	key := smtpKey(accountID)
	password, err := gokeyring.Get(service, key)
	if err != nil {
		if errors.Is(err, gokeyring.ErrNotFound) {
			return "", ErrCredentialNotFound
		}
		return "", fmt.Errorf("keyring get: %w", err)
	}
	return password, nil
}

// SetSMTPPassword stores an account's SMTP override password in the OS
// keyring.
func (s *Store) SetSMTPPassword(accountID, password string) error {
	if err := gokeyring.Set(service, smtpKey(accountID), password); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

// DeleteSMTPPassword removes an account's SMTP override password from the
// OS keyring.
func (s *Store) DeleteSMTPPassword(accountID string) error {
	if err := gokeyring.Delete(service, smtpKey(accountID)); err != nil {
		if errors.Is(err, gokeyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}

// ResolvePassword implements config.PasswordResolver: a plaintext backend
// value is returned as-is (no keyring lookup); a keyring backend is
// resolved from the OS keyring. When the keyring has no entry this returns
// ErrCredentialNotFound; when the keyring itself is unavailable it returns
// the wrapped keyring error. Prompting the user in either case is the
// caller's responsibility.
func (s *Store) ResolvePassword(backend config.PasswordBackend, username, server string) (string, error) {
	if backend.IsPlaintext() {
		return backend.Plaintext, nil
	}
	return s.GetPassword(username, server)
}

// ResolveSMTPPassword implements config.PasswordResolver's SMTP half. A
// plaintext override is returned as-is; a keyring override is resolved
// from the OS keyring under the account's SMTP key; if neither yields a
// value, fallback (the account's already-resolved IMAP password) is used.
// Most accounts submit through the same provider they fetch from, so a
// missing SMTP entry means "same credentials", not an error.
func (s *Store) ResolveSMTPPassword(backend config.PasswordBackend, accountID, fallback string) (string, error) {
	if backend.IsPlaintext() {
		return backend.Plaintext, nil
	}
	password, err := s.GetSMTPPassword(accountID)
	if err != nil {
		return fallback, nil
	}
	return password, nil
}
