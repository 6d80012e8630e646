package credentials

import (
	"testing"

	"github.com/tidemail/core/internal/config"
)

func TestResolvePasswordPlaintextSkipsKeyring(t *testing.T) {
	s := NewStore()
	got, err := s.ResolvePassword(config.PlaintextBackend("hunter2"), "nobody", "nowhere.invalid")
	if err != nil {
		t.Fatalf("ResolvePassword: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("expected plaintext value passed through, got %q", got)
	}
}

func TestResolveSMTPPasswordFallsBackToIMAPPassword(t *testing.T) {
	s := NewStore()
	// A keyring backend pointing at an account with no SMTP entry stored
	// must fall back to the caller-supplied IMAP password rather than error.
	got, err := s.ResolveSMTPPassword(config.KeyringBackend(), "nonexistent-account-id", "imap-password")
	if err != nil {
		t.Fatalf("ResolveSMTPPassword: %v", err)
	}
	if got != "imap-password" {
		t.Fatalf("expected fallback to imap password, got %q", got)
	}
}

func TestResolveSMTPPasswordPlaintextOverride(t *testing.T) {
	s := NewStore()
	got, err := s.ResolveSMTPPassword(config.PlaintextBackend("smtp-secret"), "acc-1", "imap-password")
	if err != nil {
		t.Fatalf("ResolveSMTPPassword: %v", err)
	}
	if got != "smtp-secret" {
		t.Fatalf("expected plaintext smtp override, got %q", got)
	}
}
