package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type stubResolver struct {
	passwords map[string]string
	fail      map[string]bool
}

func (s stubResolver) ResolvePassword(backend PasswordBackend, username, server string) (string, error) {
	if backend.IsPlaintext() {
		return backend.Plaintext, nil
	}
	key := username + "@" + server
	if s.fail[key] {
		return "", os.ErrNotExist
	}
	return s.passwords[key], nil
}

func (s stubResolver) ResolveSMTPPassword(backend PasswordBackend, accountID, fallback string) (string, error) {
	if backend.IsPlaintext() {
		return backend.Plaintext, nil
	}
	if p, ok := s.passwords["smtp-"+accountID]; ok {
		return p, nil
	}
	return fallback, nil
}

func withConfigHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return dir
}

func TestLegacyConfigMigration(t *testing.T) {
	home := withConfigHome(t)
	appDir := filepath.Join(home, appDirName)
	if err := os.MkdirAll(appDir, 0700); err != nil {
		t.Fatal(err)
	}

	legacy := legacyFile{
		Server: "imap.example.com", Port: 993, Username: "alice",
		StartTLS: true, Password: PlaintextBackend("hunter2"),
		EmailAddresses: []string{"alice@example.com"},
	}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(appDir, "config.json"), data, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil || len(cfg.Accounts) != 1 {
		t.Fatalf("expected one migrated account, got %+v", cfg)
	}
	got := cfg.Accounts[0]
	if got.Server != legacy.Server || got.Username != legacy.Username || got.ID == "" {
		t.Fatalf("migrated account wrong shape: %+v", got)
	}

	// Rewritten in multi-account shape on disk.
	raw, err := os.ReadFile(filepath.Join(appDir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	var multi File
	if err := json.Unmarshal(raw, &multi); err != nil {
		t.Fatalf("rewritten config is not multi-account shape: %v", err)
	}
	if len(multi.Accounts) != 1 {
		t.Fatalf("expected rewritten config to carry 1 account, got %d", len(multi.Accounts))
	}
}

func TestResolveAllAccountsEnvTakesPriority(t *testing.T) {
	withConfigHome(t)
	t.Setenv("TIDEMAIL_SERVER", "imap.env.example.com")
	t.Setenv("TIDEMAIL_USER", "bob")
	t.Setenv("TIDEMAIL_PASSWORD", "s3cret")
	t.Setenv("TIDEMAIL_STARTTLS", "true")
	t.Setenv("TIDEMAIL_FROM", "bob@example.com, bob2@example.com")

	accounts, err := ResolveAllAccounts(stubResolver{})
	if err != nil {
		t.Fatalf("ResolveAllAccounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != EnvAccountID {
		t.Fatalf("expected single env-account, got %+v", accounts)
	}
	if accounts[0].IMAPPort != 993 {
		t.Fatalf("expected default IMAP port 993, got %d", accounts[0].IMAPPort)
	}
	if len(accounts[0].EmailAddresses) != 2 {
		t.Fatalf("expected 2 parsed addresses, got %v", accounts[0].EmailAddresses)
	}
}

func TestResolveAllAccountsNoConfigNeedsFullSetup(t *testing.T) {
	withConfigHome(t)

	_, err := ResolveAllAccounts(stubResolver{})
	var ni *NeedsInput
	if err == nil {
		t.Fatal("expected NeedsInput error")
	}
	if !asNeedsInput(err, &ni) || ni.Kind != FullSetup {
		t.Fatalf("expected FullSetup, got %v", err)
	}
}

func TestResolveAllAccountsPasswordOnlyWhenKeyringFails(t *testing.T) {
	withConfigHome(t)
	if err := AddAccount(FileAccount{
		ID: "acc-1", Label: "work", Server: "imap.example.com", Port: 993,
		Username: "carol", StartTLS: true, Password: KeyringBackend(),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := ResolveAllAccounts(stubResolver{fail: map[string]bool{"carol@imap.example.com": true}})
	var ni *NeedsInput
	if !asNeedsInput(err, &ni) || ni.Kind != PasswordOnly || ni.AccountID != "acc-1" {
		t.Fatalf("expected PasswordOnly for acc-1, got %v", err)
	}
}

func TestSMTPOverridesInheritIMAPDefaults(t *testing.T) {
	fa := &FileAccount{
		ID: "acc-1", Server: "imap.example.com", Username: "dave",
	}
	smtp := resolveSMTP(fa, "imappass", stubResolver{})
	if smtp.Server != "imap.example.com" || smtp.Port != 587 || !smtp.UseStartTLS {
		t.Fatalf("expected inherited defaults, got %+v", smtp)
	}
}

func TestSMTPOverridesApplyWhenSet(t *testing.T) {
	overrideServer := "smtp.example.com"
	overridePort := 465
	noStartTLS := false
	fa := &FileAccount{
		ID: "acc-1", Server: "imap.example.com", Username: "dave",
		SMTP: SMTPOverrides{Server: &overrideServer, Port: &overridePort, UseStartTLS: &noStartTLS},
	}
	smtp := resolveSMTP(fa, "imappass", stubResolver{})
	if smtp.Server != overrideServer || smtp.Port != overridePort || smtp.UseStartTLS {
		t.Fatalf("expected overrides applied, got %+v", smtp)
	}
}

func TestLayoutClampsOutOfRangeRatios(t *testing.T) {
	withConfigHome(t)
	SaveLayout(Layout{SidebarRatio: 0.99, ListRatio: 0.01})

	got := LoadLayout()
	if got.SidebarRatio != 0.50 || got.ListRatio != 0.15 {
		t.Fatalf("expected clamped ratios, got %+v", got)
	}
}

func TestLayoutDefaultsWhenMissing(t *testing.T) {
	withConfigHome(t)
	got := LoadLayout()
	if got != DefaultLayout() {
		t.Fatalf("expected defaults, got %+v", got)
	}
}

func asNeedsInput(err error, out **NeedsInput) bool {
	ni, ok := err.(*NeedsInput)
	if !ok {
		return false
	}
	*out = ni
	return true
}
