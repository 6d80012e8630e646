// tidemail-creds manages account entries in config.json and their passwords
// in the OS keyring, so accounts can be set up without a UI layer.
//
// Usage:
//   tidemail-creds add -server HOST -user USER [-label NAME] [-port PORT] [-starttls] [-plaintext-password PASSWORD]
//   tidemail-creds remove -id ACCOUNT_ID
//   tidemail-creds list
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/tidemail/core/internal/config"
	"github.com/tidemail/core/internal/credentials"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "add":
		err = runAdd(os.Args[2:])
	case "remove":
		err = runRemove(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "tidemail-creds: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tidemail-creds add|remove|list [flags]")
}

func runAdd(args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	label := fs.String("label", "", "display label for the account")
	server := fs.String("server", "", "IMAP server hostname")
	port := fs.Int("port", 993, "IMAP server port")
	user := fs.String("user", "", "IMAP username")
	startTLS := fs.Bool("starttls", false, "use STARTTLS instead of implicit TLS")
	plaintext := fs.String("plaintext-password", "", "store the password inline in config.json instead of the OS keyring")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *server == "" || *user == "" {
		return fmt.Errorf("-server and -user are required")
	}

	store := credentials.NewStore()
	backend := config.KeyringBackend()
	if *plaintext != "" {
		backend = config.PlaintextBackend(*plaintext)
	} else {
		password, err := readPassword(fmt.Sprintf("password for %s@%s: ", *user, *server))
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		if err := store.SetPassword(*user, *server, password); err != nil {
			return fmt.Errorf("store password in keyring: %w", err)
		}
	}

	fa := config.FileAccount{
		ID:       uuid.NewString(),
		Label:    *label,
		Server:   *server,
		Port:     *port,
		Username: *user,
		StartTLS: *startTLS,
		Password: backend,
	}
	if fa.Label == "" {
		fa.Label = fa.Username
	}
	if err := config.AddAccount(fa); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	fmt.Println(fa.ID)
	return nil
}

func runRemove(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	id := fs.String("id", "", "account ID to remove")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	return config.RemoveAccount(*id)
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		fmt.Println("[]")
		return nil
	}
	out, err := json.MarshalIndent(cfg.Accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return trimNewline(line), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
