package smtp

import (
	"crypto/tls"
	"fmt"
	"net/smtp"

	"github.com/tidemail/core/internal/config"
	"github.com/tidemail/core/internal/logging"
)

// Send composes msg to RFC 822 bytes and submits it over the account's
// resolved SMTP configuration.
func Send(cfg config.SMTPConfig, msg *ComposeMessage) error {
	raw, err := msg.ToRFC822()
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}
	return SendRaw(cfg, msg.From.Address, msg.AllRecipients(), raw)
}

// SendRaw submits already-rendered message bytes. UseStartTLS selects the
// transport: STARTTLS negotiates encryption on a plaintext connection,
// anything else dials straight into TLS.
func SendRaw(cfg config.SMTPConfig, from string, recipients []string, raw []byte) error {
	log := logging.WithComponent("smtp")

	if len(recipients) == 0 {
		return fmt.Errorf("no recipients specified")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server, cfg.Port)
	log.Debug().Str("server", addr).Bool("starttls", cfg.UseStartTLS).Msg("submitting message")

	var client *smtp.Client
	var err error
	if cfg.UseStartTLS {
		client, err = dialStartTLS(addr, cfg.Server)
	} else {
		client, err = dialImplicitTLS(addr, cfg.Server)
	}
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer client.Close()

	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Server)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp finish body: %w", err)
	}

	return client.Quit()
}

func dialStartTLS(addr, server string) (*smtp.Client, error) {
	client, err := smtp.Dial(addr)
	if err != nil {
		return nil, err
	}
	if err := client.StartTLS(&tls.Config{ServerName: server}); err != nil {
		client.Close()
		return nil, fmt.Errorf("starttls: %w", err)
	}
	return client, nil
}

func dialImplicitTLS(addr, server string) (*smtp.Client, error) {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: server})
	if err != nil {
		return nil, err
	}
	client, err := smtp.NewClient(conn, server)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}
