package sync

import "testing"

func TestParseRawMessageSinglePartPlainText(t *testing.T) {
	raw := []byte("From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: hi\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"hello there\r\n")

	parsed := parseRawMessage(raw)
	if parsed.textPlain != "hello there\r\n" {
		t.Fatalf("unexpected plain body: %q", parsed.textPlain)
	}
	if parsed.textHTML != "" {
		t.Fatalf("expected no html body, got %q", parsed.textHTML)
	}
	if len(parsed.attachments) != 0 {
		t.Fatalf("expected no attachments, got %+v", parsed.attachments)
	}
}

func TestParseRawMessageMultipartWithAttachment(t *testing.T) {
	raw := []byte("MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"body text\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>body html</p>\r\n" +
		"--BOUND\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"invoice.pdf\"\r\n" +
		"\r\n" +
		"%PDF-1.4 fake bytes\r\n" +
		"--BOUND--\r\n")

	parsed := parseRawMessage(raw)
	if parsed.textPlain != "body text\r\n" {
		t.Fatalf("unexpected plain body: %q", parsed.textPlain)
	}
	if parsed.textHTML != "<p>body html</p>\r\n" {
		t.Fatalf("unexpected html body: %q", parsed.textHTML)
	}
	if len(parsed.attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(parsed.attachments))
	}
	att := parsed.attachments[0]
	if att.Filename != "invoice.pdf" || att.MimeType != "application/pdf" {
		t.Fatalf("unexpected attachment: %+v", att)
	}
}

func TestParseRawMessageMalformedFallsBackEmpty(t *testing.T) {
	parsed := parseRawMessage([]byte{0x00, 0x01, 0x02})
	if parsed.textPlain != "" || parsed.textHTML != "" {
		t.Fatalf("expected empty body on parse failure, got %+v", parsed)
	}
}
