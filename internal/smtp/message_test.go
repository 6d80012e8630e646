package smtp

import (
	"strings"
	"testing"
)

func TestToRFC822IncludesThreadingHeaders(t *testing.T) {
	msg := &ComposeMessage{
		From:       Address{Name: "Alice", Address: "alice@example.com"},
		To:         []Address{{Address: "bob@example.com"}},
		Subject:    "Re: Lunch",
		TextBody:   "Sounds good.",
		InReplyTo:  "<root@example.com>",
		References: []string{"<root@example.com>"},
	}

	raw, err := msg.ToRFC822()
	if err != nil {
		t.Fatalf("ToRFC822: %v", err)
	}
	out := string(raw)

	if !strings.Contains(out, "In-Reply-To: <root@example.com>") {
		t.Fatalf("missing In-Reply-To header:\n%s", out)
	}
	if !strings.Contains(out, "References: <root@example.com>") {
		t.Fatalf("missing References header:\n%s", out)
	}
	if !strings.Contains(out, "To: bob@example.com") {
		t.Fatalf("missing To header:\n%s", out)
	}
}

func TestAllRecipientsMergesToCcBcc(t *testing.T) {
	msg := &ComposeMessage{
		To:  []Address{{Address: "a@example.com"}},
		Cc:  []Address{{Address: "b@example.com"}},
		Bcc: []Address{{Address: "c@example.com"}},
	}
	got := msg.AllRecipients()
	if len(got) != 3 {
		t.Fatalf("expected 3 recipients, got %v", got)
	}
}
