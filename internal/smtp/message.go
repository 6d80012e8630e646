// Package smtp implements the outgoing-mail submitter: MIME composition
// plus submission over STARTTLS or implicit TLS.
package smtp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Address is one RFC 5322 mailbox with an optional display name.
type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// String renders the address for a header, Q-encoding a non-ASCII name.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", a.Name), a.Address)
}

// Attachment is one file carried by an outgoing message. Inline
// attachments are embedded in the HTML body and referenced by ContentID.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
	ContentID   string `json:"content_id"`
	Inline      bool   `json:"inline"`
}

// ComposeMessage is an outgoing email ready to be rendered and submitted.
type ComposeMessage struct {
	From    Address   `json:"from"`
	To      []Address `json:"to"`
	Cc      []Address `json:"cc"`
	Bcc     []Address `json:"bcc"`
	ReplyTo *Address  `json:"reply_to,omitempty"`
	Subject string    `json:"subject"`

	TextBody string `json:"text_body"`
	HTMLBody string `json:"html_body"`

	Attachments []Attachment `json:"attachments"`

	// InReplyTo and References thread the message under the one being
	// answered.
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`

	RequestReadReceipt bool `json:"request_read_receipt"`
}

// AllRecipients flattens To, Cc, and Bcc into the envelope recipient list.
// Bcc lives only here; it is never written into a header.
func (m *ComposeMessage) AllRecipients() []string {
	var recipients []string
	for _, group := range [][]Address{m.To, m.Cc, m.Bcc} {
		for _, addr := range group {
			recipients = append(recipients, addr.Address)
		}
	}
	return recipients
}

// ToRFC822 renders the message to wire bytes.
func (m *ComposeMessage) ToRFC822() ([]byte, error) {
	var buf bytes.Buffer

	writeHeader(&buf, "From", m.From.String())
	writeHeader(&buf, "To", joinAddresses(m.To))
	if len(m.Cc) > 0 {
		writeHeader(&buf, "Cc", joinAddresses(m.Cc))
	}
	if m.ReplyTo != nil {
		writeHeader(&buf, "Reply-To", m.ReplyTo.String())
	}
	writeHeader(&buf, "Subject", encodeSubject(m.Subject))
	writeHeader(&buf, "Date", time.Now().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", fmt.Sprintf("<%s@tidemail>", uuid.New().String()))
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "User-Agent", "tidemail")
	if m.InReplyTo != "" {
		writeHeader(&buf, "In-Reply-To", m.InReplyTo)
	}
	if len(m.References) > 0 {
		writeHeader(&buf, "References", strings.Join(m.References, " "))
	}
	if m.RequestReadReceipt {
		writeHeader(&buf, "Disposition-Notification-To", m.From.String())
	}

	var inline, regular []Attachment
	for _, att := range m.Attachments {
		if att.Inline {
			inline = append(inline, att)
		} else {
			regular = append(regular, att)
		}
	}

	switch {
	case len(regular) > 0 || len(inline) > 0:
		if err := m.writeMixed(&buf, regular, inline); err != nil {
			return nil, err
		}
	case m.HTMLBody != "" && m.TextBody != "":
		if err := writeAlternative(newPart(&buf), m.TextBody, m.HTMLBody, nil); err != nil {
			return nil, err
		}
	case m.HTMLBody != "":
		if err := writeTextPart(newPart(&buf), "text/html", m.HTMLBody); err != nil {
			return nil, err
		}
	default:
		if err := writeTextPart(newPart(&buf), "text/plain", m.TextBody); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// part abstracts "a place a MIME part can be written": either the
// top-level message buffer (headers written raw) or a slot inside a
// multipart writer (headers passed to CreatePart).
type part interface {
	create(header textproto.MIMEHeader) (io.Writer, error)
}

type topLevel struct{ buf *bytes.Buffer }

func newPart(buf *bytes.Buffer) part { return topLevel{buf: buf} }

func (t topLevel) create(header textproto.MIMEHeader) (io.Writer, error) {
	for key, values := range header {
		for _, v := range values {
			writeHeader(t.buf, key, v)
		}
	}
	t.buf.WriteString("\r\n")
	return t.buf, nil
}

type nested struct{ w *multipart.Writer }

func (n nested) create(header textproto.MIMEHeader) (io.Writer, error) {
	return n.w.CreatePart(header)
}

// writeTextPart emits one quoted-printable text part.
func writeTextPart(p part, contentType, body string) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", contentType+"; charset=utf-8")
	header.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := p.create(header)
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(w)
	qp.Write([]byte(body))
	return qp.Close()
}

// writeAlternative emits multipart/alternative: plain first, HTML (wrapped
// in multipart/related when inline attachments ride along) last, so
// capable readers prefer the richer form.
func writeAlternative(p part, textBody, htmlBody string, inline []Attachment) error {
	boundary := uuid.New().String()
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
	w, err := p.create(header)
	if err != nil {
		return err
	}

	alt := multipart.NewWriter(w)
	if err := alt.SetBoundary(boundary); err != nil {
		return err
	}

	if err := writeTextPart(nested{alt}, "text/plain", textBody); err != nil {
		return err
	}
	if len(inline) > 0 {
		if err := writeRelated(nested{alt}, htmlBody, inline); err != nil {
			return err
		}
	} else if err := writeTextPart(nested{alt}, "text/html", htmlBody); err != nil {
		return err
	}
	return alt.Close()
}

// writeRelated emits multipart/related: the HTML body plus the inline
// attachments its cid: URLs point at.
func writeRelated(p part, htmlBody string, inline []Attachment) error {
	boundary := uuid.New().String()
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", fmt.Sprintf("multipart/related; boundary=%q", boundary))
	w, err := p.create(header)
	if err != nil {
		return err
	}

	rel := multipart.NewWriter(w)
	if err := rel.SetBoundary(boundary); err != nil {
		return err
	}
	if err := writeTextPart(nested{rel}, "text/html", htmlBody); err != nil {
		return err
	}
	for _, att := range inline {
		if err := writeAttachment(rel, att); err != nil {
			return err
		}
	}
	return rel.Close()
}

// writeMixed emits the outermost multipart/mixed: body first, then every
// regular attachment.
func (m *ComposeMessage) writeMixed(buf *bytes.Buffer, regular, inline []Attachment) error {
	boundary := uuid.New().String()
	writeHeader(buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", boundary))
	buf.WriteString("\r\n")

	mixed := multipart.NewWriter(buf)
	if err := mixed.SetBoundary(boundary); err != nil {
		return err
	}

	switch {
	case m.HTMLBody != "" && m.TextBody != "":
		if err := writeAlternative(nested{mixed}, m.TextBody, m.HTMLBody, inline); err != nil {
			return err
		}
	case m.HTMLBody != "":
		if len(inline) > 0 {
			if err := writeRelated(nested{mixed}, m.HTMLBody, inline); err != nil {
				return err
			}
		} else if err := writeTextPart(nested{mixed}, "text/html", m.HTMLBody); err != nil {
			return err
		}
	case m.TextBody != "":
		if err := writeTextPart(nested{mixed}, "text/plain", m.TextBody); err != nil {
			return err
		}
	}

	for _, att := range regular {
		if err := writeAttachment(mixed, att); err != nil {
			return err
		}
	}
	return mixed.Close()
}

// writeAttachment emits one base64 attachment part, inline or regular
// according to the attachment itself.
func writeAttachment(w *multipart.Writer, att Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(strings.ToLower(filepath.Ext(att.Filename)))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	disposition := "attachment"
	if att.Inline {
		disposition = "inline"
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Transfer-Encoding", "base64")
	header.Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, att.Filename))
	if att.Inline && att.ContentID != "" {
		header.Set("Content-ID", fmt.Sprintf("<%s>", att.ContentID))
	}

	p, err := w.CreatePart(header)
	if err != nil {
		return err
	}
	encoder := base64.NewEncoder(base64.StdEncoding, &lineWrapper{w: p})
	if _, err := encoder.Write(att.Content); err != nil {
		return err
	}
	return encoder.Close()
}

func writeHeader(w io.Writer, name, value string) {
	fmt.Fprintf(w, "%s: %s\r\n", name, value)
}

func joinAddresses(addrs []Address) string {
	parts := make([]string, len(addrs))
	for i, addr := range addrs {
		parts[i] = addr.String()
	}
	return strings.Join(parts, ", ")
}

// encodeSubject Q-encodes the subject only when it carries non-ASCII.
func encodeSubject(subject string) string {
	for _, r := range subject {
		if r > 127 {
			return mime.QEncoding.Encode("utf-8", subject)
		}
	}
	return subject
}

// lineWrapper folds base64 output at the RFC 2045 76-column limit.
type lineWrapper struct {
	w       io.Writer
	lineLen int
}

func (lw *lineWrapper) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		remaining := 76 - lw.lineLen
		if remaining <= 0 {
			if _, err := lw.w.Write([]byte("\r\n")); err != nil {
				return n, err
			}
			lw.lineLen = 0
			remaining = 76
		}
		chunk := min(len(p), remaining)
		written, err := lw.w.Write(p[:chunk])
		n += written
		lw.lineLen += written
		if err != nil {
			return n, err
		}
		p = p[chunk:]
	}
	return n, nil
}
