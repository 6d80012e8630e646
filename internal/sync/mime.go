package sync

import (
	"bytes"
	"io"
	"mime"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/teamwork/tnef"
	"github.com/tidemail/core/internal/model"
)

// maxPartSize caps how much of any single MIME part this module will read
// into memory, guarding against a pathological message with an enormous
// inline part.
const maxPartSize = 32 * 1024 * 1024

// parsedMessage holds the raw ingredients a rendered model.Body is built
// from: the plain and HTML parts (handed to mailrender) plus every
// attachment encountered during the walk.
type parsedMessage struct {
	textPlain   string
	textHTML    string
	attachments []model.Attachment
}

// parseRawMessage walks raw RFC 5322 bytes and extracts the plain and HTML
// body parts plus attachment metadata+bytes, recursing into nested
// multiparts.
func parseRawMessage(raw []byte) parsedMessage {
	var result parsedMessage

	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil {
		// Leave both body fields blank; mailrender.Render/RenderMarkdown
		// fall back to the placeholder rather than dumping the undecoded
		// RFC 5322 envelope as "content".
		return result
	}

	if mr := entity.MultipartReader(); mr != nil {
		walkMultipart(mr, &result)
	} else {
		walkSinglePart(entity, &result)
	}

	return result
}

func walkMultipart(mr gomessage.MultipartReader, result *parsedMessage) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return
		}

		contentType, params, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		disposition, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))

		if disposition == "attachment" || (disposition == "inline" && strings.HasPrefix(contentType, "image/")) {
			if att := readAttachment(part, contentType, dispParams); att != nil {
				result.attachments = append(result.attachments, expandTNEF(*att)...)
			}
			continue
		}

		if strings.HasPrefix(contentType, "multipart/") {
			if nested := part.MultipartReader(); nested != nil {
				walkMultipart(nested, result)
			}
			continue
		}

		switch contentType {
		case "text/plain":
			if result.textPlain == "" {
				result.textPlain = readPartText(part.Body, params["charset"])
			}
		case "text/html":
			if result.textHTML == "" {
				result.textHTML = readPartText(part.Body, params["charset"])
			}
		default:
			if contentType != "" && !strings.HasPrefix(contentType, "text/") {
				if att := readAttachment(part, contentType, dispParams); att != nil {
					result.attachments = append(result.attachments, expandTNEF(*att)...)
				}
			}
		}
	}
}

func walkSinglePart(entity *gomessage.Entity, result *parsedMessage) {
	contentType, params, _ := mime.ParseMediaType(entity.Header.Get("Content-Type"))
	content := readPartText(entity.Body, params["charset"])
	if contentType == "text/html" {
		result.textHTML = content
	} else {
		result.textPlain = content
	}
}

func readPartText(r io.Reader, declaredCharset string) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxPartSize))
	if err != nil && len(raw) == 0 {
		return ""
	}
	raw = decodeQuotedPrintableIfNeeded(raw)
	if declaredCharset == "" {
		declaredCharset = extractCharsetFromHTML(raw)
	}
	return decodeCharset(raw, declaredCharset)
}

func readAttachment(part *gomessage.Entity, contentType string, dispParams map[string]string) *model.Attachment {
	data, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
	if err != nil && len(data) == 0 {
		return nil
	}

	filename := decodeMIMEWord(dispParams["filename"])
	if filename == "" {
		_, params, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		filename = decodeMIMEWord(params["name"])
	}
	if filename == "" {
		filename = "unnamed"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &model.Attachment{Filename: filename, MimeType: contentType, Data: data}
}

// expandTNEF unpacks a winmail.dat (TNEF) container into the real
// attachments it wraps. Outlook-originated mail ships attachments inside
// one opaque application/ms-tnef part; stored as-is it would be useless to
// every mail client but Outlook. Anything that isn't TNEF, or fails to
// decode, passes through unchanged.
func expandTNEF(att model.Attachment) []model.Attachment {
	isTNEF := att.MimeType == "application/ms-tnef" ||
		att.MimeType == "application/vnd.ms-tnef" ||
		strings.EqualFold(att.Filename, "winmail.dat")
	if !isTNEF {
		return []model.Attachment{att}
	}

	decoded, err := tnef.Decode(att.Data)
	if err != nil || len(decoded.Attachments) == 0 {
		return []model.Attachment{att}
	}

	out := make([]model.Attachment, 0, len(decoded.Attachments))
	for _, a := range decoded.Attachments {
		name := a.Title
		if name == "" {
			name = "unnamed"
		}
		out = append(out, model.Attachment{
			Filename: name,
			MimeType: "application/octet-stream",
			Data:     a.Data,
		})
	}
	return out
}
