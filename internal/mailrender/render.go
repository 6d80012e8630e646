// Package mailrender turns raw MIME body parts into the two rendered forms
// the cache stores alongside a message: a plain-text body and a markdown
// body.
package mailrender

import (
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
)

// Placeholder is shown when a message has neither a plain nor an HTML part
// to render, or when parsing the raw bytes failed.
const Placeholder = "[No displayable content]"

// junkPlainThreshold is the length under which a plain-text part is
// suspected of being a tracking/"view this email online" stub rather than
// real content, and the HTML part (if present) is preferred instead.
const junkPlainThreshold = 40

var junkPhrases = []string{
	"view online", "view this email", "view in browser", "having trouble viewing",
}

// isJunkPlain reports whether a plain-text part looks like a short
// tracking stub instead of genuine message content. Marketing mail often
// ships a bare "View online" plain part next to the real HTML body; a
// long, real plain-text body must never be flagged.
func isJunkPlain(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if len(trimmed) > junkPlainThreshold {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, phrase := range junkPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	// A short part with no sentence punctuation at all reads as a stub
	// rather than a real (if terse) message.
	return !strings.ContainsAny(trimmed, ".!?")
}

// sanitizePolicy allows only the tags needed to preserve an email's
// structure and formatting — headings, paragraphs, emphasis, lists,
// blockquotes, code, and links — while stripping everything else: script,
// style, img (tracking pixels ride in here), and layout tables, so a
// converted body never leaks raw CSS, JS, or markdown table soup from a
// marketing email's layout grid.
func sanitizePolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowStandardURLs()
	p.AllowAttrs("href").OnElements("a")
	p.AllowElements("p", "br", "div", "span", "strong", "b", "em", "i", "u",
		"blockquote", "ul", "ol", "li", "h1", "h2", "h3", "h4", "h5", "h6",
		"code", "pre", "hr")
	p.RequireNoFollowOnLinks(false)
	return p
}

// Render produces the plain-text body shown when a UI has no markdown
// renderer: verbatim plain text if present, otherwise a sanitized
// tag-stripped rendering of the HTML part, otherwise Placeholder.
func Render(textPlain, textHTML string) string {
	if textPlain != "" {
		return textPlain
	}
	if textHTML != "" {
		return strings.TrimSpace(bluemonday.StrictPolicy().Sanitize(textHTML))
	}
	return Placeholder
}

// RenderMarkdown produces the markdown body stored alongside a message.
// Plain text is preferred when it looks like genuine content; a short stub
// plain part yields to the HTML rendering when HTML is available.
func RenderMarkdown(textPlain, textHTML string) string {
	if textPlain != "" && !(isJunkPlain(textPlain) && textHTML != "") {
		return textPlain
	}
	if textHTML != "" {
		return renderHTMLMarkdown(textHTML)
	}
	if textPlain != "" {
		return textPlain
	}
	return Placeholder
}

func renderHTMLMarkdown(html string) string {
	cleaned := sanitizePolicy().Sanitize(html)

	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
	markdown, err := conv.ConvertString(cleaned)
	if err != nil || strings.TrimSpace(markdown) == "" {
		return Placeholder
	}
	return strings.TrimSpace(markdown)
}
