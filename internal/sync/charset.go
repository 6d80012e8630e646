package sync

import (
	"bytes"
	"io"
	"mime"
	"mime/quotedprintable"
	"regexp"
	"strings"
	"unicode/utf8"

	msgcharset "github.com/emersion/go-message/charset"
	"github.com/tidemail/core/internal/logging"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
)

// charsetAliases maps declared charset labels that htmlindex rejects or
// that are lies in practice onto encodings that actually decode them.
// GB2312 in particular is almost always GBK on the wire.
var charsetAliases = map[string]string{
	"gb2312": "gbk",
	"x-gbk":  "gbk",
	"x-big5": "big5",
}

// cjkFallbackEncodings are tried, in order, when content claims UTF-8 but
// decodes to garbage. East-Asian mail mislabeled as UTF-8 is the dominant
// real-world case of charset lying.
var cjkFallbackEncodings = []string{"gb18030", "gbk", "gb2312", "big5", "euc-tw"}

// decodeQuotedPrintableIfNeeded undoes quoted-printable encoding that
// survived into the part body. The transfer-encoding layer normally handles
// this, but some producers double-encode or mislabel; "=3D" and soft line
// breaks in the output are the tell.
func decodeQuotedPrintableIfNeeded(content []byte) []byte {
	s := string(content)
	if !strings.Contains(s, "=3D") && !strings.Contains(s, "=\n") && !strings.Contains(s, "=\r\n") {
		return content
	}
	decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(content)))
	if err != nil {
		return content
	}
	return decoded
}

// decodeCharset converts a part body to UTF-8. The declared charset is
// honored when it names a known encoding; content declared (or defaulting
// to) UTF-8 is validated and, when invalid or gibberish, run through
// autodetection and the CJK fallback list. Undecodable content is returned
// as-is rather than dropped.
func decodeCharset(content []byte, declared string) string {
	log := logging.WithComponent("charset")

	if declared == "" || strings.EqualFold(declared, "utf-8") || strings.EqualFold(declared, "us-ascii") {
		if utf8.Valid(content) && !looksLikeGibberish(string(content)) {
			return string(content)
		}
		log.Debug().Str("declared", declared).Msg("content does not decode as claimed, sniffing")
		return sniffDecode(content)
	}

	enc, err := htmlindex.Get(declared)
	if err != nil {
		if alias, ok := charsetAliases[strings.ToLower(declared)]; ok {
			enc, err = htmlindex.Get(alias)
		}
		if err != nil {
			log.Warn().Str("declared", declared).Msg("unknown charset, keeping raw bytes")
			return string(content)
		}
	}

	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		log.Warn().Err(err).Str("declared", declared).Msg("charset decode failed, keeping raw bytes")
		return string(content)
	}
	return string(decoded)
}

// sniffDecode recovers text whose charset label was wrong: first the html
// package's statistical detection, then the CJK fallback list.
func sniffDecode(content []byte) string {
	if enc, _, _ := charset.DetermineEncoding(content, "text/html"); enc != nil {
		if decoded, err := enc.NewDecoder().Bytes(content); err == nil && !looksLikeGibberish(string(decoded)) {
			return string(decoded)
		}
	}

	for _, name := range cjkFallbackEncodings {
		enc, err := htmlindex.Get(name)
		if err != nil {
			continue
		}
		decoded, err := enc.NewDecoder().Bytes(content)
		if err == nil && utf8.Valid(decoded) && !looksLikeGibberish(string(decoded)) {
			return string(decoded)
		}
	}
	return string(content)
}

// looksLikeGibberish flags text that technically decoded but is visibly
// wrong: a high density of replacement characters, or of CJK Extension B
// codepoints, which are vanishingly rare in real text and a classic
// symptom of decoding GBK bytes as something else.
func looksLikeGibberish(s string) bool {
	var replacement, cjkExtB, total int
	for _, r := range s {
		total++
		if r == '�' {
			replacement++
		}
		if r >= 0x20000 && r <= 0x2A6DF {
			cjkExtB++
		}
	}
	if total > 10 && float64(replacement)/float64(total) > 0.1 {
		return true
	}
	if total > 20 && float64(cjkExtB)/float64(total) > 0.05 {
		return true
	}
	return false
}

var (
	metaCharsetRe   = regexp.MustCompile(`(?i)<meta[^>]+charset=["']?([^"'\s>]+)`)
	metaHTTPEquivRe = regexp.MustCompile(`(?i)<meta[^>]+content=["'][^"']*charset=([^"'\s;]+)`)
)

// extractCharsetFromHTML digs a charset out of an HTML part's own meta
// tags, for parts whose Content-Type header didn't declare one. Only the
// head of the document is scanned; meta tags sit at the top.
func extractCharsetFromHTML(html []byte) string {
	head := html
	if len(head) > 1024 {
		head = head[:1024]
	}
	if m := metaCharsetRe.FindSubmatch(head); len(m) > 1 {
		return string(m[1])
	}
	if m := metaHTTPEquivRe.FindSubmatch(head); len(m) > 1 {
		return string(m[1])
	}
	return ""
}

// decodeMIMEWord decodes RFC 2047 encoded words (=?UTF-8?B?...?=) found in
// attachment filenames, with a wider charset table than the stdlib decoder
// knows about. A word that fails to decode is returned verbatim.
func decodeMIMEWord(s string) string {
	if s == "" {
		return s
	}
	dec := &mime.WordDecoder{
		CharsetReader: func(name string, r io.Reader) (io.Reader, error) {
			if reader, err := msgcharset.Reader(name, r); err == nil {
				return reader, nil
			}
			enc, err := htmlindex.Get(name)
			if err != nil {
				return nil, err
			}
			return enc.NewDecoder().Reader(r), nil
		},
	}
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
