package mailrender

import (
	"strings"
	"testing"
)

func TestRenderPlainTextPreferredOverHTML(t *testing.T) {
	got := Render("Hello, world", "<p>Hello, world</p>")
	if got != "Hello, world" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderFallsBackToHTMLWhenNoPlain(t *testing.T) {
	got := Render("", "<p>Hello</p>")
	if got == "" {
		t.Fatal("expected non-empty rendering")
	}
	if containsTag(got) {
		t.Fatalf("expected tags stripped, got %q", got)
	}
}

func TestRenderPlaceholderWhenBothEmpty(t *testing.T) {
	if got := Render("", ""); got != Placeholder {
		t.Fatalf("got %q", got)
	}
}

func TestRenderMarkdownPrefersRealPlainText(t *testing.T) {
	plain := "Hey,\n\nThis is a real email body with enough content to pass the junk filter.\n\nCheers"
	html := "<p>HTML version</p>"
	got := RenderMarkdown(plain, html)
	if got != plain {
		t.Fatalf("got %q", got)
	}
}

func TestRenderMarkdownSkipsJunkPlainForHTML(t *testing.T) {
	junk := "View online"
	html := "<p>This is the <strong>real</strong> email content right here.</p>"
	got := RenderMarkdown(junk, html)
	if got == junk {
		t.Fatal("expected HTML path to be used instead of junk plain text")
	}
	if !contains(got, "real") {
		t.Fatalf("expected real content preserved, got %q", got)
	}
}

func TestRenderMarkdownShowsJunkPlainWhenNoHTML(t *testing.T) {
	junk := "View online"
	if got := RenderMarkdown(junk, ""); got != junk {
		t.Fatalf("got %q", got)
	}
}

func TestRenderMarkdownNoContentFallback(t *testing.T) {
	if got := RenderMarkdown("", ""); got != Placeholder {
		t.Fatalf("got %q", got)
	}
}

func TestRenderMarkdownStripsTrackingPixels(t *testing.T) {
	html := `<p>Real content</p><img src="https://track.example.com/open.gif" width="1" height="1">`
	got := RenderMarkdown("", html)
	if !contains(got, "Real content") {
		t.Fatalf("expected real content preserved, got %q", got)
	}
	if contains(got, "track.example.com") {
		t.Fatalf("expected tracking pixel stripped, got %q", got)
	}
}

func TestRenderMarkdownStripsLayoutTables(t *testing.T) {
	html := `<table><tr><td><p>Actual message</p></td></tr></table>`
	got := RenderMarkdown("", html)
	if !contains(got, "Actual message") {
		t.Fatalf("expected message text preserved, got %q", got)
	}
	if contains(got, "|") {
		t.Fatalf("expected no markdown table syntax, got %q", got)
	}
}

func TestRenderMarkdownPreservesLinks(t *testing.T) {
	html := `<p>Click <a href="https://example.com">here</a></p>`
	got := RenderMarkdown("", html)
	if !contains(got, "https://example.com") || !contains(got, "here") {
		t.Fatalf("expected link preserved, got %q", got)
	}
}

func TestRenderMarkdownStripsStyleAndScript(t *testing.T) {
	html := `<style>.foo { color: red; }</style><script>alert('xss')</script><p>Safe content</p>`
	got := RenderMarkdown("", html)
	if !contains(got, "Safe content") {
		t.Fatalf("expected safe content preserved, got %q", got)
	}
	if contains(got, "color: red") || contains(got, "alert") {
		t.Fatalf("expected style/script stripped, got %q", got)
	}
}

func containsTag(s string) bool {
	return strings.ContainsRune(s, '<')
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}
