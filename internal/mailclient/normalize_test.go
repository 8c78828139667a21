package mailclient

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestHTMLToText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "hello world", "hello world"},
		{"tags stripped", "<p>hello <b>world</b></p>", "hello world"},
		{
			"script and style dropped",
			`<style>body { color: red }</style><p>visible</p><script>alert("x")</script>`,
			"visible",
		},
		{
			"entities decoded",
			"fish &amp; chips &lt;for&gt; two&nbsp;&quot;tonight&quot;",
			`fish & chips <for> two "tonight"`,
		},
		{
			"whitespace collapsed",
			"<div>first</div>\n\n\t <div>second</div>",
			"first second",
		},
		{
			"multiline tag",
			"<a\n href=\"https://example.com\">link</a> text",
			"link text",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTMLToText(tc.in); got != tc.want {
				t.Fatalf("HTMLToText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSynthesizePreview(t *testing.T) {
	long := strings.Repeat("word ", 60) // 300 chars

	cases := []struct {
		name     string
		bodyText string
		bodyHTML string
		check    func(t *testing.T, got string)
	}{
		{
			name:     "short text unchanged",
			bodyText: "a short body",
			check: func(t *testing.T, got string) {
				if got != "a short body" {
					t.Fatalf("got %q", got)
				}
			},
		},
		{
			name:     "falls back to html",
			bodyHTML: "<p>from the markup</p>",
			check: func(t *testing.T, got string) {
				if got != "from the markup" {
					t.Fatalf("got %q", got)
				}
			},
		},
		{
			name:     "prefers text over html",
			bodyText: "plain wins",
			bodyHTML: "<p>markup loses</p>",
			check: func(t *testing.T, got string) {
				if got != "plain wins" {
					t.Fatalf("got %q", got)
				}
			},
		},
		{
			name:     "long body truncated at word boundary",
			bodyText: long,
			check: func(t *testing.T, got string) {
				if !strings.HasSuffix(got, "…") {
					t.Fatalf("missing ellipsis: %q", got)
				}
				trimmed := strings.TrimSuffix(got, "…")
				if len(trimmed) > 160 {
					t.Fatalf("preview too long: %d", len(trimmed))
				}
				if strings.HasSuffix(trimmed, "wor") {
					t.Fatalf("cut mid-word: %q", got)
				}
			},
		},
		{
			name:     "multibyte body without spaces cut on a rune boundary",
			bodyText: strings.Repeat("世界", 120),
			check: func(t *testing.T, got string) {
				if !utf8.ValidString(got) {
					t.Fatalf("preview is not valid UTF-8: %q", got)
				}
				if !strings.HasSuffix(got, "…") {
					t.Fatalf("missing ellipsis: %q", got)
				}
				if trimmed := strings.TrimSuffix(got, "…"); len(trimmed) > 160 {
					t.Fatalf("preview too long: %d", len(trimmed))
				}
			},
		},
		{
			name: "empty stays empty",
			check: func(t *testing.T, got string) {
				if got != "" {
					t.Fatalf("got %q", got)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t, SynthesizePreview(tc.bodyText, tc.bodyHTML))
		})
	}
}

func TestFinalize(t *testing.T) {
	t.Run("derives text from html", func(t *testing.T) {
		m := NormalizedMessage{BodyHTML: "<p>derived</p>"}
		Finalize(&m)
		if m.BodyText != "derived" {
			t.Fatalf("BodyText = %q", m.BodyText)
		}
		if m.Preview != "derived" {
			t.Fatalf("Preview = %q", m.Preview)
		}
	})

	t.Run("keeps provider preview", func(t *testing.T) {
		m := NormalizedMessage{BodyText: "body", Preview: "provider preview"}
		Finalize(&m)
		if m.Preview != "provider preview" {
			t.Fatalf("Preview = %q", m.Preview)
		}
	})

	t.Run("keeps existing text body", func(t *testing.T) {
		m := NormalizedMessage{BodyText: "original", BodyHTML: "<p>other</p>"}
		Finalize(&m)
		if m.BodyText != "original" {
			t.Fatalf("BodyText = %q", m.BodyText)
		}
	})
}
