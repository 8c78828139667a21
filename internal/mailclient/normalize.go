package mailclient

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const previewLength = 160

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

var entities = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
)

// HTMLToText reduces an HTML body to readable text: script/style blocks and
// tags removed, common entities decoded, whitespace collapsed.
func HTMLToText(html string) string {
	if html == "" {
		return ""
	}
	text := scriptRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, " ")
	text = entities.Replace(text)
	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// SynthesizePreview builds a preview string when the provider supplies none,
// preferring the plain-text body over a reduced HTML body.
func SynthesizePreview(bodyText, bodyHTML string) string {
	source := bodyText
	if source == "" {
		source = HTMLToText(bodyHTML)
	}
	source = strings.TrimSpace(spaceRe.ReplaceAllString(source, " "))
	if len(source) <= previewLength {
		return source
	}

	// never split a multi-byte rune; the store rejects invalid UTF-8
	end := previewLength
	for end > 0 && !utf8.RuneStart(source[end]) {
		end--
	}
	cut := source[:end]
	// avoid cutting a word in half when there is a nearby space
	if idx := strings.LastIndexByte(cut, ' '); idx > previewLength/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}

// Finalize fills the derived fields of a normalized message: text body from
// HTML when only HTML is present, and a preview when the provider gave none.
func Finalize(m *NormalizedMessage) {
	if m.BodyText == "" && m.BodyHTML != "" {
		m.BodyText = HTMLToText(m.BodyHTML)
	}
	if m.Preview == "" {
		m.Preview = SynthesizePreview(m.BodyText, m.BodyHTML)
	}
}
