package content

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy = bluemonday.UGCPolicy()
	strict = bluemonday.StrictPolicy()
)

// Sanitize removes unsafe HTML from the input string, keeping the markup
// the UGC policy allows. Every message body coming off the channel passes
// through here before it reaches the cache or a notification.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// RenderMarkdown converts message markdown to sanitized HTML.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}

// PlainText reduces message markdown to plain text for notification bodies.
func PlainText(input string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(input), &buf); err != nil {
		// Fall back to stripping the raw input.
		return strings.TrimSpace(html.UnescapeString(strict.Sanitize(input)))
	}
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(buf.String())))
}
