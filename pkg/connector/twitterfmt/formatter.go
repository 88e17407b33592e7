// Copyright 2024-2026 Aiku AI

// Package twitterfmt converts the text of Twitter direct messages to Matrix
// message content.
package twitterfmt

import (
	"html"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-twitter/pkg/twitter"
)

// ParsedMessage holds the result of converting a direct message to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

// Parse converts direct message text to Matrix content. Twitter escapes
// &, < and > in message text and shortens links to t.co; the body gets the
// unescaped text with expanded links, the HTML gets anchors for each link.
func Parse(text string, urls []twitter.URLEntity) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}
	text = html.UnescapeString(text)

	var body, formatted strings.Builder
	linked := false
	rest := text
	for len(rest) > 0 {
		idx, entity := nextLink(rest, urls)
		if entity == nil {
			body.WriteString(rest)
			formatted.WriteString(escape(rest))
			break
		}
		before := rest[:idx]
		body.WriteString(before)
		formatted.WriteString(escape(before))

		target := entity.ExpandedURL
		if target == "" {
			target = entity.URL
		}
		label := entity.DisplayURL
		if label == "" {
			label = target
		}
		body.WriteString(target)
		if isSafeLink(target) {
			formatted.WriteString(`<a href="` + html.EscapeString(target) + `">` + html.EscapeString(label) + `</a>`)
			linked = true
		} else {
			formatted.WriteString(escape(target))
		}
		rest = rest[idx+len(entity.URL):]
	}

	if !linked {
		return &ParsedMessage{Body: body.String()}
	}
	return &ParsedMessage{
		Body:          body.String(),
		Format:        event.FormatHTML,
		FormattedBody: formatted.String(),
	}
}

// nextLink finds the earliest occurrence of any entity's short URL in s.
func nextLink(s string, urls []twitter.URLEntity) (int, *twitter.URLEntity) {
	best := -1
	var found *twitter.URLEntity
	for i := range urls {
		if urls[i].URL == "" {
			continue
		}
		idx := strings.Index(s, urls[i].URL)
		if idx >= 0 && (best < 0 || idx < best) {
			best, found = idx, &urls[i]
		}
	}
	return best, found
}

func escape(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br/>")
}

func isSafeLink(href string) bool {
	lower := strings.ToLower(href)
	return strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://")
}
