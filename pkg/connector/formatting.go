// Copyright 2024-2026 Aiku AI

package connector

import (
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-twitter/pkg/connector/matrixfmt"
	"github.com/aiku/mautrix-twitter/pkg/connector/twitterfmt"
	"github.com/aiku/mautrix-twitter/pkg/twitter"
)

// twitterfmtParse converts direct message text to Matrix HTML message content.
func twitterfmtParse(text string, urls []twitter.URLEntity) *twitterfmt.ParsedMessage {
	return twitterfmt.Parse(text, urls)
}

// matrixfmtParse converts Matrix message content to direct message text.
func matrixfmtParse(content *event.MessageEventContent) string {
	return matrixfmt.Parse(content)
}
