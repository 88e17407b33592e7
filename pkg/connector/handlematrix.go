// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-twitter/pkg/twitter"
)

// mediaDownloader fetches Matrix media. Satisfied by the bridge bot's MatrixAPI.
type mediaDownloader interface {
	DownloadMedia(ctx context.Context, uri id.ContentURIString, file *event.EncryptedFileInfo) ([]byte, error)
}

// HandleMatrixMessage handles a message sent from Matrix to Twitter.
func (tc *TwitterClient) HandleMatrixMessage(ctx context.Context, msg *bridgev2.MatrixMessage) (*bridgev2.MatrixMessageResponse, error) {
	if !tc.IsLoggedIn() {
		return nil, bridgev2.ErrNotLoggedIn
	}

	room := ParsePortalID(msg.Portal.ID)
	content := msg.Content

	var eventID string
	var err error
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		text := matrixfmtParse(content)
		if content.MsgType == event.MsgEmote {
			text = "/me " + text
		}
		eventID, err = tc.sendText(ctx, room, text)

	case event.MsgImage, event.MsgVideo:
		eventID, err = tc.sendMedia(ctx, room, msg.Portal.Bridge.Bot, content)

	default:
		return nil, fmt.Errorf("unsupported message type: %s", content.MsgType)
	}
	if err != nil {
		return nil, err
	}

	return &bridgev2.MatrixMessageResponse{
		DB: &database.Message{
			ID:       MakeMessageID(eventID),
			SenderID: MakeUserID(tc.accountID),
		},
	}, nil
}

// HandleMatrixReadReceipt marks the conversation as read up to the receipt's
// message. Receipts on events that aren't bridged messages are ignored.
func (tc *TwitterClient) HandleMatrixReadReceipt(ctx context.Context, msg *bridgev2.MatrixReadReceipt) error {
	if !tc.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}
	if msg.ExactMessage == nil {
		return nil
	}

	room := ParsePortalID(msg.Portal.ID)
	if err := tc.api.MarkRead(ctx, room, ParseMessageID(msg.ExactMessage.ID)); err != nil {
		return fmt.Errorf("failed to mark conversation as read: %w", err)
	}
	return nil
}

// HandleMatrixTyping sends a typing indicator to Twitter. Twitter indicators
// expire by themselves, so stopping is a no-op.
func (tc *TwitterClient) HandleMatrixTyping(ctx context.Context, msg *bridgev2.MatrixTyping) error {
	if !tc.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}
	if !msg.IsTyping {
		return nil
	}

	room := ParsePortalID(msg.Portal.ID)
	if err := tc.api.IndicateTyping(ctx, room); err != nil {
		tc.log.Debug().Err(err).Str("recipient_id", room).Msg("Failed to send typing indicator")
	}
	return nil
}

// sendText sends a text direct message and records it as an expected echo.
func (tc *TwitterClient) sendText(ctx context.Context, room, text string) (string, error) {
	eventID, err := tc.api.SendDirectMessage(ctx, room, text, "")
	if err != nil {
		return "", fmt.Errorf("failed to send direct message: %w", err)
	}
	tc.ledger.Add(eventID)
	return eventID, nil
}

// sendMedia reuploads Matrix media to Twitter and sends it without text. If
// any step fails a link to the media is sent instead.
func (tc *TwitterClient) sendMedia(ctx context.Context, room string, matrix mediaDownloader, content *event.MessageEventContent) (string, error) {
	log := tc.log.With().Str("room", room).Str("msgtype", string(content.MsgType)).Logger()

	eventID, err := tc.uploadAndSend(ctx, room, matrix, content)
	if err == nil {
		tc.ledger.Add(eventID)
		return eventID, nil
	}
	log.Warn().Err(err).Msg("Failed to send media, falling back to a link")

	link := tc.publicMediaURL(content)
	if link == "" {
		return "", fmt.Errorf("failed to send media: %w", err)
	}
	return tc.sendText(ctx, room, link)
}

func (tc *TwitterClient) uploadAndSend(ctx context.Context, room string, matrix mediaDownloader, content *event.MessageEventContent) (string, error) {
	data, err := matrix.DownloadMedia(ctx, content.URL, content.File)
	if err != nil {
		return "", fmt.Errorf("failed to download Matrix media: %w", err)
	}

	mimeType := ""
	if content.Info != nil {
		mimeType = content.Info.MimeType
	}
	mediaID, err := twitter.Upload(ctx, tc.api, data, mimeType)
	if err != nil {
		return "", err
	}

	eventID, err := tc.api.SendDirectMessage(ctx, room, "", mediaID)
	if err != nil {
		return "", fmt.Errorf("failed to send direct message: %w", err)
	}
	return eventID, nil
}

// publicMediaURL returns a link to the Matrix media of content. It uses the
// configured media repository base when set and the mxc:// URI otherwise.
func (tc *TwitterClient) publicMediaURL(content *event.MessageEventContent) string {
	uri := content.URL
	if uri == "" && content.File != nil {
		uri = content.File.URL
	}
	if uri == "" {
		return ""
	}
	base := tc.connector.Config.PublicMediaURL
	if base == "" {
		return string(uri)
	}
	parsed, err := uri.Parse()
	if err != nil {
		return string(uri)
	}
	return strings.Join([]string{base, "_matrix/media/v3/download", parsed.Homeserver, parsed.FileID}, "/")
}
