// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/bridgev2/simplevent"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-twitter/pkg/twitter"
)

// mediaUploader is the part of bridgev2.MatrixAPI used to reupload media.
type mediaUploader interface {
	UploadMedia(ctx context.Context, roomID id.RoomID, data []byte, fileName, mimeType string) (id.ContentURIString, *event.EncryptedFileInfo, error)
}

// handleActivity dispatches one account activity event. It runs on the
// account's ActivityHandle goroutine.
func (tc *TwitterClient) handleActivity(evt twitter.ActivityEvent) {
	ctx := tc.log.WithContext(context.Background())
	switch e := evt.(type) {
	case *twitter.MessageCreated:
		tc.handleMessageCreated(e)
	case *twitter.TypingIndicator:
		tc.handleTyping(e)
	case *twitter.ReadReceipt:
		tc.handleReadReceipt(e)
	case *twitter.UserProfileBatch:
		tc.handleUserProfiles(ctx, e)
	case *twitter.Unrecognized:
		tc.log.Debug().
			Str("section", e.Key).
			Str("type", e.Type).
			Msg("Ignoring unrecognized activity event")
	default:
		tc.log.Trace().Str("event_kind", evt.Kind().String()).Msg("Unhandled activity event")
	}
}

// isOwnEcho reports whether msg is a message this session sent. The ledger
// is authoritative; the app ID check catches echoes that arrive before the
// send was acknowledged.
func (tc *TwitterClient) isOwnEcho(msg *twitter.MessageCreated) bool {
	if tc.ledger.Consume(msg.ID) {
		tc.learnAppID(msg.SourceAppID)
		return true
	}
	appID := tc.getAppID()
	return appID != "" && msg.SourceAppID == appID && msg.SenderID == tc.accountID
}

func (tc *TwitterClient) handleMessageCreated(msg *twitter.MessageCreated) {
	if tc.isOwnEcho(msg) {
		tc.log.Debug().Str("event_id", msg.ID).Msg("Dropping echo of own message")
		return
	}

	room := resolveCounterparty(tc.accountID, msg.SenderID, msg.RecipientID)
	if room == "" {
		tc.log.Warn().Str("event_id", msg.ID).Msg("Direct message has no counterparty")
		return
	}

	tc.log.Debug().
		Str("event_id", msg.ID).
		Str("room", room).
		Str("sender_id", msg.SenderID).
		Bool("has_media", msg.Attachment != nil).
		Msg("Received direct message")

	tc.stopTyping(room, msg.SenderID)

	tc.eventSender.QueueRemoteEvent(tc.userLogin, &simplevent.Message[*twitter.MessageCreated]{
		EventMeta: simplevent.EventMeta{
			Type: bridgev2.RemoteEventMessage,
			LogContext: func(c zerolog.Context) zerolog.Context {
				return c.Str("event_id", msg.ID).Str("room", room)
			},
			PortalKey:    makePortalKey(room, tc.userLogin.ID),
			Sender:       tc.makeEventSender(msg.SenderID),
			Timestamp:    time.UnixMilli(msg.CreatedAt),
			CreatePortal: true,
		},
		ID:   MakeMessageID(msg.ID),
		Data: msg,
		ConvertMessageFunc: func(ctx context.Context, portal *bridgev2.Portal, intent bridgev2.MatrixAPI, data *twitter.MessageCreated) (*bridgev2.ConvertedMessage, error) {
			return tc.convertMessage(ctx, portal, intent, data)
		},
	})
}

func (tc *TwitterClient) makeEventSender(userID string) bridgev2.EventSender {
	sender := bridgev2.EventSender{Sender: MakeUserID(userID)}
	if userID == tc.accountID {
		sender.IsFromMe = true
		sender.SenderLogin = tc.userLogin.ID
	}
	return sender
}

// convertMessage builds the Matrix representation of a direct message. A
// message with media yields the file, plus a text part only if there is
// text besides the attachment's t.co link.
func (tc *TwitterClient) convertMessage(ctx context.Context, portal *bridgev2.Portal, intent mediaUploader, msg *twitter.MessageCreated) (*bridgev2.ConvertedMessage, error) {
	text := msg.Text
	var mediaPart *bridgev2.ConvertedMessagePart
	if msg.Attachment != nil {
		var err error
		mediaPart, err = tc.convertMedia(ctx, portal, intent, msg.Attachment)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).
				Str("event_id", msg.ID).
				Str("media_url", msg.Attachment.DownloadURL).
				Msg("Failed to bridge media, sending link instead")
		} else {
			text = stripMediaPlaceholder(text, msg.Attachment.URL)
		}
	}

	var parts []*bridgev2.ConvertedMessagePart
	if text != "" {
		parsed := twitterfmtParse(text, msg.URLs)
		parts = append(parts, &bridgev2.ConvertedMessagePart{
			ID:   MakeMessagePartID(0),
			Type: event.EventMessage,
			Content: &event.MessageEventContent{
				MsgType:       event.MsgText,
				Body:          parsed.Body,
				Format:        parsed.Format,
				FormattedBody: parsed.FormattedBody,
			},
		})
	}
	if mediaPart != nil {
		parts = append(parts, mediaPart)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("direct message %s has no content", msg.ID)
	}
	return &bridgev2.ConvertedMessage{Parts: parts}, nil
}

// stripMediaPlaceholder removes the t.co link Twitter appends to the text of
// a message with an attachment.
func stripMediaPlaceholder(text, placeholder string) string {
	text = strings.TrimSpace(text)
	if placeholder == "" {
		return text
	}
	return strings.TrimSpace(strings.TrimSuffix(text, placeholder))
}

// convertMedia downloads a DM attachment with the session's credentials and
// reuploads it to Matrix.
func (tc *TwitterClient) convertMedia(ctx context.Context, portal *bridgev2.Portal, intent mediaUploader, att *twitter.MediaAttachment) (*bridgev2.ConvertedMessagePart, error) {
	if att.DownloadURL == "" {
		return nil, fmt.Errorf("attachment has no download url")
	}
	data, err := tc.api.Download(ctx, att.DownloadURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}

	fileName := mediaFileName(att.DownloadURL)
	var roomID id.RoomID
	if portal != nil {
		roomID = portal.MXID
	}
	mxc, file, err := intent.UploadMedia(ctx, roomID, data, fileName, att.MimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload media to Matrix: %w", err)
	}

	msgType := event.MsgImage
	if strings.HasPrefix(att.MimeType, "video/") {
		msgType = event.MsgVideo
	}
	content := &event.MessageEventContent{
		MsgType: msgType,
		Body:    fileName,
		Info: &event.FileInfo{
			MimeType: att.MimeType,
			Size:     len(data),
		},
	}
	if file != nil {
		file.URL = mxc
		content.File = file
	} else {
		content.URL = mxc
	}

	return &bridgev2.ConvertedMessagePart{
		ID:      MakeMessagePartID(1),
		Type:    event.EventMessage,
		Content: content,
		Extra: map[string]any{
			"fi.mau.twitter.media_type": att.Type,
		},
	}, nil
}

func mediaFileName(mediaURL string) string {
	if u, err := url.Parse(mediaURL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}
	return "media"
}

func (tc *TwitterClient) handleTyping(evt *twitter.TypingIndicator) {
	if evt.SenderID == tc.accountID {
		return
	}
	room := resolveCounterparty(tc.accountID, evt.SenderID, evt.RecipientID)

	tc.typingMu.Lock()
	tc.typing[typingKey{room: room, sender: evt.SenderID}] = struct{}{}
	tc.typingMu.Unlock()

	tc.eventSender.QueueRemoteEvent(tc.userLogin, &simplevent.Typing{
		EventMeta: simplevent.EventMeta{
			Type:      bridgev2.RemoteEventTyping,
			PortalKey: makePortalKey(room, tc.userLogin.ID),
			Sender:    tc.makeEventSender(evt.SenderID),
			Timestamp: time.UnixMilli(evt.CreatedAt),
		},
		Timeout: tc.typingTimeout(),
	})
}

// stopTyping clears an outstanding typing notification. Twitter sends no
// typing stop, so a message from the typing user ends it.
func (tc *TwitterClient) stopTyping(room, sender string) {
	key := typingKey{room: room, sender: sender}
	tc.typingMu.Lock()
	_, outstanding := tc.typing[key]
	delete(tc.typing, key)
	tc.typingMu.Unlock()
	if !outstanding {
		return
	}

	tc.eventSender.QueueRemoteEvent(tc.userLogin, &simplevent.Typing{
		EventMeta: simplevent.EventMeta{
			Type:      bridgev2.RemoteEventTyping,
			PortalKey: makePortalKey(room, tc.userLogin.ID),
			Sender:    tc.makeEventSender(sender),
		},
		Timeout: 0,
	})
}

func (tc *TwitterClient) typingTimeout() time.Duration {
	timeout := tc.connector.Config.TypingTimeout
	if timeout <= 0 {
		timeout = defaultTypingTimeout
	}
	return time.Duration(timeout) * time.Second
}

func (tc *TwitterClient) handleReadReceipt(evt *twitter.ReadReceipt) {
	if evt.LastReadEventID == "" {
		return
	}
	room := resolveCounterparty(tc.accountID, evt.SenderID, evt.RecipientID)

	tc.eventSender.QueueRemoteEvent(tc.userLogin, &simplevent.Receipt{
		EventMeta: simplevent.EventMeta{
			Type:      bridgev2.RemoteEventReadReceipt,
			PortalKey: makePortalKey(room, tc.userLogin.ID),
			Sender:    tc.makeEventSender(evt.SenderID),
			Timestamp: time.UnixMilli(evt.CreatedAt),
		},
		LastTarget: MakeMessageID(evt.LastReadEventID),
	})
}

func (tc *TwitterClient) handleUserProfiles(ctx context.Context, batch *twitter.UserProfileBatch) {
	for _, profile := range batch.Users {
		if profile.ID == "" {
			continue
		}
		info := tc.profileToUserInfo(profile)
		if err := tc.ghosts.UpdateGhost(ctx, MakeUserID(profile.ID), info); err != nil {
			tc.log.Warn().Err(err).Str("user_id", profile.ID).Msg("Failed to update ghost profile")
		}
	}
}

// profileToUserInfo converts a Twitter user to a bridgev2.UserInfo.
func (tc *TwitterClient) profileToUserInfo(profile twitter.UserProfile) *bridgev2.UserInfo {
	name := tc.connector.Config.FormatDisplayname(DisplaynameParams{
		ID:         profile.ID,
		ScreenName: profile.ScreenName,
		Name:       profile.Name,
	})
	info := &bridgev2.UserInfo{
		Name: &name,
	}
	if profile.ScreenName != "" {
		info.Identifiers = []string{fmt.Sprintf("twitter:%s", profile.ScreenName)}
	}
	if avatarURL := profile.ProfileImageURL; avatarURL != "" {
		info.Avatar = &bridgev2.Avatar{
			ID: networkid.AvatarID(avatarURL),
			Get: func(ctx context.Context) ([]byte, error) {
				return tc.api.Download(ctx, avatarURL)
			},
		}
	}
	return info
}
