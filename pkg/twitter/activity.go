// Copyright 2024-2026 Aiku AI

package twitter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// ActivityKind tags an ActivityEvent.
type ActivityKind int

const (
	KindUnrecognized ActivityKind = iota
	KindMessageCreated
	KindTyping
	KindReadReceipt
	KindUserProfiles
)

func (k ActivityKind) String() string {
	switch k {
	case KindMessageCreated:
		return "message_create"
	case KindTyping:
		return "typing"
	case KindReadReceipt:
		return "read_receipt"
	case KindUserProfiles:
		return "user_profiles"
	default:
		return "unrecognized"
	}
}

// ActivityEvent is one event from an Account Activity payload.
type ActivityEvent interface {
	Kind() ActivityKind
}

// URLEntity is a shortened link inside message text.
type URLEntity struct {
	URL         string
	ExpandedURL string
	DisplayURL  string
}

// MediaAttachment is the single media item a direct message can carry.
type MediaAttachment struct {
	// Type is photo, animated_gif or video.
	Type string
	// URL is the t.co link the platform appends to the message text.
	URL string
	// DownloadURL is the asset itself.
	DownloadURL string
	MimeType    string
}

// MessageCreated is a direct message sent or received by the account.
type MessageCreated struct {
	ID          string
	CreatedAt   int64
	SenderID    string
	RecipientID string
	SourceAppID string
	Text        string
	URLs        []URLEntity
	Attachment  *MediaAttachment
}

// TypingIndicator reports that SenderID is typing to RecipientID.
type TypingIndicator struct {
	CreatedAt   int64
	SenderID    string
	RecipientID string
}

// ReadReceipt reports that SenderID read the conversation with RecipientID
// up to LastReadEventID.
type ReadReceipt struct {
	CreatedAt       int64
	SenderID        string
	RecipientID     string
	LastReadEventID string
}

// UserProfile is a user object embedded in a payload.
type UserProfile struct {
	ID              string
	Name            string
	ScreenName      string
	ProfileImageURL string
}

// UserProfileBatch is the set of users referenced by a payload.
type UserProfileBatch struct {
	Users []UserProfile
}

// Unrecognized is anything the bridge does not handle.
type Unrecognized struct {
	Key  string
	Type string
}

func (*MessageCreated) Kind() ActivityKind   { return KindMessageCreated }
func (*TypingIndicator) Kind() ActivityKind  { return KindTyping }
func (*ReadReceipt) Kind() ActivityKind      { return KindReadReceipt }
func (*UserProfileBatch) Kind() ActivityKind { return KindUserProfiles }
func (*Unrecognized) Kind() ActivityKind     { return KindUnrecognized }

var knownSections = map[string]struct{}{
	"for_user_id":                           {},
	"apps":                                  {},
	"users":                                 {},
	"direct_message_events":                 {},
	"direct_message_indicate_typing_events": {},
	"direct_message_mark_read_events":       {},
}

// Activity is a decoded webhook payload.
type Activity struct {
	ForUserID string
	Events    []ActivityEvent
}

// ParseActivity decodes a webhook payload field by field. It never fails;
// missing or malformed fields decode to zero values and unknown sections
// become Unrecognized events. User profiles come first so that names are
// known before the messages that reference them.
func ParseActivity(body []byte) *Activity {
	root := gjson.ParseBytes(body)
	act := &Activity{ForUserID: root.Get("for_user_id").String()}

	if users := root.Get("users"); users.IsObject() {
		batch := &UserProfileBatch{}
		users.ForEach(func(id, user gjson.Result) bool {
			profile := UserProfile{
				ID:              user.Get("id").String(),
				Name:            user.Get("name").String(),
				ScreenName:      user.Get("screen_name").String(),
				ProfileImageURL: user.Get("profile_image_url_https").String(),
			}
			if profile.ID == "" {
				profile.ID = id.String()
			}
			batch.Users = append(batch.Users, profile)
			return true
		})
		if len(batch.Users) > 0 {
			act.Events = append(act.Events, batch)
		}
	}
	for _, dm := range root.Get("direct_message_events").Array() {
		act.Events = append(act.Events, parseDirectMessage(dm))
	}
	for _, evt := range root.Get("direct_message_indicate_typing_events").Array() {
		act.Events = append(act.Events, &TypingIndicator{
			CreatedAt:   evt.Get("created_timestamp").Int(),
			SenderID:    evt.Get("sender_id").String(),
			RecipientID: evt.Get("target.recipient_id").String(),
		})
	}
	for _, evt := range root.Get("direct_message_mark_read_events").Array() {
		act.Events = append(act.Events, &ReadReceipt{
			CreatedAt:       evt.Get("created_timestamp").Int(),
			SenderID:        evt.Get("sender_id").String(),
			RecipientID:     evt.Get("target.recipient_id").String(),
			LastReadEventID: evt.Get("last_read_event_id").String(),
		})
	}

	var unknown []string
	root.ForEach(func(key, _ gjson.Result) bool {
		if _, ok := knownSections[key.String()]; !ok {
			unknown = append(unknown, key.String())
		}
		return true
	})
	sort.Strings(unknown)
	for _, key := range unknown {
		act.Events = append(act.Events, &Unrecognized{Key: key})
	}
	return act
}

func parseDirectMessage(dm gjson.Result) ActivityEvent {
	if typ := dm.Get("type").String(); typ != "message_create" {
		return &Unrecognized{Key: "direct_message_events", Type: typ}
	}
	mc := dm.Get("message_create")
	data := mc.Get("message_data")
	msg := &MessageCreated{
		ID:          dm.Get("id").String(),
		CreatedAt:   dm.Get("created_timestamp").Int(),
		SenderID:    mc.Get("sender_id").String(),
		RecipientID: mc.Get("target.recipient_id").String(),
		SourceAppID: mc.Get("source_app_id").String(),
		Text:        data.Get("text").String(),
	}
	for _, u := range data.Get("entities.urls").Array() {
		msg.URLs = append(msg.URLs, URLEntity{
			URL:         u.Get("url").String(),
			ExpandedURL: u.Get("expanded_url").String(),
			DisplayURL:  u.Get("display_url").String(),
		})
	}
	if media := data.Get("attachment.media"); media.Exists() {
		msg.Attachment = parseMedia(media)
	}
	return msg
}

func parseMedia(media gjson.Result) *MediaAttachment {
	att := &MediaAttachment{
		Type: media.Get("type").String(),
		URL:  media.Get("url").String(),
	}
	switch att.Type {
	case "video", "animated_gif":
		var best gjson.Result
		for _, variant := range media.Get("video_info.variants").Array() {
			if variant.Get("content_type").String() != "video/mp4" {
				continue
			}
			if !best.Exists() || variant.Get("bitrate").Int() > best.Get("bitrate").Int() {
				best = variant
			}
		}
		if best.Exists() {
			att.DownloadURL = best.Get("url").String()
			att.MimeType = "video/mp4"
		}
	}
	if att.DownloadURL == "" {
		att.DownloadURL = media.Get("media_url_https").String()
		att.MimeType = imageMimeType(att.DownloadURL)
	}
	return att
}

func imageMimeType(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	switch {
	case strings.HasSuffix(u, ".png"):
		return "image/png"
	case strings.HasSuffix(u, ".gif"):
		return "image/gif"
	case strings.HasSuffix(u, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// CRCResponse computes the response_token for a webhook CRC challenge.
func CRCResponse(consumerSecret, crcToken string) string {
	return "sha256=" + sign(consumerSecret, []byte(crcToken))
}

// ValidSignature checks the x-twitter-webhooks-signature header of a payload.
func ValidSignature(consumerSecret string, body []byte, header string) bool {
	expected := "sha256=" + sign(consumerSecret, body)
	return hmac.Equal([]byte(expected), []byte(header))
}

func sign(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
