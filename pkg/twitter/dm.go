// Copyright 2024-2026 Aiku AI

package twitter

import (
	"context"
	"fmt"
	"net/url"
)

type dmTarget struct {
	RecipientID string `json:"recipient_id"`
}

type dmMedia struct {
	ID string `json:"id"`
}

type dmAttachment struct {
	Type  string  `json:"type"`
	Media dmMedia `json:"media"`
}

type dmMessageData struct {
	Text       string        `json:"text"`
	Attachment *dmAttachment `json:"attachment,omitempty"`
}

type dmMessageCreate struct {
	Target      dmTarget      `json:"target"`
	MessageData dmMessageData `json:"message_data"`
}

type dmEvent struct {
	Type          string          `json:"type"`
	ID            string          `json:"id,omitempty"`
	MessageCreate dmMessageCreate `json:"message_create"`
}

type dmEnvelope struct {
	Event dmEvent `json:"event"`
}

// SendDirectMessage sends a direct message to recipientID and returns the id
// of the created event. mediaID is optional and must come from a finalized
// upload.
func (c *Client) SendDirectMessage(ctx context.Context, recipientID, text, mediaID string) (string, error) {
	req := dmEnvelope{Event: dmEvent{
		Type: "message_create",
		MessageCreate: dmMessageCreate{
			Target:      dmTarget{RecipientID: recipientID},
			MessageData: dmMessageData{Text: text},
		},
	}}
	if mediaID != "" {
		req.Event.MessageCreate.MessageData.Attachment = &dmAttachment{
			Type:  "media",
			Media: dmMedia{ID: mediaID},
		}
	}
	var resp dmEnvelope
	if err := c.postJSON(ctx, c.apiBase+"/1.1/direct_messages/events/new.json", &req, &resp); err != nil {
		return "", err
	}
	if resp.Event.ID == "" {
		return "", fmt.Errorf("direct message response has no event id")
	}
	return resp.Event.ID, nil
}

// MarkRead marks the conversation with recipientID as read up to eventID.
func (c *Client) MarkRead(ctx context.Context, recipientID, eventID string) error {
	form := url.Values{"recipient_id": {recipientID}, "last_read_event_id": {eventID}}
	return c.postForm(ctx, c.apiBase+"/1.1/direct_messages/mark_read.json", form, nil)
}

// IndicateTyping shows recipientID a typing indicator. It expires on its own
// after a few seconds.
func (c *Client) IndicateTyping(ctx context.Context, recipientID string) error {
	form := url.Values{"recipient_id": {recipientID}}
	return c.postForm(ctx, c.apiBase+"/1.1/direct_messages/indicate_typing.json", form, nil)
}
