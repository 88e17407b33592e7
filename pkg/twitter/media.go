// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package twitter

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// SegmentSize is the size of every APPEND segment except the last.
const SegmentSize = 5 * 1024 * 1024

// Media categories for direct message uploads.
const (
	CategoryImage = "dm_image"
	CategoryGIF   = "dm_gif"
	CategoryVideo = "dm_video"
)

// UploadPhase identifies a step of the chunked upload.
type UploadPhase string

const (
	PhaseInit     UploadPhase = "INIT"
	PhaseAppend   UploadPhase = "APPEND"
	PhaseFinalize UploadPhase = "FINALIZE"
)

// UploadError reports the phase an upload was aborted in. The media id, if
// any, is abandoned.
type UploadError struct {
	Phase   UploadPhase
	MediaID string
	Segment int
	Err     error
}

func (e *UploadError) Error() string {
	if e.Phase == PhaseAppend {
		return fmt.Sprintf("media upload aborted in %s (media %s, segment %d): %v", e.Phase, e.MediaID, e.Segment, e.Err)
	}
	return fmt.Sprintf("media upload aborted in %s: %v", e.Phase, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// MediaAPI is the chunked upload endpoint.
type MediaAPI interface {
	MediaInit(ctx context.Context, totalBytes int, mediaType, category string) (string, error)
	MediaAppend(ctx context.Context, mediaID string, segmentIndex int, chunk []byte) error
	MediaFinalize(ctx context.Context, mediaID string) (string, error)
}

// MediaCategory picks the upload category for a MIME type.
func MediaCategory(mimeType string) string {
	switch {
	case strings.HasSuffix(mimeType, "/gif"):
		return CategoryGIF
	case strings.HasPrefix(mimeType, "video/"):
		return CategoryVideo
	default:
		return CategoryImage
	}
}

// Upload runs INIT, APPEND and FINALIZE for data and returns the media id to
// attach to a message. Segments are sent in order and never retried.
func Upload(ctx context.Context, api MediaAPI, data []byte, mimeType string) (string, error) {
	mediaID, err := api.MediaInit(ctx, len(data), mimeType, MediaCategory(mimeType))
	if err != nil {
		return "", &UploadError{Phase: PhaseInit, Err: err}
	}
	for segment, offset := 0, 0; offset < len(data); segment, offset = segment+1, offset+SegmentSize {
		end := min(offset+SegmentSize, len(data))
		if err := api.MediaAppend(ctx, mediaID, segment, data[offset:end]); err != nil {
			return "", &UploadError{Phase: PhaseAppend, MediaID: mediaID, Segment: segment, Err: err}
		}
	}
	finalID, err := api.MediaFinalize(ctx, mediaID)
	if err != nil {
		return "", &UploadError{Phase: PhaseFinalize, MediaID: mediaID, Err: err}
	}
	return finalID, nil
}

type mediaResponse struct {
	MediaID string `json:"media_id_string"`
}

func (c *Client) uploadURL() string {
	return c.uploadBase + "/1.1/media/upload.json"
}

// MediaInit starts an upload.
func (c *Client) MediaInit(ctx context.Context, totalBytes int, mediaType, category string) (string, error) {
	form := url.Values{
		"command":        {string(PhaseInit)},
		"total_bytes":    {strconv.Itoa(totalBytes)},
		"media_type":     {mediaType},
		"media_category": {category},
		"shared":         {"true"},
	}
	var resp mediaResponse
	if err := c.postForm(ctx, c.uploadURL(), form, &resp); err != nil {
		return "", err
	}
	if resp.MediaID == "" {
		return "", fmt.Errorf("INIT response has no media id")
	}
	return resp.MediaID, nil
}

// MediaAppend uploads one base64-encoded segment.
func (c *Client) MediaAppend(ctx context.Context, mediaID string, segmentIndex int, chunk []byte) error {
	form := url.Values{
		"command":       {string(PhaseAppend)},
		"media_id":      {mediaID},
		"segment_index": {strconv.Itoa(segmentIndex)},
		"media_data":    {base64.StdEncoding.EncodeToString(chunk)},
	}
	return c.postForm(ctx, c.uploadURL(), form, nil)
}

// MediaFinalize closes an upload.
func (c *Client) MediaFinalize(ctx context.Context, mediaID string) (string, error) {
	form := url.Values{
		"command":  {string(PhaseFinalize)},
		"media_id": {mediaID},
	}
	var resp mediaResponse
	if err := c.postForm(ctx, c.uploadURL(), form, &resp); err != nil {
		return "", err
	}
	if resp.MediaID == "" {
		return mediaID, nil
	}
	return resp.MediaID, nil
}
