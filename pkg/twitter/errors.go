// Copyright 2024-2026 Aiku AI

package twitter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized means the credentials were rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAlreadySubscribed means the account already has an activity
	// subscription for the environment.
	ErrAlreadySubscribed = errors.New("subscription already exists")
	// ErrNotFound means the requested object does not exist.
	ErrNotFound = errors.New("not found")
)

// Platform error codes.
const (
	codeCouldNotAuthenticate = 32
	codeUserNotFound         = 50
	codeInvalidToken         = 89
	codeSubscriptionExists   = 355
)

// APIError is a non-2xx response from the platform.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("twitter api error %d (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("twitter api error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Is maps platform error codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized ||
			e.Code == codeCouldNotAuthenticate || e.Code == codeInvalidToken
	case ErrAlreadySubscribed:
		return e.Code == codeSubscriptionExists
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound || e.Code == codeUserNotFound
	default:
		return false
	}
}

func parseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode, Message: http.StatusText(statusCode)}
	var parsed struct {
		Errors []struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Errors) > 0 {
		apiErr.Code = parsed.Errors[0].Code
		apiErr.Message = parsed.Errors[0].Message
	}
	return apiErr
}
