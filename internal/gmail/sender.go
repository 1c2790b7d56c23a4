// Package gmail holds the external collaborators the delivery engine sends
// through: the per-workspace credential provider and the Gmail send
// primitive. Everything here is behind small interfaces so the worker can
// be tested without the network.
package gmail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultAPIBase = "https://gmail.googleapis.com/gmail/v1"

// SendRequest is the payload for one send: the base64url raw message and,
// when continuing a conversation, the provider thread id.
type SendRequest struct {
	Raw      string `json:"raw"`
	ThreadID string `json:"threadId,omitempty"`
}

// SendResponse carries the provider identifiers of a successful send.
type SendResponse struct {
	MessageID string `json:"id"`
	ThreadID  string `json:"threadId"`
}

// Sender is the send primitive. Implementations must return a *SendError
// (with its retryable hint set) for provider-side failures.
type Sender interface {
	SendEmail(ctx context.Context, accessToken string, req *SendRequest) (*SendResponse, error)
}

// APISender sends through the Gmail REST API.
type APISender struct {
	client  *http.Client
	apiBase string
}

// NewAPISender creates a Gmail API sender.
func NewAPISender() *APISender {
	return &APISender{
		client:  &http.Client{Timeout: 30 * time.Second},
		apiBase: defaultAPIBase,
	}
}

// NewAPISenderWithBase creates a sender against a custom API base URL,
// used by tests pointing at an httptest server.
func NewAPISenderWithBase(base string) *APISender {
	return &APISender{
		client:  &http.Client{Timeout: 30 * time.Second},
		apiBase: strings.TrimSuffix(base, "/"),
	}
}

// SendEmail posts the raw message to users/me/messages/send. HTTP 429 and
// 5xx responses come back as retryable SendErrors; 4xx responses are
// terminal except 408.
func (s *APISender) SendEmail(ctx context.Context, accessToken string, req *SendRequest) (*SendResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.apiBase+"/users/me/messages/send", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		// Transport-level failures (timeouts, resets) are always worth a retry.
		return nil, &SendError{Reason: "network error", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out SendResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode send response: %w", err)
		}
		return &out, nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	reason := parseAPIError(data)
	return nil, &SendError{
		StatusCode: resp.StatusCode,
		Reason:     reason,
		Retryable:  isRetryableStatus(resp.StatusCode),
	}
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code >= 500
}

func parseAPIError(data []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return strings.TrimSpace(string(data))
}
