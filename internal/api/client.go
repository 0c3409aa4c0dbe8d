// Package api implements the REST client for the skillmart chat endpoints.
//
// The client covers the four calls the sync engine needs:
// - POST /v1/messages                          - outbound send
// - GET  /v1/conversations/{id}/messages       - history fetch (keyset, backward)
// - POST /v1/conversations/{id}/read           - mark incoming messages read
// - GET  /v1/users/{id}/conversations          - conversation list fetch
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/skillmart/chatsync/internal/model"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 15 * time.Second

// maxResponseSize limits response body reads to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// StatusError is returned for non-2xx responses so callers can distinguish
// transient failures from validation rejections.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.Code)
}

// Client is the skillmart chat HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string // bearer token supplied by the external auth layer
}

// New creates a new client. An empty token disables the Authorization header.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		token: token,
	}
}

// SendRequest is the outbound send payload.
type SendRequest struct {
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	Type           model.MessageType `json:"type"`
	Content        string            `json:"content,omitempty"`
	Attachment     *model.Attachment `json:"attachment,omitempty"`
}

// SendResponse carries the confirmed message plus the updated conversation
// summary used for unread reconciliation.
type SendResponse struct {
	Message      *model.Message      `json:"message"`
	Conversation *model.Conversation `json:"conversation"`
}

// SendMessage performs the outbound write for one send queue entry.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	var resp SendResponse
	if err := c.post(ctx, "/v1/messages", req, &resp); err != nil {
		return nil, err
	}
	if resp.Message == nil {
		return nil, fmt.Errorf("send response missing message")
	}
	return &resp, nil
}

type historyResponse struct {
	Messages []*model.Message `json:"messages"`
}

// History fetches messages strictly older than before (newest page when zero),
// at most limit of them, newest first.
func (c *Client) History(ctx context.Context, conversationID string, before time.Time, limit int) ([]*model.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !before.IsZero() {
		q.Set("before", strconv.FormatInt(before.UnixMilli(), 10))
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var resp historyResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// MarkReadResponse carries the updated conversation counters and the id of
// the user whose read action produced them.
type MarkReadResponse struct {
	Conversation *model.Conversation `json:"conversation"`
	ReadByUserID string              `json:"readByUserId"`
}

// MarkRead marks all incoming messages of a conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) (*MarkReadResponse, error) {
	var resp MarkReadResponse
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := c.post(ctx, path, struct{}{}, &resp); err != nil {
		return nil, err
	}
	if resp.Conversation == nil {
		return nil, fmt.Errorf("mark-read response missing conversation")
	}
	return &resp, nil
}

type conversationsResponse struct {
	Conversations []*model.Conversation `json:"conversations"`
}

// Conversations fetches a user's conversation summaries, most recent first,
// strictly older than before when set.
func (c *Client) Conversations(ctx context.Context, userID string, before time.Time, limit int) ([]*model.Conversation, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !before.IsZero() {
		q.Set("before", strconv.FormatInt(before.UnixMilli(), 10))
	}
	path := "/v1/users/" + url.PathEscape(userID) + "/conversations?" + q.Encode()

	var resp conversationsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &apiErr)
		return &StatusError{Code: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
