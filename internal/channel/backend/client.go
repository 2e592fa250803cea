// Package backend implements the message channel against the managed
// backend's HTTP API and websocket stream.
package backend

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

	"go.uber.org/zap"

	"github.com/brmartins/courier/internal/channel"
)

// Config holds the backend endpoints and credentials.
type Config struct {
	BaseURL string
	WSURL   string
	Token   string
}

// Client is the HTTP+websocket message channel adapter.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates a backend client.
func New(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// wireMessage is the backend's message representation.
type wireMessage struct {
	ID             string          `json:"id"`
	ClientID       string          `json:"client_id,omitempty"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	SenderName     string          `json:"sender_name,omitempty"`
	Body           string          `json:"body"`
	Kind           string          `json:"kind"`
	Status         string          `json:"status"`
	Timestamp      int64           `json:"timestamp"` // unix millis
	Translation    json.RawMessage `json:"translation,omitempty"`
	ReadBy         []string        `json:"read_by,omitempty"`
	AttachmentRef  string          `json:"attachment_ref,omitempty"`
}

func (w *wireMessage) toMessage() channel.Message {
	return channel.Message{
		ID:             w.ID,
		ClientID:       w.ClientID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		SenderName:     w.SenderName,
		Body:           w.Body,
		Kind:           channel.Kind(w.Kind),
		Status:         channel.Status(w.Status),
		Timestamp:      time.UnixMilli(w.Timestamp),
		Translation:    channel.DecodeTranslation(w.Translation),
		ReadBy:         w.ReadBy,
	}
}

// Send posts a message. The client id travels both in the body and as the
// idempotency header, so a retried request the backend already applied
// returns the original server id instead of creating a duplicate.
func (c *Client) Send(ctx context.Context, out channel.OutboundMessage) (string, error) {
	payload, err := json.Marshal(wireMessage{
		ClientID:       out.ClientID,
		ConversationID: out.ConversationID,
		SenderID:       out.SenderID,
		SenderName:     out.SenderName,
		Body:           out.Body,
		Kind:           string(out.Kind),
		Timestamp:      out.SentAt.UnixMilli(),
		AttachmentRef:  out.AttachmentRef,
	})
	if err != nil {
		return "", channel.InvalidError("send", err)
	}

	endpoint := fmt.Sprintf("%s/conversations/%s/messages", c.cfg.BaseURL, url.PathEscape(out.ConversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", channel.InvalidError("send", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", out.ClientID)
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", channel.ConnectivityError("send", err)
	}
	defer drainClose(resp.Body)

	if err := classifyStatus("send", resp.StatusCode); err != nil {
		return "", err
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", channel.ConnectivityError("send", err)
	}
	if body.ID == "" {
		return "", channel.ConnectivityError("send", fmt.Errorf("backend returned no message id"))
	}
	return body.ID, nil
}

// FetchPage returns one page of history, newest first.
func (c *Client) FetchPage(ctx context.Context, conversationID string, pageSize int, cursor string) (*channel.Page, error) {
	endpoint := fmt.Sprintf("%s/conversations/%s/messages", c.cfg.BaseURL, url.PathEscape(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, channel.InvalidError("fetch_page", err)
	}
	q := req.URL.Query()
	q.Set("limit", strconv.Itoa(pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	req.URL.RawQuery = q.Encode()
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, channel.ConnectivityError("fetch_page", err)
	}
	defer drainClose(resp.Body)

	if err := classifyStatus("fetch_page", resp.StatusCode); err != nil {
		return nil, err
	}

	var body struct {
		Messages   []wireMessage `json:"messages"`
		NextCursor string        `json:"next_cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, channel.ConnectivityError("fetch_page", err)
	}

	page := &channel.Page{NextCursor: body.NextCursor}
	for i := range body.Messages {
		page.Messages = append(page.Messages, body.Messages[i].toMessage())
	}
	return page, nil
}

// UpdateStatus writes a delivery status transition.
func (c *Client) UpdateStatus(ctx context.Context, messageID string, status channel.Status) error {
	payload, err := json.Marshal(map[string]string{"status": string(status)})
	if err != nil {
		return channel.InvalidError("update_status", err)
	}

	endpoint := fmt.Sprintf("%s/messages/%s/status", c.cfg.BaseURL, url.PathEscape(messageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return channel.InvalidError("update_status", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return channel.ConnectivityError("update_status", err)
	}
	defer drainClose(resp.Body)

	return classifyStatus("update_status", resp.StatusCode)
}

// Probe reports whether the backend is reachable. Fed to the network monitor.
func (c *Client) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	drainClose(resp.Body)
	return resp.StatusCode < http.StatusInternalServerError
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

// classifyStatus maps an HTTP status to the retry taxonomy. 5xx and 429 are
// retryable; auth and validation failures are terminal.
func classifyStatus(op string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return channel.PermissionError(op, fmt.Errorf("backend returned %d", code))
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity || code == http.StatusRequestEntityTooLarge:
		return channel.InvalidError(op, fmt.Errorf("backend returned %d", code))
	default:
		return channel.ConnectivityError(op, fmt.Errorf("backend returned %d", code))
	}
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
