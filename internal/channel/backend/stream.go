package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/brmartins/courier/internal/channel"
)

const (
	redialDelay  = 2 * time.Second
	readDeadline = 90 * time.Second
	pingInterval = 30 * time.Second
)

// streamFrame is one websocket frame from the conversation stream. The
// backend pushes new messages and status/translation updates through the same
// frame shape.
type streamFrame struct {
	Type     string        `json:"type"`
	Messages []wireMessage `json:"messages"`
}

// Subscribe opens the conversation's websocket stream and feeds decoded
// batches to onUpdate. The connection is redialed on failure until the
// returned release function is called; a snapshot of the newest pageSize
// messages is requested on every (re)connect so updates missed during an
// outage are replayed.
func (c *Client) Subscribe(ctx context.Context, conversationID string, pageSize int, onUpdate func([]channel.Message)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		for ctx.Err() == nil {
			if err := c.stream(ctx, conversationID, pageSize, onUpdate); err != nil && ctx.Err() == nil {
				c.logger.Warn("conversation stream dropped",
					zap.String("conversation_id", conversationID),
					zap.Error(err))
			}
			select {
			case <-time.After(redialDelay):
			case <-ctx.Done():
			}
		}
	}()

	return cancel, nil
}

// stream runs one websocket connection to completion.
func (c *Client) stream(ctx context.Context, conversationID string, pageSize int, onUpdate func([]channel.Message)) error {
	endpoint := fmt.Sprintf("%s/conversations/%s/stream?snapshot=%d",
		c.cfg.WSURL, url.PathEscape(conversationID), pageSize)

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return classifyStatus("stream", resp.StatusCode)
		}
		return channel.ConnectivityError("stream", err)
	}
	defer conn.Close()

	// Unblock the read loop when the subscription is released.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return channel.ConnectivityError("stream", err)
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("undecodable stream frame", zap.Error(err))
			continue
		}
		if len(frame.Messages) == 0 {
			continue
		}

		batch := make([]channel.Message, 0, len(frame.Messages))
		for i := range frame.Messages {
			batch = append(batch, frame.Messages[i].toMessage())
		}
		onUpdate(batch)
	}
}
