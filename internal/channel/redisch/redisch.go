// Package redisch implements the presence and typing channels on the redis
// real-time substrate. Presence records live under presence:<user> keys with
// a TTL so a dead client's record disappears on its own; typing records are
// pub/sub only, they are too short-lived to be worth storing.
package redisch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/brmartins/courier/internal/channel"
)

const (
	presenceKeyPrefix = "presence:"
	typingKeyPrefix   = "typing:"
)

// Config holds the redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a redis client for the real-time substrate.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// presenceDoc is the stored/published presence record shape.
type presenceDoc struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"` // unix millis
}

func (d presenceDoc) toRecord() channel.PresenceRecord {
	return channel.PresenceRecord{
		UserID:   d.UserID,
		Status:   channel.PresenceStatus(d.Status),
		LastSeen: time.UnixMilli(d.LastSeen),
	}
}

// Presence is the redis presence channel.
type Presence struct {
	rdb    *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewPresence creates a presence channel. Records expire after ttl so an
// abandoned key does not linger; observers still apply their own staleness
// threshold, the TTL is just garbage collection.
func NewPresence(rdb *redis.Client, logger *zap.Logger, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Presence{rdb: rdb, logger: logger, ttl: ttl}
}

// Publish stores the record under the user's key and notifies subscribers.
func (p *Presence) Publish(ctx context.Context, rec channel.PresenceRecord) error {
	data, err := json.Marshal(presenceDoc{
		UserID:   rec.UserID,
		Status:   string(rec.Status),
		LastSeen: rec.LastSeen.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}

	key := presenceKeyPrefix + rec.UserID
	pipe := p.rdb.Pipeline()
	pipe.Set(ctx, key, data, p.ttl)
	pipe.Publish(ctx, key, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return channel.ConnectivityError("presence_publish", err)
	}
	return nil
}

// Subscribe observes one user's presence. The stored record (if any) is
// delivered first so the observer does not wait for the next heartbeat to
// learn the current state.
func (p *Presence) Subscribe(ctx context.Context, userID string, onUpdate func(channel.PresenceRecord)) (func(), error) {
	key := presenceKeyPrefix + userID

	sub := p.rdb.Subscribe(ctx, key)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, channel.ConnectivityError("presence_subscribe", err)
	}

	if data, err := p.rdb.Get(ctx, key).Result(); err == nil {
		p.deliver(userID, []byte(data), onUpdate)
	} else if err != redis.Nil {
		p.logger.Warn("presence seed read failed", zap.Error(err), zap.String("user_id", userID))
	}

	go func() {
		for msg := range sub.Channel() {
			p.deliver(userID, []byte(msg.Payload), onUpdate)
		}
	}()

	return func() { _ = sub.Close() }, nil
}

func (p *Presence) deliver(userID string, data []byte, onUpdate func(channel.PresenceRecord)) {
	var doc presenceDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		p.logger.Warn("undecodable presence record", zap.Error(err), zap.String("user_id", userID))
		return
	}
	onUpdate(doc.toRecord())
}

// typingDoc is the published typing record shape.
type typingDoc struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
	At             int64  `json:"at"` // unix millis
}

// Typing is the redis typing channel.
type Typing struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewTyping creates a typing channel.
func NewTyping(rdb *redis.Client, logger *zap.Logger) *Typing {
	return &Typing{rdb: rdb, logger: logger}
}

// Publish broadcasts a typing record to the conversation's subscribers.
func (t *Typing) Publish(ctx context.Context, rec channel.TypingRecord) error {
	data, err := json.Marshal(typingDoc{
		ConversationID: rec.ConversationID,
		UserID:         rec.UserID,
		IsTyping:       rec.IsTyping,
		At:             rec.At.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal typing record: %w", err)
	}
	if err := t.rdb.Publish(ctx, typingKeyPrefix+rec.ConversationID, data).Err(); err != nil {
		return channel.ConnectivityError("typing_publish", err)
	}
	return nil
}

// Subscribe observes a conversation's typing records.
func (t *Typing) Subscribe(ctx context.Context, conversationID string, onUpdate func(channel.TypingRecord)) (func(), error) {
	sub := t.rdb.Subscribe(ctx, typingKeyPrefix+conversationID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, channel.ConnectivityError("typing_subscribe", err)
	}

	go func() {
		for msg := range sub.Channel() {
			var doc typingDoc
			if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
				t.logger.Warn("undecodable typing record", zap.Error(err), zap.String("conversation_id", conversationID))
				continue
			}
			onUpdate(channel.TypingRecord{
				ConversationID: doc.ConversationID,
				UserID:         doc.UserID,
				IsTyping:       doc.IsTyping,
				At:             time.UnixMilli(doc.At),
			})
		}
	}()

	return func() { _ = sub.Close() }, nil
}
