// Package notifications carries change signals between API mutations and
// live subscribers through Redis pub/sub.
//
// Signals are intentionally thin: they say "this result set changed", not
// what changed. Subscribers re-query the full result set on every signal, so
// a dropped or duplicated signal can never corrupt what a client sees.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"monkeyhouse/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Change is one signal received from the bus.
type Change struct {
	Channel string
	Payload string
}

// ChangeBus publishes and subscribes to change signals. A nil Redis client
// degrades to a no-op: mutations succeed and snapshots still serve, live
// streams just never receive updates.
type ChangeBus struct {
	rdb *redis.Client
}

func NewChangeBus(rdb *redis.Client) *ChangeBus {
	return &ChangeBus{rdb: rdb}
}

// ConversationsChannel is the channel signalled when a user's conversation
// list changes (new conversation, new message, hide/unhide, membership edit).
func ConversationsChannel(email string) string {
	return "changes:user:" + email
}

// MessagesChannel is the channel signalled when a conversation's message set
// changes (new message, read receipts, tombstone rewrite).
func MessagesChannel(conversationID uint) string {
	return fmt.Sprintf("changes:conv:%d", conversationID)
}

// PublishConversations signals every listed user that their conversation
// list changed.
func (b *ChangeBus) PublishConversations(ctx context.Context, emails ...string) error {
	if b.rdb == nil {
		return nil
	}
	payload := changePayload("conversations")
	for _, email := range emails {
		if err := b.rdb.Publish(ctx, ConversationsChannel(email), payload).Err(); err != nil {
			return err
		}
		observability.ChangeSignalsTotal.WithLabelValues("conversations").Inc()
	}
	return nil
}

// PublishMessages signals subscribers of one conversation that its messages
// changed.
func (b *ChangeBus) PublishMessages(ctx context.Context, conversationID uint) error {
	if b.rdb == nil {
		return nil
	}
	if err := b.rdb.Publish(ctx, MessagesChannel(conversationID), changePayload("messages")).Err(); err != nil {
		return err
	}
	observability.ChangeSignalsTotal.WithLabelValues("messages").Inc()
	return nil
}

// Subscribe listens on the given channels and delivers signals until stop is
// called or ctx is cancelled. The returned channel is closed on teardown.
// With a nil Redis client the channel simply never fires.
func (b *ChangeBus) Subscribe(ctx context.Context, channels ...string) (<-chan Change, func(), error) {
	out := make(chan Change, 16)
	if b.rdb == nil {
		return out, func() { close(out) }, nil
	}

	sub := b.rdb.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- Change{Channel: msg.Channel, Payload: msg.Payload}:
			default:
				// Subscriber fell behind. Coalescing is safe because every
				// signal triggers a full re-query anyway.
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	return out, stop, nil
}

func changePayload(topic string) string {
	raw, _ := json.Marshal(map[string]any{
		"topic": topic,
		"at":    time.Now().UTC().Format(time.RFC3339Nano),
	})
	return string(raw)
}
