// Package redis relays room broadcasts between chat instances over Redis
// pub/sub, one channel per conversation.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/socialchat/internal/logger"
)

const roomChannelPrefix = "chat:room:"

type Relay struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Relay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Relay{cli: cli}, nil
}

func (r *Relay) Close() error {
	return r.cli.Close()
}

// RoomChannel is the pub/sub channel carrying a conversation's broadcasts.
func RoomChannel(conversationID string) string {
	return roomChannelPrefix + conversationID
}

func (r *Relay) Publish(ctx context.Context, conversationID string, payload []byte) error {
	if err := r.cli.Publish(ctx, RoomChannel(conversationID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", conversationID, err)
	}
	return nil
}

// Subscribe calls fn for every payload published to any room, on this or
// another instance, until ctx is done. fn runs on the subscriber goroutine
// and must not block.
func (r *Relay) Subscribe(ctx context.Context, fn func(conversationID string, payload []byte)) error {
	ps := r.cli.PSubscribe(ctx, roomChannelPrefix+"*")
	defer ps.Close()

	// Wait for the subscription to be confirmed so no early publish is lost.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	logger.Info("redis relay subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis relay channel closed")
			}
			conversationID := strings.TrimPrefix(msg.Channel, roomChannelPrefix)
			fn(conversationID, []byte(msg.Payload))
		}
	}
}
