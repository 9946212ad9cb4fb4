package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisFeed relays events through a Redis channel so every server instance's
// Hub sees changes committed by any other instance.
type RedisFeed struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

func NewRedisFeed(addr, channel string, log *slog.Logger) *RedisFeed {
	if log == nil {
		log = slog.Default()
	}
	return &RedisFeed{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		log:     log.With("component", "redis_feed"),
	}
}

func (f *RedisFeed) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Relay subscribes to the channel and hands every event to dst until ctx is done.
func (f *RedisFeed) Relay(ctx context.Context, dst Publisher) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", f.channel, err)
	}
	f.log.Info("relaying change feed", "channel", f.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				f.log.Warn("dropping malformed event", "error", err)
				continue
			}
			_ = dst.Publish(ctx, evt)
		}
	}
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}
