package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/socialchat/internal/events"
	"github.com/socialchat/internal/logger"
)

const roomChannelPrefix = "chat:room:"

// RoomBus fans room events out to every chat instance over Redis pub/sub
// (channel chat:room:{id}). Each instance delivers to its own sockets directly
// and skips events it published itself.
type RoomBus struct {
	cli    *redis.Client
	origin string
}

var _ events.Publisher = (*RoomBus)(nil)

func (c *Client) RoomBus(origin string) *RoomBus {
	return &RoomBus{cli: c.cli, origin: origin}
}

func (b *RoomBus) Publish(ctx context.Context, e events.Event) error {
	e.Origin = b.origin
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("room bus marshal: %w", err)
	}
	if err := b.cli.Publish(ctx, roomChannelPrefix+e.RoomID, data).Err(); err != nil {
		return fmt.Errorf("room bus publish %s: %w", e.RoomID, err)
	}
	return nil
}

// Subscribe blocks until ctx is done, calling handle for every event published by
// other instances. ready, if non-nil, is closed once the subscription is active.
func (b *RoomBus) Subscribe(ctx context.Context, ready chan<- struct{}, handle func(events.Event)) error {
	pubsub := b.cli.PSubscribe(ctx, roomChannelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("room bus subscribe: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				logger.Errorf("room bus decode %s: %v", msg.Channel, err)
				continue
			}
			if e.Origin == b.origin {
				continue
			}
			if e.RoomID == "" {
				e.RoomID = strings.TrimPrefix(msg.Channel, roomChannelPrefix)
			}
			handle(e)
		}
	}
}
