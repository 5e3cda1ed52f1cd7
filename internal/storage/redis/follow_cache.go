package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/storage"
)

// FollowChangedChannel is where the owner of follow relations announces a follow or
// unfollow as a FollowChange. Without an announcement a cached answer lives until
// its TTL expires.
const FollowChangedChannel = "follow:changed"

type FollowChange struct {
	FollowerID string `json:"follower_id"`
	FollowedID string `json:"followed_id"`
}

// FollowCache caches FollowOracle answers under follow:{follower}{followed}
// (model.KeySegment parts). Only answers are cached, never errors: a failing oracle
// is asked again next time. Redis being down degrades to asking the oracle directly.
type FollowCache struct {
	next storage.FollowOracle
	cli  *redis.Client
	ttl  time.Duration
}

var _ storage.FollowOracle = (*FollowCache)(nil)

func (c *Client) FollowCache(next storage.FollowOracle, ttl time.Duration) *FollowCache {
	return &FollowCache{next: next, cli: c.cli, ttl: ttl}
}

func followKey(followerID, followedID string) string {
	return "follow:" + model.KeySegments(followerID, followedID)
}

func (f *FollowCache) IsFollowing(ctx context.Context, followerID, followedID string) (bool, error) {
	key := followKey(followerID, followedID)
	val, err := f.cli.Get(ctx, key).Result()
	switch {
	case err == nil:
		return val == "1", nil
	case err != redis.Nil:
		logger.Errorf("follow cache get %s: %v", key, err)
	}

	ok, err := f.next.IsFollowing(ctx, followerID, followedID)
	if err != nil {
		return false, err
	}
	val = "0"
	if ok {
		val = "1"
	}
	if err := f.cli.Set(ctx, key, val, f.ttl).Err(); err != nil {
		logger.Errorf("follow cache set %s: %v", key, err)
	}
	return ok, nil
}

func (f *FollowCache) invalidate(ctx context.Context, followerID, followedID string) error {
	return f.cli.Del(ctx, followKey(followerID, followedID)).Err()
}

// SubscribeChanges blocks until ctx is done, dropping the cached answer of every
// pair announced on FollowChangedChannel. ready, if non-nil, is closed once the
// subscription is active.
func (f *FollowCache) SubscribeChanges(ctx context.Context, ready chan<- struct{}) error {
	pubsub := f.cli.Subscribe(ctx, FollowChangedChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("follow changes subscribe: %w", err)
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
			var c FollowChange
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil || c.FollowerID == "" || c.FollowedID == "" {
				logger.Errorf("follow change decode %q: %v", msg.Payload, err)
				continue
			}
			if err := f.invalidate(ctx, c.FollowerID, c.FollowedID); err != nil {
				logger.Errorf("follow cache invalidate %s -> %s: %v", c.FollowerID, c.FollowedID, err)
			}
		}
	}
}
