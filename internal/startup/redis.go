package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	redisstorage "github.com/socialchat/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами; используется, только если задан REDIS_URL.
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration) (*redisstorage.Client, error) {
	connect := func() (*redisstorage.Client, error) {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return redisstorage.New(cctx, redisURL)
	}
	client, err := backoff.RetryNotifyWithData(connect, connectBackOff(ctx, maxWait), notifyRetry("redis connect"))
	if err != nil {
		return nil, fmt.Errorf("connect to redis (gave up after %v): %w", maxWait, err)
	}
	return client, nil
}
