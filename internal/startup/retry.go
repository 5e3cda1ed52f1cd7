package startup

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/socialchat/internal/logger"
)

// connectBackOff: 2s, 4s, ... до 30s между попытками, не дольше maxWait в сумме.
// maxWait <= 0 означает одну попытку.
func connectBackOff(ctx context.Context, maxWait time.Duration) backoff.BackOffContext {
	if maxWait <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = maxWait
	return backoff.WithContext(b, ctx)
}

func notifyRetry(what string) backoff.Notify {
	return func(err error, next time.Duration) {
		logger.Errorf("%s failed, retry in %v: %v", what, next.Round(time.Second), err)
	}
}
