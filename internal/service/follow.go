package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/socialchat/internal/apperr"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/metrics"
	"github.com/socialchat/internal/storage"
	"golang.org/x/sync/errgroup"
)

const (
	followRetryInterval    = 50 * time.Millisecond
	followPairsConcurrency = 8
)

// FollowValidator gates room creation on mutual follows. A Follow Oracle that keeps
// failing is reported as Unavailable; the check is never skipped.
type FollowValidator struct {
	oracle        storage.FollowOracle
	attempts      int
	retryInterval time.Duration
}

func NewFollowValidator(oracle storage.FollowOracle, attempts int) *FollowValidator {
	if attempts <= 0 {
		attempts = 1
	}
	return &FollowValidator{oracle: oracle, attempts: attempts, retryInterval: followRetryInterval}
}

func (v *FollowValidator) isFollowing(ctx context.Context, followerID, followedID string) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.retryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(v.attempts-1)), ctx)

	ok, err := backoff.RetryWithData(func() (bool, error) {
		ok, err := v.oracle.IsFollowing(ctx, followerID, followedID)
		if err != nil {
			logger.Debugf("follow oracle %s->%s: %v", followerID, followedID, err)
		}
		return ok, err
	}, policy)
	if err != nil {
		metrics.FollowChecks.WithLabelValues("error").Inc()
		return false, apperr.Unavailable(err, "follow check %s -> %s failed", followerID, followedID)
	}
	return ok, nil
}

// RequireMutual checks both directions, stopping at the first one that does not hold.
func (v *FollowValidator) RequireMutual(ctx context.Context, a, b string) error {
	for _, dir := range [][2]string{{a, b}, {b, a}} {
		ok, err := v.isFollowing(ctx, dir[0], dir[1])
		if err != nil {
			return err
		}
		if !ok {
			metrics.FollowChecks.WithLabelValues("denied").Inc()
			return apperr.Forbidden("users %s and %s do not follow each other", a, b)
		}
	}
	metrics.FollowChecks.WithLabelValues("mutual").Inc()
	return nil
}

// RequireAllPairsMutual checks every unordered pair concurrently and returns the
// first failure; the remaining checks are cancelled.
func (v *FollowValidator) RequireAllPairsMutual(ctx context.Context, ids []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(followPairsConcurrency)
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			a, b := ids[i], ids[j]
			g.Go(func() error {
				return v.RequireMutual(gctx, a, b)
			})
		}
	}
	return g.Wait()
}

// RequireMutualWithAll checks userID against every id in others.
func (v *FollowValidator) RequireMutualWithAll(ctx context.Context, userID string, others []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(followPairsConcurrency)
	for _, other := range others {
		if other == userID {
			continue
		}
		g.Go(func() error {
			return v.RequireMutual(gctx, userID, other)
		})
	}
	return g.Wait()
}
