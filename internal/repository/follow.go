package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/storage"
)

// FollowRepository reads the follow graph owned by the social service.
type FollowRepository struct {
	pool *pgxpool.Pool
}

func NewFollowRepository(pool *pgxpool.Pool) *FollowRepository {
	return &FollowRepository{pool: pool}
}

var _ storage.FollowOracle = (*FollowRepository)(nil)

func (r *FollowRepository) IsFollowing(ctx context.Context, followerID, followedID string) (bool, error) {
	defer logger.DeferLogDuration("follow.IsFollowing", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM follows WHERE follower_id = $1 AND followed_id = $2)`,
		followerID, followedID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("followRepo.IsFollowing: %w", err)
	}
	return exists, nil
}

// Follow records followerID -> followedID; repeating it is a no-op.
func (r *FollowRepository) Follow(ctx context.Context, followerID, followedID string) error {
	defer logger.DeferLogDuration("follow.Follow", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO follows (follower_id, followed_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		followerID, followedID, storage.Now(),
	)
	if err != nil {
		return fmt.Errorf("followRepo.Follow: %w", err)
	}
	return nil
}
