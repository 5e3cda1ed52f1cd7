package badger

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/storage"
)

func followKey(followerID, followedID string) string {
	return followPrefix + model.KeySegments(followerID, followedID)
}

func (s *FollowStore) IsFollowing(ctx context.Context, followerID, followedID string) (bool, error) {
	defer logger.DeferLogDuration("follow.IsFollowing", time.Now())()
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ok, err = exists(txn, followKey(followerID, followedID))
		return err
	})
	return ok, err
}

func (s *FollowStore) Follow(ctx context.Context, followerID, followedID string) error {
	defer logger.DeferLogDuration("follow.Follow", time.Now())()
	return s.update(func(txn *badger.Txn) error {
		return txn.Set([]byte(followKey(followerID, followedID)), nil)
	})
}

func (s *FollowStore) Unfollow(ctx context.Context, followerID, followedID string) error {
	defer logger.DeferLogDuration("follow.Unfollow", time.Now())()
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(followKey(followerID, followedID)))
	})
}

func (s *UserStore) GetByID(ctx context.Context, id string) (*model.UserProfile, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.UserProfile{}
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userPrefix+id, u)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *UserStore) Upsert(ctx context.Context, u *model.UserProfile) error {
	defer logger.DeferLogDuration("user.Upsert", time.Now())()
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, userPrefix+u.ID, u)
	})
}
