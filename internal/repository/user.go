package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/storage"
)

// userCols — публичные поля профиля; остальное принадлежит сервису профилей.
const userCols = `id, username, name, profile_picture`

// UserRepository reads the users table owned by the profile service. Chat writes
// it only through Upsert, which dev mode and tests use for seeding.
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

var _ storage.UserDirectory = (*UserRepository)(nil)

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.UserProfile, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.UserProfile{}
	err := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.Name, &u.ProfilePicture)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

func (r *UserRepository) Upsert(ctx context.Context, u *model.UserProfile) error {
	defer logger.DeferLogDuration("user.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (`+userCols+`) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, name = EXCLUDED.name,
		     profile_picture = EXCLUDED.profile_picture`,
		u.ID, u.Username, u.Name, u.ProfilePicture,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Upsert: %w", err)
	}
	return nil
}
