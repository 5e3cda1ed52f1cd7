package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/storage"
)

const roomCols = `id, name, type, created_at, updated_at`

const memberCols = `id, chat_room_id, user_id, joined_at, last_read_at`

type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

var _ storage.RoomStore = (*RoomRepository)(nil)

func scanRoom(s rowScanner, c *model.ChatRoom) error {
	return s.Scan(&c.ID, &c.Name, &c.Type, &c.CreatedAt, &c.UpdatedAt)
}

func scanMember(s rowScanner, m *model.ChatRoomMember) error {
	return s.Scan(&m.ID, &m.ChatRoomID, &m.UserID, &m.JoinedAt, &m.LastReadAt)
}

func insertMember(ctx context.Context, tx pgx.Tx, roomID, userID string, at time.Time) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO chat_room_members (id, chat_room_id, user_id, joined_at) VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), roomID, userID, at,
	)
	return err
}

// FindOrCreateDM relies on the unique dm_key column: a concurrent INSERT of the same
// pair blocks on the first transaction and then takes the ON CONFLICT branch, so
// the loser reads the winner's room instead of creating a second one.
func (r *RoomRepository) FindOrCreateDM(ctx context.Context, user1, user2 string) (*model.ChatRoom, bool, error) {
	defer logger.DeferLogDuration("room.FindOrCreateDM", time.Now())()
	key := model.DMKey(user1, user2)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("roomRepo.FindOrCreateDM begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := storage.Now()
	room := &model.ChatRoom{}
	err = scanRoom(tx.QueryRow(ctx,
		`INSERT INTO chat_rooms (id, name, type, dm_key, created_at, updated_at)
		 VALUES ($1, NULL, $2, $3, $4, $4)
		 ON CONFLICT (dm_key) DO NOTHING
		 RETURNING `+roomCols,
		uuid.New().String(), model.RoomTypeDM, key, now,
	), room)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := scanRoom(tx.QueryRow(ctx,
			`SELECT `+roomCols+` FROM chat_rooms WHERE dm_key = $1`, key,
		), room); err != nil {
			return nil, false, fmt.Errorf("roomRepo.FindOrCreateDM select: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("roomRepo.FindOrCreateDM commit: %w", err)
		}
		return room, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("roomRepo.FindOrCreateDM insert: %w", err)
	}
	for _, uid := range []string{user1, user2} {
		if err := insertMember(ctx, tx, room.ID, uid, now); err != nil {
			return nil, false, fmt.Errorf("roomRepo.FindOrCreateDM member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("roomRepo.FindOrCreateDM commit: %w", err)
	}
	return room, true, nil
}

func (r *RoomRepository) CreateGroupWithMembers(ctx context.Context, name *string, memberIDs []string) (*model.ChatRoom, error) {
	defer logger.DeferLogDuration("room.CreateGroupWithMembers", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.CreateGroupWithMembers begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := storage.Now()
	room := &model.ChatRoom{}
	if err := scanRoom(tx.QueryRow(ctx,
		`INSERT INTO chat_rooms (id, name, type, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 RETURNING `+roomCols,
		uuid.New().String(), name, model.RoomTypeGroup, now,
	), room); err != nil {
		return nil, fmt.Errorf("roomRepo.CreateGroupWithMembers insert: %w", err)
	}
	for _, uid := range memberIDs {
		if err := insertMember(ctx, tx, room.ID, uid, now); err != nil {
			return nil, fmt.Errorf("roomRepo.CreateGroupWithMembers member %s: %w", uid, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("roomRepo.CreateGroupWithMembers commit: %w", err)
	}
	return room, nil
}

func (r *RoomRepository) FindByID(ctx context.Context, id string) (*model.ChatRoom, error) {
	defer logger.DeferLogDuration("room.FindByID", time.Now())()
	room := &model.ChatRoom{}
	err := scanRoom(r.pool.QueryRow(ctx, `SELECT `+roomCols+` FROM chat_rooms WHERE id = $1`, id), room)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.FindByID: %w", err)
	}
	return room, nil
}

func (r *RoomRepository) FindByMemberID(ctx context.Context, userID string) ([]model.ChatRoom, error) {
	defer logger.DeferLogDuration("room.FindByMemberID", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.name, c.type, c.created_at, c.updated_at
		 FROM chat_rooms c
		 JOIN chat_room_members cm ON cm.chat_room_id = c.id
		 WHERE cm.user_id = $1
		 ORDER BY c.updated_at DESC, c.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.FindByMemberID query: %w", err)
	}
	defer rows.Close()

	rooms := make([]model.ChatRoom, 0, 16)
	for rows.Next() {
		var c model.ChatRoom
		if err := scanRoom(rows, &c); err != nil {
			return nil, fmt.Errorf("roomRepo.FindByMemberID scan: %w", err)
		}
		rooms = append(rooms, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.FindByMemberID rows: %w", err)
	}
	return rooms, nil
}

func (r *RoomRepository) UpdateName(ctx context.Context, id, name string) (*model.ChatRoom, error) {
	defer logger.DeferLogDuration("room.UpdateName", time.Now())()
	room := &model.ChatRoom{}
	err := scanRoom(r.pool.QueryRow(ctx,
		`UPDATE chat_rooms SET name = $1, updated_at = $2 WHERE id = $3 AND type = $4
		 RETURNING `+roomCols,
		name, storage.Now(), id, model.RoomTypeGroup,
	), room)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.UpdateName: %w", err)
	}
	return room, nil
}

func (r *RoomRepository) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("room.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM chat_rooms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("roomRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RoomRepository) AddMember(ctx context.Context, roomID, userID string) (*model.ChatRoomMember, error) {
	defer logger.DeferLogDuration("room.AddMember", time.Now())()
	m := &model.ChatRoomMember{}
	err := scanMember(r.pool.QueryRow(ctx,
		`INSERT INTO chat_room_members (id, chat_room_id, user_id, joined_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (chat_room_id, user_id) DO NOTHING
		 RETURNING `+memberCols,
		uuid.New().String(), roomID, userID, storage.Now(),
	), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrAlreadyMember
	}
	if err != nil {
		return nil, fmt.Errorf("roomRepo.AddMember: %w", err)
	}
	return m, nil
}

func (r *RoomRepository) RemoveMember(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("room.RemoveMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM chat_room_members WHERE chat_room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.RemoveMember: %w", err)
	}
	return nil
}

func (r *RoomRepository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	defer logger.DeferLogDuration("room.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_room_members WHERE chat_room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("roomRepo.IsMember: %w", err)
	}
	return exists, nil
}

func (r *RoomRepository) ListMembers(ctx context.Context, roomID string) ([]model.ChatRoomMember, error) {
	defer logger.DeferLogDuration("room.ListMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+memberCols+` FROM chat_room_members WHERE chat_room_id = $1 ORDER BY joined_at, user_id`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.ListMembers query: %w", err)
	}
	defer rows.Close()

	members := make([]model.ChatRoomMember, 0, 8)
	for rows.Next() {
		var m model.ChatRoomMember
		if err := scanMember(rows, &m); err != nil {
			return nil, fmt.Errorf("roomRepo.ListMembers scan: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.ListMembers rows: %w", err)
	}
	return members, nil
}

func (r *RoomRepository) CountMembers(ctx context.Context, roomID string) (int, error) {
	defer logger.DeferLogDuration("room.CountMembers", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_room_members WHERE chat_room_id = $1`, roomID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("roomRepo.CountMembers: %w", err)
	}
	return n, nil
}

func (r *RoomRepository) UpdateLastRead(ctx context.Context, roomID, userID string, at time.Time) error {
	defer logger.DeferLogDuration("room.UpdateLastRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chat_room_members SET last_read_at = $1 WHERE chat_room_id = $2 AND user_id = $3`,
		at.UTC(), roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.UpdateLastRead: %w", err)
	}
	return nil
}

func (r *RoomRepository) GetUnreadCountForUser(ctx context.Context, roomID, userID string) (int, error) {
	defer logger.DeferLogDuration("room.GetUnreadCountForUser", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 JOIN chat_room_members cm ON cm.chat_room_id = m.chat_room_id AND cm.user_id = $2
		 WHERE m.chat_room_id = $1
		   AND m.author_id <> $2
		   AND (cm.last_read_at IS NULL OR m.created_at > cm.last_read_at)`,
		roomID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("roomRepo.GetUnreadCountForUser: %w", err)
	}
	return n, nil
}
