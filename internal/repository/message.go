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

const messageCols = `id, chat_room_id, author_id, content, type, is_encrypted, iv, tag, created_at, updated_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

var _ storage.MessageStore = (*MessageRepository)(nil)

func scanMessage(s rowScanner, m *model.Message) error {
	return s.Scan(&m.ID, &m.ChatRoomID, &m.AuthorID, &m.Content, &m.Type, &m.IsEncrypted, &m.IV, &m.Tag, &m.CreatedAt, &m.UpdatedAt)
}

// Create locks the room's member rows FOR SHARE while it inserts, so a concurrent
// UPDATE of a read cursor either lands before (and created_at is moved past it) or
// waits for the commit and then covers a message that is already visible.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT last_read_at FROM chat_room_members WHERE chat_room_id = $1 FOR SHARE`, m.ChatRoomID)
	if err != nil {
		return fmt.Errorf("msgRepo.Create cursors: %w", err)
	}
	cursors, err := pgx.CollectRows(rows, pgx.RowTo[*time.Time])
	if err != nil {
		return fmt.Errorf("msgRepo.Create cursors: %w", err)
	}
	sameStamp := m.UpdatedAt.Equal(m.CreatedAt)
	m.CreatedAt = storage.PastCursors(m.CreatedAt, cursors...)
	if sameStamp {
		m.UpdatedAt = m.CreatedAt
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (`+messageCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.ChatRoomID, m.AuthorID, m.Content, m.Type, m.IsEncrypted, m.IV, m.Tag, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Create commit: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id = $1`, id), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) ListByRoom(ctx context.Context, roomID string, limit int, cursor string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListByRoom", time.Now())()
	var (
		rows pgx.Rows
		err  error
	)
	if cursor == "" {
		rows, err = r.pool.Query(ctx,
			`SELECT `+messageCols+` FROM messages
			 WHERE chat_room_id = $1
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2`, roomID, limit,
		)
	} else {
		var (
			at time.Time
			id string
		)
		err = r.pool.QueryRow(ctx,
			`SELECT created_at, id FROM messages WHERE id = $1 AND chat_room_id = $2`, cursor, roomID,
		).Scan(&at, &id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrInvalidCursor
		}
		if err != nil {
			return nil, fmt.Errorf("msgRepo.ListByRoom cursor: %w", err)
		}
		rows, err = r.pool.Query(ctx,
			`SELECT `+messageCols+` FROM messages
			 WHERE chat_room_id = $1 AND (created_at, id) < ($2, $3)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $4`, roomID, at, id, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListByRoom query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.ListByRoom scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListByRoom rows: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) GetLast(ctx context.Context, roomID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetLast", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE chat_room_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, roomID,
	), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetLast: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) Update(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Update", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $1, is_encrypted = $2, iv = $3, tag = $4, updated_at = $5 WHERE id = $6`,
		m.Content, m.IsEncrypted, m.IV, m.Tag, m.UpdatedAt, m.ID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MessageRepository) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("msgRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
