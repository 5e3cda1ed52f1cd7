package service

import (
	"context"
	"errors"
	"time"

	"github.com/socialchat/internal/apperr"
	"github.com/socialchat/internal/events"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/metrics"
	"github.com/socialchat/internal/storage"
)

const publishTimeout = 5 * time.Second

func roomNotFound(roomID string) error {
	return apperr.NotFound("chat room %s not found", roomID)
}

func notMember(roomID, userID string) error {
	return apperr.Forbidden("user %s is not a member of chat room %s", userID, roomID)
}

// storeErr translates store sentinels into the error taxonomy; anything else is
// an internal failure and passes through wrapped.
func storeErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound("%s not found", what)
	case errors.Is(err, storage.ErrAlreadyMember):
		return apperr.Conflict("%s: already a member", what)
	case errors.Is(err, storage.ErrInvalidCursor):
		return apperr.Validation("invalid cursor for %s", what)
	}
	return err
}

// publish is best-effort: the write it describes has already committed.
func publish(ctx context.Context, pub events.Publisher, e events.Event) {
	if pub == nil {
		return
	}
	if e.At.IsZero() {
		e.At = storage.Now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := pub.Publish(ctx, e); err != nil {
		metrics.EventPublishFailures.WithLabelValues(string(e.Type)).Inc()
		logger.Errorf("publish %s room=%s: %v", e.Type, e.RoomID, err)
	}
}
