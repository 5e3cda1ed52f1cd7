package repository

import "github.com/socialchat/internal/storage"

// ErrNotFound is storage.ErrNotFound, re-exported for callers that only see this package.
var ErrNotFound = storage.ErrNotFound

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
