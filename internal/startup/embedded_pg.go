package startup

import (
	"fmt"
	"os"
	"path/filepath"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/socialchat/internal/logger"
)

const (
	embeddedUser     = "chat"
	embeddedPassword = "chat_secret"
	embeddedDatabase = "chat"
)

// StartEmbeddedPostgres запускает локальный PostgreSQL в dataDir и возвращает DSN.
// Используется флагом -dev и интеграционными тестами репозиториев.
func StartEmbeddedPostgres(port uint32, dataDir string) (*embeddedpostgres.EmbeddedPostgres, string, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(embeddedUser).
			Password(embeddedPassword).
			Database(embeddedDatabase).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), fmt.Sprintf("embedded-pg-runtime-%d", port))),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, "", fmt.Errorf("start: %w", err)
	}

	dsn := fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		embeddedUser, embeddedPassword, port, embeddedDatabase,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, dsn, nil
}
