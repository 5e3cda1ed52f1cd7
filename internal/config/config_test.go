package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_YAMLThenEnv(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.yaml")
	req.NoError(os.WriteFile(path, []byte(`
server_addr: ":9090"
read_timeout: 5
storage:
  driver: badger
  badger_path: /tmp/chat
chat:
  max_message_length: 500
  key_derivation_iterations: 10
`), 0o600))

	t.Setenv("APP_ENV", "production")
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("SERVER_ADDR", ":7070")
	t.Setenv("CHAT_ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg := Load()
	req.Equal(":7070", cfg.ServerAddr)
	req.Equal(5*time.Second, cfg.ReadTimeout)
	req.Equal(StorageDriverBadger, cfg.Storage.Driver)
	req.Equal("/tmp/chat", cfg.Storage.BadgerPath)
	req.Equal(500, cfg.Chat.MaxMessageLength)
	req.Equal(MinKeyDerivationIterations, cfg.Chat.KeyDerivationIterations)
	req.True(cfg.Chat.EncryptionEnabled())
	req.Equal([]string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	req.Equal("chat.events", cfg.Kafka.Topic)
	req.Equal(30*time.Second, cfg.Chat.FollowCacheTTL)
}

func TestChatConfig_Normalize(t *testing.T) {
	req := require.New(t)
	c := ChatConfig{DefaultPageSize: 500, MaxPageSize: 100}.Normalize()
	req.Equal(100, c.DefaultPageSize)
	req.Equal(1000, c.MaxMessageLength)
	req.Equal(3, c.FollowCheckAttempts)
	req.False(c.EncryptionEnabled())
}
