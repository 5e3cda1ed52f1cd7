// Package msgcrypt encrypts message content at rest with AES-256-GCM.
//
// Each room gets its own key: PBKDF2-HMAC-SHA256(master key, salt = room id).
// The room id is also the GCM associated data, so a ciphertext copied into
// another room fails authentication instead of decrypting.
package msgcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/socialchat/internal/apperr"
	"github.com/socialchat/internal/config"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLength = 32
	ivLength  = 12
	tagLength = 16

	keyCacheEntries = 10_000
)

// ErrDecrypt is returned when a stored ciphertext cannot be opened.
var ErrDecrypt = errors.New("msgcrypt: decrypt failed")

// Sealed is the persisted form. All three fields are hex.
type Sealed struct {
	Content string
	IV      string
	Tag     string
}

type Cipher struct {
	master     []byte
	iterations int
	keys       *ristretto.Cache[string, []byte]
}

// New builds a cipher from the deployment config. With an empty key the cipher is
// disabled and every Encrypt/Decrypt call fails with a ServerConfiguration error.
func New(cfg config.ChatConfig) (*Cipher, error) {
	c := &Cipher{iterations: cfg.KeyDerivationIterations}
	if c.iterations < config.MinKeyDerivationIterations {
		c.iterations = config.MinKeyDerivationIterations
	}
	if cfg.EncryptionKey == "" {
		return c, nil
	}
	c.master = []byte(cfg.EncryptionKey)
	keys, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: keyCacheEntries * 10,
		MaxCost:     keyCacheEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("msgcrypt key cache: %w", err)
	}
	c.keys = keys
	return c, nil
}

// Enabled reports whether a master key is configured.
func (c *Cipher) Enabled() bool {
	return len(c.master) > 0
}

func (c *Cipher) Close() {
	if c.keys != nil {
		c.keys.Close()
	}
}

func (c *Cipher) roomKey(roomID string) []byte {
	if k, ok := c.keys.Get(roomID); ok {
		return k
	}
	k := pbkdf2.Key(c.master, []byte(roomID), c.iterations, keyLength, sha256.New)
	c.keys.Set(roomID, k, 1)
	return k
}

func (c *Cipher) aead(roomID string) (cipher.AEAD, error) {
	if !c.Enabled() {
		return nil, apperr.ServerConfiguration("message encryption key is not configured")
	}
	block, err := aes.NewCipher(c.roomKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("msgcrypt aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext for roomID with a fresh random IV.
func (c *Cipher) Encrypt(roomID, plaintext string) (Sealed, error) {
	gcm, err := c.aead(roomID)
	if err != nil {
		return Sealed{}, err
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("msgcrypt iv: %w", err)
	}
	out := gcm.Seal(nil, iv, []byte(plaintext), []byte(roomID))
	ct, tag := out[:len(out)-tagLength], out[len(out)-tagLength:]
	return Sealed{
		Content: hex.EncodeToString(ct),
		IV:      hex.EncodeToString(iv),
		Tag:     hex.EncodeToString(tag),
	}, nil
}

// Decrypt opens a Sealed produced by Encrypt for the same roomID.
func (c *Cipher) Decrypt(roomID string, s Sealed) (string, error) {
	gcm, err := c.aead(roomID)
	if err != nil {
		return "", err
	}
	ct, err := hex.DecodeString(s.Content)
	if err != nil {
		return "", fmt.Errorf("%w: content: %v", ErrDecrypt, err)
	}
	iv, err := hex.DecodeString(s.IV)
	if err != nil || len(iv) != ivLength {
		return "", fmt.Errorf("%w: bad iv", ErrDecrypt)
	}
	tag, err := hex.DecodeString(s.Tag)
	if err != nil || len(tag) != tagLength {
		return "", fmt.Errorf("%w: bad tag", ErrDecrypt)
	}
	plain, err := gcm.Open(nil, iv, append(ct, tag...), []byte(roomID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}
