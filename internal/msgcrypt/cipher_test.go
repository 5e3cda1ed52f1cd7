package msgcrypt

import (
	"testing"

	"github.com/socialchat/internal/apperr"
	"github.com/socialchat/internal/config"
	"github.com/stretchr/testify/require"
)

func newCipher(t *testing.T, key string) *Cipher {
	t.Helper()
	c, err := New(config.ChatConfig{EncryptionKey: key})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	req := require.New(t)
	c := newCipher(t, "master-key-for-tests-0123456789")
	req.True(c.Enabled())

	for _, plain := range []string{"hello", "<b>bold</b> ünïcødé ✓", "x"} {
		sealed, err := c.Encrypt("room-1", plain)
		req.NoError(err)
		req.NotEqual(plain, sealed.Content)
		req.Len(sealed.IV, ivLength*2)
		req.Len(sealed.Tag, tagLength*2)

		got, err := c.Decrypt("room-1", sealed)
		req.NoError(err)
		req.Equal(plain, got)
	}
}

func TestCipher_FreshIVPerMessage(t *testing.T) {
	req := require.New(t)
	c := newCipher(t, "master-key-for-tests-0123456789")
	a, err := c.Encrypt("room-1", "same")
	req.NoError(err)
	b, err := c.Encrypt("room-1", "same")
	req.NoError(err)
	req.NotEqual(a.IV, b.IV)
	req.NotEqual(a.Content+a.Tag, b.Content+b.Tag)
}

func TestCipher_BoundToRoom(t *testing.T) {
	req := require.New(t)
	c := newCipher(t, "master-key-for-tests-0123456789")
	sealed, err := c.Encrypt("room-1", "secret")
	req.NoError(err)

	_, err = c.Decrypt("room-2", sealed)
	req.ErrorIs(err, ErrDecrypt)
}

func TestCipher_DetectsTampering(t *testing.T) {
	req := require.New(t)
	c := newCipher(t, "master-key-for-tests-0123456789")
	sealed, err := c.Encrypt("room-1", "secret")
	req.NoError(err)

	flipped := []byte(sealed.Tag)
	if flipped[0] == '0' {
		flipped[0] = '1'
	} else {
		flipped[0] = '0'
	}
	sealed.Tag = string(flipped)
	_, err = c.Decrypt("room-1", sealed)
	req.ErrorIs(err, ErrDecrypt)

	_, err = c.Decrypt("room-1", Sealed{Content: "zz", IV: sealed.IV, Tag: sealed.Tag})
	req.ErrorIs(err, ErrDecrypt)
}

func TestCipher_DifferentMasterKeys(t *testing.T) {
	req := require.New(t)
	sealed, err := newCipher(t, "first-master-key-0123456789").Encrypt("room-1", "secret")
	req.NoError(err)
	_, err = newCipher(t, "second-master-key-0123456789").Decrypt("room-1", sealed)
	req.ErrorIs(err, ErrDecrypt)
}

func TestCipher_MissingKey(t *testing.T) {
	req := require.New(t)
	c := newCipher(t, "")
	req.False(c.Enabled())

	_, err := c.Encrypt("room-1", "hello")
	req.ErrorIs(err, apperr.ErrServerConfiguration)
	_, err = c.Decrypt("room-1", Sealed{})
	req.ErrorIs(err, apperr.ErrServerConfiguration)
}
