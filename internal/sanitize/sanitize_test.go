package sanitize

import (
	"errors"
	"strings"
	"testing"

	"github.com/socialchat/internal/apperr"
	"github.com/stretchr/testify/require"
)

func TestSanitizer_Clean(t *testing.T) {
	s := New(1000)

	t.Run("should keep allowed inline tags", func(t *testing.T) {
		req := require.New(t)
		out, err := s.Clean("<b>bold</b> and <em>em</em><br>")
		req.NoError(err)
		req.Equal("<b>bold</b> and <em>em</em><br>", out)
	})

	t.Run("should drop attributes from allowed tags", func(t *testing.T) {
		req := require.New(t)
		out, err := s.Clean(`<b onclick="steal()" class="x">hi</b>`)
		req.NoError(err)
		req.Equal("<b>hi</b>", out)
	})

	t.Run("should unwrap disallowed tags but keep their text", func(t *testing.T) {
		req := require.New(t)
		out, err := s.Clean(`<div><a href="http://x">link</a></div>`)
		req.NoError(err)
		req.Equal("link", out)
	})

	t.Run("should reject content that is empty after sanitizing", func(t *testing.T) {
		req := require.New(t)
		_, err := s.Clean("<script>alert(1)</script>   ")
		req.Error(err)
		req.True(errors.Is(err, apperr.ErrValidation))
	})

	t.Run("should reject content over the limit", func(t *testing.T) {
		req := require.New(t)
		_, err := New(10).Clean(strings.Repeat("a", 11))
		req.ErrorIs(err, apperr.ErrValidation)
	})

	t.Run("should count characters, not bytes", func(t *testing.T) {
		req := require.New(t)
		out, err := New(5).Clean("приве")
		req.NoError(err)
		req.Equal("приве", out)
	})
}
