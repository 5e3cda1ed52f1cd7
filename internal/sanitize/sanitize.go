// Package sanitize strips message HTML down to a small set of inline formatting tags.
package sanitize

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/socialchat/internal/apperr"
)

// AllowedTags are the only elements that survive; attributes are always dropped.
var AllowedTags = []string{"b", "i", "u", "em", "strong", "br"}

type Sanitizer struct {
	policy    *bluemonday.Policy
	maxLength int
}

func New(maxLength int) *Sanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(AllowedTags...)
	return &Sanitizer{policy: p, maxLength: maxLength}
}

// Clean returns the sanitized content, or a validation error when nothing is left
// or the result is longer than maxLength characters.
func (s *Sanitizer) Clean(content string) (string, error) {
	cleaned := strings.TrimSpace(s.policy.Sanitize(content))
	if cleaned == "" {
		return "", apperr.Validation("message content is empty")
	}
	if n := utf8.RuneCountInString(cleaned); n > s.maxLength {
		return "", apperr.Validation("message content is %d characters, limit is %d", n, s.maxLength)
	}
	return cleaned, nil
}
