// Package sanitize normalizes raw argument tokens before they are ever
// treated as argv elements. It is a charset gate, independent of the
// validator's pattern rules: both must pass.
package sanitize

import (
	"strings"

	"github.com/odvcencio/warden/pkg/errors"
)

// allowedPunctuation is the small explicit set of punctuation legitimate
// tool arguments need: flags, paths, ports, CIDR ranges, URLs, key=value
// options. Everything else is rejected outright.
const allowedPunctuation = ".-_/:=,@+"

// Sanitizer normalizes and charset-checks single argument tokens.
type Sanitizer struct {
	maxTokenLength int
}

// New creates a sanitizer. maxTokenLength <= 0 disables the length bound.
func New(maxTokenLength int) *Sanitizer {
	return &Sanitizer{maxTokenLength: maxTokenLength}
}

// Token trims surrounding whitespace and verifies the token against the
// charset allowlist and length bound. Returns the normalized token.
func (s *Sanitizer) Token(raw string) (string, error) {
	token := strings.TrimSpace(raw)

	if token == "" {
		return "", errors.New(errors.ErrCodeInvalidCommand, "empty argument token")
	}
	if s.maxTokenLength > 0 && len(token) > s.maxTokenLength {
		return "", errors.Newf(errors.ErrCodeInvalidCommand, "argument token exceeds %d bytes", s.maxTokenLength).
			WithContext("length", len(token))
	}

	for _, r := range token {
		if !isAllowedRune(r) {
			return "", errors.Newf(errors.ErrCodeInvalidCommand, "disallowed character %q in argument", r).
				WithContext("token", truncateForLog(token))
		}
	}

	return token, nil
}

// Tokens sanitizes a full argument vector, failing on the first bad token.
func (s *Sanitizer) Tokens(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for i, tok := range raw {
		clean, err := s.Token(tok)
		if err != nil {
			if werr, ok := err.(*errors.Error); ok {
				werr.WithContext("position", i)
			}
			return nil, err
		}
		out = append(out, clean)
	}
	return out, nil
}

func isAllowedRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	default:
		return strings.ContainsRune(allowedPunctuation, r)
	}
}

// truncateForLog bounds token excerpts embedded in error context.
func truncateForLog(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
