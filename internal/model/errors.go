package model

import (
	"errors"
	"strings"
	"unicode"
)

// Domain error kinds. Callers wrap these with context and test with errors.Is.
var (
	ErrInvalidState   = errors.New("invalid state")
	ErrExpired        = errors.New("expired")
	ErrDispatch       = errors.New("dispatch failed")
	ErrRetryExhausted = errors.New("max attempts exceeded")
	ErrInvalidInput   = errors.New("invalid input")
)

// SanitizeKey derives a context key from a human-readable name: lowercase
// ASCII letters and digits are kept, runs of anything else collapse to a
// single underscore, and leading/trailing underscores are trimmed.
// An empty result becomes "unnamed".
func SanitizeKey(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	key := strings.TrimRight(b.String(), "_")
	if key == "" {
		return "unnamed"
	}
	return key
}
