// Package domain contains entity without logic, just meta-data
package domain

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
)

const TokenLen = 64

var (
	ErrInvalidToken = errors.New("domain: invalid token")
	ErrInvalidRole  = errors.New("domain: invalid role")
)

// Token is the opaque session credential: 64 lowercase hex characters.
type Token string

// ParseToken trims surrounding whitespace and validates the format.
// Uppercase hex is folded to lowercase.
func ParseToken(raw string) (Token, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if len(s) != TokenLen {
		return "", ErrInvalidToken
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", ErrInvalidToken
		}
	}
	return Token(s), nil
}

func NewToken() (Token, error) {
	b := make([]byte, TokenLen/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return Token(hex.EncodeToString(b)), nil
}

// Short is safe to log.
func (t Token) Short() string {
	if len(t) <= 8 {
		return string(t)
	}
	return string(t[:8])
}
