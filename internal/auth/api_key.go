package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// APIKeyVerifier accepts a single shared key. Surrounding whitespace from
// headers or copy-pasted query strings is ignored.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	expected := strings.TrimSpace(v.Expected)
	if apiKey == "" || expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
