// Package auth verifies the optional credential presented when a client opens
// the signaling WebSocket.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/meshproto"
)

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

var ErrMissingCredentials = errors.New("missing credentials")

// CredentialFromQuery extracts the credential from ?apiKey= or ?token=. Each
// mode prefers its own parameter but accepts the other one, so clients can
// use a single query key regardless of the relay's mode. AuthModeNone
// returns an empty credential.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		return firstNonEmpty(q.Get("apiKey"), q.Get("token"))
	case config.AuthModeJWT:
		return firstNonEmpty(q.Get("token"), q.Get("apiKey"))
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// CredentialFromAuthMessage extracts the credential from a first-frame auth
// message, with the same preference rules as CredentialFromQuery.
func CredentialFromAuthMessage(mode config.AuthMode, msg meshproto.Auth) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		return firstNonEmpty(msg.APIKey, msg.Token)
	case config.AuthModeJWT:
		return firstNonEmpty(msg.Token, msg.APIKey)
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// CredentialFromRequest checks the Authorization and X-API-Key headers, then
// falls back to the query string.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone {
		return "", nil
	}

	var bearer, apiKey string
	if scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " "); ok {
		switch strings.ToLower(scheme) {
		case "bearer":
			bearer = strings.TrimSpace(value)
		case "apikey":
			apiKey = strings.TrimSpace(value)
		}
	}
	if apiKey == "" {
		apiKey = strings.TrimSpace(r.Header.Get("X-API-Key"))
	}

	var (
		cred string
		err  error
	)
	switch mode {
	case config.AuthModeAPIKey:
		cred, err = firstNonEmpty(apiKey, bearer)
	case config.AuthModeJWT:
		cred, err = firstNonEmpty(bearer, apiKey)
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if err == nil {
		return cred, nil
	}
	return CredentialFromQuery(mode, r.URL.Query())
}

func firstNonEmpty(values ...string) (string, error) {
	for _, v := range values {
		if v != "" {
			return v, nil
		}
	}
	return "", ErrMissingCredentials
}
