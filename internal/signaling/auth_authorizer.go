package signaling

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/config"
)

// AuthAuthorizer enforces AUTH_MODE=none|api_key|jwt at connect time.
//
// Credential sources, in order: the first `{type:"auth"}` message, request
// headers, then the query string.
type AuthAuthorizer struct {
	mode     config.AuthMode
	verifier auth.Verifier
}

func NewAuthAuthorizer(cfg config.Config) (AuthAuthorizer, error) {
	if cfg.AuthMode == config.AuthModeNone {
		return AuthAuthorizer{mode: config.AuthModeNone}, nil
	}
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return AuthAuthorizer{}, err
	}
	return AuthAuthorizer{
		mode:     cfg.AuthMode,
		verifier: v,
	}, nil
}

func (a AuthAuthorizer) Authorize(r *http.Request, hello *ClientHello) error {
	if a.mode == config.AuthModeNone {
		return nil
	}
	if a.verifier == nil {
		return errors.New("auth verifier not configured")
	}

	cred, err := credentialFromHelloAndRequest(a.mode, hello, r)
	if err != nil {
		return err
	}
	return a.verifier.Verify(cred)
}

// AuthorizeRequest authorizes a plain HTTP request from its headers or query
// string.
func (a AuthAuthorizer) AuthorizeRequest(r *http.Request) error {
	return a.Authorize(r, nil)
}

func credentialFromHelloAndRequest(mode config.AuthMode, hello *ClientHello, r *http.Request) (string, error) {
	if hello != nil {
		return auth.CredentialFromAuthMessage(mode, hello.Auth)
	}
	return auth.CredentialFromRequest(mode, r)
}

// IsAuthMissing reports whether err represents missing credentials (as opposed to
// invalid credentials).
func IsAuthMissing(err error) bool {
	return errors.Is(err, auth.ErrMissingCredentials)
}

// IsUnauthorized reports whether err should be treated as an authentication failure.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, auth.ErrMissingCredentials) || errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUnsupportedJWT)
}

func unauthorizedMessage(err error) string {
	if err == nil || IsUnauthorized(err) {
		return "unauthorized"
	}
	return fmt.Sprintf("authorization failed: %v", err)
}
