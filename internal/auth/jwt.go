package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

// Tokens longer than this are rejected before parsing.
const maxJWTLen = 8 * 1024

// JWTVerifier accepts HS256 tokens signed with a shared secret. exp is
// required; nbf and iat are checked when present.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v JWTVerifier) Verify(token string) error {
	_, err := v.Claims(token)
	return err
}

// Claims verifies token and returns its registered claims.
func (v JWTVerifier) Claims(token string) (jwt.RegisteredClaims, error) {
	if token == "" || len(v.secret) == 0 {
		return jwt.RegisteredClaims{}, ErrInvalidCredentials
	}
	if len(token) > maxJWTLen {
		return jwt.RegisteredClaims{}, ErrUnsupportedJWT
	}

	now := v.now
	if now == nil {
		now = time.Now
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(now),
	)

	var claims jwt.RegisteredClaims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return jwt.RegisteredClaims{}, ErrInvalidCredentials
	}
	return claims, nil
}
