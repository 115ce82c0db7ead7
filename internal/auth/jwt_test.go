package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func fixedVerifier(secret string, now time.Time) JWTVerifier {
	v := NewJWTVerifier(secret)
	v.now = func() time.Time { return now }
	return v
}

func TestJWTVerifier_AcceptsValidHS256(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier("secret", now)

	token := signHS256(t, "secret", jwt.RegisteredClaims{
		Subject:   "alice",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	})

	claims, err := v.Claims(token)
	if err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("sub=%q, want %q", claims.Subject, "alice")
	}
}

func TestJWTVerifier_Rejects(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier("secret", now)

	cases := map[string]string{
		"expired": signHS256(t, "secret", jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
		}),
		"missing exp": signHS256(t, "secret", jwt.RegisteredClaims{Subject: "alice"}),
		"not yet valid": signHS256(t, "secret", jwt.RegisteredClaims{
			NotBefore: jwt.NewNumericDate(now.Add(time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}),
		"wrong secret": signHS256(t, "other", jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}),
		"garbage": "not-a-jwt",
		"empty":   "",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
			}
		})
	}
}

func TestJWTVerifier_RejectsOtherAlgorithms(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier("secret", now)

	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := v.Verify(token); err == nil {
		t.Fatalf("expected HS512 token to be rejected")
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if err := v.Verify(none); err == nil {
		t.Fatalf("expected alg=none token to be rejected")
	}
}

func TestJWTVerifier_RejectsOversizedToken(t *testing.T) {
	v := fixedVerifier("secret", time.Unix(1_000_000, 0))
	if err := v.Verify(strings.Repeat("a", maxJWTLen+1)); !errors.Is(err, ErrUnsupportedJWT) {
		t.Fatalf("err=%v, want %v", err, ErrUnsupportedJWT)
	}
}
