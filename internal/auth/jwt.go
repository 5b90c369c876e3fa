// Package auth verifies the bearer tokens issued upstream of this engine.
// Token issuance itself (login, refresh) is out of scope per spec.md §1 —
// this package only validates HS256 tokens against the configured issuer,
// audience, and signing secret.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidToken wraps every verification failure so callers can respond
// uniformly without leaking which specific check failed.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the subset of the standard claim set this engine relies on,
// plus an optional admin role flag consumed by the admin API (C14).
type Claims struct {
	jwt.RegisteredClaims
	Admin bool `json:"admin,omitempty"`
}

// Verifier validates bearer tokens against one fixed secret/issuer/audience
// triple, read once from config at startup.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

func NewVerifier(secret, issuer, audience string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, audience: audience}
}

// Verify parses and validates tokenString, enforcing HS256 only, the
// configured issuer, and the configured audience.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if !hasAudience(claims.Audience, v.audience) {
		return nil, fmt.Errorf("%w: missing required audience %q", ErrInvalidToken, v.audience)
	}
	return claims, nil
}

func hasAudience(audiences jwt.ClaimStrings, want string) bool {
	for _, a := range audiences {
		if a == want {
			return true
		}
	}
	return false
}

// UserID extracts the subject claim, the engine's user id.
func (c *Claims) UserID() string { return c.Subject }
