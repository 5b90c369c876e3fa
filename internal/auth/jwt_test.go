package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "test-signing-secret-at-least-32-bytes-long"

func sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Issuer:    "sealbid-auth",
			Audience:  jwt.ClaimStrings{"sealbid-engine"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	v := NewVerifier(testSecret, "sealbid-auth", "sealbid-engine")
	tokenStr := sign(t, validClaims())

	claims, err := v.Verify(tokenStr)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.UserID() != "user-123" {
		t.Errorf("UserID() = %q, want user-123", claims.UserID())
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	v := NewVerifier(testSecret, "sealbid-auth", "sealbid-engine")
	c := validClaims()
	c.Issuer = "someone-else"
	tokenStr := sign(t, c)

	if _, err := v.Verify(tokenStr); err == nil {
		t.Error("expected error for mismatched issuer")
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	v := NewVerifier(testSecret, "sealbid-auth", "sealbid-engine")
	c := validClaims()
	c.Audience = jwt.ClaimStrings{"some-other-service"}
	tokenStr := sign(t, c)

	if _, err := v.Verify(tokenStr); err == nil {
		t.Error("expected error for mismatched audience")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewVerifier(testSecret, "sealbid-auth", "sealbid-engine")
	c := validClaims()
	c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	tokenStr := sign(t, c)

	if _, err := v.Verify(tokenStr); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := NewVerifier(testSecret, "sealbid-auth", "sealbid-engine")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	tokenStr, err := token.SignedString([]byte("a-completely-different-secret-value"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := v.Verify(tokenStr); err == nil {
		t.Error("expected error for token signed with wrong secret")
	}
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	v := NewVerifier(testSecret, "sealbid-auth", "sealbid-engine")
	token := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims())
	tokenStr, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	if _, err := v.Verify(tokenStr); err == nil {
		t.Error("expected error for alg=none token")
	}
}
