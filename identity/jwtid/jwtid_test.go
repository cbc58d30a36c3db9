package jwtid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/planloop/planloop/identity"
)

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestResolveValidToken(t *testing.T) {
	p, err := New(Config{Issuer: "planloop", HMACSecret: "sekrit"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token := signHS256(t, "sekrit", jwt.MapClaims{
		"iss":   "planloop",
		"sub":   "user-1",
		"email": "ada@example.com",
		"name":  "Ada",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	id, err := p.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.UserID != "user-1" || id.Email != "ada@example.com" || id.Name != "Ada" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestResolveRejections(t *testing.T) {
	p, err := New(Config{Issuer: "planloop", HMACSecret: "sekrit"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := map[string]string{
		"empty token": "",
		"wrong secret": signHS256(t, "other", jwt.MapClaims{
			"iss": "planloop", "sub": "u", "exp": time.Now().Add(time.Hour).Unix(),
		}),
		"wrong issuer": signHS256(t, "sekrit", jwt.MapClaims{
			"iss": "evil", "sub": "u", "exp": time.Now().Add(time.Hour).Unix(),
		}),
		"expired": signHS256(t, "sekrit", jwt.MapClaims{
			"iss": "planloop", "sub": "u", "exp": time.Now().Add(-time.Hour).Unix(),
		}),
		"missing sub": signHS256(t, "sekrit", jwt.MapClaims{
			"iss": "planloop", "exp": time.Now().Add(time.Hour).Unix(),
		}),
	}

	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := p.Resolve(context.Background(), token); !errors.Is(err, identity.ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Config{Issuer: "planloop"}); err == nil {
		t.Fatal("expected error without a signing key")
	}
}
