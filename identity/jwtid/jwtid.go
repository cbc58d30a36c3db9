// Package jwtid resolves identities from JWT bearer tokens validated
// against a statically configured key. No discovery: the signing key,
// issuer and audience are fixed at construction.
package jwtid

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joeshaw/envdecode"
	"github.com/planloop/planloop/identity"
)

// Config controls validation behavior for access tokens.
type Config struct {
	// Issuer is the required `iss` claim. ENV: JWT_ISSUER
	Issuer string `env:"JWT_ISSUER,default=planloop"`
	// Audience is the required `aud` claim; empty disables the check.
	// ENV: JWT_AUDIENCE
	Audience string `env:"JWT_AUDIENCE"`
	// HMACSecret enables HS256 validation. ENV: JWT_HMAC_SECRET
	HMACSecret string `env:"JWT_HMAC_SECRET"`
	// Leeway for time-based claims. ENV: JWT_LEEWAY
	Leeway time.Duration `env:"JWT_LEEWAY,default=60s"`

	// RSAPublicKey enables RS256 validation instead of HS256.
	RSAPublicKey *rsa.PublicKey
}

// Provider validates tokens with golang-jwt and maps claims onto
// identity.Identity. Expected claims: sub (required), email, name.
type Provider struct {
	cfg     Config
	algs    []string
	keyfunc jwt.Keyfunc
}

// New builds a Provider from cfg. Exactly one of HMACSecret or
// RSAPublicKey must be set.
func New(cfg Config) (*Provider, error) {
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	var algs []string
	var kf jwt.Keyfunc
	switch {
	case cfg.HMACSecret != "" && cfg.RSAPublicKey != nil:
		return nil, errors.New("configure either an HMAC secret or an RSA key, not both")
	case cfg.HMACSecret != "":
		algs = []string{"HS256"}
		secret := []byte(cfg.HMACSecret)
		kf = func(t *jwt.Token) (any, error) { return secret, nil }
	case cfg.RSAPublicKey != nil:
		algs = []string{"RS256"}
		key := cfg.RSAPublicKey
		kf = func(t *jwt.Token) (any, error) { return key, nil }
	default:
		return nil, errors.New("a signing key is required")
	}
	return &Provider{cfg: cfg, algs: algs, keyfunc: kf}, nil
}

// NewFromEnv builds a Provider using envdecode to populate Config.
func NewFromEnv() (*Provider, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return New(cfg)
}

// Resolve implements identity.Provider.
func (p *Provider) Resolve(ctx context.Context, token string) (*identity.Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", identity.ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(p.algs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithLeeway(p.cfg.Leeway),
	}
	if p.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(p.cfg.Audience))
	}

	parsed, err := jwt.NewParser(opts...).Parse(token, p.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", identity.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", identity.ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", identity.ErrUnauthorized)
	}
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	return &identity.Identity{UserID: sub, Email: email, Name: name}, nil
}
