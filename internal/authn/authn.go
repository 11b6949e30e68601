// Package authn is nonce-based operator request authentication (§10.6): a
// nonce is minted per login attempt, persisted in the registry's nonce
// table, and consumed exactly once for a short-lived bearer token — the
// claims shape is grounded on infrastructure/serviceauth.ServiceClaims,
// adapted from RSA service-to-service tokens to HMAC operator tokens.
package authn

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/chain-indexer/internal/errkind"
	"github.com/R3E-Network/chain-indexer/internal/registry"
)

// OperatorClaims is the JWT claims shape for control-endpoint bearer tokens.
type OperatorClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// Config bounds nonce lifetime and token issuance.
type Config struct {
	SigningKey  []byte
	NonceTTL    time.Duration
	TokenExpiry time.Duration
}

// Authenticator mints login nonces and exchanges a consumed nonce for a
// bearer token.
type Authenticator struct {
	registry *registry.Registry
	cfg      Config
}

// New builds an Authenticator backed by reg's nonce table.
func New(reg *registry.Registry, cfg Config) *Authenticator {
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 5 * time.Minute
	}
	if cfg.TokenExpiry <= 0 {
		cfg.TokenExpiry = 1 * time.Hour
	}
	return &Authenticator{registry: reg, cfg: cfg}
}

// IssueNonce mints a fresh login nonce for subject (an operator identity),
// persisted with the configured TTL.
func (a *Authenticator) IssueNonce(ctx context.Context, subject string) (nonce string, expiry time.Time, err error) {
	return a.registry.CreateNonce(ctx, subject, a.cfg.NonceTTL)
}

// ExchangeNonce consumes nonceUID exactly once and, on success, issues a
// bearer token for subject. A nonce that is unknown, already consumed, or
// expired fails the exchange.
func (a *Authenticator) ExchangeNonce(ctx context.Context, subject, nonceUID string) (string, error) {
	if err := a.registry.ConsumeNonce(ctx, nonceUID); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := &OperatorClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenExpiry)),
			Issuer:    "chain-indexer",
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.cfg.SigningKey)
	if err != nil {
		return "", errkind.Wrap(errkind.Unknown, "sign operator token", err)
	}
	return signed, nil
}

// VerifyToken parses and validates a bearer token issued by ExchangeNonce,
// returning its subject.
func (a *Authenticator) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errkind.New(errkind.Unknown, "unexpected signing method")
		}
		return a.cfg.SigningKey, nil
	})
	if err != nil {
		return "", errkind.Wrap(errkind.NotFound, "invalid or expired operator token", err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return "", errkind.New(errkind.NotFound, "invalid operator token claims")
	}
	return claims.Subject, nil
}
