package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 12 * time.Hour

var (
	ErrMissingSigningSecret = errors.New("token issuer: signing secret required")
	ErrMissingIssuer        = errors.New("token issuer: issuer required")
	ErrMissingAudience      = errors.New("token issuer: audience required")
	ErrMissingUserID        = errors.New("token issuer: user id required")
	ErrMissingTenantID      = errors.New("token issuer: tenant id required")
	ErrInvalidToken         = errors.New("token issuer: invalid token")
	ErrExpiredToken         = errors.New("token issuer: token expired")
)

// Identity is the authenticated principal carried by a session token. Every
// collaboration message is attributed to it; the tenant scopes which documents
// it may touch.
type Identity struct {
	UserID      string
	TenantID    string
	DisplayName string
}

type sessionClaims struct {
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the HS256 session token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints and verifies the JWTs that gate the realtime endpoint.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		tokenTTL:      ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed session token and its expiry in seconds.
func (i *TokenIssuer) Issue(identity Identity) (string, int64, error) {
	if strings.TrimSpace(identity.UserID) == "" {
		return "", 0, ErrMissingUserID
	}
	if strings.TrimSpace(identity.TenantID) == "" {
		return "", 0, ErrMissingTenantID
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.tokenTTL)

	claims := sessionClaims{
		TenantID:    identity.TenantID,
		DisplayName: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Verify checks the token's signature, issuer, audience and expiry, and
// returns the embedded identity.
func (i *TokenIssuer) Verify(tokenString string) (Identity, error) {
	trimmed := strings.TrimSpace(tokenString)
	if trimmed == "" {
		return Identity{}, ErrInvalidToken
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		trimmed,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, token.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrMissingUserID
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return Identity{}, ErrMissingTenantID
	}
	return Identity{
		UserID:      claims.Subject,
		TenantID:    claims.TenantID,
		DisplayName: claims.DisplayName,
	}, nil
}
