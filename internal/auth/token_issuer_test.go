package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "quillsync-auth",
		Audience:      "quillsync-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerRoundTripsIdentity(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, expiresIn, err := issuer.Issue(Identity{
		UserID:      "user-123",
		TenantID:    "tenant-1",
		DisplayName: "Alice",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry seconds, got %d", expiresIn)
	}

	identity, err := issuer.Verify(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if identity.UserID != "user-123" || identity.TenantID != "tenant-1" || identity.DisplayName != "Alice" {
		t.Fatalf("unexpected identity %#v", identity)
	}
}

func TestTokenIssuerRejectsIncompleteIdentity(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	if _, _, err := issuer.Issue(Identity{TenantID: "tenant-1"}); !errors.Is(err, ErrMissingUserID) {
		t.Fatalf("expected ErrMissingUserID, got %v", err)
	}
	if _, _, err := issuer.Issue(Identity{UserID: "user-123"}); !errors.Is(err, ErrMissingTenantID) {
		t.Fatalf("expected ErrMissingTenantID, got %v", err)
	}
}

func TestTokenIssuerRejectsMalformedToken(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	if _, err := issuer.Verify("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := issuer.Verify("  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for blank input, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredToken(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(t, func() time.Time { return current })

	tokenString, _, err := issuer.Issue(Identity{UserID: "user-123", TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("unexpected issuance error: %v", err)
	}

	current = current.Add(31 * time.Minute)
	if _, err := issuer.Verify(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignSignature(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("different-secret"),
		Issuer:        "quillsync-auth",
		Audience:      "quillsync-api",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := other.Issue(Identity{UserID: "user-123", TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("unexpected issuance error: %v", err)
	}
	if _, err := issuer.Verify(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign signature, got %v", err)
	}
}

func TestNewTokenIssuerRequiresConfiguration(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: "a", Audience: "b"}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected ErrMissingSigningSecret, got %v", err)
	}
	if _, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "b"}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected ErrMissingIssuer, got %v", err)
	}
	if _, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "a", Audience: " "}); !errors.Is(err, ErrMissingAudience) {
		t.Fatalf("expected ErrMissingAudience, got %v", err)
	}
}
