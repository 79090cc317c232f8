package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndValidateTokenRoundTrip(t *testing.T) {
	issuedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("unit-secret"),
		TokenTTL:      30 * time.Minute,
		Clock:         func() time.Time { return issuedAt },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token, expiresIn, err := issuer.IssueToken(context.Background(), ProviderLine, Identity{
		Provider:    ProviderLine,
		Subject:     "U123",
		DisplayName: "花子",
		Handle:      "hanako",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds: %d", expiresIn)
	}

	claims, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if claims.Subject != "U123" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
	if claims.Provider != ProviderLine {
		t.Fatalf("unexpected provider claim: %q", claims.Provider)
	}
	if claims.DisplayName != "花子" || claims.Handle != "hanako" {
		t.Fatalf("unexpected profile claims: %+v", claims)
	}
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("unit-secret"),
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return current },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token, _, err := issuer.IssueToken(context.Background(), ProviderLine, Identity{Subject: "U123"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := issuer.ValidateToken(token); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	issuerA, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret-a")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	issuerB, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret-b")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token, _, err := issuerA.IssueToken(context.Background(), ProviderTwitter, Identity{Subject: "123"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := issuerB.ValidateToken(token); err == nil {
		t.Fatalf("expected validation failure for foreign signature")
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("unit-secret")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := issuer.IssueToken(context.Background(), ProviderLine, Identity{}); err == nil {
		t.Fatalf("expected error for missing subject")
	}
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}
}
