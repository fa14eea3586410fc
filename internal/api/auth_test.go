package api

import (
	"errors"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	s := NewTokenService("secret", time.Hour)

	token, err := s.GenerateToken("7", "dina", "cashier")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := s.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "7" || claims.Username != "dina" || claims.Role != "cashier" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestGenerateTokenRejectsUnknownRole(t *testing.T) {
	s := NewTokenService("secret", 0)
	if _, err := s.GenerateToken("1", "x", "owner"); err == nil {
		t.Fatal("expected unknown role to be rejected")
	}
	if s.expiration != DefaultTokenExpiration {
		t.Fatalf("expiration = %v, want default", s.expiration)
	}
}

func TestValidateTokenFailures(t *testing.T) {
	issued := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	s := NewTokenService("secret", time.Hour)
	s.now = func() time.Time { return issued }

	token, err := s.GenerateToken("1", "ana", "admin")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	tests := []struct {
		name  string
		svc   *TokenService
		token string
	}{
		{"garbage", s, "not-a-token"},
		{"wrong secret", &TokenService{secret: []byte("other"), expiration: time.Hour, now: s.now}, token},
		{"expired", &TokenService{secret: []byte("secret"), expiration: time.Hour, now: func() time.Time { return issued.Add(2 * time.Hour) }}, token},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.svc.ValidateToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestRateLimiterPerKey(t *testing.T) {
	l := NewRateLimiter(0.001, 1)
	if !l.Allow("10.0.0.1") {
		t.Fatal("first request should pass")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("second request should be limited")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("other clients have their own bucket")
	}
}
