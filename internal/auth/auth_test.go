package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerifyToken(t *testing.T) {
	svc := NewService(Config{JWTSecret: "test-secret", TokenExpiry: time.Hour})

	id := Identity{Subject: "op-1", Name: "Sam", Role: RoleOperator, Scopes: []string{ScopeAdmin}}
	token, err := svc.IssueOperatorToken(id)
	if err != nil {
		t.Fatalf("IssueOperatorToken() error = %v", err)
	}

	got, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if got.Subject != "op-1" || got.Role != RoleOperator || got.Name != "Sam" {
		t.Errorf("identity = %+v", got)
	}
	if !got.HasScope(ScopeAdmin) {
		t.Error("HasScope(admin) = false after round trip")
	}
}

func TestVerifyTokenRejectsTampering(t *testing.T) {
	svc := NewService(Config{JWTSecret: "test-secret", TokenExpiry: time.Hour})
	token, err := svc.IssueOperatorToken(Identity{Subject: "op-1"})
	if err != nil {
		t.Fatal(err)
	}

	other := NewService(Config{JWTSecret: "different-secret", TokenExpiry: time.Hour})
	if _, err := other.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("VerifyToken(wrong secret) = %v, want %v", err, ErrInvalidToken)
	}
	if _, err := svc.VerifyToken(token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("VerifyToken(tampered) = %v, want %v", err, ErrInvalidToken)
	}
}

func TestVerifyTokenExpiry(t *testing.T) {
	svc := NewService(Config{JWTSecret: "test-secret", TokenExpiry: -time.Minute})
	// Negative expiry issues non-expiring tokens.
	token, err := svc.IssueOperatorToken(Identity{Subject: "op-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.VerifyToken(token); err != nil {
		t.Errorf("non-expiring token = %v, want valid", err)
	}

	short := NewJWTService("test-secret", time.Millisecond)
	expired, err := short.Issue(Identity{Subject: "op-1"})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := short.Verify(expired); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(expired) = %v, want %v", err, ErrInvalidToken)
	}
}

func TestVerifySharedSecret(t *testing.T) {
	svc := NewService(Config{SharedSecret: "hunter2"})

	id, err := svc.VerifySharedSecret("hunter2")
	if err != nil {
		t.Fatalf("VerifySharedSecret() error = %v", err)
	}
	if id.Role != RoleOperator || !id.HasScope("anything") {
		t.Errorf("shared secret identity = %+v, want full operator", id)
	}

	if _, err := svc.VerifySharedSecret("wrong"); !errors.Is(err, ErrInvalidSecret) {
		t.Errorf("VerifySharedSecret(wrong) = %v, want %v", err, ErrInvalidSecret)
	}

	disabled := NewService(Config{})
	if _, err := disabled.VerifySharedSecret("hunter2"); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("disabled service = %v, want %v", err, ErrAuthDisabled)
	}
}

func TestIdentityContextRoundTrip(t *testing.T) {
	id := Identity{Subject: "op-1", Role: RoleOperator}
	ctx := WithIdentity(context.Background(), id)

	got, ok := IdentityFromContext(ctx)
	if !ok || got.Subject != "op-1" {
		t.Errorf("IdentityFromContext() = %+v, %v", got, ok)
	}
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Error("IdentityFromContext(empty) = true, want false")
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		scopes []string
		scope  string
		want   bool
	}{
		{[]string{"admin"}, "admin", true},
		{[]string{"admin"}, "write", false},
		{[]string{"*"}, "anything", true},
		{nil, "admin", false},
	}
	for _, tt := range tests {
		id := Identity{Scopes: tt.scopes}
		if got := id.HasScope(tt.scope); got != tt.want {
			t.Errorf("Identity{%v}.HasScope(%q) = %v, want %v", tt.scopes, tt.scope, got, tt.want)
		}
	}
}
