package devices

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPairingApproveIssuesToken(t *testing.T) {
	s := newTestStore(t)

	req, created, err := s.BeginPairing("dev-1", "kitchen display")
	if err != nil {
		t.Fatalf("BeginPairing() error = %v", err)
	}
	if !created {
		t.Error("created = false for first request")
	}
	if len(req.Code) != CodeLength {
		t.Errorf("code length = %d, want %d", len(req.Code), CodeLength)
	}
	if strings.ContainsAny(req.Code, "01IO") {
		t.Errorf("code %q uses ambiguous characters", req.Code)
	}

	// Same device re-pairing reuses the outstanding code.
	again, created, err := s.BeginPairing("dev-1", "kitchen display")
	if err != nil {
		t.Fatal(err)
	}
	if created || again.Code != req.Code {
		t.Errorf("second request = %+v created=%v, want reused code", again, created)
	}

	dev, err := s.Approve(strings.ToLower(req.Code))
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if dev.ID != "dev-1" || dev.Token == "" {
		t.Errorf("approved device = %+v, want id + token", dev)
	}

	pending, err := s.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending() after approve = %v, want empty", pending)
	}
	if _, err := s.Approve(req.Code); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("Approve() twice = %v, want %v", err, ErrCodeNotFound)
	}
}

func TestPairingRejectAndExpiry(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	req, _, err := s.BeginPairing("dev-2", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reject(req.Code); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if _, err := s.Get("dev-2"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() after reject = %v, want %v", err, ErrDeviceNotFound)
	}

	expired, _, err := s.BeginPairing("dev-3", "")
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(CodeTTL + time.Minute)
	if _, err := s.Approve(expired.Code); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("Approve(expired) = %v, want %v", err, ErrCodeNotFound)
	}
}

func TestTokenVerifyRotateRevoke(t *testing.T) {
	s := newTestStore(t)
	req, _, err := s.BeginPairing("dev-1", "")
	if err != nil {
		t.Fatal(err)
	}
	dev, err := s.Approve(req.Code)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.VerifyToken("dev-1", dev.Token); err != nil {
		t.Errorf("VerifyToken() = %v, want nil", err)
	}
	if _, err := s.VerifyToken("dev-1", "wrong"); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("VerifyToken(wrong) = %v, want %v", err, ErrTokenMismatch)
	}

	rotated, err := s.RotateToken("dev-1")
	if err != nil {
		t.Fatalf("RotateToken() error = %v", err)
	}
	if rotated.Token == dev.Token {
		t.Error("RotateToken() kept the old token")
	}
	if _, err := s.VerifyToken("dev-1", dev.Token); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("old token after rotate = %v, want %v", err, ErrTokenMismatch)
	}
	if _, err := s.VerifyToken("dev-1", rotated.Token); err != nil {
		t.Errorf("new token after rotate = %v, want nil", err)
	}

	if err := s.Revoke("dev-1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, err := s.VerifyToken("dev-1", rotated.Token); !errors.Is(err, ErrDeviceRevoked) {
		t.Errorf("VerifyToken(revoked) = %v, want %v", err, ErrDeviceRevoked)
	}
	if _, err := s.RotateToken("dev-1"); !errors.Is(err, ErrDeviceRevoked) {
		t.Errorf("RotateToken(revoked) = %v, want %v", err, ErrDeviceRevoked)
	}
}

func TestStoreSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	req, _, err := s.BeginPairing("dev-1", "laptop")
	if err != nil {
		t.Fatal(err)
	}
	dev, err := s.Approve(req.Code)
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.Get("dev-1")
	if err != nil {
		t.Fatalf("Get() after reload = %v", err)
	}
	if got.Token != dev.Token || got.Name != "laptop" {
		t.Errorf("reloaded device = %+v, want %+v", got, dev)
	}
}

func TestVerifySignatureWindows(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	req, _, err := s.BeginPairing("dev-1", "")
	if err != nil {
		t.Fatal(err)
	}
	dev, err := s.Approve(req.Code)
	if err != nil {
		t.Fatal(err)
	}

	sign := func(at time.Time, nonce string) (int64, string) {
		ms := at.UnixMilli()
		return ms, Sign(dev.Token, "dev-1", ms, nonce)
	}

	tests := []struct {
		name     string
		signedAt time.Time
		wantErr  error
	}{
		{"fresh", now.Add(-time.Second), nil},
		{"at max age", now.Add(-MaxSignatureAge + time.Second), nil},
		{"too old", now.Add(-MaxSignatureAge - time.Second), ErrSignatureExpired},
		{"slight future skew", now.Add(30 * time.Second), nil},
		{"too far future", now.Add(MaxClockSkew + time.Second), ErrSignatureExpired},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nonce := string(rune('a' + i))
			ms, sig := sign(tt.signedAt, nonce)
			_, err := s.VerifySignature("dev-1", ms, nonce, sig)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifySignature() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifySignatureRejectsReplayAndForgery(t *testing.T) {
	s := newTestStore(t)
	req, _, err := s.BeginPairing("dev-1", "")
	if err != nil {
		t.Fatal(err)
	}
	dev, err := s.Approve(req.Code)
	if err != nil {
		t.Fatal(err)
	}

	ms := time.Now().UnixMilli()
	sig := Sign(dev.Token, "dev-1", ms, "nonce-1")
	if _, err := s.VerifySignature("dev-1", ms, "nonce-1", sig); err != nil {
		t.Fatalf("first VerifySignature() = %v", err)
	}
	if _, err := s.VerifySignature("dev-1", ms, "nonce-1", sig); !errors.Is(err, ErrNonceReplayed) {
		t.Errorf("replay = %v, want %v", err, ErrNonceReplayed)
	}

	forged := Sign("not-the-token", "dev-1", ms, "nonce-2")
	if _, err := s.VerifySignature("dev-1", ms, "nonce-2", forged); !errors.Is(err, ErrBadSignature) {
		t.Errorf("forged signature = %v, want %v", err, ErrBadSignature)
	}
	if _, err := s.VerifySignature("dev-9", ms, "nonce-3", sig); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("unknown device = %v, want %v", err, ErrDeviceNotFound)
	}
}
