package devices

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MaxSignatureAge bounds how old a signed request may be.
	MaxSignatureAge = 300 * time.Second
	// MaxClockSkew tolerates devices whose clock runs ahead of ours.
	MaxClockSkew = 60 * time.Second
)

var (
	ErrSignatureExpired = errors.New("device signature outside accepted window")
	ErrBadSignature     = errors.New("device signature mismatch")
	ErrNonceReplayed    = errors.New("device nonce already used")
)

// SignPayload builds the canonical string a device signs. signedAt is
// unix milliseconds.
func SignPayload(deviceID string, signedAt int64, nonce string) string {
	return fmt.Sprintf("%s|%d|%s", deviceID, signedAt, nonce)
}

// Sign computes the hex HMAC-SHA256 a device produces over the
// canonical payload with its token as the key. Exported for clients and
// tests.
func Sign(token, deviceID string, signedAt int64, nonce string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(SignPayload(deviceID, signedAt, nonce)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signed device request: the device exists and
// is not revoked, signedAt falls inside the freshness window, the nonce
// has not been seen before, and the HMAC matches the device token.
func (s *Store) VerifySignature(deviceID string, signedAt int64, nonce, signature string) (*Device, error) {
	nonce = strings.TrimSpace(nonce)
	if nonce == "" {
		return nil, errors.New("nonce is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.loadDevicesLocked()
	if err != nil {
		return nil, err
	}
	dev, ok := devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	if dev.Revoked {
		return nil, ErrDeviceRevoked
	}

	now := s.now()
	at := time.UnixMilli(signedAt)
	if now.Sub(at) > MaxSignatureAge || at.Sub(now) > MaxClockSkew {
		return nil, ErrSignatureExpired
	}

	s.pruneNoncesLocked(now)
	key := deviceID + "|" + nonce
	if _, seen := s.nonces[key]; seen {
		return nil, ErrNonceReplayed
	}

	want := Sign(dev.Token, deviceID, signedAt, nonce)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return nil, ErrBadSignature
	}

	// Remember the nonce for as long as a signature bearing it could
	// still be inside the acceptance window.
	s.nonces[key] = at.Add(MaxSignatureAge + MaxClockSkew)
	dev.LastSeen = now
	if err := s.writeDevicesLocked(devices); err != nil {
		return nil, err
	}
	return dev.clone(), nil
}

func (s *Store) pruneNoncesLocked(now time.Time) {
	for key, expires := range s.nonces {
		if expires.Before(now) {
			delete(s.nonces, key)
		}
	}
}
