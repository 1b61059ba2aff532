// Package devices tracks paired devices: pairing codes, bearer tokens,
// and HMAC request signatures. State lives in JSON files under the
// workspace credentials directory.
package devices

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// CodeLength is the pairing code length.
	CodeLength = 8
	// CodeTTL is how long a pairing code stays redeemable.
	CodeTTL = time.Hour
	// TokenBytes is the raw size of an issued device token.
	TokenBytes = 32

	devicesFileName = "devices.json"
	pendingFileName = "device-pairing.json"
)

var (
	ErrCodeNotFound   = errors.New("pairing code not found")
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceRevoked  = errors.New("device revoked")
	ErrTokenMismatch  = errors.New("device token mismatch")
)

// Device is one paired device and its current token.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Token     string    `json:"token,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
	PairedAt  time.Time `json:"paired_at"`
	RotatedAt time.Time `json:"rotated_at,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	Revoked   bool      `json:"revoked,omitempty"`
}

func (d *Device) clone() *Device {
	c := *d
	c.Scopes = append([]string(nil), d.Scopes...)
	return &c
}

// PairRequest is a pending pairing attempt awaiting operator approval.
type PairRequest struct {
	Code        string    `json:"code"`
	DeviceID    string    `json:"device_id"`
	DeviceName  string    `json:"device_name,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store is the file-backed device registry.
type Store struct {
	stateDir string
	now      func() time.Time
	rand     io.Reader

	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewStore creates a registry rooted at stateDir.
func NewStore(stateDir string) (*Store, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, errors.New("state directory is required")
	}
	return &Store{
		stateDir: stateDir,
		now:      time.Now,
		rand:     rand.Reader,
		nonces:   make(map[string]time.Time),
	}, nil
}

// BeginPairing returns a pairing code for the device, reusing an
// unexpired pending request when one exists. created reports whether a
// new code was minted.
func (s *Store) BeginPairing(deviceID, deviceName string) (PairRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return PairRequest{}, false, errors.New("device id is required")
	}

	pending, err := s.loadPendingLocked()
	if err != nil {
		return PairRequest{}, false, err
	}

	now := s.now()
	for _, req := range pending {
		if req.DeviceID == deviceID && req.ExpiresAt.After(now) {
			return req, false, nil
		}
	}

	existing := map[string]struct{}{}
	for _, req := range pending {
		existing[req.Code] = struct{}{}
	}
	code, err := s.generateCode(existing)
	if err != nil {
		return PairRequest{}, false, err
	}

	req := PairRequest{
		Code:        code,
		DeviceID:    deviceID,
		DeviceName:  strings.TrimSpace(deviceName),
		RequestedAt: now,
		ExpiresAt:   now.Add(CodeTTL),
	}
	pending = append(pending, req)
	if err := s.writeJSONLocked(s.pendingPath(), pending); err != nil {
		return PairRequest{}, false, err
	}
	return req, true, nil
}

// Pending lists unexpired pairing requests.
func (s *Store) Pending() ([]PairRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadPendingLocked()
}

// Approve redeems a pairing code, registers the device, and issues its
// first token.
func (s *Store) Approve(code string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, pending, err := s.takePendingLocked(code)
	if err != nil {
		return nil, err
	}

	devices, err := s.loadDevicesLocked()
	if err != nil {
		return nil, err
	}
	token, err := s.generateToken()
	if err != nil {
		return nil, err
	}
	dev := &Device{
		ID:       req.DeviceID,
		Name:     req.DeviceName,
		Token:    token,
		PairedAt: s.now(),
	}
	devices[dev.ID] = dev
	if err := s.writeDevicesLocked(devices); err != nil {
		return nil, err
	}
	if err := s.writeJSONLocked(s.pendingPath(), pending); err != nil {
		return nil, err
	}
	return dev.clone(), nil
}

// Reject discards a pending pairing request.
func (s *Store) Reject(code string) (PairRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, pending, err := s.takePendingLocked(code)
	if err != nil {
		return PairRequest{}, err
	}
	if err := s.writeJSONLocked(s.pendingPath(), pending); err != nil {
		return PairRequest{}, err
	}
	return req, nil
}

// takePendingLocked removes one request by code and returns the rest.
func (s *Store) takePendingLocked(code string) (PairRequest, []PairRequest, error) {
	code = normalizeCode(code)
	if code == "" {
		return PairRequest{}, nil, ErrCodeNotFound
	}
	pending, err := s.loadPendingLocked()
	if err != nil {
		return PairRequest{}, nil, err
	}
	for i, req := range pending {
		if normalizeCode(req.Code) == code {
			return req, append(pending[:i], pending[i+1:]...), nil
		}
	}
	return PairRequest{}, nil, ErrCodeNotFound
}

// Get returns one device by id.
func (s *Store) Get(deviceID string) (*Device, error) {
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
	return dev.clone(), nil
}

// List returns all devices sorted by id.
func (s *Store) List() ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.loadDevicesLocked()
	if err != nil {
		return nil, err
	}
	out := make([]*Device, 0, len(devices))
	for _, dev := range devices {
		out = append(out, dev.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RotateToken replaces a device's token. The old token stops verifying
// immediately.
func (s *Store) RotateToken(deviceID string) (*Device, error) {
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
	token, err := s.generateToken()
	if err != nil {
		return nil, err
	}
	dev.Token = token
	dev.RotatedAt = s.now()
	if err := s.writeDevicesLocked(devices); err != nil {
		return nil, err
	}
	return dev.clone(), nil
}

// Revoke disables a device and clears its token.
func (s *Store) Revoke(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.loadDevicesLocked()
	if err != nil {
		return err
	}
	dev, ok := devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	dev.Revoked = true
	dev.Token = ""
	return s.writeDevicesLocked(devices)
}

// VerifyToken checks a presented bearer token in constant time and
// records last_seen on success.
func (s *Store) VerifyToken(deviceID, token string) (*Device, error) {
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
	if subtle.ConstantTimeCompare([]byte(dev.Token), []byte(token)) != 1 {
		return nil, ErrTokenMismatch
	}
	dev.LastSeen = s.now()
	if err := s.writeDevicesLocked(devices); err != nil {
		return nil, err
	}
	return dev.clone(), nil
}

func (s *Store) generateToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return "", fmt.Errorf("generate device token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *Store) generateCode(existing map[string]struct{}) (string, error) {
	for i := 0; i < 20; i++ {
		code, err := randomCode(s.rand, CodeLength)
		if err != nil {
			return "", err
		}
		if _, ok := existing[code]; ok {
			continue
		}
		return code, nil
	}
	return "", errors.New("failed to generate unique pairing code")
}

// randomCode draws from an alphabet without 0/O/1/I so codes survive
// being read aloud.
func randomCode(r io.Reader, length int) (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i := range buf {
		out[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return string(out), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *Store) credentialsDir() string {
	return filepath.Join(s.stateDir, "credentials")
}

func (s *Store) devicesPath() string {
	return filepath.Join(s.credentialsDir(), devicesFileName)
}

func (s *Store) pendingPath() string {
	return filepath.Join(s.credentialsDir(), pendingFileName)
}

func (s *Store) loadDevicesLocked() (map[string]*Device, error) {
	data, err := os.ReadFile(s.devicesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Device{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return map[string]*Device{}, nil
	}
	var list []*Device
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode devices file: %w", err)
	}
	devices := make(map[string]*Device, len(list))
	for _, dev := range list {
		if dev == nil || dev.ID == "" {
			continue
		}
		devices[dev.ID] = dev
	}
	return devices, nil
}

func (s *Store) writeDevicesLocked(devices map[string]*Device) error {
	list := make([]*Device, 0, len(devices))
	for _, dev := range devices {
		list = append(list, dev)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return s.writeJSONLocked(s.devicesPath(), list)
}

// loadPendingLocked drops expired or malformed requests, rewriting the
// file when anything was pruned.
func (s *Store) loadPendingLocked() ([]PairRequest, error) {
	path := s.pendingPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []PairRequest{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return []PairRequest{}, nil
	}
	var pending []PairRequest
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("decode pairing file: %w", err)
	}
	filtered := pending[:0]
	now := s.now()
	for _, req := range pending {
		if req.Code == "" || req.DeviceID == "" {
			continue
		}
		if req.ExpiresAt.After(now) {
			req.Code = normalizeCode(req.Code)
			filtered = append(filtered, req)
		}
	}
	if len(filtered) != len(pending) {
		if err := s.writeJSONLocked(path, filtered); err != nil {
			return nil, err
		}
	}
	return filtered, nil
}

func (s *Store) writeJSONLocked(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
