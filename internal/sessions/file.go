package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// FileStore persists one JSON document per session under a directory.
// Writes go through a temp file and rename so a crash never leaves a
// half-written session behind.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("sessions directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the backing directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) Get(ctx context.Context, key string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load(key)
}

func (f *FileStore) GetOrCreate(ctx context.Context, key string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	session, err := f.load(key)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	session = newSession(key)
	if err := f.write(session); err != nil {
		return nil, err
	}
	return session, nil
}

func (f *FileStore) Save(ctx context.Context, session *models.Session) error {
	if session == nil || session.Key == "" {
		return errInvalidSession
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	clone := session.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = time.Now()
	clone.Messages = trimLog(clone.Messages, maxMessagesPerSession)
	if err := f.write(clone); err != nil {
		return err
	}
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	return nil
}

func (f *FileStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (f *FileStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}

	out := []*models.Session{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		session, err := f.read(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			// A corrupt file must not hide the rest of the sessions.
			continue
		}
		if opts.Agent != "" && session.AgentID != opts.Agent {
			continue
		}
		if opts.Channel != "" && session.Channel != opts.Channel {
			continue
		}
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return page(out, opts), nil
}

func (f *FileStore) AppendMessages(ctx context.Context, key string, msgs ...models.AgentMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	session, err := f.load(key)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		session.Messages = append(session.Messages, msg.Clone())
	}
	session.Messages = trimLog(session.Messages, maxMessagesPerSession)
	session.UpdatedAt = time.Now()
	return f.write(session)
}

func (f *FileStore) UpdateState(ctx context.Context, key string, update func(*models.Session) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	session, err := f.load(key)
	if err != nil {
		return err
	}
	id, created := session.ID, session.CreatedAt
	if err := update(session); err != nil {
		return err
	}
	session.Key = key
	session.ID = id
	session.CreatedAt = created
	session.UpdatedAt = time.Now()
	session.Messages = trimLog(session.Messages, maxMessagesPerSession)
	return f.write(session)
}

func (f *FileStore) load(key string) (*models.Session, error) {
	return f.read(f.path(key))
}

func (f *FileStore) read(path string) (*models.Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", filepath.Base(path), err)
	}
	return &session, nil
}

func (f *FileStore) write(session *models.Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return writeFileAtomic(f.path(session.Key), data, 0o600)
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, fileNameForKey(key))
}

// fileNameForKey maps a session key to a stable filename. Unsafe runes are
// replaced and a short hash keeps distinct keys from colliding.
func fileNameForKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return fmt.Sprintf("%s-%08x.json", b.String(), h.Sum32())
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
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
