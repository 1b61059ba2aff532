package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// MemoryStore is the in-memory Store used for tests and ephemeral runs.
// Every read returns a deep copy so callers can never alias stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byID     map[string]string
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		byID:     map[string]string{},
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, key string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[key]; ok {
		return session.Clone(), nil
	}
	session := newSession(key)
	m.sessions[key] = session
	m.byID[session.ID] = key
	return session.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, session *models.Session) error {
	if session == nil || session.Key == "" {
		return errInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := session.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = time.Now()
	clone.Messages = trimLog(clone.Messages, maxMessagesPerSession)

	if existing, ok := m.sessions[clone.Key]; ok && existing.ID != clone.ID {
		delete(m.byID, existing.ID)
	}
	m.sessions[clone.Key] = clone
	m.byID[clone.ID] = clone.Key

	// Reflect generated fields back to the caller.
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[key]
	if !ok {
		return ErrNotFound
	}
	delete(m.sessions, key)
	delete(m.byID, session.ID)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if opts.Agent != "" && session.AgentID != opts.Agent {
			continue
		}
		if opts.Channel != "" && session.Channel != opts.Channel {
			continue
		}
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return page(out, opts), nil
}

func (m *MemoryStore) AppendMessages(ctx context.Context, key string, msgs ...models.AgentMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[key]
	if !ok {
		return ErrNotFound
	}
	for _, msg := range msgs {
		session.Messages = append(session.Messages, msg.Clone())
	}
	session.Messages = trimLog(session.Messages, maxMessagesPerSession)
	session.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateState(ctx context.Context, key string, update func(*models.Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[key]
	if !ok {
		return ErrNotFound
	}
	clone := session.Clone()
	if err := update(clone); err != nil {
		return err
	}
	clone.Key = session.Key
	clone.ID = session.ID
	clone.CreatedAt = session.CreatedAt
	clone.UpdatedAt = time.Now()
	clone.Messages = trimLog(clone.Messages, maxMessagesPerSession)
	m.sessions[key] = clone
	return nil
}

func newSession(key string) *models.Session {
	now := time.Now()
	session := &models.Session{
		ID:        uuid.NewString(),
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if agent, channel, channelID, ok := SplitKey(key); ok {
		session.AgentID = agent
		session.Channel = channel
		session.ChannelID = channelID
	}
	return session
}

func page(sessions []*models.Session, opts ListOptions) []*models.Session {
	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start >= len(sessions) {
		return []*models.Session{}
	}
	end := len(sessions)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return sessions[start:end]
}
