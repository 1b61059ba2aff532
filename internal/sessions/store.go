package sessions

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrNotFound is returned when a session key does not exist.
var ErrNotFound = errors.New("session not found")

var errInvalidSession = errors.New("session key is required")

// Store is the interface for session persistence. Sessions carry their
// message log inline; implementations persist at turn boundaries, never
// mid-stream. Ephemeral stream state is dropped on save and absent on load.
type Store interface {
	// Get returns the session for a key, or ErrNotFound.
	Get(ctx context.Context, key string) (*models.Session, error)

	// GetOrCreate returns the session for a key, creating an empty one
	// when the key is new. Agent, channel, and channel ID are derived
	// from the key when it follows the <agent>:<channel>:<id> form.
	GetOrCreate(ctx context.Context, key string) (*models.Session, error)

	// Save persists the full session state.
	Save(ctx context.Context, session *models.Session) error

	// Delete removes a session and its history.
	Delete(ctx context.Context, key string) error

	// List returns sessions matching the options, most recently
	// updated first.
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	// AppendMessages adds messages to a session's log without touching
	// the rest of its state.
	AppendMessages(ctx context.Context, key string, msgs ...models.AgentMessage) error

	// UpdateState applies a mutation to the session under the store's
	// lock. The update sees a copy; returning an error discards it.
	UpdateState(ctx context.Context, key string, update func(*models.Session) error) error
}

// ListOptions configures session listing.
type ListOptions struct {
	Agent   string
	Channel models.ChannelType
	Limit   int
	Offset  int
}

// maxMessagesPerSession caps the stored log. Compaction keeps transcripts
// well below this; the cap is the backstop against unbounded growth.
const maxMessagesPerSession = 1000

// Key builds the canonical session key.
func Key(agent string, channel models.ChannelType, channelID string) string {
	return agent + ":" + string(channel) + ":" + channelID
}

// SplitKey breaks a canonical key into its parts. Keys that do not follow
// the canonical form return ok=false with best-effort fields.
func SplitKey(key string) (agent string, channel models.ChannelType, channelID string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return key, "", "", false
	}
	return parts[0], models.ChannelType(parts[1]), parts[2], true
}

// Resolve maps a session reference to a stored session. The reference may
// be an exact key, an exact session ID, or an unambiguous key prefix.
func Resolve(ctx context.Context, store Store, ref string) (*models.Session, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrNotFound
	}
	if session, err := store.Get(ctx, ref); err == nil {
		return session, nil
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		return nil, err
	}
	for _, session := range all {
		if session.ID == ref {
			return session, nil
		}
	}
	var match *models.Session
	for _, session := range all {
		if strings.HasPrefix(session.Key, ref) {
			if match != nil {
				return nil, errors.New("session reference is ambiguous: " + ref)
			}
			match = session
		}
	}
	if match == nil {
		return nil, ErrNotFound
	}
	return match, nil
}

// trimLog drops the oldest non-system messages once a log exceeds max.
// System messages at the head of the log always survive.
func trimLog(msgs []models.AgentMessage, max int) []models.AgentMessage {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	head := 0
	for head < len(msgs) && msgs[head].Role == models.RoleSystem {
		head++
	}
	excess := len(msgs) - max
	if head+excess > len(msgs) {
		excess = len(msgs) - head
	}
	out := make([]models.AgentMessage, 0, len(msgs)-excess)
	out = append(out, msgs[:head]...)
	out = append(out, msgs[head+excess:]...)
	return out
}
