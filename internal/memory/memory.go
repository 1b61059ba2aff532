// Package memory is a small durable note store behind the gateway's
// memory.search/add/sync methods. Entries live in a single sqlite
// database; search is substring matching with a recency-weighted score.
// No embeddings, deliberately.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// Kind classifies an entry.
type Kind string

const (
	// KindNote is an operator- or agent-authored fact.
	KindNote Kind = "note"
	// KindTranscript is a message imported from a session log.
	KindTranscript Kind = "transcript"
)

// Entry is one stored memory.
type Entry struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key,omitempty"`
	Kind       Kind      `json:"kind"`
	Text       string    `json:"text"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SearchResult pairs an entry with its score.
type SearchResult struct {
	Entry Entry   `json:"entry"`
	Score float64 `json:"score"`
}

// Store is the sqlite-backed memory store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("memory database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	// Single writer; sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: time.Now}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			session_key TEXT,
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			tags TEXT,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create entries table: %w", err)
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_key)",
		"CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at)",
	} {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores one entry, assigning id and timestamp when absent.
func (s *Store) Add(ctx context.Context, e Entry) (Entry, error) {
	if strings.TrimSpace(e.Text) == "" {
		return Entry{}, errors.New("entry text is required")
	}
	if e.ID == "" {
		e.ID = "mem_" + uuid.NewString()
	}
	if e.Kind == "" {
		e.Kind = KindNote
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO entries (id, session_key, kind, text, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.SessionKey, string(e.Kind), e.Text, strings.Join(e.Tags, ","), e.CreatedAt.UnixMilli())
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	return e, nil
}

// SearchOptions narrows a search.
type SearchOptions struct {
	SessionKey string
	Kind       Kind
	Limit      int
}

// halfLife controls how fast recency decays an entry's score.
const halfLife = 7 * 24 * time.Hour

// Search finds entries whose text contains the query, case-insensitive,
// scored by match strength and recency.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("search query is required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"text LIKE ? ESCAPE '\\'"}
	args := []any{"%" + escapeLike(query) + "%"}
	if opts.SessionKey != "" {
		where = append(where, "session_key = ?")
		args = append(args, opts.SessionKey)
	}
	if opts.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(opts.Kind))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, kind, text, tags, created_at
		FROM entries WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC LIMIT 500
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var results []SearchResult
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Entry: e, Score: score(e, query, now)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// score combines match strength with exponential recency decay.
func score(e Entry, query string, now time.Time) float64 {
	text := strings.ToLower(e.Text)
	q := strings.ToLower(query)

	base := 0.5
	switch {
	case text == q:
		base = 1.0
	case strings.HasPrefix(text, q):
		base = 0.8
	}
	// Repeated hits raise the score a little.
	if n := strings.Count(text, q); n > 1 {
		base += 0.05 * float64(n-1)
		if base > 1.0 {
			base = 1.0
		}
	}

	age := now.Sub(e.CreatedAt)
	if age < 0 {
		age = 0
	}
	decay := 1.0
	for age >= halfLife {
		decay /= 2
		age -= halfLife
	}
	return base * decay
}

// Get returns one entry by id.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_key, kind, text, tags, created_at
		FROM entries WHERE id = ?
	`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("memory entry %s not found", id)
	}
	return e, err
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	return err
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&n)
	return n, err
}

// Sync imports a session's user and assistant messages as transcript
// entries. Message ids key the import, so re-running a sync only adds
// what is new. Returns the number of entries added.
func (s *Store) Sync(ctx context.Context, store sessions.Store, sessionKey string) (int, error) {
	session, err := store.Get(ctx, sessionKey)
	if err != nil {
		return 0, fmt.Errorf("load session %s: %w", sessionKey, err)
	}

	added := 0
	for _, msg := range session.Messages {
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			continue
		}
		if strings.TrimSpace(msg.Content) == "" || msg.ID == "" {
			continue
		}
		id := "mem_sync_" + msg.ID
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM entries WHERE id = ?", id).Scan(&exists); err != nil {
			return added, err
		}
		if exists > 0 {
			continue
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = s.now()
		}
		if _, err := s.Add(ctx, Entry{
			ID:         id,
			SessionKey: sessionKey,
			Kind:       KindTranscript,
			Text:       msg.Content,
			Tags:       []string{string(msg.Role)},
			CreatedAt:  createdAt,
		}); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var kind, tags string
	var createdMs int64
	if err := row.Scan(&e.ID, &e.SessionKey, &kind, &e.Text, &tags, &createdMs); err != nil {
		return Entry{}, err
	}
	e.Kind = Kind(kind)
	if tags != "" {
		e.Tags = strings.Split(tags, ",")
	}
	e.CreatedAt = time.UnixMilli(createdMs)
	return e, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
