package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndGet(t *testing.T) {
	s := newTestStore(t)
	e, err := s.Add(context.Background(), Entry{
		Text:       "deploy window is friday mornings",
		SessionKey: "main:gateway:ops",
		Tags:       []string{"ops", "deploy"},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if e.ID == "" || e.Kind != KindNote {
		t.Errorf("Add() entry = %+v", e)
	}

	got, err := s.Get(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Text != e.Text || len(got.Tags) != 2 {
		t.Errorf("Get() = %+v, want %+v", got, e)
	}
}

func TestAddRejectsEmptyText(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Add(context.Background(), Entry{Text: "   "}); err == nil {
		t.Error("Add(empty) = nil, want error")
	}
}

func TestSearchMatchesSubstringCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, text := range []string{
		"The deploy window is Friday",
		"lunch menu is pizza",
		"rollback procedure for deploys",
	} {
		if _, err := s.Add(ctx, Entry{Text: text}); err != nil {
			t.Fatal(err)
		}
	}

	results, err := s.Search(ctx, "DEPLOY", SearchOptions{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search() len = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Score <= 0 {
			t.Errorf("score = %v for %q, want > 0", r.Score, r.Entry.Text)
		}
	}
}

func TestSearchRecencyBreaksTies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	if _, err := s.Add(ctx, Entry{Text: "standup notes old", CreatedAt: now.Add(-30 * 24 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(ctx, Entry{Text: "standup notes new", CreatedAt: now.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "standup", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("Search() len = %d, want 2", len(results))
	}
	if results[0].Entry.Text != "standup notes new" {
		t.Errorf("top result = %q, want the recent entry", results[0].Entry.Text)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores = %v, %v, want recent higher", results[0].Score, results[1].Score)
	}
}

func TestSearchScopesAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		key := "main:gateway:a"
		if i%2 == 0 {
			key = "main:gateway:b"
		}
		if _, err := s.Add(ctx, Entry{Text: "shared keyword", SessionKey: key}); err != nil {
			t.Fatal(err)
		}
	}

	scoped, err := s.Search(ctx, "shared", SearchOptions{SessionKey: "main:gateway:a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 2 {
		t.Errorf("scoped results = %d, want 2", len(scoped))
	}

	limited, err := s.Search(ctx, "shared", SearchOptions{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 3 {
		t.Errorf("limited results = %d, want 3", len(limited))
	}
}

func TestSearchEscapesLikeWildcards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Add(ctx, Entry{Text: "usage is 100% on node a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(ctx, Entry{Text: "usage is fine"}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "100%", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("Search(100%%) len = %d, want 1 literal match", len(results))
	}
}

func TestSyncImportsTranscript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	store := sessions.NewMemoryStore()
	key := "main:gateway:sync"
	if _, err := store.GetOrCreate(ctx, key); err != nil {
		t.Fatal(err)
	}
	msgs := []models.AgentMessage{
		{ID: "m1", Role: models.RoleUser, Content: "what is the deploy window"},
		{ID: "m2", Role: models.RoleAssistant, Content: "friday mornings"},
		{ID: "m3", Role: models.RoleSystem, Content: "system prompt, not imported"},
		{ID: "m4", Role: models.RoleToolResult, Content: "tool output, not imported"},
	}
	if err := store.AppendMessages(ctx, key, msgs...); err != nil {
		t.Fatal(err)
	}

	added, err := s.Sync(ctx, store, key)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if added != 2 {
		t.Errorf("Sync() added = %d, want 2", added)
	}

	// Second sync is a no-op; only new messages import.
	if err := store.AppendMessages(ctx, key, models.AgentMessage{
		ID: "m5", Role: models.RoleUser, Content: "thanks",
	}); err != nil {
		t.Fatal(err)
	}
	added, err = s.Sync(ctx, store, key)
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("second Sync() added = %d, want 1", added)
	}

	results, err := s.Search(ctx, "deploy window", SearchOptions{Kind: KindTranscript})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Entry.SessionKey != key {
		t.Errorf("transcript search = %+v", results)
	}
}

func TestDeleteAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e, err := s.Add(ctx, Entry{Text: "temporary"})
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	if err := s.Delete(ctx, e.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("Count() after delete = %d, want 0", n)
	}
}
