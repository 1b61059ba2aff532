package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func TestKeyRoundTrip(t *testing.T) {
	key := Key("main", models.ChannelTelegram, "chat-42")
	if key != "main:telegram:chat-42" {
		t.Fatalf("Key = %q", key)
	}

	agent, channel, channelID, ok := SplitKey(key)
	if !ok {
		t.Fatal("SplitKey should parse a canonical key")
	}
	if agent != "main" || channel != models.ChannelTelegram || channelID != "chat-42" {
		t.Errorf("SplitKey = %q %q %q", agent, channel, channelID)
	}
}

func TestSplitKeyNonCanonical(t *testing.T) {
	if _, _, _, ok := SplitKey("just-a-name"); ok {
		t.Error("non-canonical key should not parse")
	}

	// Channel IDs may themselves contain colons.
	_, _, channelID, ok := SplitKey("main:discord:guild:123")
	if !ok || channelID != "guild:123" {
		t.Errorf("channelID = %q ok=%v", channelID, ok)
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a, err := store.GetOrCreate(ctx, "main:telegram:alpha")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetOrCreate(ctx, "main:telegram:beta"); err != nil {
		t.Fatal(err)
	}

	got, err := Resolve(ctx, store, "main:telegram:alpha")
	if err != nil || got.Key != "main:telegram:alpha" {
		t.Errorf("exact key resolve: %v %v", got, err)
	}

	got, err = Resolve(ctx, store, a.ID)
	if err != nil || got.Key != "main:telegram:alpha" {
		t.Errorf("id resolve: %v %v", got, err)
	}

	got, err = Resolve(ctx, store, "main:telegram:a")
	if err != nil || got.Key != "main:telegram:alpha" {
		t.Errorf("prefix resolve: %v %v", got, err)
	}

	if _, err = Resolve(ctx, store, "main:telegram:"); err == nil {
		t.Error("ambiguous prefix should fail")
	}
	if _, err = Resolve(ctx, store, "nope"); err == nil {
		t.Error("unknown reference should fail")
	}
}

func TestTrimLogPreservesSystemHead(t *testing.T) {
	msgs := []models.AgentMessage{
		models.NewSystemMessage("sys-1"),
		models.NewSystemMessage("sys-2"),
	}
	for i := 0; i < 10; i++ {
		msgs = append(msgs, models.NewUserMessage("u"))
	}

	trimmed := trimLog(msgs, 6)
	if len(trimmed) != 6 {
		t.Fatalf("len = %d, want 6", len(trimmed))
	}
	if trimmed[0].Content != "sys-1" || trimmed[1].Content != "sys-2" {
		t.Error("system head should survive trimming")
	}
	if trimmed[2].Role != models.RoleUser {
		t.Errorf("trimmed[2].Role = %s", trimmed[2].Role)
	}
}

func TestTrimLogNoop(t *testing.T) {
	msgs := []models.AgentMessage{models.NewUserMessage("hi")}
	if got := trimLog(msgs, 10); len(got) != 1 {
		t.Errorf("len = %d", len(got))
	}
	if got := trimLog(msgs, 0); len(got) != 1 {
		t.Errorf("unlimited trim changed log: %d", len(got))
	}
}

// storeConformance runs the behavior shared by all Store backends.
func storeConformance(t *testing.T, store Store) {
	ctx := context.Background()
	key := "main:telegram:chat-1"

	if _, err := store.Get(ctx, key); err != ErrNotFound {
		t.Fatalf("Get on empty store = %v, want ErrNotFound", err)
	}

	created, err := store.GetOrCreate(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if created.Key != key || created.ID == "" {
		t.Fatalf("created = %+v", created)
	}
	if created.AgentID != "main" || created.Channel != models.ChannelTelegram || created.ChannelID != "chat-1" {
		t.Errorf("key fields not derived: %+v", created)
	}

	again, err := store.GetOrCreate(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreate twice: %v", err)
	}
	if again.ID != created.ID {
		t.Error("GetOrCreate should return the existing session")
	}

	created.Title = "greeting"
	created.Model = "scripted/test"
	created.Thinking = models.ThinkingLow
	created.TurnCount = 2
	created.Messages = []models.AgentMessage{
		models.NewSystemMessage("be brief"),
		models.NewUserMessage("hello"),
		models.NewAssistantMessage("hi", nil),
	}
	created.IsStreaming = true
	if err := store.Save(ctx, created); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after save: %v", err)
	}
	if loaded.Title != "greeting" || loaded.Model != "scripted/test" || loaded.Thinking != models.ThinkingLow {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.TurnCount != 2 || len(loaded.Messages) != 3 {
		t.Errorf("turn_count=%d messages=%d", loaded.TurnCount, len(loaded.Messages))
	}
	if loaded.IsStreaming {
		t.Error("ephemeral stream state must not persist")
	}

	if err := store.AppendMessages(ctx, key, models.NewUserMessage("follow-up")); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	loaded, err = store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 4 || loaded.Messages[3].Content != "follow-up" {
		t.Errorf("messages after append = %d", len(loaded.Messages))
	}

	if err := store.UpdateState(ctx, key, func(s *models.Session) error {
		s.Title = "patched"
		return nil
	}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	loaded, _ = store.Get(ctx, key)
	if loaded.Title != "patched" {
		t.Errorf("Title = %q after UpdateState", loaded.Title)
	}

	if _, err := store.GetOrCreate(ctx, "main:discord:chat-2"); err != nil {
		t.Fatal(err)
	}
	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List len = %d, want 2", len(all))
	}
	discordOnly, err := store.List(ctx, ListOptions{Channel: models.ChannelDiscord})
	if err != nil {
		t.Fatal(err)
	}
	if len(discordOnly) != 1 || discordOnly[0].Channel != models.ChannelDiscord {
		t.Errorf("filtered list = %v", discordOnly)
	}
	limited, err := store.List(ctx, ListOptions{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limited list len = %d", len(limited))
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, key); err != ErrNotFound {
		t.Errorf("Get after delete = %v", err)
	}
	if err := store.Delete(ctx, key); err != ErrNotFound {
		t.Errorf("double delete = %v", err)
	}
}

func TestMemoryStoreConformance(t *testing.T) {
	storeConformance(t, NewMemoryStore())
}

func TestMemoryStoreCloneOnRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	session, err := store.GetOrCreate(ctx, "main:telegram:chat-9")
	if err != nil {
		t.Fatal(err)
	}
	session.Messages = append(session.Messages, models.NewUserMessage("one"))
	if err := store.Save(ctx, session); err != nil {
		t.Fatal(err)
	}

	loaded, _ := store.Get(ctx, "main:telegram:chat-9")
	loaded.Messages[0].Content = "mutated"
	loaded.Title = "mutated"

	fresh, _ := store.Get(ctx, "main:telegram:chat-9")
	if fresh.Messages[0].Content != "one" || fresh.Title != "" {
		t.Error("mutating a read result leaked into the store")
	}
}

func TestMemoryStoreUpdateStateRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.GetOrCreate(ctx, "k:telegram:1"); err != nil {
		t.Fatal(err)
	}

	sentinel := context.Canceled
	err := store.UpdateState(ctx, "k:telegram:1", func(s *models.Session) error {
		s.Title = "should not stick"
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("UpdateState error = %v", err)
	}
	session, _ := store.Get(ctx, "k:telegram:1")
	if session.Title != "" {
		t.Error("failed update must not mutate the session")
	}
}

func TestMemoryStoreListOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, _ := store.GetOrCreate(ctx, "a:telegram:1")
	second, _ := store.GetOrCreate(ctx, "b:telegram:2")

	// Save refreshes UpdatedAt, so order by touching the newer one last.
	if err := store.Save(ctx, first); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := store.Save(ctx, second); err != nil {
		t.Fatal(err)
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Key != "b:telegram:2" {
		t.Errorf("order = %v", []string{all[0].Key, all[1].Key})
	}
}
