package sessions

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func TestFileStoreConformance(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	storeConformance(t, store)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	session, err := store.GetOrCreate(ctx, "main:telegram:chat-7")
	if err != nil {
		t.Fatal(err)
	}
	session.Messages = []models.AgentMessage{
		models.NewUserMessage("persisted"),
	}
	session.TurnCount = 1
	if err := store.Save(ctx, session); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := reopened.Get(ctx, "main:telegram:chat-7")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if loaded.ID != session.ID || loaded.TurnCount != 1 {
		t.Errorf("loaded = %+v", loaded)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "persisted" {
		t.Errorf("messages = %v", loaded.Messages)
	}
}

func TestFileStoreNoTempLeftovers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		session, err := store.GetOrCreate(ctx, "main:telegram:chat-1")
		if err != nil {
			t.Fatal(err)
		}
		session.Messages = append(session.Messages, models.NewUserMessage("x"))
		if err := store.Save(ctx, session); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
}

func TestFileStoreIgnoresCorruptFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetOrCreate(ctx, "main:telegram:good"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List with corrupt file: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("List len = %d, want 1", len(all))
	}
}

func TestFileNameForKey(t *testing.T) {
	a := fileNameForKey("main:telegram:chat/1")
	b := fileNameForKey("main:telegram:chat_1")
	if a == b {
		t.Error("distinct keys must map to distinct filenames")
	}
	if strings.ContainsAny(a, "/:") {
		t.Errorf("unsafe runes in filename: %q", a)
	}
	if !strings.HasSuffix(a, ".json") {
		t.Errorf("filename = %q", a)
	}
	if fileNameForKey("same") != fileNameForKey("same") {
		t.Error("filenames must be stable")
	}
}
