package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/relay/pkg/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock.ExpectPrepare("SELECT key, id, agent_id")
	mock.ExpectPrepare("INSERT INTO sessions")
	mock.ExpectPrepare("DELETE FROM sessions")
	mock.ExpectPrepare("UPDATE sessions SET messages")

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		t.Fatalf("prepare statements: %v", err)
	}
	return store, mock
}

func sessionColumns() []string {
	return []string{
		"key", "id", "agent_id", "channel", "channel_id", "title", "model",
		"thinking", "turn_count", "messages", "metadata", "created_at", "updated_at",
	}
}

func sessionRow(key, id string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(sessionColumns()).AddRow(
		key, id, "main", "telegram", "chat-1", "title", "model-x", "low", 3,
		[]byte(`[{"role":"user","content":"hi"}]`), []byte(`{"source":"test"}`),
		now, now,
	)
}

func TestPostgresGet(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT key, id, agent_id").
		WithArgs("main:telegram:chat-1").
		WillReturnRows(sessionRow("main:telegram:chat-1", "sess-1"))

	session, err := store.Get(context.Background(), "main:telegram:chat-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if session.ID != "sess-1" || session.TurnCount != 3 || session.Thinking != models.ThinkingLow {
		t.Errorf("session = %+v", session)
	}
	if len(session.Messages) != 1 || session.Messages[0].Content != "hi" {
		t.Errorf("messages = %v", session.Messages)
	}
	if session.Metadata["source"] != "test" {
		t.Errorf("metadata = %v", session.Metadata)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT key, id, agent_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sessionColumns()))

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresSave(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(
			"main:telegram:chat-1",
			sqlmock.AnyArg(), // id
			"main",
			models.ChannelTelegram,
			"chat-1",
			"greeting",
			"model-x",
			models.ThinkingLow,
			2,
			sqlmock.AnyArg(), // messages JSON
			sqlmock.AnyArg(), // metadata JSON
			sqlmock.AnyArg(), // created_at
			sqlmock.AnyArg(), // updated_at
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	session := &models.Session{
		Key:       "main:telegram:chat-1",
		AgentID:   "main",
		Channel:   models.ChannelTelegram,
		ChannelID: "chat-1",
		Title:     "greeting",
		Model:     "model-x",
		Thinking:  models.ThinkingLow,
		TurnCount: 2,
		Messages:  []models.AgentMessage{models.NewUserMessage("hello")},
	}
	if err := store.Save(context.Background(), session); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if session.ID == "" || session.CreatedAt.IsZero() {
		t.Error("Save should backfill generated fields")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresSaveRequiresKey(t *testing.T) {
	store, _ := newMockStore(t)
	if err := store.Save(context.Background(), &models.Session{}); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestPostgresGetOrCreate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO sessions").
		WillReturnRows(sessionRow("main:telegram:chat-1", "sess-1"))

	session, err := store.GetOrCreate(context.Background(), "main:telegram:chat-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if session.ID != "sess-1" {
		t.Errorf("session = %+v", session)
	}
}

func TestPostgresDelete(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Delete(context.Background(), "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("present").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Delete(context.Background(), "present"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestPostgresAppendMessages(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE sessions SET messages").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "main:telegram:chat-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AppendMessages(context.Background(), "main:telegram:chat-1",
		models.NewUserMessage("one"), models.NewAssistantMessage("two", nil))
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	// Appending to a missing session reports not found.
	mock.ExpectExec("UPDATE sessions SET messages").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.AppendMessages(context.Background(), "missing", models.NewUserMessage("x"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresList(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sessionRow("main:telegram:chat-1", "sess-1").
		AddRow("main:telegram:chat-2", "sess-2", "main", "telegram", "chat-2",
			"", "", "", 0, []byte(`[]`), []byte(`{}`), time.Now(), time.Now())
	mock.ExpectQuery("SELECT key, id, agent_id").
		WithArgs("main", 10).
		WillReturnRows(rows)

	sessions, err := store.List(context.Background(), ListOptions{Agent: "main", Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(sessions))
	}
	if sessions[1].Key != "main:telegram:chat-2" {
		t.Errorf("sessions[1] = %+v", sessions[1])
	}
}

func TestPostgresUpdateState(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT key, id, agent_id").
		WithArgs("main:telegram:chat-1").
		WillReturnRows(sessionRow("main:telegram:chat-1", "sess-1"))
	mock.ExpectExec("UPDATE sessions SET title").
		WithArgs("patched", "model-x", "low", 3,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"main:telegram:chat-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.UpdateState(context.Background(), "main:telegram:chat-1", func(s *models.Session) error {
		s.Title = "patched"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdateStateMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT key, id, agent_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sessionColumns()))
	mock.ExpectRollback()

	err := store.UpdateState(context.Background(), "missing", func(s *models.Session) error {
		t.Error("update must not run for a missing session")
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
