package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// PostgresConfig holds connection settings for the Postgres store.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default connection settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "relay",
		Password:        "",
		Database:        "relay",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store on Postgres. The whole session, message
// log included, lives in one row so turn-boundary saves stay a single
// statement.
type PostgresStore struct {
	db      *sql.DB
	metrics *observability.Metrics

	stmtGet    *sql.Stmt
	stmtUpsert *sql.Stmt
	stmtDelete *sql.Stmt
	stmtAppend *sql.Stmt
}

// NewPostgresStore connects using config fields and prepares statements.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)
	return newPostgresStoreWithDSN(dsn, config)
}

// NewPostgresStoreFromDSN connects using a raw DSN or URL.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}
	return newPostgresStoreWithDSN(dsn, config)
}

func newPostgresStoreWithDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

// DB exposes the underlying connection for related stores.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// SetMetrics wires query instrumentation.
func (s *PostgresStore) SetMetrics(m *observability.Metrics) { s.metrics = m }

// Migrate creates the sessions table when it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			key        TEXT PRIMARY KEY,
			id         TEXT NOT NULL,
			agent_id   TEXT NOT NULL DEFAULT '',
			channel    TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			title      TEXT NOT NULL DEFAULT '',
			model      TEXT NOT NULL DEFAULT '',
			thinking   TEXT NOT NULL DEFAULT '',
			turn_count INT NOT NULL DEFAULT 0,
			messages   JSONB NOT NULL DEFAULT '[]',
			metadata   JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS sessions_updated_at_idx ON sessions (updated_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("migrate sessions index: %w", err)
	}
	return nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtGet, err = s.db.Prepare(`
		SELECT key, id, agent_id, channel, channel_id, title, model, thinking, turn_count, messages, metadata, created_at, updated_at
		FROM sessions WHERE key = $1
	`)
	if err != nil {
		return fmt.Errorf("prepare get: %w", err)
	}

	s.stmtUpsert, err = s.db.Prepare(`
		INSERT INTO sessions (key, id, agent_id, channel, channel_id, title, model, thinking, turn_count, messages, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (key) DO UPDATE SET
			title = EXCLUDED.title,
			model = EXCLUDED.model,
			thinking = EXCLUDED.thinking,
			turn_count = EXCLUDED.turn_count,
			messages = EXCLUDED.messages,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}

	s.stmtDelete, err = s.db.Prepare(`
		DELETE FROM sessions WHERE key = $1
	`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}

	s.stmtAppend, err = s.db.Prepare(`
		UPDATE sessions SET messages = messages || $1::jsonb, updated_at = $2 WHERE key = $3
	`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}

	return nil
}

// Close closes prepared statements and the connection.
func (s *PostgresStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{s.stmtGet, s.stmtUpsert, s.stmtDelete, s.stmtAppend} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (session *models.Session, err error) {
	defer s.observe("get", time.Now(), &err)
	session, err = scanSession(s.stmtGet.QueryRowContext(ctx, key))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, key string) (session *models.Session, err error) {
	defer s.observe("get_or_create", time.Now(), &err)

	fresh := newSession(key)
	// ON CONFLICT DO UPDATE with key = key is a no-op that still returns
	// the existing row, making the whole call atomic.
	query := `
		INSERT INTO sessions (key, id, agent_id, channel, channel_id, title, model, thinking, turn_count, messages, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '', '', '', 0, '[]', '{}', $6, $7)
		ON CONFLICT (key) DO UPDATE SET key = sessions.key
		RETURNING key, id, agent_id, channel, channel_id, title, model, thinking, turn_count, messages, metadata, created_at, updated_at
	`
	session, err = scanSession(s.db.QueryRowContext(ctx, query,
		fresh.Key, fresh.ID, fresh.AgentID, fresh.Channel, fresh.ChannelID,
		fresh.CreatedAt, fresh.UpdatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to get or create session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) Save(ctx context.Context, session *models.Session) (err error) {
	if session == nil || session.Key == "" {
		return errInvalidSession
	}
	defer s.observe("save", time.Now(), &err)

	clone := session.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = time.Now()
	clone.Messages = trimLog(clone.Messages, maxMessagesPerSession)

	messagesJSON, err := json.Marshal(clone.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	metadataJSON, err := marshalMetadata(clone.Metadata)
	if err != nil {
		return err
	}

	_, err = s.stmtUpsert.ExecContext(ctx,
		clone.Key, clone.ID, clone.AgentID, clone.Channel, clone.ChannelID,
		clone.Title, clone.Model, clone.Thinking, clone.TurnCount,
		messagesJSON, metadataJSON, clone.CreatedAt, clone.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) (err error) {
	defer s.observe("delete", time.Now(), &err)

	result, err := s.stmtDelete.ExecContext(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, opts ListOptions) (sessions []*models.Session, err error) {
	defer s.observe("list", time.Now(), &err)

	query := `
		SELECT key, id, agent_id, channel, channel_id, title, model, thinking, turn_count, messages, metadata, created_at, updated_at
		FROM sessions
	`
	var (
		where []string
		args  []interface{}
	)
	if opts.Agent != "" {
		args = append(args, opts.Agent)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if opts.Channel != "" {
		args = append(args, opts.Channel)
		where = append(where, fmt.Sprintf("channel = $%d", len(args)))
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY updated_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) AppendMessages(ctx context.Context, key string, msgs ...models.AgentMessage) (err error) {
	if len(msgs) == 0 {
		return nil
	}
	defer s.observe("append_messages", time.Now(), &err)

	payload, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	result, err := s.stmtAppend.ExecContext(ctx, payload, time.Now(), key)
	if err != nil {
		return fmt.Errorf("failed to append messages: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateState(ctx context.Context, key string, update func(*models.Session) error) (err error) {
	defer s.observe("update_state", time.Now(), &err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `
		SELECT key, id, agent_id, channel, channel_id, title, model, thinking, turn_count, messages, metadata, created_at, updated_at
		FROM sessions WHERE key = $1 FOR UPDATE
	`, key)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
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

	messagesJSON, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	metadataJSON, err := marshalMetadata(session.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET title = $1, model = $2, thinking = $3, turn_count = $4, messages = $5, metadata = $6, updated_at = $7
		WHERE key = $8
	`, session.Title, session.Model, session.Thinking, session.TurnCount,
		messagesJSON, metadataJSON, session.UpdatedAt, key)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) observe(operation string, start time.Time, errp *error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if errp != nil && *errp != nil {
		status = "error"
	}
	s.metrics.RecordDatabaseQuery(operation, "sessions", status, time.Since(start).Seconds())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var messagesJSON, metadataJSON []byte

	err := row.Scan(
		&session.Key,
		&session.ID,
		&session.AgentID,
		&session.Channel,
		&session.ChannelID,
		&session.Title,
		&session.Model,
		&session.Thinking,
		&session.TurnCount,
		&messagesJSON,
		&metadataJSON,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(messagesJSON) > 0 && string(messagesJSON) != "null" {
		if err := json.Unmarshal(messagesJSON, &session.Messages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
		}
	}
	if len(metadataJSON) > 0 && string(metadataJSON) != "null" && string(metadataJSON) != "{}" {
		if err := json.Unmarshal(metadataJSON, &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return session, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return out, nil
}
