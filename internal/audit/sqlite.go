package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/chatcoord/internal/domain"
	"github.com/ashureev/chatcoord/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite, the teacher repo's durable
// store of choice (internal/store.SQLiteStore).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a SQLite-backed audit store at
// dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("audit: create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("audit: initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		customer_json TEXT NOT NULL,
		agent_json TEXT,
		status TEXT NOT NULL,
		attributes_json TEXT,
		channel TEXT,
		created_at INTEGER NOT NULL,
		accepted_at INTEGER,
		closed_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_json TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutConversation upserts the conversation row, retrying transient
// SQLITE_BUSY/locked errors the way the teacher's TTL worker retries
// container-id updates.
func (s *SQLiteStore) PutConversation(ctx context.Context, c *domain.Conversation) error {
	return withRetry(ctx, "put_conversation", c.ID, func() error {
		return s.putConversationOnce(ctx, c)
	})
}

func (s *SQLiteStore) putConversationOnce(ctx context.Context, c *domain.Conversation) error {
	customerJSON, err := json.Marshal(c.Customer)
	if err != nil {
		return fmt.Errorf("marshal customer: %w", err)
	}
	var agentJSON []byte
	if c.Agent != nil {
		agentJSON, err = json.Marshal(c.Agent)
		if err != nil {
			return fmt.Errorf("marshal agent: %w", err)
		}
	}
	var attrsJSON []byte
	if c.Attributes != nil {
		attrsJSON, err = json.Marshal(c.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}
	}

	query := `
	INSERT INTO conversations (id, customer_json, agent_json, status, attributes_json, channel, created_at, accepted_at, closed_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		customer_json = excluded.customer_json,
		agent_json = excluded.agent_json,
		status = excluded.status,
		attributes_json = excluded.attributes_json,
		channel = excluded.channel,
		accepted_at = excluded.accepted_at,
		closed_at = excluded.closed_at,
		updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		c.ID, string(customerJSON), nullableString(agentJSON), string(c.Status), nullableString(attrsJSON), c.Channel,
		c.CreatedAt.UnixMilli(), nullableTime(c.AcceptedAt), nullableTime(c.ClosedAt), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// GetConversation returns the conversation row, or nil if unknown.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `
	SELECT id, customer_json, agent_json, status, attributes_json, channel,
	       created_at, accepted_at, closed_at, updated_at
	FROM conversations WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return c, nil
}

// ListConversationsForAgent returns an agent's conversations, optionally
// filtered by status ("" = any).
func (s *SQLiteStore) ListConversationsForAgent(ctx context.Context, agentID string, status domain.Status) ([]domain.Conversation, error) {
	query := `
	SELECT id, customer_json, agent_json, status, attributes_json, channel,
	       created_at, accepted_at, closed_at, updated_at
	FROM conversations
	WHERE json_extract(agent_json, '$.id') = ?`
	args := []interface{}{agentID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations for agent: %w", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var c domain.Conversation
	var customerJSON, agentJSON, attrsJSON sql.NullString
	var channel sql.NullString
	var createdAt, updatedAt int64
	var acceptedAt, closedAt sql.NullInt64

	if err := row.Scan(&c.ID, &customerJSON, &agentJSON, &c.Status, &attrsJSON, &channel,
		&createdAt, &acceptedAt, &closedAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(customerJSON.String), &c.Customer); err != nil {
		return nil, fmt.Errorf("unmarshal customer: %w", err)
	}
	if agentJSON.Valid && agentJSON.String != "" {
		var agent domain.Participant
		if err := json.Unmarshal([]byte(agentJSON.String), &agent); err != nil {
			return nil, fmt.Errorf("unmarshal agent: %w", err)
		}
		c.Agent = &agent
	}
	if attrsJSON.Valid && attrsJSON.String != "" {
		if err := json.Unmarshal([]byte(attrsJSON.String), &c.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	c.Channel = channel.String
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	if acceptedAt.Valid {
		t := time.UnixMilli(acceptedAt.Int64)
		c.AcceptedAt = &t
	}
	if closedAt.Valid {
		t := time.UnixMilli(closedAt.Int64)
		c.ClosedAt = &t
	}
	return &c, nil
}

// AppendMessage durably records a message row.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	return withRetry(ctx, "append_message", m.ID, func() error {
		return s.appendMessageOnce(ctx, m)
	})
}

func (s *SQLiteStore) appendMessageOnce(ctx context.Context, m *domain.Message) error {
	senderJSON, err := json.Marshal(m.Sender)
	if err != nil {
		return fmt.Errorf("marshal sender: %w", err)
	}
	query := `
	INSERT INTO messages (id, conversation_id, sender_json, type, content, timestamp)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query, m.ID, m.ConversationID, string(senderJSON), string(m.Type), m.Content, m.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// withRetry runs op up to three times in total (at most two retries) with
// exponential backoff when it
// fails with a transient SQLITE_BUSY/locked error, mirroring the teacher's
// updateContainerIDWithRetry/deleteAgentSessionWithRetry idiom generalized
// to any audit-store write.
func withRetry(ctx context.Context, op, id string, fn func() error) error {
	const maxRetries = 3
	const baseDelay = 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			return fmt.Errorf("audit: %s for %s: %d attempts exhausted: %w", op, id, maxRetries, err)
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("audit: transient error, retrying", "op", op, "id", id, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
