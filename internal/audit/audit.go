// Package audit is the durable projection of conversations and messages:
// a permanent, row-level record kept alongside the ephemeral store's
// TTL-bounded working state (spec.md §3, "the relational audit log is
// permanent"). The coordinator depends on the Store interface, never on
// modernc.org/sqlite directly.
package audit

import (
	"context"

	"github.com/ashureev/chatcoord/internal/domain"
)

// Store is the audit-store contract.
type Store interface {
	// PutConversation upserts the full conversation row.
	PutConversation(ctx context.Context, c *domain.Conversation) error

	// GetConversation returns the conversation, or nil if unknown.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversationsForAgent returns conversations currently or
	// previously owned by agentID, optionally filtered by status.
	ListConversationsForAgent(ctx context.Context, agentID string, status domain.Status) ([]domain.Conversation, error)

	// AppendMessage durably records a message row.
	AppendMessage(ctx context.Context, m *domain.Message) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
