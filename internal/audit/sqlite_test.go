package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/chatcoord/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	s, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleConversation(id string) *domain.Conversation {
	now := time.Now().Truncate(time.Millisecond)
	return &domain.Conversation{
		ID:         id,
		Customer:   domain.Participant{ID: "cust-1", Type: domain.ParticipantCustomer, DisplayName: "Cust"},
		Status:     domain.StatusOpen,
		Attributes: map[string]string{"locale": "en"},
		Channel:    "web",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestPutAndGetConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := sampleConversation("c1")

	if err := s.PutConversation(ctx, c); err != nil {
		t.Fatalf("PutConversation: %v", err)
	}

	got, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got == nil {
		t.Fatal("expected conversation, got nil")
	}
	if got.Customer.ID != "cust-1" || got.Status != domain.StatusOpen || got.Channel != "web" {
		t.Errorf("unexpected round trip: %+v", got)
	}
	if got.Attributes["locale"] != "en" {
		t.Errorf("expected attributes preserved, got %v", got.Attributes)
	}
}

func TestGetConversationReturnsNilWhenUnknown(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetConversation(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestPutConversationUpsertsAndUpdatesAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := sampleConversation("c1")
	if err := s.PutConversation(ctx, c); err != nil {
		t.Fatal(err)
	}

	c.Status = domain.StatusAssigned
	c.Agent = &domain.Participant{ID: "agent-1", Type: domain.ParticipantAgent, DisplayName: "Ann"}
	now := time.Now().Truncate(time.Millisecond)
	c.AcceptedAt = &now
	c.UpdatedAt = now
	if err := s.PutConversation(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusAssigned || got.Agent == nil || got.Agent.ID != "agent-1" {
		t.Fatalf("expected updated assignment, got %+v", got)
	}
	if got.AcceptedAt == nil {
		t.Error("expected AcceptedAt set")
	}
}

func TestListConversationsForAgentFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c1 := sampleConversation("c1")
	c1.Status = domain.StatusAssigned
	c1.Agent = &domain.Participant{ID: "agent-1", Type: domain.ParticipantAgent}
	c2 := sampleConversation("c2")
	c2.Status = domain.StatusClosed
	c2.Agent = &domain.Participant{ID: "agent-1", Type: domain.ParticipantAgent}
	c3 := sampleConversation("c3")
	c3.Status = domain.StatusAssigned
	c3.Agent = &domain.Participant{ID: "agent-2", Type: domain.ParticipantAgent}

	for _, c := range []*domain.Conversation{c1, c2, c3} {
		if err := s.PutConversation(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	assigned, err := s.ListConversationsForAgent(ctx, "agent-1", domain.StatusAssigned)
	if err != nil {
		t.Fatal(err)
	}
	if len(assigned) != 1 || assigned[0].ID != "c1" {
		t.Fatalf("expected only c1, got %+v", assigned)
	}

	all, err := s.ListConversationsForAgent(ctx, "agent-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 conversations for agent-1, got %d", len(all))
	}
}

func TestAppendMessageIsIdempotentByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := &domain.Message{
		ID:             "m1",
		ConversationID: "c1",
		Sender:         domain.Participant{ID: "cust-1", Type: domain.ParticipantCustomer},
		Type:           domain.MessageText,
		Content:        "hi",
		Timestamp:      time.Now().Truncate(time.Millisecond),
	}
	if err := s.AppendMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	// Re-appending the same id must not error or duplicate.
	if err := s.AppendMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
}

func TestPingSucceedsOnOpenStore(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
