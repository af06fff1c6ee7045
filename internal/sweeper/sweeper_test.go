package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/chatcoord/internal/assignment"
	"github.com/ashureev/chatcoord/internal/domain"
	"github.com/ashureev/chatcoord/internal/ephemeral"
	"github.com/ashureev/chatcoord/internal/keynamer"
	"github.com/ashureev/chatcoord/internal/queue"
)

func TestPurgeQueueRemovesStaleEntries(t *testing.T) {
	store := ephemeral.NewMem()
	names := keynamer.New("chatcoord")
	q := queue.New(store, names)
	ctx := context.Background()

	stale := domain.QueueEntry{ConversationID: "conv-old", CustomerID: "cust-1", Channel: "web", EnqueuedAt: time.Now().Add(-2 * time.Hour)}
	fresh := domain.QueueEntry{ConversationID: "conv-new", CustomerID: "cust-2", Channel: "web", EnqueuedAt: time.Now()}
	if err := q.Enqueue(ctx, stale); err != nil {
		t.Fatalf("enqueue stale: %v", err)
	}
	if err := q.Enqueue(ctx, fresh); err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}

	sw := New(Config{QueuePurgeAge: time.Hour}, q, nil, store, nil)
	sw.purgeQueue(ctx)

	remaining, err := q.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ConversationID != "conv-new" {
		t.Fatalf("expected only conv-new to remain, got %+v", remaining)
	}
}

func TestReapAssignmentsDropsExpiredLeases(t *testing.T) {
	store := ephemeral.NewMem()
	names := keynamer.New("chatcoord")
	reg := assignment.New(store, names, 5)
	ctx := context.Background()

	reg.RegisterAssignment("ag-1", "conv-a")
	reg.RegisterAssignment("ag-1", "conv-b")
	if err := reg.RefreshLease(ctx, "conv-a", "ag-1", time.Minute); err != nil {
		t.Fatalf("refresh lease: %v", err)
	}
	// conv-b never got an ephemeral lease: it simulates one that already expired.

	sw := New(Config{}, nil, reg, store, nil)
	sw.reapAssignments(ctx)

	got := reg.AssignmentsOf("ag-1")
	if len(got) != 1 || got[0] != "conv-a" {
		t.Fatalf("expected only conv-a to survive reap, got %v", got)
	}
}

func TestReapPresencePingsStore(t *testing.T) {
	store := ephemeral.NewMem()
	sw := New(Config{}, nil, nil, store, nil)
	sw.reapPresence(context.Background()) // must not panic against a healthy store
}
