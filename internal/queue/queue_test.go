package queue

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/chatcoord/internal/domain"
	"github.com/ashureev/chatcoord/internal/ephemeral"
	"github.com/ashureev/chatcoord/internal/keynamer"
)

func newTestEngine() *Engine {
	return New(ephemeral.NewMem(), keynamer.New("chatcoord"))
}

func entry(id string, at time.Time) domain.QueueEntry {
	return domain.QueueEntry{
		ConversationID: id,
		CustomerID:     "cust-" + id,
		Channel:        "web",
		EnqueuedAt:     at,
	}
}

func TestEnqueueListIsFIFO(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	base := time.Now()

	if err := e.Enqueue(ctx, entry("c1", base)); err != nil {
		t.Fatal(err)
	}
	if err := e.Enqueue(ctx, entry("c2", base.Add(time.Millisecond))); err != nil {
		t.Fatal(err)
	}
	if err := e.Enqueue(ctx, entry("c3", base.Add(2*time.Millisecond))); err != nil {
		t.Fatal(err)
	}

	list, err := e.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(list))
	}
	want := []string{"c1", "c2", "c3"}
	for i, id := range want {
		if list[i].ConversationID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, list[i].ConversationID)
		}
	}
}

func TestPeekReturnsHeadWithoutRemoving(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	base := time.Now()
	_ = e.Enqueue(ctx, entry("c1", base))
	_ = e.Enqueue(ctx, entry("c2", base.Add(time.Millisecond)))

	head, err := e.Peek(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head == nil || head.ConversationID != "c1" {
		t.Fatalf("expected c1 at head, got %+v", head)
	}

	list, _ := e.List(ctx, 0)
	if len(list) != 2 {
		t.Errorf("peek must not remove entries, got %d remaining", len(list))
	}
}

func TestClaimForAgentRemovesFromQueueOnSuccess(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	_ = e.Enqueue(ctx, entry("c1", time.Now()))

	outcome, claimedEntry, _, err := e.ClaimForAgent(ctx, "c1", "agent-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Claimed {
		t.Fatalf("expected Claimed, got %s", outcome)
	}
	if claimedEntry == nil || claimedEntry.ConversationID != "c1" {
		t.Fatalf("expected claimed entry for c1, got %+v", claimedEntry)
	}

	list, _ := e.List(ctx, 0)
	if len(list) != 0 {
		t.Errorf("expected queue empty after claim, got %d entries", len(list))
	}
}

func TestClaimForAgentMissingWhenNeverQueued(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	outcome, claimedEntry, _, err := e.ClaimForAgent(ctx, "ghost", "agent-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Missing {
		t.Fatalf("expected Missing, got %s", outcome)
	}
	if claimedEntry != nil {
		t.Errorf("expected nil entry on Missing, got %+v", claimedEntry)
	}
}

func TestClaimForAgentBusyWhenAlreadyOwnedByAnother(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	_ = e.Enqueue(ctx, entry("c1", time.Now()))

	if outcome, _, _, err := e.ClaimForAgent(ctx, "c1", "agent-1", time.Minute); err != nil || outcome != Claimed {
		t.Fatalf("first claim: outcome=%s err=%v", outcome, err)
	}

	outcome, claimedEntry, owner, err := e.ClaimForAgent(ctx, "c1", "agent-2", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Busy {
		t.Fatalf("expected Busy, got %s", outcome)
	}
	if owner != "agent-1" {
		t.Errorf("expected owner agent-1, got %q", owner)
	}
	if claimedEntry != nil {
		t.Errorf("expected nil entry on Busy, got %+v", claimedEntry)
	}
}

func TestClaimForAgentOwnedIsIdempotentForSameAgent(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	_ = e.Enqueue(ctx, entry("c1", time.Now()))

	if outcome, _, _, err := e.ClaimForAgent(ctx, "c1", "agent-1", time.Minute); err != nil || outcome != Claimed {
		t.Fatalf("first claim: outcome=%s err=%v", outcome, err)
	}

	outcome, _, _, err := e.ClaimForAgent(ctx, "c1", "agent-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Owned {
		t.Fatalf("expected Owned, got %s", outcome)
	}
}

func TestRemoveDeletesPendingEntry(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	_ = e.Enqueue(ctx, entry("c1", time.Now()))

	removed, err := e.Remove(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if removed == nil || removed.ConversationID != "c1" {
		t.Fatalf("expected removed entry for c1, got %+v", removed)
	}

	list, _ := e.List(ctx, 0)
	if len(list) != 0 {
		t.Errorf("expected empty queue after remove, got %d", len(list))
	}

	// Removing again is a no-op, not an error.
	removed, err = e.Remove(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if removed != nil {
		t.Errorf("expected nil on second remove, got %+v", removed)
	}
}

func TestPositionReflectsFIFOOrder(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	base := time.Now()
	_ = e.Enqueue(ctx, entry("c1", base))
	_ = e.Enqueue(ctx, entry("c2", base.Add(time.Millisecond)))
	_ = e.Enqueue(ctx, entry("c3", base.Add(2*time.Millisecond)))

	pos, err := e.Position(ctx, "c2")
	if err != nil {
		t.Fatal(err)
	}
	if pos != 1 {
		t.Errorf("expected position 1 for c2, got %d", pos)
	}

	pos, err = e.Position(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if pos != -1 {
		t.Errorf("expected -1 for unqueued conversation, got %d", pos)
	}
}

func TestTouchMovesEntryToBack(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	base := time.Now()
	_ = e.Enqueue(ctx, entry("c1", base))
	_ = e.Enqueue(ctx, entry("c2", base.Add(time.Millisecond)))

	if err := e.Touch(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	list, err := e.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[len(list)-1].ConversationID != "c1" {
		t.Fatalf("expected c1 at the back after touch, got %+v", list)
	}
}

func TestPurgeOlderThanRemovesStaleEntriesOnly(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	fresh := time.Now()
	_ = e.Enqueue(ctx, entry("stale", old))
	_ = e.Enqueue(ctx, entry("fresh", fresh))

	purged, err := e.PurgeOlderThan(ctx, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(purged) != 1 || purged[0].ConversationID != "stale" {
		t.Fatalf("expected only stale purged, got %+v", purged)
	}

	list, _ := e.List(ctx, 0)
	if len(list) != 1 || list[0].ConversationID != "fresh" {
		t.Fatalf("expected fresh entry to remain, got %+v", list)
	}
}

func TestDepthMatchesEntryCount(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	base := time.Now()

	if n, err := e.Depth(ctx); err != nil || n != 0 {
		t.Fatalf("expected empty depth 0, got %d (err %v)", n, err)
	}

	_ = e.Enqueue(ctx, entry("c1", base))
	_ = e.Enqueue(ctx, entry("c2", base.Add(time.Millisecond)))

	n, err := e.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected depth 2, got %d", n)
	}
}
