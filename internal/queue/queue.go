// Package queue implements the shared FIFO of conversations waiting for an
// agent: atomic claim, peek, remove, and TTL-based purge, backed by the
// ephemeral store's sorted-set and scripting primitives.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/chatcoord/internal/domain"
	"github.com/ashureev/chatcoord/internal/ephemeral"
	"github.com/ashureev/chatcoord/internal/keynamer"
)

// Outcome is the result of a claim attempt. It mirrors
// ephemeral.ClaimOutcome one-to-one; queue.Outcome exists so callers of
// this package never need to import the ephemeral package directly.
type Outcome string

const (
	Claimed Outcome = "CLAIMED"
	Owned   Outcome = "OWNED"
	Busy    Outcome = "BUSY"
	Missing Outcome = "MISSING"
)

// Engine is the queue's public contract (spec.md §4.B).
type Engine struct {
	store ephemeral.Store
	names keynamer.Namer
}

// New returns an Engine backed by store, naming keys under names.
func New(store ephemeral.Store, names keynamer.Namer) *Engine {
	return &Engine{store: store, names: names}
}

type wireEntry struct {
	ConversationID string    `json:"conversationId"`
	CustomerID     string    `json:"customerId"`
	Channel        string    `json:"channel"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

func encode(e domain.QueueEntry) string {
	b, _ := json.Marshal(wireEntry(e))
	return string(b)
}

func decode(member string) (domain.QueueEntry, error) {
	var w wireEntry
	if err := json.Unmarshal([]byte(member), &w); err != nil {
		return domain.QueueEntry{}, fmt.Errorf("queue: decode entry: %w", err)
	}
	return domain.QueueEntry(w), nil
}

// Enqueue inserts entry at score entry.EnqueuedAt. Callers must hold the
// conversation lock so at most one entry per conversation id is ever
// present.
func (e *Engine) Enqueue(ctx context.Context, entry domain.QueueEntry) error {
	return e.store.ZAdd(ctx, e.names.QueuePending(), entry.Score(), encode(entry))
}

// ClaimForAgent is the single-winner atomic claim primitive: see
// SPEC_FULL.md §9 for the underlying script. The returned entry is only
// populated on Claimed.
func (e *Engine) ClaimForAgent(ctx context.Context, conversationID, agentID string, lease time.Duration) (Outcome, *domain.QueueEntry, string, error) {
	queueKey := e.names.QueuePending()
	assignmentKey := e.names.Assignment(conversationID)

	// The member encodes the full entry, and ZREM in the script takes
	// ARGV[1] as the member to remove, which must be the exact encoded
	// string we inserted. We resolve that by scanning for the pending
	// entry of this conversation up front.
	entry, found, err := e.findLocked(ctx, conversationID)
	if err != nil {
		return "", nil, "", err
	}

	var member string
	if found {
		member = encode(entry)
	} else {
		// No pending entry: the script still needs *some* ARGV[1] value
		// (it is only used as the ZREM member, which will simply fail to
		// remove anything; ownership is compared against ARGV[2]).
		member = conversationID
	}

	outcome, owner, err := e.store.ClaimForAgent(ctx, assignmentKey, queueKey, member, agentID, lease)
	if err != nil {
		return "", nil, "", err
	}

	claimed := Outcome(outcome)
	if claimed == Claimed {
		return claimed, &entry, owner, nil
	}
	return claimed, nil, owner, nil
}

// Peek returns the head of the queue without removing it.
func (e *Engine) Peek(ctx context.Context) (*domain.QueueEntry, error) {
	members, err := e.store.ZRange(ctx, e.names.QueuePending(), 0, 0)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	entry, err := decode(members[0].Member)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Remove deletes the pending entry for conversationID, if any.
func (e *Engine) Remove(ctx context.Context, conversationID string) (*domain.QueueEntry, error) {
	entry, found, err := e.findLocked(ctx, conversationID)
	if err != nil || !found {
		return nil, err
	}
	if _, err := e.store.ZRem(ctx, e.names.QueuePending(), encode(entry)); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Depth returns the number of conversations currently pending, without
// decoding any entry — cheaper than len(List(ctx, 0)) for callers that
// only need the count (e.g. the queue depth gauge).
func (e *Engine) Depth(ctx context.Context) (int, error) {
	n, err := e.store.ZCard(ctx, e.names.QueuePending())
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// List returns up to limit entries in FIFO order (0 = unlimited).
func (e *Engine) List(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	members, err := e.store.ZRangeByScore(ctx, e.names.QueuePending(), negInf, posInf, int64(limit))
	if err != nil {
		return nil, err
	}
	out := make([]domain.QueueEntry, 0, len(members))
	for _, m := range members {
		entry, err := decode(m.Member)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// Position returns the 0-based FIFO position of conversationID, or -1 if
// it is not queued.
func (e *Engine) Position(ctx context.Context, conversationID string) (int, error) {
	entry, found, err := e.findLocked(ctx, conversationID)
	if err != nil || !found {
		return -1, err
	}
	rank, ok, err := e.store.ZRank(ctx, e.names.QueuePending(), encode(entry))
	if err != nil || !ok {
		return -1, err
	}
	return int(rank), nil
}

// Touch reinserts conversationID with the current timestamp, bumping an
// aging entry to the back of the queue.
func (e *Engine) Touch(ctx context.Context, conversationID string) error {
	entry, found, err := e.findLocked(ctx, conversationID)
	if err != nil || !found {
		return err
	}
	if _, err := e.store.ZRem(ctx, e.names.QueuePending(), encode(entry)); err != nil {
		return err
	}
	entry.EnqueuedAt = time.Now()
	return e.Enqueue(ctx, entry)
}

// PurgeOlderThan removes entries enqueued before now-ttl and returns them,
// so the caller (the coordinator) can close each one with a system
// notice.
func (e *Engine) PurgeOlderThan(ctx context.Context, ttl time.Duration) ([]domain.QueueEntry, error) {
	cutoff := float64(time.Now().Add(-ttl).UnixMilli())
	stale, err := e.store.ZRangeByScore(ctx, e.names.QueuePending(), negInf, cutoff, 0)
	if err != nil {
		return nil, err
	}
	out := make([]domain.QueueEntry, 0, len(stale))
	for _, m := range stale {
		entry, err := decode(m.Member)
		if err != nil {
			return nil, err
		}
		if _, err := e.store.ZRem(ctx, e.names.QueuePending(), m.Member); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// findLocked locates the pending entry for conversationID by scanning the
// full queue. Queue depth is operationally bounded (agents drain it
// continuously), so a linear scan keyed by score order is acceptable and
// keeps the wire format (member = whole entry, not just the id) honest
// about what's actually stored.
func (e *Engine) findLocked(ctx context.Context, conversationID string) (domain.QueueEntry, bool, error) {
	members, err := e.store.ZRangeByScore(ctx, e.names.QueuePending(), negInf, posInf, 0)
	if err != nil {
		return domain.QueueEntry{}, false, err
	}
	for _, m := range members {
		entry, err := decode(m.Member)
		if err != nil {
			continue
		}
		if entry.ConversationID == conversationID {
			return entry, true, nil
		}
	}
	return domain.QueueEntry{}, false, nil
}

const (
	negInf = -1 << 53
	posInf = 1 << 53
)
