// Package ephemeral defines the contract the coordinator relies on from the
// ephemeral key/value engine (atomic scripts, sorted sets, pub/sub, TTL) and
// provides a Redis-backed implementation of it. The coordinator depends on
// this interface, never on a concrete driver, the same way
// internal/audit depends on an interface rather than modernc.org/sqlite
// directly.
package ephemeral

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned by Get when the key does not exist.
var ErrNil = errors.New("ephemeral: key not found")

// ClaimOutcome is the result of the atomic claimForAgent script: the single
// point where queue ownership is decided.
type ClaimOutcome string

const (
	ClaimOutcomeClaimed ClaimOutcome = "CLAIMED"
	ClaimOutcomeOwned   ClaimOutcome = "OWNED"
	ClaimOutcomeBusy    ClaimOutcome = "BUSY"
	ClaimOutcomeMissing ClaimOutcome = "MISSING"
)

// ScoredMember is one member of a sorted set together with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Callers must Close it when
// done to release the underlying connection.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Store is the ephemeral-store contract: atomic per-key operations, sorted
// sets for the queue, simple TTL'd keys for leases and presence, and
// pub/sub for cross-instance event distribution. Implementations must make
// every single method call atomic from the caller's point of view;
// CompareAndDelete and ClaimForAgent combine multiple underlying
// operations into one indivisible evaluation (ClaimForAgent is the
// single-winner primitive the rest of the system relies on).
type Store interface {
	// ZAdd inserts or updates member in the sorted set at key with the
	// given score.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRem removes member from the sorted set at key. Returns the number
	// of members actually removed (0 or 1 for a single member).
	ZRem(ctx context.Context, key, member string) (int64, error)

	// ZRangeByScore returns members scored in [min, max], in ascending
	// score order, capped at limit (0 = unlimited).
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error)

	// ZRange returns the members in [start, stop] rank positions
	// (0-based, inclusive, -1 = last), in ascending score order.
	ZRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)

	// ZRank returns the 0-based rank of member in the sorted set at key,
	// ascending by score. ok is false if the member is absent.
	ZRank(ctx context.Context, key, member string) (rank int64, ok bool, err error)

	// ZCard returns the number of members in the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// Get returns the string value at key, or ErrNil if absent.
	Get(ctx context.Context, key string) (string, error)

	// Set writes value at key with an optional TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes value at key only if it is currently absent. Returns
	// whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value equals
	// expected, atomically. Returns whether the delete happened.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// Del removes key unconditionally.
	Del(ctx context.Context, key string) error

	// Expire refreshes key's TTL without changing its value.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ClaimForAgent is the single atomic claim script described in
	// SPEC_FULL.md §9: read ownership, claim-or-reject, remove queueMember
	// from the queue sorted set, set ownership with a TTL, all in one
	// evaluation. queueMember is the exact sorted-set member to remove
	// (the caller's wire encoding of the queue entry), not just the
	// conversation id.
	ClaimForAgent(ctx context.Context, assignmentKey, queueKey, queueMember, agentID string, lease time.Duration) (ClaimOutcome, string, error)

	// Publish broadcasts payload on channel to all current subscribers.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe opens a live subscription to the given channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Ping verifies connectivity to the ephemeral store.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
