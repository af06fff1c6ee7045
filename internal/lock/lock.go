// Package lock implements the distributed per-conversation mutual
// exclusion primitive the coordinator's correctness depends on:
// bounded-lease (recovers from a dead holder) and visible across instances
// because it lives in the ephemeral store rather than in process memory.
// Waiters poll with jittered backoff; the order in which waiters acquire
// is not defined, and a waiter can be overtaken by later arrivals.
//
// The acquire/retry/backoff shape follows the teacher's TTL-refresh and
// retry-with-backoff idiom in container/ttl.go, generalized from a SQLite
// busy-retry loop to a cross-instance lock-acquire loop.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/chatcoord/internal/ephemeral"
)

// ErrTimeout is returned when a lock could not be acquired within the
// caller's deadline. Callers should surface this as Contention.
var ErrTimeout = errors.New("lock: could not acquire within deadline")

// Locker acquires named distributed locks backed by an ephemeral.Store.
type Locker struct {
	store     ephemeral.Store
	leaseTTL  time.Duration
	pollEvery time.Duration
}

// New returns a Locker whose locks expire after leaseTTL unless refreshed,
// and which polls every pollEvery while waiting to acquire.
func New(store ephemeral.Store, leaseTTL, pollEvery time.Duration) *Locker {
	if pollEvery <= 0 {
		pollEvery = 25 * time.Millisecond
	}
	return &Locker{store: store, leaseTTL: leaseTTL, pollEvery: pollEvery}
}

// Handle is a held lock. Release it exactly once via Release.
type Handle struct {
	key   string
	token string
	store ephemeral.Store
}

// Acquire blocks, polling with jittered backoff, until the named lock is
// held or ctx is done. The lock is reentrant in the sense that the same
// process may hold multiple independent Handles for different keys
// concurrently; it does not special-case re-entrant acquisition of the
// same key by the same logical caller (callers that need that must track
// their own held Handle, exactly as the coordinator does: one Handle per
// in-flight transition).
func (l *Locker) Acquire(ctx context.Context, key string) (*Handle, error) {
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("lock: generate fencing token: %w", err)
	}

	for {
		ok, err := l.store.SetNX(ctx, key, token, l.leaseTTL)
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			return &Handle{key: key, token: token, store: l.store}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case <-time.After(jitter(l.pollEvery)):
		}
	}
}

// Extend refreshes the lease on a held lock, used by long-running holders
// so they are not evicted mid-transition.
func (h *Handle) Extend(ctx context.Context, ttl time.Duration) error {
	return h.store.Expire(ctx, h.key, ttl)
}

// Release gives up the lock, but only if it is still held by this Handle's
// token — a fencing check that stops a Handle whose lease already expired
// (and was reacquired by someone else) from deleting the new holder's
// lock.
func (h *Handle) Release(ctx context.Context) error {
	_, err := h.store.CompareAndDelete(ctx, h.key, h.token)
	return err
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// jitter returns a duration uniformly distributed in [d/2, d*3/2), to
// avoid every waiter retrying in lockstep.
func jitter(d time.Duration) time.Duration {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	var n uint64
	for _, b := range buf {
		n = n<<8 | uint64(b)
	}
	spread := d
	offset := time.Duration(n%uint64(spread)) - spread/2
	return d + offset
}
