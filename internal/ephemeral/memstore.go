package ephemeral

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store implementation used by unit tests (and
// available for single-instance deployments that don't need cross-instance
// fan-out). All operations are guarded by a single mutex, which is exactly
// what makes ClaimForAgent atomic here: the production RedisStore gets the
// same guarantee from one Lua evaluation, this one gets it from one
// critical section.
type MemStore struct {
	mu      sync.Mutex
	strings map[string]memEntry
	zsets   map[string]map[string]float64
	subs    map[string][]chan Message
}

type memEntry struct {
	value   string
	expires time.Time // zero = no expiry
}

// NewMem returns a ready-to-use in-memory Store.
func NewMem() *MemStore {
	return &MemStore{
		strings: make(map[string]memEntry),
		zsets:   make(map[string]map[string]float64),
		subs:    make(map[string][]chan Message),
	}
}

func (s *MemStore) expiredLocked(key string) bool {
	e, ok := s.strings[key]
	if !ok {
		return false
	}
	if e.expires.IsZero() {
		return false
	}
	if time.Now().After(e.expires) {
		delete(s.strings, key)
		return true
	}
	return false
}

func (s *MemStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.zsets[key]
	if !ok {
		set = make(map[string]float64)
		s.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (s *MemStore) ZRem(_ context.Context, key, member string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.zsets[key]
	if !ok {
		return 0, nil
	}
	if _, ok := set[member]; !ok {
		return 0, nil
	}
	delete(set, member)
	return 1, nil
}

func (s *MemStore) sortedLocked(key string) []ScoredMember {
	set := s.zsets[key]
	out := make([]ScoredMember, 0, len(set))
	for m, sc := range set {
		out = append(out, ScoredMember{Member: m, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (s *MemStore) ZRangeByScore(_ context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScoredMember
	for _, m := range s.sortedLocked(key) {
		if m.Score >= min && m.Score <= max {
			out = append(out, m)
			if limit > 0 && int64(len(out)) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemStore) ZRange(_ context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sortedLocked(key)
	n := int64(len(all))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	return append([]ScoredMember(nil), all[start:stop+1]...), nil
}

func (s *MemStore) ZRank(_ context.Context, key, member string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.sortedLocked(key) {
		if m.Member == member {
			return int64(i), true, nil
		}
	}
	return -1, false, nil
}

func (s *MemStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return "", ErrNil
	}
	e, ok := s.strings[key]
	if !ok {
		return "", ErrNil
	}
	return e.value, nil
}

func (s *MemStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

func (s *MemStore) setLocked(key, value string, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	s.strings[key] = memEntry{value: value, expires: expires}
}

func (s *MemStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredLocked(key)
	if _, ok := s.strings[key]; ok {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

func (s *MemStore) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return false, nil
	}
	e, ok := s.strings[key]
	if !ok || e.value != expected {
		return false, nil
	}
	delete(s.strings, key)
	return true, nil
}

func (s *MemStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strings, key)
	delete(s.zsets, key)
	return nil
}

// Expire refreshes the TTL of a string key. Only string keys carry a TTL
// in MemStore; Expire on a sorted-set key or an absent key is a no-op.
func (s *MemStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok {
		return nil
	}
	e.expires = time.Now().Add(ttl)
	s.strings[key] = e
	return nil
}

// ClaimForAgent mirrors claimScript in redis.go exactly, one case at a
// time, under the store's single mutex.
func (s *MemStore) ClaimForAgent(_ context.Context, assignmentKey, queueKey, queueMember, agentID string, lease time.Duration) (ClaimOutcome, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expiredLocked(assignmentKey)
	owner, owned := s.strings[assignmentKey]

	if owned && owner.value != agentID {
		return ClaimOutcomeBusy, owner.value, nil
	}
	if owned && owner.value == agentID {
		s.setLocked(assignmentKey, agentID, lease)
		return ClaimOutcomeOwned, "", nil
	}

	set, ok := s.zsets[queueKey]
	if !ok {
		return ClaimOutcomeMissing, "", nil
	}
	if _, ok := set[queueMember]; !ok {
		return ClaimOutcomeMissing, "", nil
	}
	delete(set, queueMember)
	s.setLocked(assignmentKey, agentID, lease)
	return ClaimOutcomeClaimed, "", nil
}

func (s *MemStore) Publish(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	subs := append([]chan Message(nil), s.subs[channel]...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- Message{Channel: channel, Payload: payload}:
		default:
			// Slow subscriber: drop rather than block the publisher,
			// matching the at-least-once/best-effort contract for the
			// analytics path; lifecycle/message subscribers are expected
			// to drain promptly.
		}
	}
	return nil
}

func (s *MemStore) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	ch := make(chan Message, 64)
	s.mu.Lock()
	for _, c := range channels {
		s.subs[c] = append(s.subs[c], ch)
	}
	s.mu.Unlock()
	return &memSubscription{store: s, channels: channels, ch: ch}, nil
}

func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) Close() error { return nil }

type memSubscription struct {
	store    *MemStore
	channels []string
	ch       chan Message
	once     sync.Once
}

func (m *memSubscription) Channel() <-chan Message { return m.ch }

func (m *memSubscription) Close() error {
	m.once.Do(func() {
		m.store.mu.Lock()
		defer m.store.mu.Unlock()
		for _, c := range m.channels {
			subs := m.store.subs[c]
			for i, ch := range subs {
				if ch == m.ch {
					m.store.subs[c] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		close(m.ch)
	})
	return nil
}
