// Package assignment is the per-agent concurrency accounting view and the
// conversation ownership lease: spec.md §4.C, the Assignment Registry.
//
// Two things live here, deliberately kept apart:
//   - the fast in-process admission view (maxConcurrentPerAgent), guarded
//     the way terminal.SessionManager guards its connection map
//   - the authoritative, cross-instance ownership lease in the ephemeral
//     store, refreshed on every message and released on close
package assignment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatcoord/internal/ephemeral"
	"github.com/ashureev/chatcoord/internal/keynamer"
)

// Registry is the Assignment Registry (spec.md §4.C).
type Registry struct {
	mu      sync.RWMutex
	load    map[string]map[string]struct{} // agentID -> set of conversationIDs
	maxLoad int
	store   ephemeral.Store
	names   keynamer.Namer
}

// New returns a Registry admitting at most maxConcurrentPerAgent
// conversations per agent, with leases tracked in store.
func New(store ephemeral.Store, names keynamer.Namer, maxConcurrentPerAgent int) *Registry {
	return &Registry{
		load:    make(map[string]map[string]struct{}),
		maxLoad: maxConcurrentPerAgent,
		store:   store,
		names:   names,
	}
}

// CanAssign reports whether agentID has spare capacity.
func (r *Registry) CanAssign(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.load[agentID]) < r.maxLoad
}

// RegisterAssignment adds conversationID to agentID's in-process load view.
// Callers must already hold the conversation lock and have claimed the
// ephemeral ownership lease (Lease) before calling this.
func (r *Registry) RegisterAssignment(agentID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.load[agentID]
	if !ok {
		set = make(map[string]struct{})
		r.load[agentID] = set
	}
	set[conversationID] = struct{}{}
	slog.Debug("assignment registered", "agent_id", agentID, "conversation_id", conversationID, "load", len(set))
}

// RemoveAssignment removes conversationID from agentID's in-process load
// view. A no-op if the pair isn't present.
func (r *Registry) RemoveAssignment(agentID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.load[agentID]
	if !ok {
		return
	}
	delete(set, conversationID)
	if len(set) == 0 {
		delete(r.load, agentID)
	}
	slog.Debug("assignment removed", "agent_id", agentID, "conversation_id", conversationID)
}

// AgentIDs returns the ids of every agent currently holding at least one
// in-process assignment, for the sweeper's orphan-reap pass.
func (r *Registry) AgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.load))
	for agentID := range r.load {
		out = append(out, agentID)
	}
	return out
}

// AssignmentsOf returns the conversation ids currently assigned to agentID.
func (r *Registry) AssignmentsOf(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.load[agentID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Lease reports the current owner of conversationID's ephemeral ownership
// key, if any. ok is false if the lease has expired or was never set.
func (r *Registry) Lease(ctx context.Context, conversationID string) (agentID string, ok bool, err error) {
	v, err := r.store.Get(ctx, r.names.Assignment(conversationID))
	if err == ephemeral.ErrNil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// RefreshLease extends conversationID's ownership lease for agentID by ttl.
// Called on every accepted message so an active agent never loses
// ownership to TTL expiry mid-conversation.
func (r *Registry) RefreshLease(ctx context.Context, conversationID, agentID string, ttl time.Duration) error {
	return r.store.Set(ctx, r.names.Assignment(conversationID), agentID, ttl)
}

// ReleaseLease deletes conversationID's ownership lease unconditionally,
// used on close. The in-process load view must be updated separately via
// RemoveAssignment.
func (r *Registry) ReleaseLease(ctx context.Context, conversationID string) error {
	return r.store.Del(ctx, r.names.Assignment(conversationID))
}
