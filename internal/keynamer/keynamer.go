// Package keynamer deterministically composes keys and topic names used in
// the ephemeral store, under a single configurable prefix. It is a pure
// function library: no I/O, no failure modes.
package keynamer

import "fmt"

// Namer composes namespaced keys for the ephemeral store.
type Namer struct {
	prefix string
}

// New returns a Namer that prefixes every key with p.
func New(p string) Namer {
	return Namer{prefix: p}
}

func (n Namer) key(parts ...string) string {
	out := n.prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

// ConversationMessages names the ephemeral, TTL-bounded message log for a
// conversation.
func (n Namer) ConversationMessages(conversationID string) string {
	return n.key("conversation", conversationID, "messages")
}

// QueuePending names the sorted set backing the shared FIFO queue.
func (n Namer) QueuePending() string {
	return n.key("queue", "pending")
}

// Assignment names the ownership lease key for a conversation.
func (n Namer) Assignment(conversationID string) string {
	return n.key("assignment", conversationID)
}

// Presence names the short-TTL liveness key for a participant.
func (n Namer) Presence(participantID string) string {
	return n.key("presence", participantID)
}

// AgentLoad names the set of conversation ids currently assigned to an
// agent (fast per-node admission control mirror).
func (n Namer) AgentLoad(agentID string) string {
	return n.key("agent", agentID, "load")
}

// LockConversation names the distributed lock guarding a single
// conversation's lifecycle transitions.
func (n Namer) LockConversation(conversationID string) string {
	return n.key("lock", "conversation", conversationID)
}

// LockQueue names the lock guarding bulk queue maintenance.
func (n Namer) LockQueue() string {
	return n.key("lock", "queue")
}

// EventsLifecycle names the pub/sub channel for lifecycle events.
func (n Namer) EventsLifecycle() string {
	return n.key("events", "lifecycle")
}

// EventsMessages names the pub/sub channel for message events.
func (n Namer) EventsMessages() string {
	return n.key("events", "messages")
}

// String renders an arbitrary extra key under the prefix, for call sites
// that need a one-off name (e.g. metrics labels derived from the prefix).
func (n Namer) String(suffix string) string {
	return fmt.Sprintf("%s:%s", n.prefix, suffix)
}
