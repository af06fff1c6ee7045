package domain

import "time"

// EventKind names a lifecycle transition published on the event bus.
type EventKind string

const (
	EventConversationStarted    EventKind = "CONVERSATION_STARTED"
	EventConversationQueued     EventKind = "CONVERSATION_QUEUED"
	EventConversationAccepted   EventKind = "CONVERSATION_ACCEPTED"
	EventConversationReassigned EventKind = "CONVERSATION_REASSIGNED"
	EventMessageReceived        EventKind = "MESSAGE_RECEIVED"
	EventConversationClosed     EventKind = "CONVERSATION_CLOSED"
)

// LifecycleEvent is a transition record published on the event bus and
// replayed to gateway nodes so every connected client observes the same
// ordering regardless of which node holds its session.
type LifecycleEvent struct {
	EventID        string         `json:"eventId"`
	Kind           EventKind      `json:"kind"`
	ConversationID string         `json:"conversationId"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Conversation   *Conversation  `json:"conversation,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	// ExOwnerID, when set, names the agent whose room should be notified of
	// a CONVERSATION_REASSIGNED transition even though they no longer own
	// the conversation.
	ExOwnerID string `json:"exOwnerId,omitempty"`
}
