package domain

import "time"

// QueueEntry is a conversation waiting in the shared FIFO queue, scored by
// EnqueuedAt for ordering.
type QueueEntry struct {
	ConversationID string    `json:"conversationId"`
	CustomerID     string    `json:"customerId"`
	Channel        string    `json:"channel"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

// Score returns the sorted-set score for this entry: milliseconds since
// the epoch, so FIFO order is non-decreasing score order.
func (e QueueEntry) Score() float64 {
	return float64(e.EnqueuedAt.UnixMilli())
}
