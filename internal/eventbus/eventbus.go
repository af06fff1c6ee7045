// Package eventbus is a thin adapter over the ephemeral store's pub/sub
// primitive, fanning lifecycle transitions and messages out to every
// subscribed gateway node (spec.md §4.F). Delivery is at-least-once;
// subscribers must be idempotent.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashureev/chatcoord/internal/domain"
	"github.com/ashureev/chatcoord/internal/ephemeral"
	"github.com/ashureev/chatcoord/internal/keynamer"
)

// Bus publishes lifecycle and message events and lets gateway nodes
// subscribe to them.
type Bus struct {
	store ephemeral.Store
	names keynamer.Namer
}

// New returns a Bus backed by store.
func New(store ephemeral.Store, names keynamer.Namer) *Bus {
	return &Bus{store: store, names: names}
}

// PublishLifecycle publishes a lifecycle transition. Publish failures are
// logged and never propagated to the caller: per spec.md §7, event-bus
// publish failures must never block the originating transition.
func (b *Bus) PublishLifecycle(ctx context.Context, ev domain.LifecycleEvent) {
	b.publish(ctx, b.names.EventsLifecycle(), ev, "lifecycle", ev.ConversationID)
}

// PublishMessage publishes a message record for cross-instance room
// fan-out.
func (b *Bus) PublishMessage(ctx context.Context, m domain.Message) {
	b.publish(ctx, b.names.EventsMessages(), m, "message", m.ConversationID)
}

func (b *Bus) publish(ctx context.Context, channel string, v any, kind, conversationID string) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("eventbus: marshal event", "kind", kind, "conversation_id", conversationID, "error", err)
		return
	}
	if err := b.store.Publish(ctx, channel, string(payload)); err != nil {
		slog.Error("eventbus: publish failed", "kind", kind, "conversation_id", conversationID, "channel", channel, "error", err)
	}
}

// LifecycleSubscription delivers decoded lifecycle events.
type LifecycleSubscription struct {
	sub ephemeral.Subscription
}

// SubscribeLifecycle subscribes to the lifecycle channel. Callers must
// subscribe before they start accepting client connections so no
// transition is missed between connect and subscribe (spec.md §9).
func (b *Bus) SubscribeLifecycle(ctx context.Context) (*LifecycleSubscription, error) {
	sub, err := b.store.Subscribe(ctx, b.names.EventsLifecycle())
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe lifecycle: %w", err)
	}
	return &LifecycleSubscription{sub: sub}, nil
}

// Events returns a channel of decoded lifecycle events. Malformed
// payloads are dropped with a logged warning; they must never crash the
// subscriber loop.
func (s *LifecycleSubscription) Events() <-chan domain.LifecycleEvent {
	out := make(chan domain.LifecycleEvent, 64)
	go func() {
		defer close(out)
		for msg := range s.sub.Channel() {
			var ev domain.LifecycleEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("eventbus: dropped malformed lifecycle payload", "error", err)
				continue
			}
			out <- ev
		}
	}()
	return out
}

// Close releases the subscription.
func (s *LifecycleSubscription) Close() error {
	return s.sub.Close()
}

// MessageSubscription delivers decoded message events.
type MessageSubscription struct {
	sub ephemeral.Subscription
}

// SubscribeMessages subscribes to the message channel.
func (b *Bus) SubscribeMessages(ctx context.Context) (*MessageSubscription, error) {
	sub, err := b.store.Subscribe(ctx, b.names.EventsMessages())
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe messages: %w", err)
	}
	return &MessageSubscription{sub: sub}, nil
}

// Events returns a channel of decoded messages.
func (s *MessageSubscription) Events() <-chan domain.Message {
	out := make(chan domain.Message, 64)
	go func() {
		defer close(out)
		for msg := range s.sub.Channel() {
			var m domain.Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				slog.Warn("eventbus: dropped malformed message payload", "error", err)
				continue
			}
			out <- m
		}
	}()
	return out
}

// Close releases the subscription.
func (s *MessageSubscription) Close() error {
	return s.sub.Close()
}
