package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/chatcoord/internal/domain"
	"github.com/ashureev/chatcoord/internal/ephemeral"
	"github.com/ashureev/chatcoord/internal/keynamer"
)

func TestPublishAndSubscribeLifecycle(t *testing.T) {
	store := ephemeral.NewMem()
	bus := New(store, keynamer.New("chatcoord"))
	ctx := context.Background()

	sub, err := bus.SubscribeLifecycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	events := sub.Events()

	bus.PublishLifecycle(ctx, domain.LifecycleEvent{
		EventID:        "e1",
		Kind:           domain.EventConversationStarted,
		ConversationID: "c1",
		OccurredAt:     time.Now(),
	})

	select {
	case ev := <-events:
		if ev.ConversationID != "c1" || ev.Kind != domain.EventConversationStarted {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lifecycle event")
	}
}

func TestPublishAndSubscribeMessages(t *testing.T) {
	store := ephemeral.NewMem()
	bus := New(store, keynamer.New("chatcoord"))
	ctx := context.Background()

	sub, err := bus.SubscribeMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	events := sub.Events()

	bus.PublishMessage(ctx, domain.Message{
		ID:             "m1",
		ConversationID: "c1",
		Content:        "hi",
		Type:           domain.MessageText,
		Timestamp:      time.Now(),
	})

	select {
	case m := <-events:
		if m.ID != "m1" || m.Content != "hi" {
			t.Errorf("unexpected message: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message event")
	}
}

func TestPublishDoesNotBlockWithoutSubscribers(t *testing.T) {
	store := ephemeral.NewMem()
	bus := New(store, keynamer.New("chatcoord"))
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		bus.PublishLifecycle(ctx, domain.LifecycleEvent{EventID: "e1", ConversationID: "c1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}
