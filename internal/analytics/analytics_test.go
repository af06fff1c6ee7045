package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatcoord/internal/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	topics []string
}

func (s *recordingSink) Publish(_ context.Context, topic string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics)
}

func TestPublishLifecycleAndMessageReachSink(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink, 16)
	defer p.Close()

	p.PublishLifecycle(domain.LifecycleEvent{Kind: domain.EventConversationStarted, ConversationID: "c1"})
	p.PublishMessage(domain.Message{ConversationID: "c1", Content: "hi"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sink.count() == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected 2 events to reach the sink, got %d", sink.count())
}

func TestPublishNeverBlocksWhenQueueIsFull(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink, 1)
	defer p.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			p.PublishMessage(domain.Message{ConversationID: "c1", Content: "spam"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PublishMessage blocked under a full queue")
	}
}
