// Package analytics forwards lifecycle and message events to an
// external sink without ever slowing down a conversation transition.
// It is grounded on the teacher's AsyncDualWriter: a bounded channel
// absorbs bursts, a single background goroutine drains it, and a full
// channel drops the oldest pending event rather than blocking the
// caller.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatcoord/internal/domain"
)

const (
	lifecycleTopic = "chat.lifecycle"
	messagesTopic  = "chat.messages"
)

// Sink is an external analytics destination. Implementations should
// return quickly; Publisher already isolates the caller from slow
// sinks, but a sink that blocks indefinitely will eventually back up
// Publisher's own queue and start dropping events.
type Sink interface {
	Publish(ctx context.Context, topic string, payload any) error
}

type event struct {
	topic   string
	payload any
}

// Publisher is a best-effort, non-blocking forwarder of domain events
// to a Sink.
type Publisher struct {
	sink    Sink
	queue   chan event
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped int64
	mu      sync.Mutex
}

// New starts a Publisher draining into sink. queueSize bounds how many
// events may be buffered before Publish starts dropping the oldest
// pending event to make room for the newest one.
func New(sink Sink, queueSize int) *Publisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		sink:   sink,
		queue:  make(chan event, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// PublishLifecycle enqueues a lifecycle event for forwarding. Never blocks.
func (p *Publisher) PublishLifecycle(ev domain.LifecycleEvent) {
	p.enqueue(event{topic: lifecycleTopic, payload: ev})
}

// PublishMessage enqueues a message event for forwarding. Never blocks.
func (p *Publisher) PublishMessage(m domain.Message) {
	p.enqueue(event{topic: messagesTopic, payload: m})
}

func (p *Publisher) enqueue(e event) {
	select {
	case p.queue <- e:
		return
	case <-p.ctx.Done():
		return
	default:
	}

	// Queue full: drop the oldest pending event to make room, rather
	// than block the caller's conversation transition.
	select {
	case <-p.queue:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	default:
	}

	select {
	case p.queue <- e:
	case <-p.ctx.Done():
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case e := <-p.queue:
			start := time.Now()
			if err := p.sink.Publish(p.ctx, e.topic, e.payload); err != nil {
				slog.Warn("analytics: sink publish failed", "topic", e.topic, "error", err)
			}
			if d := time.Since(start); d > 200*time.Millisecond {
				slog.Warn("analytics: slow sink publish", "topic", e.topic, "duration_ms", d.Milliseconds())
			}
		}
	}
}

// Dropped returns the number of events dropped so far due to backpressure.
func (p *Publisher) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close stops the background worker and drains the queue without
// forwarding what's left.
func (p *Publisher) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}
