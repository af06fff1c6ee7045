// Package coordinator is the heart of the system: the conversation
// lifecycle state machine composing the Queue Engine, Assignment
// Registry, audit store, and event bus under a per-conversation
// distributed lock (spec.md §4.D).
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/chatcoord/internal/assignment"
	"github.com/ashureev/chatcoord/internal/audit"
	"github.com/ashureev/chatcoord/internal/domain"
	"github.com/ashureev/chatcoord/internal/ephemeral"
	"github.com/ashureev/chatcoord/internal/eventbus"
	"github.com/ashureev/chatcoord/internal/keynamer"
	"github.com/ashureev/chatcoord/internal/lock"
	"github.com/ashureev/chatcoord/internal/queue"
)

// Config holds the coordinator's tunables, mirroring spec.md §6's
// enumerated environment keys.
type Config struct {
	AssignmentLeaseTTL time.Duration // assignment.leaseTtl
	MessageMaxBytes    int           // message.maxBytes
	MessageRetention   time.Duration // message.retention
	LockAcquireTimeout time.Duration // lock.acquireTimeout
	LockLeaseTTL       time.Duration // lock.leaseTtl
	PresenceTTL        time.Duration // presence.ttl
	MessageTailDefault int           // default limit for Messages() when the caller passes 0
}

// Observer receives cross-cutting notifications for every completed
// transition so metrics and analytics stay decoupled from the state
// machine itself. A nil Observer is valid; Coordinator checks before
// every call.
type Observer interface {
	ObserveClaim(outcome string)
	ObserveMessage(m domain.Message)
	ObserveLifecycle(ev domain.LifecycleEvent)
	ObserveLockWait(d time.Duration)
	ObserveLockContention()
	ObserveQueueDepth(n int)
}

// Coordinator is the conversation lifecycle state machine.
type Coordinator struct {
	store      ephemeral.Store
	names      keynamer.Namer
	queue      *queue.Engine
	assignment *assignment.Registry
	audit      audit.Store
	bus        *eventbus.Bus
	locker     *lock.Locker
	cfg        Config
	observer   Observer
}

// SetObserver attaches o to receive future transition notifications.
// Not safe to call concurrently with other Coordinator methods.
func (c *Coordinator) SetObserver(o Observer) {
	c.observer = o
}

// New composes a Coordinator from its collaborators.
func New(store ephemeral.Store, names keynamer.Namer, q *queue.Engine, reg *assignment.Registry, auditStore audit.Store, bus *eventbus.Bus, cfg Config) *Coordinator {
	return &Coordinator{
		store:      store,
		names:      names,
		queue:      q,
		assignment: reg,
		audit:      auditStore,
		bus:        bus,
		locker:     lock.New(store, cfg.LockLeaseTTL, 20*time.Millisecond),
		cfg:        cfg,
	}
}

// withConversationLock acquires lock:conversation:{id} with the
// configured acquire timeout, mapping a timeout to ErrContention, then
// runs fn while holding it.
func (c *Coordinator) withConversationLock(ctx context.Context, conversationID string, fn func(ctx context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, c.cfg.LockAcquireTimeout)
	defer cancel()

	waitStart := time.Now()
	h, err := c.locker.Acquire(lockCtx, c.names.LockConversation(conversationID))
	if c.observer != nil {
		c.observer.ObserveLockWait(time.Since(waitStart))
	}
	if err != nil {
		if err == lock.ErrTimeout {
			if c.observer != nil {
				c.observer.ObserveLockContention()
			}
			return ErrContention
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer func() {
		if rerr := h.Release(ctx); rerr != nil {
			slog.Warn("coordinator: release lock failed", "conversation_id", conversationID, "error", rerr)
		}
	}()
	return fn(ctx)
}

// reportQueueDepth asks the observer to record the current queue length
// after a mutation (enqueue, claim, or remove). Best-effort: a failed
// Depth lookup is logged and otherwise ignored, since this is an
// operational metric rather than a correctness-affecting read.
func (c *Coordinator) reportQueueDepth(ctx context.Context, conversationID string) {
	if c.observer == nil {
		return
	}
	depth, err := c.queue.Depth(ctx)
	if err != nil {
		slog.Warn("coordinator: queue depth lookup failed", "conversation_id", conversationID, "error", err)
		return
	}
	c.observer.ObserveQueueDepth(depth)
}

// Start begins a new conversation for customer (spec.md §4.D, start).
func (c *Coordinator) Start(ctx context.Context, customer domain.Participant, attributes map[string]string) (*domain.Conversation, error) {
	if customer.ID == "" {
		return nil, fmt.Errorf("%w: customer id required", ErrInvalidArgument)
	}
	now := time.Now()
	conv := &domain.Conversation{
		ID:         uuid.NewString(),
		Customer:   customer,
		Status:     domain.StatusOpen,
		Attributes: attributes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := c.audit.PutConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("%w: persist conversation: %v", ErrBackendUnavailable, err)
	}
	if err := c.touchPresence(ctx, customer.ID); err != nil {
		slog.Warn("coordinator: presence update failed", "participant_id", customer.ID, "error", err)
	}

	ev := domain.LifecycleEvent{
		EventID:        uuid.NewString(),
		Kind:           domain.EventConversationStarted,
		ConversationID: conv.ID,
		OccurredAt:     now,
		Conversation:   conv.Clone(),
	}
	c.bus.PublishLifecycle(ctx, ev)
	c.notifyLifecycle(ev)
	return conv, nil
}

func (c *Coordinator) notifyLifecycle(ev domain.LifecycleEvent) {
	if c.observer != nil {
		c.observer.ObserveLifecycle(ev)
	}
}

// QueueForAgent moves conv to QUEUED on the given channel (spec.md §4.D,
// queueForAgent). If conv was ASSIGNED, the prior assignment is released
// and a CONVERSATION_REASSIGNED event is emitted so the ex-owner's room
// can transition away from ACTIVE (spec.md §9, the promoted open question).
func (c *Coordinator) QueueForAgent(ctx context.Context, conversationID, channel string) (*domain.Conversation, error) {
	var result *domain.Conversation
	err := c.withConversationLock(ctx, conversationID, func(ctx context.Context) error {
		conv, err := c.loadLocked(ctx, conversationID)
		if err != nil {
			return err
		}
		if conv.Status == domain.StatusClosed {
			return ErrAlreadyClosed
		}

		if conv.Status == domain.StatusQueued {
			if _, err := c.queue.Remove(ctx, conv.ID); err != nil {
				return fmt.Errorf("%w: remove previous queue entry: %v", ErrBackendUnavailable, err)
			}
		}

		var exOwner string
		if conv.Status == domain.StatusAssigned && conv.Agent != nil {
			exOwner = conv.Agent.ID
			if err := c.releaseAssignmentLocked(ctx, conv, exOwner); err != nil {
				return err
			}
		}

		now := time.Now()
		conv.Status = domain.StatusQueued
		conv.Agent = nil
		conv.UpdatedAt = now
		if channel != "" {
			conv.Channel = channel
		}

		if err := c.audit.PutConversation(ctx, conv); err != nil {
			return fmt.Errorf("%w: persist conversation: %v", ErrBackendUnavailable, err)
		}

		entry := domain.QueueEntry{
			ConversationID: conv.ID,
			CustomerID:     conv.Customer.ID,
			Channel:        conv.Channel,
			EnqueuedAt:     now,
		}
		if err := c.queue.Enqueue(ctx, entry); err != nil {
			return fmt.Errorf("%w: enqueue: %v", ErrBackendUnavailable, err)
		}
		c.reportQueueDepth(ctx, conv.ID)
		position, err := c.queue.Position(ctx, conv.ID)
		if err != nil {
			slog.Warn("coordinator: position lookup failed", "conversation_id", conv.ID, "error", err)
			position = -1
		}

		if exOwner != "" {
			reassigned := domain.LifecycleEvent{
				EventID:        uuid.NewString(),
				Kind:           domain.EventConversationReassigned,
				ConversationID: conv.ID,
				OccurredAt:     now,
				Conversation:   conv.Clone(),
				ExOwnerID:      exOwner,
			}
			c.bus.PublishLifecycle(ctx, reassigned)
			c.notifyLifecycle(reassigned)
		}
		queued := domain.LifecycleEvent{
			EventID:        uuid.NewString(),
			Kind:           domain.EventConversationQueued,
			ConversationID: conv.ID,
			OccurredAt:     now,
			Conversation:   conv.Clone(),
			Payload:        map[string]any{"position": position},
		}
		c.bus.PublishLifecycle(ctx, queued)
		c.notifyLifecycle(queued)

		result = conv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// releaseAssignmentLocked tears down an existing assignment under the
// conversation lock: ephemeral lease, in-process load view. Callers must
// already hold lock:conversation:{id}.
func (c *Coordinator) releaseAssignmentLocked(ctx context.Context, conv *domain.Conversation, agentID string) error {
	if err := c.assignment.ReleaseLease(ctx, conv.ID); err != nil {
		return fmt.Errorf("%w: release lease: %v", ErrBackendUnavailable, err)
	}
	c.assignment.RemoveAssignment(agentID, conv.ID)
	return nil
}

// AcceptConversation claims conversationID for agent (spec.md §4.D,
// acceptConversation). A queued entry is claimed and the conversation
// becomes ASSIGNED; a conversation this agent already owns is refreshed in
// place; another owner yields ErrConflictOwner, an absent queue entry
// ErrNoLongerAvailable, a CLOSED conversation ErrAlreadyClosed, and a full
// agent ErrAgentCapacityExceeded.
func (c *Coordinator) AcceptConversation(ctx context.Context, agent domain.Participant, conversationID string) (*domain.Conversation, error) {
	if agent.ID == "" {
		return nil, fmt.Errorf("%w: agent id required", ErrInvalidArgument)
	}

	var result *domain.Conversation
	err := c.withConversationLock(ctx, conversationID, func(ctx context.Context) error {
		conv, err := c.loadLocked(ctx, conversationID)
		if err != nil {
			return err
		}
		if conv.Status == domain.StatusClosed {
			return ErrAlreadyClosed
		}

		alreadyMine := conv.Status == domain.StatusAssigned && conv.Agent != nil && conv.Agent.ID == agent.ID
		if !alreadyMine && !c.assignment.CanAssign(agent.ID) {
			return ErrAgentCapacityExceeded
		}

		outcome, entry, owner, err := c.queue.ClaimForAgent(ctx, conversationID, agent.ID, c.cfg.AssignmentLeaseTTL)
		if err != nil {
			return fmt.Errorf("%w: claim: %v", ErrBackendUnavailable, err)
		}
		if c.observer != nil {
			c.observer.ObserveClaim(string(outcome))
		}
		if outcome == queue.Claimed {
			c.reportQueueDepth(ctx, conversationID)
		}

		switch outcome {
		case queue.Busy:
			slog.Debug("coordinator: claim rejected, owned by another agent", "conversation_id", conversationID, "owner", owner)
			return ErrConflictOwner
		case queue.Missing:
			if conv.Status == domain.StatusAssigned && conv.Agent != nil && conv.Agent.ID == agent.ID {
				// Already this agent's, queue entry simply absent and the
				// lease lapsed: re-take the lease and fall through as an
				// idempotent refresh below.
				if err := c.assignment.RefreshLease(ctx, conv.ID, agent.ID, c.cfg.AssignmentLeaseTTL); err != nil {
					return fmt.Errorf("%w: refresh lease: %v", ErrBackendUnavailable, err)
				}
			} else {
				return ErrNoLongerAvailable
			}
		case queue.Owned:
			// idempotent refresh, no new assignment to register
		case queue.Claimed:
			if entry != nil && entry.ConversationID != conversationID {
				return fmt.Errorf("%w: claimed entry mismatch", ErrBackendUnavailable)
			}
		}

		now := time.Now()
		firstAccept := conv.Status != domain.StatusAssigned
		conv.Status = domain.StatusAssigned
		conv.Agent = &agent
		conv.UpdatedAt = now
		if firstAccept {
			conv.AcceptedAt = &now
		}

		if err := c.audit.PutConversation(ctx, conv); err != nil {
			return fmt.Errorf("%w: persist conversation: %v", ErrBackendUnavailable, err)
		}
		if !alreadyMine {
			c.assignment.RegisterAssignment(agent.ID, conv.ID)
		}
		if err := c.touchPresence(ctx, agent.ID); err != nil {
			slog.Warn("coordinator: presence update failed", "participant_id", agent.ID, "error", err)
		}

		if firstAccept {
			accepted := domain.LifecycleEvent{
				EventID:        uuid.NewString(),
				Kind:           domain.EventConversationAccepted,
				ConversationID: conv.ID,
				OccurredAt:     now,
				Conversation:   conv.Clone(),
			}
			c.bus.PublishLifecycle(ctx, accepted)
			c.notifyLifecycle(accepted)
		}

		result = conv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SendMessage appends content as a message authored by sender (spec.md
// §4.D, sendMessage).
func (c *Coordinator) SendMessage(ctx context.Context, conversationID string, sender domain.Participant, content string, msgType domain.MessageType) (*domain.Message, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: content must not be empty", ErrInvalidArgument)
	}
	if len(content) > c.cfg.MessageMaxBytes {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidArgument, c.cfg.MessageMaxBytes)
	}
	switch msgType {
	case domain.MessageText, domain.MessageSystem:
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidArgument, msgType)
	}

	var result *domain.Message
	err := c.withConversationLock(ctx, conversationID, func(ctx context.Context) error {
		conv, err := c.loadLocked(ctx, conversationID)
		if err != nil {
			return err
		}
		if conv.Status == domain.StatusClosed {
			return ErrAlreadyClosed
		}

		now := time.Now()
		msg := &domain.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Sender:         sender,
			Type:           msgType,
			Content:        content,
			Timestamp:      now,
		}

		if err := c.appendToEphemeralLog(ctx, msg); err != nil {
			return fmt.Errorf("%w: append message log: %v", ErrBackendUnavailable, err)
		}
		if err := c.audit.AppendMessage(ctx, msg); err != nil {
			return fmt.Errorf("%w: persist message: %v", ErrBackendUnavailable, err)
		}

		conv.UpdatedAt = now
		if err := c.audit.PutConversation(ctx, conv); err != nil {
			return fmt.Errorf("%w: persist conversation: %v", ErrBackendUnavailable, err)
		}
		if conv.Status == domain.StatusAssigned && conv.Agent != nil {
			if err := c.assignment.RefreshLease(ctx, conv.ID, conv.Agent.ID, c.cfg.AssignmentLeaseTTL); err != nil {
				slog.Warn("coordinator: lease refresh failed", "conversation_id", conv.ID, "error", err)
			}
		}
		if err := c.touchPresence(ctx, sender.ID); err != nil {
			slog.Warn("coordinator: presence update failed", "participant_id", sender.ID, "error", err)
		}

		c.bus.PublishMessage(ctx, *msg)
		received := domain.LifecycleEvent{
			EventID:        uuid.NewString(),
			Kind:           domain.EventMessageReceived,
			ConversationID: conv.ID,
			OccurredAt:     now,
			Payload:        map[string]any{"messageId": msg.ID},
		}
		c.bus.PublishLifecycle(ctx, received)
		c.notifyLifecycle(received)
		if c.observer != nil {
			c.observer.ObserveMessage(*msg)
		}

		result = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CloseConversation closes conversationID, authoring a SYSTEM closure
// notice (spec.md §4.D, closeConversation). Idempotent: closing an
// already-CLOSED conversation returns the current state without error.
func (c *Coordinator) CloseConversation(ctx context.Context, conversationID string, closedBy domain.Participant) (*domain.Conversation, error) {
	var result *domain.Conversation
	err := c.withConversationLock(ctx, conversationID, func(ctx context.Context) error {
		conv, err := c.loadLocked(ctx, conversationID)
		if err != nil {
			return err
		}
		if conv.Status == domain.StatusClosed {
			result = conv
			return nil
		}

		// Millisecond precision matches what the audit store keeps, so a
		// repeated close reports the same ClosedAt as the first one.
		now := time.Now().Truncate(time.Millisecond)
		notice := &domain.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Sender:         domain.System(),
			Type:           domain.MessageSystem,
			Content:        closureNotice(closedBy),
			Timestamp:      now,
		}
		if err := c.appendToEphemeralLog(ctx, notice); err != nil {
			return fmt.Errorf("%w: append closure notice: %v", ErrBackendUnavailable, err)
		}
		if err := c.audit.AppendMessage(ctx, notice); err != nil {
			return fmt.Errorf("%w: persist closure notice: %v", ErrBackendUnavailable, err)
		}

		if conv.Agent != nil {
			if err := c.releaseAssignmentLocked(ctx, conv, conv.Agent.ID); err != nil {
				return err
			}
		}
		if _, err := c.queue.Remove(ctx, conv.ID); err != nil {
			return fmt.Errorf("%w: remove queue entry: %v", ErrBackendUnavailable, err)
		}
		c.reportQueueDepth(ctx, conv.ID)

		conv.Status = domain.StatusClosed
		conv.ClosedAt = &now
		conv.UpdatedAt = now
		if err := c.audit.PutConversation(ctx, conv); err != nil {
			return fmt.Errorf("%w: persist conversation: %v", ErrBackendUnavailable, err)
		}

		c.bus.PublishMessage(ctx, *notice)
		closed := domain.LifecycleEvent{
			EventID:        uuid.NewString(),
			Kind:           domain.EventConversationClosed,
			ConversationID: conv.ID,
			OccurredAt:     now,
			Conversation:   conv.Clone(),
		}
		c.bus.PublishLifecycle(ctx, closed)
		c.notifyLifecycle(closed)

		result = conv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns a conversation by id, or ErrNotFound.
func (c *Coordinator) Get(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	conv, err := c.audit.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	return conv, nil
}

// ConversationsForAgent returns agent's conversations, optionally
// filtered by status.
func (c *Coordinator) ConversationsForAgent(ctx context.Context, agentID string, status domain.Status) ([]domain.Conversation, error) {
	convs, err := c.audit.ListConversationsForAgent(ctx, agentID, status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return convs, nil
}

// Messages returns the ephemeral tail for conversationID, most-recent
// limit entries (0 = MessageTailDefault) in ascending timestamp order.
func (c *Coordinator) Messages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = c.cfg.MessageTailDefault
	}
	members, err := c.store.ZRange(ctx, c.names.ConversationMessages(conversationID), int64(-limit), -1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	out := make([]domain.Message, 0, len(members))
	for _, m := range members {
		var msg domain.Message
		if err := json.Unmarshal([]byte(m.Member), &msg); err != nil {
			slog.Warn("coordinator: dropped malformed message log entry", "conversation_id", conversationID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *Coordinator) appendToEphemeralLog(ctx context.Context, m *domain.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := c.names.ConversationMessages(m.ConversationID)
	if err := c.store.ZAdd(ctx, key, float64(m.Timestamp.UnixMilli()), string(payload)); err != nil {
		return err
	}
	return c.store.Expire(ctx, key, c.cfg.MessageRetention)
}

func (c *Coordinator) touchPresence(ctx context.Context, participantID string) error {
	if participantID == "" {
		return nil
	}
	return c.store.Set(ctx, c.names.Presence(participantID), "1", c.cfg.PresenceTTL)
}

// loadLocked fetches the conversation. Callers must already hold
// lock:conversation:{id}.
func (c *Coordinator) loadLocked(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	conv, err := c.audit.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	return conv, nil
}

func closureNotice(closedBy domain.Participant) string {
	switch closedBy.Type {
	case domain.ParticipantAgent:
		name := closedBy.DisplayName
		if name == "" {
			name = "The agent"
		}
		return fmt.Sprintf("%s has closed this chat. Feel free to start a new conversation if you need any more help.", name)
	case domain.ParticipantCustomer:
		return "You ended the chat."
	default:
		return "This conversation has been closed."
	}
}
