// Package gateway's websocket.go is the connection handler itself:
// accept, handshake, and the reader/writer loop pair. Grounded directly
// on internal/terminal/websocket.go — same Accept/OriginPatterns shape,
// same wsWriter/writeJSON idiom, same two-goroutine-per-connection
// structure, generalized from one input+output loop over a container
// exec stream to a reader loop plus three per-event-class writer
// channels (spec.md §9).
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/chatcoord/internal/coordinator"
	"github.com/ashureev/chatcoord/internal/domain"
	"github.com/ashureev/chatcoord/internal/eventbus"
	"github.com/ashureev/chatcoord/internal/identity"
	"github.com/ashureev/chatcoord/internal/queue"
)

// Handler upgrades HTTP connections to the conversation room protocol
// and fans out lifecycle/message events from the event bus into the
// right rooms.
type Handler struct {
	coord             *coordinator.Coordinator
	queue             *queue.Engine
	bus               *eventbus.Bus
	rooms             *rooms
	allowedOrigin     string
	isDev             bool
	queueBroadcastMax int

	lifecycleSub *eventbus.LifecycleSubscription
	messageSub   *eventbus.MessageSubscription
	stop         context.CancelFunc
}

// NewHandler builds a Handler. Call Start before serving connections so
// the bus subscription is live before any client can observe a gap
// (spec.md §9's "subscribe-before-publish").
func NewHandler(coord *coordinator.Coordinator, q *queue.Engine, bus *eventbus.Bus, allowedOrigin string, isDev bool, queueBroadcastMax int) *Handler {
	return &Handler{
		coord:             coord,
		queue:             q,
		bus:               bus,
		rooms:             newRooms(),
		allowedOrigin:     allowedOrigin,
		isDev:             isDev,
		queueBroadcastMax: queueBroadcastMax,
	}
}

// Start subscribes to the event bus and begins fanning events out to rooms.
func (h *Handler) Start(ctx context.Context) error {
	lifecycleSub, err := h.bus.SubscribeLifecycle(ctx)
	if err != nil {
		return err
	}
	messageSub, err := h.bus.SubscribeMessages(ctx)
	if err != nil {
		_ = lifecycleSub.Close()
		return err
	}
	h.lifecycleSub = lifecycleSub
	h.messageSub = messageSub

	dispatchCtx, cancel := context.WithCancel(ctx)
	h.stop = cancel

	go h.dispatchLifecycle(dispatchCtx)
	go h.dispatchMessages(dispatchCtx)
	return nil
}

// Stop closes the bus subscriptions and halts dispatch.
func (h *Handler) Stop() {
	if h.stop != nil {
		h.stop()
	}
	if h.lifecycleSub != nil {
		_ = h.lifecycleSub.Close()
	}
	if h.messageSub != nil {
		_ = h.messageSub.Close()
	}
}

func (h *Handler) dispatchLifecycle(ctx context.Context) {
	events := h.lifecycleSub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.rooms.broadcastSystemEvent(ev.ConversationID, ev)
			switch ev.Kind {
			case domain.EventConversationQueued, domain.EventConversationAccepted, domain.EventConversationReassigned:
				h.broadcastQueueSnapshot(ctx)
			}
		}
	}
}

func (h *Handler) dispatchMessages(ctx context.Context) {
	events := h.messageSub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-events:
			if !ok {
				return
			}
			h.rooms.broadcastMessage(m.ConversationID, m)
		}
	}
}

func (h *Handler) broadcastQueueSnapshot(ctx context.Context) {
	entries, err := h.queue.List(ctx, h.queueBroadcastMax)
	if err != nil {
		slog.Error("gateway: failed to list queue for snapshot broadcast", "error", err)
		return
	}
	h.rooms.broadcastQueueSnapshot(entries)
}

// serverEnvelope is the one wire shape every server->client frame uses;
// event names the ones called for in spec.md §4.E.
type serverEnvelope struct {
	Event        string               `json:"event"`
	Participant  *domain.Participant  `json:"participant,omitempty"`
	Conversation *domain.Conversation `json:"conversation,omitempty"`
	Message      *domain.Message      `json:"message,omitempty"`
	Queue        []domain.QueueEntry  `json:"queue,omitempty"`
	Payload      any                  `json:"payload,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// clientFrame is the one wire shape every client->server frame uses.
type clientFrame struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
}

// ServeHTTP upgrades the connection, resolves the caller's identity and
// room membership, and runs the reader/writer loop pair until the
// connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	q := r.URL.Query()
	role := q.Get("role")
	token := q.Get("token")
	displayName := q.Get("displayName")
	conversationID := q.Get("conversationId")
	fingerprint := q.Get("fingerprint")
	scope := q.Get("scope")

	participant, err := identity.ResolveHandshake(role, token, displayName, fingerprint)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	remoteIP := identity.IPFromRequest(r)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("gateway: failed to accept websocket", "error", err, "participant_id", participant.ID, "remote_ip", remoteIP)
		return
	}
	slog.Debug("gateway: connection accepted", "participant_id", participant.ID, "remote_ip", remoteIP)
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "session ended")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var conv *domain.Conversation
	if conversationID != "" {
		conv, err = h.authorizeRoom(ctx, participant, conversationID)
		if err != nil {
			h.writeFatalError(ctx, ws, err.Error())
			return
		}
	} else if participant.Type == domain.ParticipantCustomer {
		conv, err = h.coord.Start(ctx, participant, nil)
		if err != nil {
			h.writeFatalError(ctx, ws, err.Error())
			return
		}
		conversationID = conv.ID
	}

	sess := newSession(ws, participant)
	defer sess.close()

	if conversationID != "" {
		h.rooms.join(conversationID, sess)
		defer h.rooms.leave(conversationID, sess)
	}
	if participant.Type == domain.ParticipantAgent && strings.EqualFold(scope, "queue") {
		h.rooms.join(queueRoom, sess)
		defer h.rooms.leave(queueRoom, sess)
	}

	sess.offerSystemEvent(map[string]any{
		"handshake":    true,
		"participant":  participant,
		"conversation": conv,
	})
	if strings.EqualFold(scope, "queue") {
		if entries, err := h.queue.List(ctx, h.queueBroadcastMax); err == nil {
			sess.offerQueueSnapshot(entries)
		}
	}

	go h.writeLoop(ctx, ws, sess)
	h.readLoop(ctx, ws, sess)
}

// authorizeRoom loads the conversation and, for agents, confirms
// ownership before granting room membership. A CLOSED conversation is
// rejected the same way a missing one is: no one may join its room.
func (h *Handler) authorizeRoom(ctx context.Context, participant domain.Participant, conversationID string) (*domain.Conversation, error) {
	conv, err := h.coord.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.IsTerminal() {
		return nil, coordinator.ErrAlreadyClosed
	}
	if participant.Type == domain.ParticipantAgent {
		if conv.Agent == nil || conv.Agent.ID != participant.ID {
			return nil, coordinator.ErrConflictOwner
		}
	} else if conv.Customer.ID != participant.ID {
		return nil, coordinator.ErrUnauthorized
	}
	return conv, nil
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("gateway: origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, sess *session) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sess.offerSystemEvent(map[string]string{"error": "malformed frame"})
			continue
		}

		switch frame.Event {
		case "chat:message":
			h.handleChatMessage(ctx, sess, frame)
		default:
			sess.offerSystemEvent(map[string]string{"error": "unknown event: " + frame.Event})
		}
	}
}

// handleChatMessage persists the message through the coordinator; the
// coordinator's event-bus publish is what actually delivers it back to
// this session's room (including the sender), so there is no direct
// offer here — that would double-deliver it.
func (h *Handler) handleChatMessage(ctx context.Context, sess *session, frame clientFrame) {
	if strings.EqualFold(frame.Type, string(domain.MessageSystem)) {
		sess.offerSystemEvent(map[string]string{"error": "clients cannot author SYSTEM messages"})
		return
	}

	if _, err := h.coord.SendMessage(ctx, frame.ConversationID, sess.participant, frame.Content, domain.MessageText); err != nil {
		sess.offerSystemEvent(map[string]string{"event": "chat:message:ack", "error": err.Error()})
	}
}

func (h *Handler) writeLoop(ctx context.Context, ws *websocket.Conn, sess *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			return
		case m := <-sess.messages:
			h.writeJSON(ctx, ws, serverEnvelope{Event: "chat:message", Message: &m})
		case v := <-sess.systemEvents:
			h.writeJSON(ctx, ws, serverEnvelope{Event: "system:event", Payload: v})
		case entries := <-sess.queueSnapshots:
			h.writeJSON(ctx, ws, serverEnvelope{Event: "queue:snapshot", Queue: entries})
		}
	}
}

func (h *Handler) writeFatalError(ctx context.Context, ws *websocket.Conn, message string) {
	h.writeJSON(ctx, ws, serverEnvelope{Event: "system:error", Error: message})
	_ = ws.Close(websocket.StatusPolicyViolation, message)
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("gateway: failed to marshal outbound frame", "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("gateway: write failed, connection likely closing", "error", err)
	}
}
