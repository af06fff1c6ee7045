// Package api provides the chat coordinator's REST surface (spec.md §6):
// conversation lifecycle endpoints for customers and agents, plus the
// ambient health endpoint (/metrics is mounted by cmd/server from the
// metrics recorder, not by this package). Handler composition and the
// JSON/Error helpers follow the teacher's internal/api/handler.go.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatcoord/internal/audit"
	"github.com/ashureev/chatcoord/internal/coordinator"
	"github.com/ashureev/chatcoord/internal/domain"
	"github.com/ashureev/chatcoord/internal/ephemeral"
	"github.com/ashureev/chatcoord/internal/identity"
	"github.com/ashureev/chatcoord/internal/queue"
)

// Handler holds the dependencies the REST surface needs: the
// coordinator for lifecycle transitions, the queue engine for the
// agent queue snapshot, and the two backends health pings against.
type Handler struct {
	coord     *coordinator.Coordinator
	queue     *queue.Engine
	ephemeral ephemeral.Store
	audit     audit.Store

	queueSnapshotMax int
}

// NewHandler builds a Handler. queueSnapshotMax bounds the page size
// GET /api/agent/queue will return (queue.broadcastMaxEntries, spec.md §6).
func NewHandler(coord *coordinator.Coordinator, q *queue.Engine, store ephemeral.Store, auditStore audit.Store, queueSnapshotMax int) *Handler {
	return &Handler{
		coord:            coord,
		queue:            q,
		ephemeral:        store,
		audit:            auditStore,
		queueSnapshotMax: queueSnapshotMax,
	}
}

// RegisterRoutes mounts the REST surface on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/conversations", h.startConversation)
	r.Post("/api/conversations/{id}/queue", h.queueConversation)
	r.Get("/api/conversations/{id}/messages", h.customerMessages)
	r.Post("/api/conversations/{id}/messages", h.sendMessageREST)
	r.Delete("/api/conversations/{id}", h.closeByCustomer)

	r.Get("/api/agent/queue", h.agentQueue)
	r.Post("/api/agent/conversations/{id}/accept", h.acceptConversation)
	r.Get("/api/agent/conversations", h.agentConversations)
	r.Get("/api/agent/conversations/{id}/messages", h.agentMessages)
	r.Post("/api/agent/conversations/{id}/close", h.closeByAgent)

	r.Get("/health", h.health)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeCoordinatorError maps the coordinator's error taxonomy (spec.md §7)
// onto HTTP status codes.
func writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, coordinator.ErrAlreadyClosed):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, coordinator.ErrConflictOwner):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, coordinator.ErrNoLongerAvailable):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, coordinator.ErrAgentCapacityExceeded):
		Error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, coordinator.ErrInvalidArgument):
		Error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, coordinator.ErrContention):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, coordinator.ErrUnauthorized), errors.Is(err, identity.ErrUnauthorized):
		Error(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, coordinator.ErrBackendUnavailable):
		Error(w, http.StatusServiceUnavailable, err.Error())
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

type startConversationRequest struct {
	Attributes map[string]string `json:"attributes"`
}

func (h *Handler) startConversation(w http.ResponseWriter, r *http.Request) {
	customer, err := identity.ResolveCustomerFromHTTP(r)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	var req startConversationRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body is valid: no attributes
	}

	conv, err := h.coord.Start(r.Context(), customer, req.Attributes)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	JSON(w, http.StatusCreated, conv)
}

type queueConversationRequest struct {
	Channel string `json:"channel"`
}

func (h *Handler) queueConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req queueConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := h.coord.QueueForAgent(r.Context(), id, req.Channel)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	JSON(w, http.StatusOK, conv)
}

func (h *Handler) customerMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := parseIntParam(r, "limit", 0)

	msgs, err := h.coord.Messages(r.Context(), id, limit)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	JSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	SenderID          string `json:"senderId"`
	SenderDisplayName string `json:"senderDisplayName"`
	SenderType        string `json:"senderType"`
	Content           string `json:"content"`
	Type              string `json:"type"`
}

func (h *Handler) sendMessageREST(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var sender domain.Participant
	var err error
	switch strings.ToUpper(strings.TrimSpace(req.SenderType)) {
	case string(domain.ParticipantAgent):
		sender, err = identity.ResolveAgent(req.SenderID, req.SenderDisplayName)
	default:
		sender, err = identity.ResolveCustomer(req.SenderID, req.SenderDisplayName, "")
	}
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}

	msgType := domain.MessageText
	if strings.ToUpper(strings.TrimSpace(req.Type)) == string(domain.MessageSystem) {
		// A client may never author a SYSTEM message; that role is reserved
		// for the coordinator's own closure notices.
		Error(w, http.StatusUnprocessableEntity, "clients cannot author SYSTEM messages")
		return
	}

	msg, err := h.coord.SendMessage(r.Context(), id, sender, req.Content, msgType)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	JSON(w, http.StatusCreated, msg)
}

func (h *Handler) closeByCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	customer, err := identity.ResolveCustomerFromHTTP(r)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}

	conv, err := h.coord.CloseConversation(r.Context(), id, customer)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	JSON(w, http.StatusOK, conv)
}

func (h *Handler) agentQueue(w http.ResponseWriter, r *http.Request) {
	page := parseIntParam(r, "page", 0)
	size := parseIntParam(r, "size", h.queueSnapshotMax)
	if size <= 0 || size > h.queueSnapshotMax {
		size = h.queueSnapshotMax
	}

	entries, err := h.queue.List(r.Context(), 0)
	if err != nil {
		writeCoordinatorError(w, coordinator.ErrBackendUnavailable)
		return
	}

	start := page * size
	if start > len(entries) {
		start = len(entries)
	}
	end := start + size
	if end > len(entries) {
		end = len(entries)
	}
	JSON(w, http.StatusOK, entries[start:end])
}

type acceptConversationRequest struct {
	AgentID     string `json:"agentId"`
	DisplayName string `json:"displayName"`
}

func (h *Handler) acceptConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req acceptConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agent, err := identity.ResolveAgent(req.AgentID, req.DisplayName)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}

	conv, err := h.coord.AcceptConversation(r.Context(), agent, id)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	JSON(w, http.StatusOK, conv)
}

func (h *Handler) agentConversations(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get("X-Participant-Id")
	if agentID == "" {
		Error(w, http.StatusUnauthorized, "missing agent identity")
		return
	}
	status := domain.Status(strings.ToUpper(r.URL.Query().Get("status")))

	convs, err := h.coord.ConversationsForAgent(r.Context(), agentID, status)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	JSON(w, http.StatusOK, convs)
}

func (h *Handler) agentMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agentID := r.Header.Get("X-Participant-Id")

	conv, err := h.coord.Get(r.Context(), id)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	if conv.Agent == nil || conv.Agent.ID != agentID {
		Error(w, http.StatusForbidden, "not the owning agent")
		return
	}

	limit := parseIntParam(r, "limit", 0)
	msgs, err := h.coord.Messages(r.Context(), id, limit)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	JSON(w, http.StatusOK, msgs)
}

type closeByAgentRequest struct {
	AgentID     string `json:"agentId"`
	DisplayName string `json:"displayName"`
}

func (h *Handler) closeByAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req closeByAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agent, err := identity.ResolveAgent(req.AgentID, req.DisplayName)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}

	conv, err := h.coord.CloseConversation(r.Context(), id, agent)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	JSON(w, http.StatusOK, conv)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"ephemeral": "ok", "audit": "ok"}

	if err := h.ephemeral.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["ephemeral"] = err.Error()
	}
	if err := h.audit.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["audit"] = err.Error()
	}
	JSON(w, status, body)
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
