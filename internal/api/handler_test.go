//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatcoord/internal/assignment"
	"github.com/ashureev/chatcoord/internal/audit"
	"github.com/ashureev/chatcoord/internal/coordinator"
	"github.com/ashureev/chatcoord/internal/domain"
	"github.com/ashureev/chatcoord/internal/ephemeral"
	"github.com/ashureev/chatcoord/internal/eventbus"
	"github.com/ashureev/chatcoord/internal/keynamer"
	"github.com/ashureev/chatcoord/internal/queue"
)

func newTestHandler(t *testing.T) (*Handler, chi.Router) {
	t.Helper()
	store := ephemeral.NewMem()
	names := keynamer.New("chatcoord")
	q := queue.New(store, names)
	reg := assignment.New(store, names, 3)
	auditStore, err := audit.NewSQLite(t.TempDir() + "/audit.db")
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = auditStore.Close() })
	bus := eventbus.New(store, names)

	coord := coordinator.New(store, names, q, reg, auditStore, bus, coordinator.Config{
		AssignmentLeaseTTL: time.Minute,
		MessageMaxBytes:    4096,
		MessageRetention:   time.Hour,
		LockAcquireTimeout: time.Second,
		LockLeaseTTL:       5 * time.Second,
		PresenceTTL:        30 * time.Second,
		MessageTailDefault: 50,
	})

	h := NewHandler(coord, q, store, auditStore, 50)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return h, r
}

func TestStartConversationRequiresCustomerIdentity(t *testing.T) {
	_, r := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/conversations", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity headers, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStartQueueAcceptCloseHappyPath(t *testing.T) {
	_, r := newTestHandler(t)

	startReq := httptest.NewRequest(http.MethodPost, "/api/conversations", bytes.NewBufferString(`{"attributes":{"plan":"pro"}}`))
	startReq.Header.Set("X-Participant-Id", "cust-1")
	startReq.Header.Set("X-Participant-Name", "Jane")
	startRec := httptest.NewRecorder()
	r.ServeHTTP(startRec, startReq)
	if startRec.Code != http.StatusCreated {
		t.Fatalf("expected 201 starting conversation, got %d: %s", startRec.Code, startRec.Body.String())
	}
	var conv domain.Conversation
	if err := json.NewDecoder(startRec.Body).Decode(&conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}

	queueReq := httptest.NewRequest(http.MethodPost, "/api/conversations/"+conv.ID+"/queue", bytes.NewBufferString(`{"channel":"web"}`))
	queueRec := httptest.NewRecorder()
	r.ServeHTTP(queueRec, queueReq)
	if queueRec.Code != http.StatusOK {
		t.Fatalf("expected 200 queueing conversation, got %d: %s", queueRec.Code, queueRec.Body.String())
	}

	acceptReq := httptest.NewRequest(http.MethodPost, "/api/agent/conversations/"+conv.ID+"/accept", bytes.NewBufferString(`{"agentId":"ag-1","displayName":"Bob"}`))
	acceptRec := httptest.NewRecorder()
	r.ServeHTTP(acceptRec, acceptReq)
	if acceptRec.Code != http.StatusOK {
		t.Fatalf("expected 200 accepting conversation, got %d: %s", acceptRec.Code, acceptRec.Body.String())
	}

	closeReq := httptest.NewRequest(http.MethodPost, "/api/agent/conversations/"+conv.ID+"/close", bytes.NewBufferString(`{"agentId":"ag-1","displayName":"Bob"}`))
	closeRec := httptest.NewRecorder()
	r.ServeHTTP(closeRec, closeReq)
	if closeRec.Code != http.StatusOK {
		t.Fatalf("expected 200 closing conversation, got %d: %s", closeRec.Code, closeRec.Body.String())
	}
	var closed domain.Conversation
	if err := json.NewDecoder(closeRec.Body).Decode(&closed); err != nil {
		t.Fatalf("decode closed conversation: %v", err)
	}
	if closed.Status != domain.StatusClosed {
		t.Fatalf("expected CLOSED, got %s", closed.Status)
	}
}

func TestCloseUnknownConversationReturnsNotFound(t *testing.T) {
	_, r := newTestHandler(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/conversations/does-not-exist", nil)
	req.Header.Set("X-Participant-Id", "cust-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthReportsOK(t *testing.T) {
	_, r := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}
