package identity

import (
	"errors"
	"net/http"
	"testing"

	"github.com/ashureev/chatcoord/internal/domain"
)

func TestResolveCustomerRequiresToken(t *testing.T) {
	if _, err := ResolveCustomer("", "Jane", ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for empty token, got %v", err)
	}
}

func TestResolveCustomerDefaultsDisplayName(t *testing.T) {
	p, err := ResolveCustomer("cust-123", "", "fp-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Type != domain.ParticipantCustomer {
		t.Fatalf("expected CUSTOMER type, got %v", p.Type)
	}
	if p.DisplayName != "Customer" {
		t.Fatalf("expected default display name, got %q", p.DisplayName)
	}
	if p.Attributes["fingerprint"] != "fp-abc" {
		t.Fatalf("expected fingerprint attribute to be carried, got %v", p.Attributes)
	}
}

func TestResolveCustomerRejectsMalformedToken(t *testing.T) {
	if _, err := ResolveCustomer("has a space", "Jane", ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for malformed token, got %v", err)
	}
}

func TestResolveAgentRequiresID(t *testing.T) {
	if _, err := ResolveAgent("", "Agent Smith"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for empty agent id, got %v", err)
	}
}

func TestResolveAgentSucceeds(t *testing.T) {
	p, err := ResolveAgent("ag-1", "Agent Smith")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Type != domain.ParticipantAgent || p.ID != "ag-1" || p.DisplayName != "Agent Smith" {
		t.Fatalf("unexpected participant: %+v", p)
	}
}

func TestResolveHandshakeRejectsSystemRole(t *testing.T) {
	if _, err := ResolveHandshake("system", "anything", "", ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for system role, got %v", err)
	}
}

func TestResolveHandshakeRejectsUnknownRole(t *testing.T) {
	if _, err := ResolveHandshake("supervisor", "tok", "", ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unknown role, got %v", err)
	}
}

func TestResolveHandshakeCustomerAndAgent(t *testing.T) {
	cust, err := ResolveHandshake("customer", "cust-1", "Jane", "fp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cust.Type != domain.ParticipantCustomer {
		t.Fatalf("expected CUSTOMER, got %v", cust.Type)
	}

	agent, err := ResolveHandshake("agent", "ag-2", "Bob", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agent.Type != domain.ParticipantAgent {
		t.Fatalf("expected AGENT, got %v", agent.Type)
	}
}

func TestResolveCustomerFromHTTPReadsHeaders(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "/api/conversations", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set(participantIDHeader, "cust-99")
	req.Header.Set(participantNameHeader, "Jane Doe")

	p, err := ResolveCustomerFromHTTP(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "cust-99" || p.DisplayName != "Jane Doe" {
		t.Fatalf("unexpected participant: %+v", p)
	}
}

func TestIPFromRequestStripsPort(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.RemoteAddr = "203.0.113.5:54321"
	if got := IPFromRequest(req); got != "203.0.113.5" {
		t.Fatalf("expected stripped IP, got %q", got)
	}
}
