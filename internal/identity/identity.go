// Package identity resolves the Participant behind an inbound HTTP
// request or gateway handshake (spec.md §3, §4.E): customers are
// identified by an opaque token plus device fingerprint, agents by an
// opaque agent id. SYSTEM is a sentinel reserved for the coordinator's
// own closure notices and is never accepted at the boundary.
package identity

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/chatcoord/internal/domain"
)

// ErrUnauthorized is returned when identity resolution refuses the
// request: missing token/id, malformed id, or an attempt to assume the
// SYSTEM role.
var ErrUnauthorized = errors.New("identity: unauthorized")

const (
	participantIDHeader   = "X-Participant-Id"
	participantNameHeader = "X-Participant-Name"
)

var opaqueIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

func isValidOpaqueID(id string) bool {
	return opaqueIDPattern.MatchString(id)
}

// ResolveCustomerFromHTTP builds a CUSTOMER Participant from the REST
// identity headers, per spec.md §6's "Headers may carry X-Participant-Id,
// X-Participant-Name."
func ResolveCustomerFromHTTP(r *http.Request) (domain.Participant, error) {
	id := strings.TrimSpace(r.Header.Get(participantIDHeader))
	name := strings.TrimSpace(r.Header.Get(participantNameHeader))
	return ResolveCustomer(id, name, "")
}

// ResolveCustomer builds a CUSTOMER Participant from a token, display
// name, and optional device fingerprint. fingerprint is carried as an
// attribute and never interpreted by the coordinator (spec.md §3).
func ResolveCustomer(token, displayName, fingerprint string) (domain.Participant, error) {
	token = strings.TrimSpace(token)
	if token == "" || !isValidOpaqueID(token) {
		return domain.Participant{}, fmt.Errorf("%w: missing or malformed customer token", ErrUnauthorized)
	}
	if displayName == "" {
		displayName = "Customer"
	}
	p := domain.Participant{ID: token, Type: domain.ParticipantCustomer, DisplayName: displayName}
	if fingerprint != "" {
		p.Attributes = map[string]string{"fingerprint": fingerprint}
	}
	return p, nil
}

// ResolveAgent builds an AGENT Participant from an opaque agent id and
// display name, e.g. the `{agentId, displayName}` body carried by the
// agent-facing HTTP endpoints in spec.md §6.
func ResolveAgent(agentID, displayName string) (domain.Participant, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" || !isValidOpaqueID(agentID) {
		return domain.Participant{}, fmt.Errorf("%w: missing or malformed agent id", ErrUnauthorized)
	}
	if displayName == "" {
		displayName = "Agent"
	}
	return domain.Participant{ID: agentID, Type: domain.ParticipantAgent, DisplayName: displayName}, nil
}

// ResolveHandshake builds a Participant from a realtime gateway
// handshake's role, token, displayName, and optional fingerprint
// (spec.md §4.E). "system" is rejected: SYSTEM is forbidden at the
// boundary.
func ResolveHandshake(role, token, displayName, fingerprint string) (domain.Participant, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "customer":
		return ResolveCustomer(token, displayName, fingerprint)
	case "agent":
		return ResolveAgent(token, displayName)
	case "system":
		return domain.Participant{}, fmt.Errorf("%w: system role is not a valid handshake role", ErrUnauthorized)
	default:
		return domain.Participant{}, fmt.Errorf("%w: unknown role %q", ErrUnauthorized, role)
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
