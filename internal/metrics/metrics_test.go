package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorderExportsRegisteredSeries(t *testing.T) {
	r := New()
	r.SetQueueDepth(3)
	r.RecordClaim("CLAIMED")
	r.RecordMessage("CUSTOMER")
	r.IncOpenConversations()
	r.IncOpenConversations()
	r.ObserveLockWait(15 * time.Millisecond)
	r.RecordLockContention()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"chatcoord_queue_depth 3",
		`chatcoord_claims_total{outcome="CLAIMED"} 1`,
		`chatcoord_messages_total{sender_type="CUSTOMER"} 1`,
		"chatcoord_conversations_open 2",
		"chatcoord_lock_contention_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q\nfull output:\n%s", want, body)
		}
	}
}
